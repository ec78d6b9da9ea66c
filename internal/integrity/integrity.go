// Package integrity protects stored files with checksums, compressed backups,
// and automatic recovery. Verification never fails outright on a missing
// file; it surfaces the condition as an invalid result with an actionable
// recommendation so callers decide whether to recover or recreate.
package integrity

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// taskRecordSchema is the structural contract for persisted task records.
// Absence of the internal metadata namespace is a typed corruption, not a
// missing-key lookup.
const taskRecordSchema = `{
	"type": "object",
	"required": ["id", "contextId", "state", "metadata"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"contextId": {"type": "string"},
		"state": {
			"type": "string",
			"enum": ["submitted", "working", "input-required", "completed", "failed", "canceled"]
		},
		"metadata": {
			"type": "object",
			"required": ["version", "internalState"],
			"properties": {
				"version": {"type": "integer", "minimum": 1},
				"internalState": {"type": "object"}
			}
		}
	}
}`

// ErrIntegrityViolation marks a checksum mismatch discovered during restore.
var ErrIntegrityViolation = errors.New("integrity violation")

// Config tunes backup retention.
type Config struct {
	Compress    bool          // gzip backup content by default
	MaxAge      time.Duration // backups older than this are pruned
	MaxVersions int           // per-path version cap (critical exempt)
}

// Manager performs verification, backup, and recovery for files under a
// shared storage directory.
type Manager struct {
	backupDir   string
	recoveryDir string
	cfg         Config
	logger      *slog.Logger
	schema      *jsonschema.Schema

	mu sync.Mutex // serializes recovery-record writes
}

// NewManager creates a Manager with backup and recovery record directories
// under root.
func NewManager(root string, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 14 * 24 * time.Hour
	}
	if cfg.MaxVersions <= 0 {
		cfg.MaxVersions = 10
	}
	backupDir := filepath.Join(root, "backups")
	recoveryDir := filepath.Join(root, "recovery")
	for _, dir := range []string{backupDir, recoveryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create integrity dir: %w", err)
		}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskRecordSchema))
	if err != nil {
		return nil, fmt.Errorf("parse task record schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("taskrecord.json", doc); err != nil {
		return nil, fmt.Errorf("register task record schema: %w", err)
	}
	schema, err := compiler.Compile("taskrecord.json")
	if err != nil {
		return nil, fmt.Errorf("compile task record schema: %w", err)
	}

	return &Manager{
		backupDir:   backupDir,
		recoveryDir: recoveryDir,
		cfg:         cfg,
		logger:      logger,
		schema:      schema,
	}, nil
}

// VerifyResult reports the outcome of a verification.
type VerifyResult struct {
	Path           string `json:"path"`
	Valid          bool   `json:"valid"`
	Checksum       string `json:"checksum,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

// Verify computes the file's SHA-256 digest and compares it against
// expectedChecksum when given. Without an expected value it performs
// best-effort structural validation: non-empty, and for JSON content that
// looks like a task record, conformance to the record schema.
func (m *Manager) Verify(path, expectedChecksum string) (VerifyResult, error) {
	res := VerifyResult{Path: path}

	data, err := readMaybeGzip(path)
	if err != nil {
		if os.IsNotExist(err) {
			res.Reason = "file does not exist"
			res.Recommendation = "restore from the most recent backup or recreate the file"
			return res, nil
		}
		return res, fmt.Errorf("read %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	res.Checksum = hex.EncodeToString(sum[:])

	if expectedChecksum != "" {
		if res.Checksum != expectedChecksum {
			res.Reason = "checksum mismatch"
			res.Recommendation = "run auto-recovery to restore the last good backup"
			return res, nil
		}
		res.Valid = true
		return res, nil
	}

	if len(data) == 0 {
		res.Reason = "file is empty"
		res.Recommendation = "restore from backup"
		return res, nil
	}

	if isJSONPath(path) {
		value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			res.Reason = "content is not valid JSON"
			res.Recommendation = "run auto-recovery to restore the last good backup"
			return res, nil
		}
		if looksLikeTaskRecord(value) {
			if err := m.schema.Validate(value); err != nil {
				res.Reason = fmt.Sprintf("task record schema violation: %v", err)
				res.Recommendation = "run auto-recovery to restore the last good backup"
				return res, nil
			}
		}
	}

	res.Valid = true
	return res, nil
}

// looksLikeTaskRecord reports whether a decoded JSON value carries the task
// envelope keys; only those documents are held to the record schema.
func looksLikeTaskRecord(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, hasID := obj["id"]
	_, hasMeta := obj["metadata"]
	return hasID && hasMeta
}

func isJSONPath(path string) bool {
	return strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.gz")
}

// readMaybeGzip reads a file, transparently decompressing .gz content so
// checksums always cover the logical bytes.
func readMaybeGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	}
	return io.ReadAll(f)
}

// Checksum returns the hex SHA-256 of the file's logical content.
func Checksum(path string) (string, error) {
	data, err := readMaybeGzip(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
