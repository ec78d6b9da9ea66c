package integrity

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcored/internal/audit"
)

// Backup priorities. Critical backups are exempt from count-based eviction.
const (
	PriorityNormal   = "normal"
	PriorityCritical = "critical"
)

// Recovery operation statuses.
const (
	RecoveryInitiated  = "initiated"
	RecoveryInProgress = "in_progress"
	RecoveryCompleted  = "completed"
	RecoveryFailed     = "failed"
)

// RetentionPolicy bounds how long and how many versions of a backup survive.
type RetentionPolicy struct {
	MaxAgeDays  int    `json:"maxAgeDays"`
	MaxVersions int    `json:"maxVersions"`
	Priority    string `json:"priority"`
}

// BackupMetadata records a point-in-time copy of a file. Immutable once written.
type BackupMetadata struct {
	BackupID     string          `json:"backupId"`
	OriginalPath string          `json:"originalPath"`
	BackupPath   string          `json:"backupPath"`
	Checksum     string          `json:"checksum"`
	Type         string          `json:"type"`
	Compressed   bool            `json:"compressed"`
	SizeBytes    int64           `json:"sizeBytes"`
	CreatedAt    time.Time       `json:"createdAt"`
	Retention    RetentionPolicy `json:"retentionPolicy"`
}

// RecoveryOperation is an append-only audit entry for a restore or repair.
type RecoveryOperation struct {
	OperationID string     `json:"operationId"`
	BackupID    string     `json:"backupId"`
	TargetPath  string     `json:"targetPath"`
	Status      string     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BackupOptions selects type, compression, and retention priority.
type BackupOptions struct {
	Type     string // e.g. "pre-save", "pre-restore", "manual"
	Compress *bool  // nil uses the manager default
	Priority string // "" means normal
}

// Backup copies the file (optionally gzip-compressed) to a timestamped
// location keyed by the original path, and registers retention metadata.
func (m *Manager) Backup(path string, opts BackupOptions) (*BackupMetadata, error) {
	data, err := readMaybeGzip(path)
	if err != nil {
		return nil, fmt.Errorf("read backup source: %w", err)
	}

	compress := m.cfg.Compress
	if opts.Compress != nil {
		compress = *opts.Compress
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	bType := opts.Type
	if bType == "" {
		bType = "manual"
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("b-%s-%d", pathKey(path), now.UnixNano())
	name := id + ".bak"
	if compress {
		name += ".gz"
	}
	backupPath := filepath.Join(m.backupDir, name)

	if err := writeFileAtomic(backupPath, data, compress); err != nil {
		return nil, fmt.Errorf("write backup content: %w", err)
	}

	checksum, err := Checksum(backupPath)
	if err != nil {
		return nil, fmt.Errorf("checksum backup: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}

	meta := &BackupMetadata{
		BackupID:     id,
		OriginalPath: path,
		BackupPath:   backupPath,
		Checksum:     checksum,
		Type:         bType,
		Compressed:   compress,
		SizeBytes:    info.Size(),
		CreatedAt:    now,
		Retention: RetentionPolicy{
			MaxAgeDays:  int(m.cfg.MaxAge.Hours() / 24),
			MaxVersions: m.cfg.MaxVersions,
			Priority:    priority,
		},
	}
	if err := m.writeMetadata(meta); err != nil {
		return nil, err
	}

	m.logger.Debug("backup written", "backup_id", id, "path", path, "compressed", compress)
	if err := m.enforceRetention(path); err != nil {
		m.logger.Warn("backup retention enforcement failed", "path", path, "error", err)
	}
	return meta, nil
}

// Restore copies a backup's content back into place. The current target is
// snapshotted first, the backup's own integrity is verified before the
// restore, and the restored file is re-verified against the backup's
// recorded checksum afterwards.
func (m *Manager) Restore(backupID, targetPath string) (*RecoveryOperation, error) {
	meta, err := m.loadMetadata(backupID)
	if err != nil {
		return nil, fmt.Errorf("load backup metadata: %w", err)
	}
	if targetPath == "" {
		targetPath = meta.OriginalPath
	}

	op := &RecoveryOperation{
		OperationID: uuid.NewString(),
		BackupID:    backupID,
		TargetPath:  targetPath,
		Status:      RecoveryInitiated,
		StartedAt:   time.Now().UTC(),
	}
	m.writeRecoveryRecord(op)

	fail := func(cause error) (*RecoveryOperation, error) {
		op.Status = RecoveryFailed
		op.Outcome = cause.Error()
		now := time.Now().UTC()
		op.CompletedAt = &now
		m.writeRecoveryRecord(op)
		audit.Record("recovery", "restore", audit.OutcomeFailed, targetPath, cause.Error())
		return op, cause
	}

	// Snapshot whatever is currently at the target so a bad restore is itself
	// recoverable.
	if _, err := os.Stat(targetPath); err == nil {
		if _, err := m.Backup(targetPath, BackupOptions{Type: "pre-restore"}); err != nil {
			m.logger.Warn("pre-restore snapshot failed", "path", targetPath, "error", err)
		}
	}

	op.Status = RecoveryInProgress
	m.writeRecoveryRecord(op)

	// The backup itself must verify before we trust it.
	backupSum, err := Checksum(meta.BackupPath)
	if err != nil {
		return fail(fmt.Errorf("verify backup content: %w", err))
	}
	if backupSum != meta.Checksum {
		return fail(fmt.Errorf("%w: backup %s failed its own check", ErrIntegrityViolation, backupID))
	}

	data, err := readMaybeGzip(meta.BackupPath)
	if err != nil {
		return fail(fmt.Errorf("read backup content: %w", err))
	}
	if err := writeFileAtomic(targetPath, data, strings.HasSuffix(targetPath, ".gz")); err != nil {
		return fail(fmt.Errorf("write restored file: %w", err))
	}

	restoredSum, err := Checksum(targetPath)
	if err != nil {
		return fail(fmt.Errorf("verify restored file: %w", err))
	}
	if restoredSum != meta.Checksum {
		return fail(fmt.Errorf("%w: restored file checksum mismatch for %s", ErrIntegrityViolation, targetPath))
	}

	op.Status = RecoveryCompleted
	op.Outcome = fmt.Sprintf("restored %s from backup %s", targetPath, backupID)
	now := time.Now().UTC()
	op.CompletedAt = &now
	m.writeRecoveryRecord(op)
	audit.Record("recovery", "restore", audit.OutcomeApplied, targetPath, backupID)
	m.logger.Info("file restored from backup", "backup_id", backupID, "path", targetPath)
	return op, nil
}

// AutoRecover restores the newest backup registered for path. Returns
// (nil, nil) when no backup exists.
func (m *Manager) AutoRecover(path string) (*RecoveryOperation, error) {
	metas, err := m.backupsFor(path)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, nil
	}
	newest := metas[0]
	m.logger.Info("auto-recovery starting", "path", path, "backup_id", newest.BackupID)
	return m.Restore(newest.BackupID, path)
}

// SweepResult summarizes one verification sweep.
type SweepResult struct {
	Verified  int
	Invalid   int
	Recovered int
	Pruned    int
}

// Sweep re-verifies every file with at least one backup, auto-recovers
// failures, then applies retention cleanup.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	paths, err := m.backedUpPaths()
	if err != nil {
		return res, err
	}
	for _, path := range paths {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		vr, err := m.Verify(path, "")
		if err != nil {
			m.logger.Warn("sweep verification failed", "path", path, "error", err)
			continue
		}
		res.Verified++
		if vr.Valid {
			continue
		}
		res.Invalid++
		m.logger.Warn("sweep found invalid file", "path", path, "reason", vr.Reason)
		if op, err := m.AutoRecover(path); err != nil {
			m.logger.Error("sweep auto-recovery failed", "path", path, "error", err)
		} else if op != nil {
			res.Recovered++
		}
	}
	for _, path := range paths {
		pruned, err := m.pruneFor(path)
		if err != nil {
			m.logger.Warn("retention cleanup failed", "path", path, "error", err)
			continue
		}
		res.Pruned += pruned
	}
	return res, nil
}

// enforceRetention applies the count cap immediately after a new backup.
func (m *Manager) enforceRetention(path string) error {
	_, err := m.pruneFor(path)
	return err
}

func (m *Manager) pruneFor(path string) (int, error) {
	metas, err := m.backupsFor(path)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	pruned := 0
	kept := 0
	for _, meta := range metas {
		maxAge := time.Duration(meta.Retention.MaxAgeDays) * 24 * time.Hour
		tooOld := maxAge > 0 && now.Sub(meta.CreatedAt) > maxAge
		overCount := kept >= meta.Retention.MaxVersions && meta.Retention.Priority != PriorityCritical
		if tooOld || overCount {
			_ = os.Remove(meta.BackupPath)
			_ = os.Remove(m.metadataPath(meta.BackupID))
			pruned++
			continue
		}
		kept++
	}
	return pruned, nil
}

// backupsFor returns metadata for path, newest first.
func (m *Manager) backupsFor(path string) ([]*BackupMetadata, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	prefix := "b-" + pathKey(path) + "-"
	var metas []*BackupMetadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		if !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		meta, err := m.loadMetadata(strings.TrimSuffix(e.Name(), ".meta.json"))
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// backedUpPaths returns the distinct original paths with at least one backup.
func (m *Manager) backedUpPaths() ([]string, error) {
	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	seen := map[string]bool{}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		meta, err := m.loadMetadata(strings.TrimSuffix(e.Name(), ".meta.json"))
		if err != nil {
			continue
		}
		if !seen[meta.OriginalPath] {
			seen[meta.OriginalPath] = true
			paths = append(paths, meta.OriginalPath)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Manager) writeMetadata(meta *BackupMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup metadata: %w", err)
	}
	return writeFileAtomic(m.metadataPath(meta.BackupID), data, false)
}

func (m *Manager) loadMetadata(backupID string) (*BackupMetadata, error) {
	data, err := os.ReadFile(m.metadataPath(backupID))
	if err != nil {
		return nil, err
	}
	var meta BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse backup metadata: %w", err)
	}
	return &meta, nil
}

func (m *Manager) metadataPath(backupID string) string {
	return filepath.Join(m.backupDir, backupID+".meta.json")
}

// writeRecoveryRecord rewrites the operation's record wholesale; failures
// here are logged, never propagated, since the record is advisory.
func (m *Manager) writeRecoveryRecord(op *RecoveryOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		m.logger.Warn("encode recovery record failed", "operation_id", op.OperationID, "error", err)
		return
	}
	path := filepath.Join(m.recoveryDir, op.OperationID+".json")
	if err := writeFileAtomic(path, data, false); err != nil {
		m.logger.Warn("write recovery record failed", "operation_id", op.OperationID, "error", err)
	}
}

// RecoveryOperations returns all recorded recovery operations, oldest first.
func (m *Manager) RecoveryOperations() ([]*RecoveryOperation, error) {
	entries, err := os.ReadDir(m.recoveryDir)
	if err != nil {
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}
	var ops []*RecoveryOperation
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.recoveryDir, e.Name()))
		if err != nil {
			continue
		}
		var op RecoveryOperation
		if json.Unmarshal(data, &op) == nil {
			ops = append(ops, &op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.Before(ops[j].StartedAt) })
	return ops, nil
}

// pathKey derives a stable, filename-safe key for an original path.
func pathKey(path string) string {
	h := fnv.New64a()
	_, _ = io.WriteString(h, path)
	return fmt.Sprintf("%x", h.Sum64())
}

// writeFileAtomic writes data (optionally gzipped) via a temp file and rename
// so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, compress bool) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if compress {
		zw := gzip.NewWriter(tmp)
		if _, err := zw.Write(data); err != nil {
			cleanup()
			return err
		}
		if err := zw.Close(); err != nil {
			cleanup()
			return err
		}
	} else {
		if _, err := tmp.Write(data); err != nil {
			cleanup()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
