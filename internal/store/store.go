package store

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentcored/internal/integrity"
	"github.com/basket/agentcored/internal/lock"
	"github.com/basket/agentcored/internal/otel"
)

// Options configure a Store.
type Options struct {
	Compress   bool // gzip task records; workspace archives are always tar.gz
	MaxBackups int  // rotated pre-save backups kept per task
}

// Store is the file-backed task store. All cross-process coordination goes
// through the lock manager; the store itself only guards its in-memory
// counters.
type Store struct {
	root      string
	taskDir   string
	arcDir    string
	locks     *lock.Manager
	integrity *integrity.Manager
	opts      Options
	logger    *slog.Logger
	metrics   *otel.Metrics

	mu    sync.Mutex
	stats Stats
}

// Stats is a rolling snapshot of store activity since Open.
type Stats struct {
	Saves          int64
	Loads          int64
	SaveFailures   int64
	LoadFailures   int64
	AvgSaveLatency time.Duration
	AvgLoadLatency time.Duration
}

// Open creates the store directories under root and returns a ready Store.
func Open(root string, locks *lock.Manager, im *integrity.Manager, opts Options, logger *slog.Logger, metrics *otel.Metrics) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	s := &Store{
		root:      root,
		taskDir:   filepath.Join(root, "tasks"),
		arcDir:    filepath.Join(root, "archives"),
		locks:     locks,
		integrity: im,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
	}
	for _, dir := range []string{s.taskDir, s.arcDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return s, nil
}

// RecordPath returns the on-disk path of the task's record, preferring an
// existing file over the configured default so mixed compression settings
// keep resolving.
func (s *Store) RecordPath(taskID string) string {
	gz := filepath.Join(s.taskDir, taskID+".json.gz")
	plain := filepath.Join(s.taskDir, taskID+".json")
	if _, err := os.Stat(gz); err == nil {
		return gz
	}
	if _, err := os.Stat(plain); err == nil {
		return plain
	}
	if s.opts.Compress {
		return gz
	}
	return plain
}

func (s *Store) sessionPath(taskID string) string {
	return filepath.Join(s.taskDir, taskID+".session.json")
}

func (s *Store) archivePath(taskID string) string {
	return filepath.Join(s.arcDir, taskID+".tar.gz")
}

// Save persists the task under its resource lock: rotated pre-save backup,
// atomic record write, session metadata sibling, and workspace archive. The
// record's version is bumped on every successful write.
func (s *Store) Save(ctx context.Context, t *Task, sessionID string) error {
	if t == nil || t.ID == "" {
		return errors.New("save: task without id")
	}
	if t.Metadata == nil || t.Metadata.Internal == nil {
		return fmt.Errorf("save %s: missing internal state: %w", t.ID, ErrCorruptedState)
	}
	start := time.Now()

	lockStart := time.Now()
	if _, err := s.locks.Acquire(ctx, "task:"+t.ID, lock.TypeTask); err != nil {
		if s.metrics != nil {
			s.metrics.LockWaitDuration.Record(ctx, time.Since(lockStart).Seconds())
			if errors.Is(err, lock.ErrLockTimeout) {
				s.metrics.LockTimeouts.Add(ctx, 1, metric.WithAttributes(
					otel.AttrTaskID.String(t.ID),
					otel.AttrResourceID.String("task:"+t.ID),
				))
			}
		}
		s.noteSave(time.Since(start), err)
		return fmt.Errorf("save %s: %w", t.ID, err)
	}
	defer func() { _ = s.locks.Release("task:" + t.ID) }()
	if s.metrics != nil {
		s.metrics.LockWaitDuration.Record(ctx, time.Since(lockStart).Seconds())
	}

	err := s.saveLocked(ctx, t, sessionID)
	s.noteSave(time.Since(start), err)
	if err == nil && s.metrics != nil {
		s.metrics.SaveDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrTaskID.String(t.ID)))
	}
	return err
}

func (s *Store) saveLocked(ctx context.Context, t *Task, sessionID string) error {
	path := s.RecordPath(t.ID)

	// Rotate a backup of the previous version before overwriting it.
	if _, err := os.Stat(path); err == nil && s.integrity != nil {
		if _, err := s.integrity.Backup(path, integrity.BackupOptions{Type: "pre-save"}); err != nil {
			s.logger.Warn("pre-save backup failed", "task_id", t.ID, "error", err)
		} else if s.metrics != nil {
			s.metrics.BackupsCreated.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskID.String(t.ID)))
		}
	}

	t.Metadata.Version++
	t.Metadata.Internal.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := writeFileAtomic(path, data, strings.HasSuffix(path, ".gz")); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}

	if err := s.writeSessionMetadata(t, sessionID); err != nil {
		return err
	}

	if ws := t.Metadata.Settings.WorkspacePath; ws != "" {
		if err := archiveWorkspace(ws, s.archivePath(t.ID)); err != nil {
			if errors.Is(err, errNothingToArchive) {
				s.logger.Debug("workspace empty, archive skipped", "task_id", t.ID)
			} else {
				s.logger.Warn("workspace archive failed", "task_id", t.ID, "error", err)
			}
		}
	}

	s.logger.Debug("task saved",
		"task_id", t.ID,
		"state", string(t.State),
		"version", t.Metadata.Version,
		"session_id", sessionID,
	)
	return nil
}

func (s *Store) writeSessionMetadata(t *Task, sessionID string) error {
	path := s.sessionPath(t.ID)
	now := time.Now().UTC()
	meta := SessionMetadata{
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	if data, err := os.ReadFile(path); err == nil {
		var prev SessionMetadata
		if json.Unmarshal(data, &prev) == nil {
			meta.CreatedAt = prev.CreatedAt
			meta.Version = prev.Version + 1
			meta.OwnerID = prev.OwnerID
			meta.Properties = prev.Properties
		}
	}
	meta.IsComplete = t.State.Terminal()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session metadata %s: %w", t.ID, err)
	}
	if err := writeFileAtomic(path, data, false); err != nil {
		return fmt.Errorf("write session metadata %s: %w", t.ID, err)
	}
	return nil
}

// Load reads the task record and restores its workspace archive.
// ErrNotFound when no record exists; ErrCorruptedState when the record cannot
// be parsed or lacks its internal namespace.
func (s *Store) Load(ctx context.Context, taskID string) (*Task, error) {
	start := time.Now()
	t, err := s.load(taskID)
	s.noteLoad(time.Since(start), err)
	if err == nil && s.metrics != nil {
		s.metrics.LoadDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrTaskID.String(taskID)))
	}
	return t, err
}

func (s *Store) load(taskID string) (*Task, error) {
	path := s.RecordPath(taskID)
	data, err := readMaybeGzip(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("task %s: %w: %v", taskID, ErrCorruptedState, err)
	}
	if t.Metadata == nil || t.Metadata.Internal == nil {
		return nil, fmt.Errorf("task %s missing internal state: %w", taskID, ErrCorruptedState)
	}

	if ws := t.Metadata.Settings.WorkspacePath; ws != "" {
		arc := s.archivePath(taskID)
		if _, err := os.Stat(arc); err == nil {
			if err := restoreWorkspace(arc, ws); err != nil {
				s.logger.Warn("workspace restore failed", "task_id", taskID, "error", err)
			}
		}
	}
	return &t, nil
}

// SessionMetadataFor reads the sibling session record for a task.
func (s *Store) SessionMetadataFor(taskID string) (*SessionMetadata, error) {
	data, err := os.ReadFile(s.sessionPath(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session metadata %s: %w", taskID, ErrNotFound)
		}
		return nil, err
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("session metadata %s: %w: %v", taskID, ErrCorruptedState, err)
	}
	return &meta, nil
}

// PurgeCompletedSessions removes record, session metadata, and archive for
// tasks whose session is complete and untouched past the retention window.
func (s *Store) PurgeCompletedSessions(ctx context.Context, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.taskDir)
	if err != nil {
		return 0, fmt.Errorf("read task dir: %w", err)
	}
	cutoff := time.Now().UTC().Add(-retention)
	purged := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".session.json") {
			continue
		}
		taskID := strings.TrimSuffix(e.Name(), ".session.json")
		meta, err := s.SessionMetadataFor(taskID)
		if err != nil {
			continue
		}
		if !meta.IsComplete || meta.UpdatedAt.After(cutoff) {
			continue
		}
		for _, p := range []string{s.RecordPath(taskID), s.sessionPath(taskID), s.archivePath(taskID)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("retention purge failed", "path", p, "error", err)
			}
		}
		purged++
		s.logger.Info("completed session purged", "task_id", taskID, "updated_at", meta.UpdatedAt)
	}
	return purged, nil
}

// Stats returns a copy of the rolling counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Store) noteSave(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.SaveFailures++
		return
	}
	s.stats.Saves++
	s.stats.AvgSaveLatency = rollAvg(s.stats.AvgSaveLatency, d, s.stats.Saves)
}

func (s *Store) noteLoad(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.LoadFailures++
		return
	}
	s.stats.Loads++
	s.stats.AvgLoadLatency = rollAvg(s.stats.AvgLoadLatency, d, s.stats.Loads)
}

func rollAvg(avg, sample time.Duration, n int64) time.Duration {
	if n <= 1 {
		return sample
	}
	return avg + (sample-avg)/time.Duration(n)
}

// readMaybeGzip reads a file, transparently decompressing .gz content.
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

// writeFileAtomic writes data (optionally gzipped) via temp file and rename.
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
