// Package lock provides per-resource mutual exclusion across processes that
// share a storage directory. A lock is a marker file created with
// exclusive-create semantics; presence plus age is the sole liveness signal,
// so a crashed holder is recovered by staleness takeover rather than by any
// process coordination.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/basket/agentcored/internal/audit"
)

// Type categorizes the locked resource.
type Type string

const (
	TypeTask      Type = "task"
	TypeFile      Type = "file"
	TypeWorkspace Type = "workspace"
)

// ErrLockTimeout is returned when the retry budget is exhausted while the
// resource is held by another session.
var ErrLockTimeout = errors.New("lock acquisition timed out")

var errHeld = errors.New("resource held")

// Lock describes an exclusive claim on a named resource. The same struct is
// the on-disk marker payload.
type Lock struct {
	LockID        string    `json:"lockId"`
	ResourceID    string    `json:"resourceId"`
	ResourceType  Type      `json:"resourceType"`
	HolderSession string    `json:"sessionId"`
	PID           int       `json:"pid"`
	AcquiredAt    time.Time `json:"timestamp"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Priority      int       `json:"priority"`
	CanInterrupt  bool      `json:"canInterrupt"`
}

// Expired reports whether the lock's validity window has passed.
func (l Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}

// Config tunes acquisition retries and staleness.
type Config struct {
	MaxAttempts   int           // retry budget; default 10
	RetryInterval time.Duration // fixed wait between attempts; default 500ms
	StaleAfter    time.Duration // marker age treated as abandoned; default 5m
	Validity      time.Duration // expires_at window on new locks; default 5m
}

// Manager serializes access to resources via marker files under dir.
type Manager struct {
	dir       string
	sessionID string
	cfg       Config
	logger    *slog.Logger
}

// NewManager creates a Manager rooted at dir, creating it if absent.
func NewManager(dir, sessionID string, cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Manager{dir: dir, sessionID: sessionID, cfg: cfg, logger: logger}, nil
}

// Acquire blocks with bounded fixed-interval retries until it creates the
// exclusive marker for resourceID, or fails with ErrLockTimeout once the
// retry budget is exhausted. A marker older than the staleness threshold is
// treated as abandoned and removed before retrying.
func (m *Manager) Acquire(ctx context.Context, resourceID string, rt Type) (*Lock, error) {
	op := func() (*Lock, error) {
		lk, err := m.tryAcquire(resourceID, rt)
		if err == nil {
			return lk, nil
		}
		if errors.Is(err, errHeld) {
			return nil, err // retryable
		}
		return nil, backoff.Permanent(err)
	}
	lk, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.cfg.RetryInterval)),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
	)
	if err != nil {
		if errors.Is(err, errHeld) {
			audit.Record("lock", "acquire", audit.OutcomeFailed, resourceID, "retry budget exhausted")
			return nil, fmt.Errorf("%w: resource %s busy after %d attempts", ErrLockTimeout, resourceID, m.cfg.MaxAttempts)
		}
		return nil, err
	}
	audit.Record("lock", "acquire", audit.OutcomeApplied, resourceID, lk.LockID)
	return lk, nil
}

func (m *Manager) tryAcquire(resourceID string, rt Type) (*Lock, error) {
	path := m.markerPath(resourceID)

	if existing, err := readMarker(path); err == nil {
		if time.Since(existing.AcquiredAt) > m.cfg.StaleAfter {
			m.logger.Warn("removing stale lock marker",
				"resource_id", resourceID,
				"holder_session", existing.HolderSession,
				"age", time.Since(existing.AcquiredAt).Round(time.Second),
			)
			audit.Record("lock", "stale_takeover", audit.OutcomeApplied, resourceID, existing.LockID)
			_ = os.Remove(path)
		}
	} else if err != nil && !os.IsNotExist(err) {
		// Unparsable marker: nothing can ever release it, so reclaim it.
		m.logger.Warn("removing unreadable lock marker", "resource_id", resourceID, "error", err)
		_ = os.Remove(path)
	}

	now := time.Now().UTC()
	lk := &Lock{
		LockID:        uuid.NewString(),
		ResourceID:    resourceID,
		ResourceType:  rt,
		HolderSession: m.sessionID,
		PID:           os.Getpid(),
		AcquiredAt:    now,
		ExpiresAt:     now.Add(m.cfg.Validity),
	}
	data, err := json.Marshal(lk)
	if err != nil {
		return nil, fmt.Errorf("encode lock marker: %w", err)
	}

	// O_EXCL is the mutual-exclusion primitive: create fails if the marker
	// already exists, regardless of which process owns it.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errHeld
		}
		return nil, fmt.Errorf("create lock marker: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock marker: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock marker: %w", err)
	}
	return lk, nil
}

// Release deletes the marker for resourceID. It is idempotent: releasing an
// unheld resource is not an error.
func (m *Manager) Release(resourceID string) error {
	err := os.Remove(m.markerPath(resourceID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock marker: %w", err)
	}
	audit.Record("lock", "release", audit.OutcomeApplied, resourceID, "")
	return nil
}

// ActiveLocks returns all parseable, non-expired lock markers.
func (m *Manager) ActiveLocks() ([]Lock, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read lock dir: %w", err)
	}
	now := time.Now().UTC()
	var locks []Lock
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		lk, err := readMarker(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		if lk.Expired(now) {
			continue
		}
		locks = append(locks, *lk)
	}
	return locks, nil
}

// SweepExpired removes markers past their expires_at or older than the
// staleness threshold, returning how many were removed.
func (m *Manager) SweepExpired() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read lock dir: %w", err)
	}
	now := time.Now().UTC()
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		lk, err := readMarker(path)
		if err != nil {
			continue
		}
		if lk.Expired(now) || now.Sub(lk.AcquiredAt) > m.cfg.StaleAfter {
			if err := os.Remove(path); err == nil {
				removed++
				m.logger.Info("expired lock swept", "resource_id", lk.ResourceID, "lock_id", lk.LockID)
			}
		}
	}
	return removed, nil
}

func (m *Manager) markerPath(resourceID string) string {
	return filepath.Join(m.dir, sanitize(resourceID)+".lock")
}

func readMarker(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lk Lock
	if err := json.Unmarshal(data, &lk); err != nil {
		return nil, fmt.Errorf("parse lock marker: %w", err)
	}
	return &lk, nil
}

func sanitize(resourceID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, resourceID)
}
