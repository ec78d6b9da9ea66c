// Package session tracks which processes are working on which tasks. Each
// process registers one Session on startup; per-task correlations record the
// chain of sessions that have touched a task and who owns it now. Everything
// is a JSON file under the shared storage root so any process can see every
// other process's claims.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcored/internal/bus"
)

// Session statuses.
const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session describes one process's presence on the shared storage root.
type Session struct {
	SessionID      string    `json:"sessionId"`
	OwnerID        string    `json:"ownerId,omitempty"`
	Hostname       string    `json:"hostname"`
	ProcessID      int       `json:"processId"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Status         string    `json:"status"`
	Type           string    `json:"type,omitempty"`
}

// Config tunes liveness tracking.
type Config struct {
	OwnerID        string
	InactiveAfter  time.Duration // no activity beyond this marks inactive; default 10m
	ArchiveAfter   time.Duration // inactive beyond this archives the session; default 24h
	SweepInterval  time.Duration // liveness sweep period; default 1m
	RecentActivity time.Duration // recency window for conflict auto-transfer; default 5m
}

// Manager owns the current process's session and reads everyone else's.
type Manager struct {
	dir        string // sessions/
	corrDir    string // correlations/
	handoffDir string // handoffs/
	archiveDir string // archive/
	cfg        Config
	logger     *slog.Logger
	bus        *bus.Bus

	mu      sync.Mutex
	current *Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager registers a fresh session for this process under root and
// returns the manager.
func NewManager(root string, cfg Config, logger *slog.Logger, b *bus.Bus) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InactiveAfter <= 0 {
		cfg.InactiveAfter = 10 * time.Minute
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.RecentActivity <= 0 {
		cfg.RecentActivity = 5 * time.Minute
	}

	m := &Manager{
		dir:        filepath.Join(root, "sessions"),
		corrDir:    filepath.Join(root, "correlations"),
		handoffDir: filepath.Join(root, "handoffs"),
		archiveDir: filepath.Join(root, "archive"),
		cfg:        cfg,
		logger:     logger,
		bus:        b,
	}
	for _, dir := range []string{m.dir, m.corrDir, m.handoffDir, m.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create session dir: %w", err)
		}
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	m.current = &Session{
		SessionID:      uuid.NewString(),
		OwnerID:        cfg.OwnerID,
		Hostname:       hostname,
		ProcessID:      os.Getpid(),
		StartedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
		Type:           "agent",
	}
	if err := m.writeSession(m.current); err != nil {
		return nil, err
	}
	logger.Info("session registered", "session_id", m.current.SessionID, "hostname", hostname)
	return m, nil
}

// CurrentSession returns a copy of this process's session.
func (m *Manager) CurrentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.current
}

// Touch refreshes the current session's activity timestamp.
func (m *Manager) Touch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.LastActivityAt = time.Now().UTC()
	return m.writeSession(m.current)
}

// MarkSessionStatus rewrites another session's status, used when a conflict
// resolution aborts stale participants.
func (m *Manager) MarkSessionStatus(sessionID, status string) error {
	s, err := m.readSession(sessionID)
	if err != nil {
		return err
	}
	s.Status = status
	return m.writeSession(s)
}

// ActiveSessions lists all sessions currently marked active, this process's
// included.
func (m *Manager) ActiveSessions() ([]Session, error) {
	all, err := m.allSessions()
	if err != nil {
		return nil, err
	}
	var active []Session
	for _, s := range all {
		if s.Status == StatusActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// Sessions lists every session with an on-disk snapshot, newest activity
// first, regardless of status.
func (m *Manager) Sessions() ([]Session, error) {
	return m.allSessions()
}

func (m *Manager) allSessions() ([]Session, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var sessions []Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := m.readSession(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})
	return sessions, nil
}

// Start launches the heartbeat and liveness sweep loop.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Touch(); err != nil {
					m.logger.Warn("session heartbeat failed", "error", err)
				}
				if _, err := m.SweepLiveness(); err != nil {
					m.logger.Warn("session liveness sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the sweep loop and marks the current session completed.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Status = StatusCompleted
	if err := m.writeSession(m.current); err != nil {
		m.logger.Warn("final session write failed", "error", err)
	}
}

// SweepLiveness marks sessions inactive past the inactivity cutoff and moves
// long-dead ones to the archive. Returns how many sessions changed.
func (m *Manager) SweepLiveness() (int, error) {
	all, err := m.allSessions()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	changed := 0
	cur := m.CurrentSession()
	for i := range all {
		s := all[i]
		if s.SessionID == cur.SessionID {
			continue
		}
		idle := now.Sub(s.LastActivityAt)
		switch {
		case idle > m.cfg.ArchiveAfter:
			if err := m.archiveSession(&s); err != nil {
				m.logger.Warn("session archive failed", "session_id", s.SessionID, "error", err)
				continue
			}
			changed++
		case s.Status == StatusActive && idle > m.cfg.InactiveAfter:
			s.Status = StatusInactive
			if err := m.writeSession(&s); err != nil {
				m.logger.Warn("session inactivation failed", "session_id", s.SessionID, "error", err)
				continue
			}
			changed++
			if m.bus != nil {
				m.bus.Publish(bus.TopicSessionInactive, s.SessionID)
			}
			m.logger.Info("session marked inactive", "session_id", s.SessionID, "idle", idle.Round(time.Second))
		}
	}
	return changed, nil
}

func (m *Manager) archiveSession(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dest := filepath.Join(m.archiveDir, s.SessionID+".json")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	if err := os.Remove(m.sessionPath(s.SessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.logger.Info("session archived", "session_id", s.SessionID)
	return nil
}

func (m *Manager) sessionPath(sessionID string) string {
	return filepath.Join(m.dir, sessionID+".json")
}

func (m *Manager) readSession(sessionID string) (*Session, error) {
	data, err := os.ReadFile(m.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", sessionID, err)
	}
	return &s, nil
}

func (m *Manager) writeSession(s *Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp := m.sessionPath(s.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, m.sessionPath(s.SessionID))
}
