package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcored/internal/audit"
	"github.com/basket/agentcored/internal/bus"
)

// Chain actions. A task's session chain is append-only; the current owner is
// always the session of the last entry whose action is not "abandoned".
const (
	ActionCreated     = "created"
	ActionResumed     = "resumed"
	ActionTransferred = "transferred"
	ActionCompleted   = "completed"
	ActionAbandoned   = "abandoned"
)

// ErrManualResolutionRequired is returned when more than one other session
// has recent claims on a task and no automatic transfer is safe.
var ErrManualResolutionRequired = errors.New("manual conflict resolution required")

// ChainEntry is one link in a task's session history.
type ChainEntry struct {
	SessionID string    `json:"sessionId"`
	Action    string    `json:"action"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Dependencies captures inter-task ordering constraints.
type Dependencies struct {
	DependsOn []string `json:"dependsOn,omitempty"`
	BlockedBy []string `json:"blockedBy,omitempty"`
	Blocking  []string `json:"blocking,omitempty"`
}

// Continuation is the bookmark a resuming session picks up from.
type Continuation struct {
	ResumePoint string         `json:"resumePoint,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	State       map[string]any `json:"state,omitempty"`
}

// Correlation ties a task to the sessions that have worked on it.
type Correlation struct {
	TaskID         string        `json:"taskId"`
	ParentTaskID   string        `json:"parentTaskId,omitempty"`
	RelatedTaskIDs []string      `json:"relatedTaskIds,omitempty"`
	SessionChain   []ChainEntry  `json:"sessionChain"`
	CurrentOwner   string        `json:"currentOwner"`
	Dependencies   Dependencies  `json:"dependencies"`
	Continuation   *Continuation `json:"continuation,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Handoff is an immutable record of an ownership transfer.
type Handoff struct {
	HandoffID   string    `json:"handoffId"`
	TaskID      string    `json:"taskId"`
	FromSession string    `json:"fromSession"`
	ToSession   string    `json:"toSession"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// CreateTaskCorrelation registers the current session as creator and owner of
// the task. Idempotent: an existing correlation is returned untouched.
func (m *Manager) CreateTaskCorrelation(taskID, parentTaskID string) (*Correlation, error) {
	if c, err := m.Correlation(taskID); err == nil {
		return c, nil
	}
	now := time.Now().UTC()
	cur := m.CurrentSession()
	c := &Correlation{
		TaskID:       taskID,
		ParentTaskID: parentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.appendChain(c, ChainEntry{SessionID: cur.SessionID, Action: ActionCreated, StartedAt: now})
	if err := m.writeCorrelation(c); err != nil {
		return nil, err
	}
	m.logger.Debug("task correlation created", "task_id", taskID, "session_id", cur.SessionID)
	return c, nil
}

// Correlation reads the correlation for a task.
func (m *Manager) Correlation(taskID string) (*Correlation, error) {
	data, err := os.ReadFile(m.correlationPath(taskID))
	if err != nil {
		return nil, err
	}
	var c Correlation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse correlation %s: %w", taskID, err)
	}
	return &c, nil
}

// UpdateTaskCorrelation applies fn to the stored correlation and writes the
// result back.
func (m *Manager) UpdateTaskCorrelation(taskID string, fn func(*Correlation)) (*Correlation, error) {
	c, err := m.Correlation(taskID)
	if err != nil {
		return nil, err
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()
	if err := m.writeCorrelation(c); err != nil {
		return nil, err
	}
	return c, nil
}

// ResumeTask appends a resumed entry for the current session and takes
// ownership. Missing correlations are created first, so resuming a task
// persisted by a dead process still works.
func (m *Manager) ResumeTask(taskID string) (*Correlation, error) {
	c, err := m.Correlation(taskID)
	if os.IsNotExist(err) {
		return m.CreateTaskCorrelation(taskID, "")
	}
	if err != nil {
		return nil, err
	}
	cur := m.CurrentSession()
	if c.CurrentOwner == cur.SessionID {
		return c, nil
	}
	now := time.Now().UTC()
	m.appendChain(c, ChainEntry{SessionID: cur.SessionID, Action: ActionResumed, StartedAt: now})
	c.UpdatedAt = now
	if err := m.writeCorrelation(c); err != nil {
		return nil, err
	}
	audit.Record("session", "resume", audit.OutcomeApplied, taskID, cur.SessionID)
	return c, nil
}

// CompleteTask closes the chain and moves the correlation to the archive.
func (m *Manager) CompleteTask(taskID string) error {
	c, err := m.Correlation(taskID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	now := time.Now().UTC()
	cur := m.CurrentSession()
	m.appendChain(c, ChainEntry{SessionID: cur.SessionID, Action: ActionCompleted, StartedAt: now, EndedAt: now})
	c.UpdatedAt = now

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode correlation: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.archiveDir, "corr-"+taskID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("archive correlation: %w", err)
	}
	if err := os.Remove(m.correlationPath(taskID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	m.logger.Debug("task correlation archived", "task_id", taskID)
	return nil
}

// TransferTaskOwnership appends a transfer entry, writes an immutable handoff
// record, and announces the move on the bus.
func (m *Manager) TransferTaskOwnership(taskID, toSession, reason string) (*Handoff, error) {
	c, err := m.Correlation(taskID)
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", taskID, err)
	}
	from := c.CurrentOwner
	now := time.Now().UTC()
	m.appendChain(c, ChainEntry{SessionID: toSession, Action: ActionTransferred, StartedAt: now})
	c.UpdatedAt = now
	if err := m.writeCorrelation(c); err != nil {
		return nil, err
	}

	h := &Handoff{
		HandoffID:   uuid.NewString(),
		TaskID:      taskID,
		FromSession: from,
		ToSession:   toSession,
		Reason:      reason,
		At:          now,
	}
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode handoff: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.handoffDir, h.HandoffID+".json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write handoff: %w", err)
	}

	audit.Record("session", "transfer", audit.OutcomeApplied, taskID, from+" -> "+toSession)
	if m.bus != nil {
		m.bus.Publish(bus.TopicSessionHandoff, bus.HandoffEvent{
			TaskID:      taskID,
			FromSession: from,
			ToSession:   toSession,
			Reason:      reason,
		})
	}
	m.logger.Info("task ownership transferred",
		"task_id", taskID, "from", from, "to", toSession, "reason", reason)
	return h, nil
}

// ResolveTaskConflicts inspects the task's chain for other sessions with
// recent activity. Exactly one recent claimant triggers an automatic
// transfer to the current session; more than one requires manual resolution.
func (m *Manager) ResolveTaskConflicts(taskID string) (*Correlation, error) {
	c, err := m.Correlation(taskID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cur := m.CurrentSession()
	if c.CurrentOwner == cur.SessionID {
		return c, nil
	}

	recent := m.recentClaimants(c, cur.SessionID)
	switch len(recent) {
	case 0:
		// Owner is gone or idle: take over quietly.
		if _, err := m.TransferTaskOwnership(taskID, cur.SessionID, "previous owner inactive"); err != nil {
			return nil, err
		}
	case 1:
		if _, err := m.TransferTaskOwnership(taskID, cur.SessionID, "single recent claimant superseded"); err != nil {
			return nil, err
		}
	default:
		audit.Record("session", "conflict", audit.OutcomeFlagged, taskID,
			fmt.Sprintf("%d recent claimants", len(recent)))
		return c, fmt.Errorf("task %s has %d recent claimants: %w", taskID, len(recent), ErrManualResolutionRequired)
	}
	return m.Correlation(taskID)
}

// recentClaimants returns sessions other than self that appear in the chain
// and were active inside the recency window.
func (m *Manager) recentClaimants(c *Correlation, selfID string) []string {
	cutoff := time.Now().UTC().Add(-m.cfg.RecentActivity)
	seen := map[string]bool{}
	var out []string
	for _, e := range c.SessionChain {
		if e.SessionID == selfID || seen[e.SessionID] || e.Action == ActionAbandoned {
			continue
		}
		seen[e.SessionID] = true
		s, err := m.readSession(e.SessionID)
		if err != nil {
			continue
		}
		if s.Status == StatusActive && s.LastActivityAt.After(cutoff) {
			out = append(out, e.SessionID)
		}
	}
	return out
}

// appendChain links a new entry and keeps CurrentOwner consistent with the
// last non-abandoned entry.
func (m *Manager) appendChain(c *Correlation, e ChainEntry) {
	if n := len(c.SessionChain); n > 0 && c.SessionChain[n-1].EndedAt.IsZero() {
		c.SessionChain[n-1].EndedAt = e.StartedAt
	}
	c.SessionChain = append(c.SessionChain, e)
	for i := len(c.SessionChain) - 1; i >= 0; i-- {
		if c.SessionChain[i].Action != ActionAbandoned {
			c.CurrentOwner = c.SessionChain[i].SessionID
			break
		}
	}
}

func (m *Manager) correlationPath(taskID string) string {
	return filepath.Join(m.corrDir, taskID+".json")
}

func (m *Manager) writeCorrelation(c *Correlation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode correlation: %w", err)
	}
	tmp := m.correlationPath(c.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write correlation: %w", err)
	}
	return os.Rename(tmp, m.correlationPath(c.TaskID))
}
