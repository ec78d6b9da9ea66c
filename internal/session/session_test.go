package session_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcored/internal/bus"
	"github.com/basket/agentcored/internal/session"
)

func newTestManager(t *testing.T, root string, b *bus.Bus) *session.Manager {
	t.Helper()
	m, err := session.NewManager(root, session.Config{
		InactiveAfter:  10 * time.Minute,
		ArchiveAfter:   24 * time.Hour,
		RecentActivity: 5 * time.Minute,
	}, nil, b)
	if err != nil {
		t.Fatalf("new session manager: %v", err)
	}
	return m
}

func TestRegisterAndTouch(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, nil)

	cur := m.CurrentSession()
	if cur.SessionID == "" || cur.Status != session.StatusActive {
		t.Fatalf("unexpected current session: %+v", cur)
	}

	before := cur.LastActivityAt
	time.Sleep(2 * time.Millisecond)
	if err := m.Touch(); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !m.CurrentSession().LastActivityAt.After(before) {
		t.Fatal("touch must advance activity timestamp")
	}

	active, err := m.ActiveSessions()
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
}

func TestCorrelationLifecycle(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, root, nil)
	cur := m.CurrentSession()

	c, err := m.CreateTaskCorrelation("t-1", "")
	if err != nil {
		t.Fatalf("create correlation: %v", err)
	}
	if c.CurrentOwner != cur.SessionID {
		t.Fatalf("creator must own the task, got %s", c.CurrentOwner)
	}
	if len(c.SessionChain) != 1 || c.SessionChain[0].Action != session.ActionCreated {
		t.Fatalf("unexpected chain: %+v", c.SessionChain)
	}

	// Idempotent create.
	again, err := m.CreateTaskCorrelation("t-1", "")
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if len(again.SessionChain) != 1 {
		t.Fatal("re-creating must not grow the chain")
	}

	if err := m.CompleteTask("t-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := m.Correlation("t-1"); !os.IsNotExist(err) {
		t.Fatalf("completed correlation must be archived, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "archive", "corr-t-1.json")); err != nil {
		t.Fatalf("archived correlation missing: %v", err)
	}
}

func TestResumeFromAnotherSession(t *testing.T) {
	root := t.TempDir()
	a := newTestManager(t, root, nil)
	if _, err := a.CreateTaskCorrelation("t-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	b := newTestManager(t, root, nil)
	c, err := b.ResumeTask("t-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.CurrentOwner != b.CurrentSession().SessionID {
		t.Fatalf("resume must take ownership, owner is %s", c.CurrentOwner)
	}
	if len(c.SessionChain) != 2 || c.SessionChain[1].Action != session.ActionResumed {
		t.Fatalf("unexpected chain: %+v", c.SessionChain)
	}
	if c.SessionChain[0].EndedAt.IsZero() {
		t.Fatal("previous chain entry must be closed on resume")
	}
}

func TestTransferWritesHandoffAndPublishes(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionHandoff)
	m := newTestManager(t, root, b)
	if _, err := m.CreateTaskCorrelation("t-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	h, err := m.TransferTaskOwnership("t-1", "other-session", "test transfer")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if h.FromSession != m.CurrentSession().SessionID || h.ToSession != "other-session" {
		t.Fatalf("unexpected handoff: %+v", h)
	}
	if _, err := os.Stat(filepath.Join(root, "handoffs", h.HandoffID+".json")); err != nil {
		t.Fatalf("handoff record missing: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.HandoffEvent)
		if payload.TaskID != "t-1" || payload.ToSession != "other-session" {
			t.Fatalf("unexpected handoff event: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("handoff event not published")
	}

	c, err := m.Correlation("t-1")
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	if c.CurrentOwner != "other-session" {
		t.Fatalf("ownership must follow the transfer, got %s", c.CurrentOwner)
	}
}

func TestResolveConflictsSingleClaimant(t *testing.T) {
	root := t.TempDir()
	a := newTestManager(t, root, nil)
	if _, err := a.CreateTaskCorrelation("t-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	b := newTestManager(t, root, nil)
	c, err := b.ResolveTaskConflicts("t-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if c.CurrentOwner != b.CurrentSession().SessionID {
		t.Fatalf("single recent claimant must auto-transfer, owner %s", c.CurrentOwner)
	}
}

func TestResolveConflictsManyClaimants(t *testing.T) {
	root := t.TempDir()
	a := newTestManager(t, root, nil)
	if _, err := a.CreateTaskCorrelation("t-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := newTestManager(t, root, nil)
	if _, err := b.ResumeTask("t-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	c := newTestManager(t, root, nil)
	_, err := c.ResolveTaskConflicts("t-1")
	if !errors.Is(err, session.ErrManualResolutionRequired) {
		t.Fatalf("two recent claimants need manual resolution, got %v", err)
	}
}

func TestSweepLivenessMarksIdleSessions(t *testing.T) {
	root := t.TempDir()
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionInactive)
	m := newTestManager(t, root, b)

	// A foreign session that went quiet half an hour ago.
	writeSessionFile(t, root, session.Session{
		SessionID:      "idle-session",
		Status:         session.StatusActive,
		StartedAt:      time.Now().UTC().Add(-time.Hour),
		LastActivityAt: time.Now().UTC().Add(-30 * time.Minute),
	})
	// And one dead for two days.
	writeSessionFile(t, root, session.Session{
		SessionID:      "dead-session",
		Status:         session.StatusInactive,
		StartedAt:      time.Now().UTC().Add(-72 * time.Hour),
		LastActivityAt: time.Now().UTC().Add(-48 * time.Hour),
	})

	changed, err := m.SweepLiveness()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 sessions changed, got %d", changed)
	}

	select {
	case ev := <-sub.Ch():
		if ev.Payload.(string) != "idle-session" {
			t.Fatalf("unexpected inactive event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("inactive event not published")
	}

	if _, err := os.Stat(filepath.Join(root, "archive", "dead-session.json")); err != nil {
		t.Fatalf("dead session not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "sessions", "dead-session.json")); !os.IsNotExist(err) {
		t.Fatal("archived session must leave the live directory")
	}
}

func writeSessionFile(t *testing.T, root string, s session.Session) {
	t.Helper()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "sessions", s.SessionID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
