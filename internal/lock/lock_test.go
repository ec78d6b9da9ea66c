package lock_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcored/internal/lock"
)

func newTestManager(t *testing.T, dir, sessionID string) *lock.Manager {
	t.Helper()
	m, err := lock.NewManager(dir, sessionID, lock.Config{
		MaxAttempts:   3,
		RetryInterval: 10 * time.Millisecond,
		StaleAfter:    time.Minute,
		Validity:      time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, "sess-a")
	ctx := context.Background()

	lk, err := m.Acquire(ctx, "task-1", lock.TypeTask)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lk.ResourceID != "task-1" || lk.HolderSession != "sess-a" {
		t.Fatalf("unexpected lock %+v", lk)
	}
	if err := m.Release("task-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Idempotent release.
	if err := m.Release("task-1"); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()
	a := newTestManager(t, dir, "sess-a")
	b := newTestManager(t, dir, "sess-b")
	ctx := context.Background()

	if _, err := a.Acquire(ctx, "task-1", lock.TypeTask); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := b.Acquire(ctx, "task-1", lock.TypeTask)
	if !errors.Is(err, lock.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	if err := a.Release("task-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := b.Acquire(ctx, "task-1", lock.TypeTask); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestConcurrentAcquireOnlyOneWins(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	winners := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		id := string(rune('a' + i))
		go func(sess string) {
			m, err := lock.NewManager(dir, sess, lock.Config{
				MaxAttempts:   1,
				RetryInterval: time.Millisecond,
				StaleAfter:    time.Minute,
				Validity:      time.Minute,
			}, nil)
			if err != nil {
				winners <- false
				return
			}
			_, err = m.Acquire(ctx, "task-race", lock.TypeTask)
			winners <- err == nil
		}("sess-" + id)
	}

	got := 0
	for i := 0; i < 2; i++ {
		if <-winners {
			got++
		}
	}
	if got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func TestStaleMarkerTakeover(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, "sess-b")

	// Plant a marker from a crashed holder, older than the staleness threshold.
	stale := lock.Lock{
		LockID:        "dead",
		ResourceID:    "task-1",
		ResourceType:  lock.TypeTask,
		HolderSession: "sess-crashed",
		PID:           999999,
		AcquiredAt:    time.Now().UTC().Add(-10 * time.Minute),
		ExpiresAt:     time.Now().UTC().Add(-5 * time.Minute),
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, "task-1.lock"), data, 0o644); err != nil {
		t.Fatalf("plant marker: %v", err)
	}

	lk, err := m.Acquire(context.Background(), "task-1", lock.TypeTask)
	if err != nil {
		t.Fatalf("expected stale takeover, got %v", err)
	}
	if lk.HolderSession != "sess-b" {
		t.Fatalf("unexpected holder %q", lk.HolderSession)
	}
}

func TestCorruptMarkerReclaimed(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, "sess-a")
	if err := os.WriteFile(filepath.Join(dir, "task-1.lock"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("plant marker: %v", err)
	}
	if _, err := m.Acquire(context.Background(), "task-1", lock.TypeTask); err != nil {
		t.Fatalf("expected reclaim of corrupt marker, got %v", err)
	}
}

func TestActiveLocksAndSweep(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, "sess-a")
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "task-1", lock.TypeTask); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Plant an already-expired lock alongside the live one.
	expired := lock.Lock{
		LockID:        "old",
		ResourceID:    "task-2",
		ResourceType:  lock.TypeTask,
		HolderSession: "sess-x",
		AcquiredAt:    time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:     time.Now().UTC().Add(-time.Hour),
	}
	data, _ := json.Marshal(expired)
	if err := os.WriteFile(filepath.Join(dir, "task-2.lock"), data, 0o644); err != nil {
		t.Fatalf("plant marker: %v", err)
	}

	active, err := m.ActiveLocks()
	if err != nil {
		t.Fatalf("active locks: %v", err)
	}
	if len(active) != 1 || active[0].ResourceID != "task-1" {
		t.Fatalf("expected only the live lock, got %+v", active)
	}

	removed, err := m.SweepExpired()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept lock, got %d", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "task-2.lock")); !os.IsNotExist(err) {
		t.Fatal("expired marker still present after sweep")
	}
}

func TestContextCancelStopsAcquire(t *testing.T) {
	dir := t.TempDir()
	a := newTestManager(t, dir, "sess-a")
	if _, err := a.Acquire(context.Background(), "task-1", lock.TypeTask); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	b, err := lock.NewManager(dir, "sess-b", lock.Config{
		MaxAttempts:   100,
		RetryInterval: 20 * time.Millisecond,
		StaleAfter:    time.Minute,
		Validity:      time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := b.Acquire(ctx, "task-1", lock.TypeTask); err == nil {
		t.Fatal("expected failure while resource held")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("acquire did not respect context cancellation")
	}
}
