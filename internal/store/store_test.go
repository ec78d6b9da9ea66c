package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcored/internal/integrity"
	"github.com/basket/agentcored/internal/lock"
	"github.com/basket/agentcored/internal/store"
)

func newTestStore(t *testing.T, compress bool) (*store.Store, string) {
	t.Helper()
	root := t.TempDir()
	locks, err := lock.NewManager(filepath.Join(root, "locks"), "session-a", lock.Config{
		MaxAttempts:   2,
		RetryInterval: 10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("lock manager: %v", err)
	}
	im, err := integrity.NewManager(root, integrity.Config{Compress: compress}, nil)
	if err != nil {
		t.Fatalf("integrity manager: %v", err)
	}
	s, err := store.Open(root, locks, im, store.Options{Compress: compress, MaxBackups: 3}, nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, root
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s, _ := newTestStore(t, compress)
		ctx := context.Background()

		task := store.NewTask("t-1", "ctx-1", store.AgentSettings{Model: "haiku"})
		task.SetState(store.StateWorking, "running")
		if err := s.Save(ctx, task, "session-a"); err != nil {
			t.Fatalf("save (compress=%t): %v", compress, err)
		}

		got, err := s.Load(ctx, "t-1")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.State != store.StateWorking || got.Status.Message != "running" {
			t.Fatalf("unexpected task: %+v", got)
		}
		if got.Metadata.Version != 2 {
			t.Fatalf("expected version bump to 2, got %d", got.Metadata.Version)
		}
		if got.Metadata.Internal == nil {
			t.Fatal("internal namespace lost on round trip")
		}
	}
}

func TestLoadMissingTaskIsNotFound(t *testing.T) {
	s, _ := newTestStore(t, false)
	_, err := s.Load(context.Background(), "absent")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadCorruptedRecord(t *testing.T) {
	s, root := newTestStore(t, false)
	ctx := context.Background()

	// Unparsable content.
	writeRecord(t, root, "t-bad", "{{{")
	_, err := s.Load(ctx, "t-bad")
	if !errors.Is(err, store.ErrCorruptedState) {
		t.Fatalf("expected ErrCorruptedState for garbage, got %v", err)
	}

	// Parses but the internal namespace is gone.
	writeRecord(t, root, "t-hollow", `{"id":"t-hollow","contextId":"c","state":"working","metadata":{"version":1}}`)
	_, err = s.Load(ctx, "t-hollow")
	if !errors.Is(err, store.ErrCorruptedState) {
		t.Fatalf("expected ErrCorruptedState for missing internal state, got %v", err)
	}
}

func writeRecord(t *testing.T, root, taskID, content string) {
	t.Helper()
	path := filepath.Join(root, "tasks", taskID+".json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write record: %v", err)
	}
}

func TestSaveRotatesBackup(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	task := store.NewTask("t-1", "ctx", store.AgentSettings{})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("first save: %v", err)
	}
	task.SetState(store.StateWorking, "")
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// The second save must have left a pre-save backup recoverable through
	// the same integrity root.
	im, _ := integrity.NewManager(filepath.Dir(filepath.Dir(s.RecordPath("t-1"))), integrity.Config{}, nil)
	op, err := im.AutoRecover(s.RecordPath("t-1"))
	if err != nil {
		t.Fatalf("auto-recover: %v", err)
	}
	if op == nil {
		t.Fatal("expected a pre-save backup to exist")
	}
}

func TestWorkspaceArchiveRoundTrip(t *testing.T) {
	s, root := newTestStore(t, true)
	ctx := context.Background()

	ws := filepath.Join(root, "ws")
	if err := os.MkdirAll(filepath.Join(ws, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "src", "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := store.NewTask("t-ws", "ctx", store.AgentSettings{WorkspacePath: ws})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Blow the workspace away; load restores it from the archive.
	if err := os.RemoveAll(ws); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "t-ws"); err != nil {
		t.Fatalf("load: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(ws, "src", "main.go"))
	if err != nil {
		t.Fatalf("workspace not restored: %v", err)
	}
	if string(content) != "package main" {
		t.Fatalf("restored content mismatch: %q", content)
	}
}

func TestWorkspaceArchivedWithoutRecordCompression(t *testing.T) {
	s, root := newTestStore(t, false)
	ctx := context.Background()

	ws := filepath.Join(root, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	task := store.NewTask("t-plain", "ctx", store.AgentSettings{WorkspacePath: ws})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Record compression only changes the record format; the workspace
	// archive is written either way.
	if _, err := os.Stat(filepath.Join(root, "archives", "t-plain.tar.gz")); err != nil {
		t.Fatalf("workspace archive missing with uncompressed records: %v", err)
	}

	if err := os.RemoveAll(ws); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "t-plain"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.ReadFile(filepath.Join(ws, "notes.txt")); err != nil {
		t.Fatalf("workspace not restored: %v", err)
	}
}

func TestSaveRejectsMissingInternalState(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	task := store.NewTask("t-1", "ctx", store.AgentSettings{})
	task.Metadata.Internal = nil
	if err := s.Save(ctx, task, "session-a"); !errors.Is(err, store.ErrCorruptedState) {
		t.Fatalf("expected ErrCorruptedState, got %v", err)
	}

	task.Metadata = nil
	if err := s.Save(ctx, task, "session-a"); !errors.Is(err, store.ErrCorruptedState) {
		t.Fatalf("expected ErrCorruptedState for nil metadata, got %v", err)
	}
}

func TestEmptyWorkspaceSkipsArchive(t *testing.T) {
	s, root := newTestStore(t, true)
	ctx := context.Background()

	ws := filepath.Join(root, "empty-ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatal(err)
	}
	task := store.NewTask("t-empty", "ctx", store.AgentSettings{WorkspacePath: ws})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "archives", "t-empty.tar.gz")); !os.IsNotExist(err) {
		t.Fatal("empty workspace must not produce an archive")
	}
}

func TestSessionMetadataSibling(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	task := store.NewTask("t-1", "ctx", store.AgentSettings{})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	meta, err := s.SessionMetadataFor("t-1")
	if err != nil {
		t.Fatalf("session metadata: %v", err)
	}
	if meta.SessionID != "session-a" || meta.IsComplete || meta.Version != 1 {
		t.Fatalf("unexpected session metadata: %+v", meta)
	}

	task.SetState(store.StateCompleted, "done")
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("second save: %v", err)
	}
	meta, err = s.SessionMetadataFor("t-1")
	if err != nil {
		t.Fatalf("session metadata: %v", err)
	}
	if !meta.IsComplete || meta.Version != 2 {
		t.Fatalf("expected completed v2 metadata, got %+v", meta)
	}
	if meta.CreatedAt.After(meta.UpdatedAt) {
		t.Fatal("createdAt must be preserved across saves")
	}
}

func TestPurgeCompletedSessions(t *testing.T) {
	s, root := newTestStore(t, false)
	ctx := context.Background()

	done := store.NewTask("t-done", "ctx", store.AgentSettings{})
	done.SetState(store.StateCompleted, "")
	if err := s.Save(ctx, done, "session-a"); err != nil {
		t.Fatalf("save done: %v", err)
	}
	live := store.NewTask("t-live", "ctx", store.AgentSettings{})
	if err := s.Save(ctx, live, "session-a"); err != nil {
		t.Fatalf("save live: %v", err)
	}

	// Zero retention: anything complete is past the window.
	purged, err := s.PurgeCompletedSessions(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	if _, err := s.Load(ctx, "t-done"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("purged task should be gone, got %v", err)
	}
	if _, err := s.Load(ctx, "t-live"); err != nil {
		t.Fatalf("live task must survive purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "tasks", "t-done.session.json")); !os.IsNotExist(err) {
		t.Fatal("purge must remove session metadata")
	}
}

func TestStatsTrackSavesAndLoads(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()

	task := store.NewTask("t-1", "ctx", store.AgentSettings{})
	if err := s.Save(ctx, task, "session-a"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Load(ctx, "t-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := s.Load(ctx, "nope"); err == nil {
		t.Fatal("expected load failure")
	}

	stats := s.Stats()
	if stats.Saves != 1 || stats.Loads != 1 || stats.LoadFailures != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.AvgSaveLatency <= 0 || stats.AvgLoadLatency <= 0 {
		t.Fatalf("latency averages not tracked: %+v", stats)
	}
}
