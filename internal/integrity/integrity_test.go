package integrity_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcored/internal/integrity"
)

func newTestManager(t *testing.T) (*integrity.Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := integrity.NewManager(root, integrity.Config{
		Compress:    true,
		MaxAge:      24 * time.Hour,
		MaxVersions: 3,
	}, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, root
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestVerifyChecksumIdempotence(t *testing.T) {
	m, root := newTestManager(t)
	path := filepath.Join(root, "data.txt")
	writeFile(t, path, []byte("stable content"))

	first, err := m.Verify(path, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !first.Valid || first.Checksum == "" {
		t.Fatalf("expected valid result with checksum, got %+v", first)
	}

	// Recomputing over unmodified bytes matches.
	second, err := m.Verify(path, first.Checksum)
	if err != nil {
		t.Fatalf("verify with expected: %v", err)
	}
	if !second.Valid {
		t.Fatalf("expected valid, got %+v", second)
	}

	// Modified bytes fail the expected checksum.
	writeFile(t, path, []byte("tampered"))
	third, err := m.Verify(path, first.Checksum)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if third.Valid {
		t.Fatal("expected checksum mismatch to be invalid")
	}
	if third.Recommendation == "" {
		t.Fatal("expected actionable recommendation")
	}
}

func TestVerifyMissingFileIsInvalidNotError(t *testing.T) {
	m, root := newTestManager(t)
	res, err := m.Verify(filepath.Join(root, "absent.json"), "")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if res.Valid {
		t.Fatal("missing file must not verify")
	}
	if res.Recommendation == "" {
		t.Fatal("expected recommendation for missing file")
	}
}

func TestVerifyStructuralValidation(t *testing.T) {
	m, root := newTestManager(t)

	bad := filepath.Join(root, "task.json")
	writeFile(t, bad, []byte(`{"id": "t-1", "metadata": {}}`))
	res, err := m.Verify(bad, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatal("record missing internal state namespace must not validate")
	}

	good := filepath.Join(root, "task2.json")
	writeFile(t, good, []byte(`{"id":"t-2","contextId":"c-1","state":"working","metadata":{"version":1,"internalState":{}}}`))
	res, err = m.Verify(good, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected valid record, got %+v", res)
	}

	notJSON := filepath.Join(root, "broken.json")
	writeFile(t, notJSON, []byte("{{{"))
	res, err = m.Verify(notJSON, "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatal("unparsable JSON must not validate")
	}
}

func TestBackupRestoreFidelity(t *testing.T) {
	for _, compress := range []bool{true, false} {
		m, root := newTestManager(t)
		path := filepath.Join(root, "record.json")
		original := []byte(`{"id":"t-1","contextId":"c","state":"working","metadata":{"version":1,"internalState":{}}}`)
		writeFile(t, path, original)

		meta, err := m.Backup(path, integrity.BackupOptions{Type: "manual", Compress: &compress})
		if err != nil {
			t.Fatalf("backup (compress=%t): %v", compress, err)
		}
		if meta.Compressed != compress {
			t.Fatalf("compression flag mismatch: %+v", meta)
		}

		// Corrupt the original, then restore.
		writeFile(t, path, []byte("garbage"))
		op, err := m.Restore(meta.BackupID, "")
		if err != nil {
			t.Fatalf("restore (compress=%t): %v", compress, err)
		}
		if op.Status != "completed" {
			t.Fatalf("expected completed recovery, got %+v", op)
		}

		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read restored: %v", err)
		}
		if string(got) != string(original) {
			t.Fatalf("restore not byte-identical (compress=%t):\n got %q\nwant %q", compress, got, original)
		}
	}
}

func TestAutoRecoverNilWithoutBackups(t *testing.T) {
	m, root := newTestManager(t)
	op, err := m.AutoRecover(filepath.Join(root, "never-backed-up.json"))
	if err != nil {
		t.Fatalf("auto-recover: %v", err)
	}
	if op != nil {
		t.Fatalf("expected nil operation, got %+v", op)
	}
}

func TestAutoRecoverUsesNewestBackup(t *testing.T) {
	m, root := newTestManager(t)
	path := filepath.Join(root, "record.txt")

	writeFile(t, path, []byte("v1"))
	if _, err := m.Backup(path, integrity.BackupOptions{}); err != nil {
		t.Fatalf("backup v1: %v", err)
	}
	time.Sleep(5 * time.Millisecond) // distinct timestamps
	writeFile(t, path, []byte("v2"))
	if _, err := m.Backup(path, integrity.BackupOptions{}); err != nil {
		t.Fatalf("backup v2: %v", err)
	}

	writeFile(t, path, []byte("corrupted"))
	op, err := m.AutoRecover(path)
	if err != nil {
		t.Fatalf("auto-recover: %v", err)
	}
	if op == nil {
		t.Fatal("expected a recovery operation")
	}
	got, _ := os.ReadFile(path)
	if string(got) != "v2" {
		t.Fatalf("expected newest backup content, got %q", got)
	}
}

func TestRetentionPrunesOldVersions(t *testing.T) {
	m, root := newTestManager(t)
	path := filepath.Join(root, "record.txt")
	writeFile(t, path, []byte("content"))

	for i := 0; i < 5; i++ {
		if _, err := m.Backup(path, integrity.BackupOptions{}); err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	res, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// MaxVersions is 3: the overflow beyond three must be gone.
	if res.Verified == 0 {
		t.Fatal("sweep verified nothing")
	}
	op, err := m.AutoRecover(path)
	if err != nil || op == nil {
		t.Fatalf("recovery should still work after pruning: %v", err)
	}
}

func TestSweepAutoRecoversCorruptedFiles(t *testing.T) {
	m, root := newTestManager(t)
	path := filepath.Join(root, "task.json")
	good := []byte(`{"id":"t-1","contextId":"c","state":"working","metadata":{"version":1,"internalState":{}}}`)
	writeFile(t, path, good)
	if _, err := m.Backup(path, integrity.BackupOptions{}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	writeFile(t, path, []byte("{{not json"))
	res, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Invalid == 0 || res.Recovered == 0 {
		t.Fatalf("expected sweep to recover the corrupted file, got %+v", res)
	}
	got, _ := os.ReadFile(path)
	if string(got) != string(good) {
		t.Fatalf("sweep restored wrong content: %q", got)
	}
}
