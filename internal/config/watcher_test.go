package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherEmitsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected path %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event within deadline")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(dir, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	select {
	case ev, ok := <-w.Events():
		if ok {
			t.Fatalf("unexpected event for %q", ev.Path)
		}
	case <-time.After(300 * time.Millisecond):
	}
}
