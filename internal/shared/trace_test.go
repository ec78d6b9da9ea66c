package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected placeholder trace id, got %q", got)
	}

	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestTaskAndSessionID(t *testing.T) {
	ctx := context.Background()
	if TaskID(ctx) != "" || SessionID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSessionID(ctx, "sess-1")
	if TaskID(ctx) != "task-1" {
		t.Fatalf("task id mismatch: %q", TaskID(ctx))
	}
	if SessionID(ctx) != "sess-1" {
		t.Fatalf("session id mismatch: %q", SessionID(ctx))
	}
}
