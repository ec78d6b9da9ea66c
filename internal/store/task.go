// Package store persists task records, session metadata, and workspace
// archives as individual files under a shared storage root. Records are
// written atomically via temp+rename and every save is preceded by a rotated
// backup, so a crash mid-write never leaves the only copy corrupted.
package store

import (
	"errors"
	"time"
)

// TaskState is the protocol-visible lifecycle state of a task.
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateFailed        TaskState = "failed"
	StateCanceled      TaskState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Sentinel errors for load outcomes. Callers branch with errors.Is; the
// distinction between absent and corrupted drives auto-recovery.
var (
	ErrNotFound       = errors.New("task not found")
	ErrCorruptedState = errors.New("task state corrupted")
)

// TaskStatus carries the current state plus an optional human-readable message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// AgentSettings are the per-task agent parameters supplied at submission.
type AgentSettings struct {
	WorkspacePath string            `json:"workspacePath,omitempty"`
	Model         string            `json:"model,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// InternalState is the execution engine's private namespace inside the task
// record. Its absence after a successful parse is corruption, not an empty
// task.
type InternalState struct {
	TaskState map[string]any `json:"taskState,omitempty"`
	Turns     int            `json:"turns"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TaskMetadata wraps versioning, agent settings, and the internal namespace.
type TaskMetadata struct {
	Version  int            `json:"version"`
	Settings AgentSettings  `json:"agentSettings"`
	Internal *InternalState `json:"internalState"`
}

// Task is the persisted record for one unit of agent work.
type Task struct {
	ID        string        `json:"id"`
	ContextID string        `json:"contextId"`
	State     TaskState     `json:"state"`
	Status    TaskStatus    `json:"status"`
	Metadata  *TaskMetadata `json:"metadata"`
}

// NewTask builds a freshly submitted task with an initialized internal
// namespace.
func NewTask(id, contextID string, settings AgentSettings) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		ContextID: contextID,
		State:     StateSubmitted,
		Status:    TaskStatus{State: StateSubmitted, Timestamp: now},
		Metadata: &TaskMetadata{
			Version:  1,
			Settings: settings,
			Internal: &InternalState{UpdatedAt: now},
		},
	}
}

// SetState updates the task's state and mirrors it into the status and
// internal timestamps.
func (t *Task) SetState(s TaskState, message string) {
	now := time.Now().UTC()
	t.State = s
	t.Status = TaskStatus{State: s, Timestamp: now, Message: message}
	if t.Metadata != nil && t.Metadata.Internal != nil {
		t.Metadata.Internal.UpdatedAt = now
	}
}

// SessionMetadata is the sibling record written next to each task record so
// other processes can see who last touched the task without parsing it.
type SessionMetadata struct {
	SessionID  string            `json:"sessionId"`
	OwnerID    string            `json:"ownerId,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	IsComplete bool              `json:"isComplete"`
	Version    int               `json:"version"`
	Properties map[string]string `json:"properties,omitempty"`
}
