// Package audit appends an operator-facing JSONL trail of lock, conflict,
// and recovery decisions made by the persistence core.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcored/internal/shared"
)

// Decision outcomes recorded in the trail.
const (
	OutcomeApplied = "applied"
	OutcomeFlagged = "flagged"
	OutcomeFailed  = "failed"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Category  string `json:"category"` // lock, conflict, recovery, store
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Subject   string `json:"subject,omitempty"` // task id, resource id, or path
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	failedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailedCount returns the total number of failed outcomes since startup.
func FailedCount() int64 {
	return failedCount.Load()
}

func Record(category, action, outcome, subject, detail string) {
	if outcome == OutcomeFailed {
		failedCount.Add(1)
	}

	// Redact secrets before persistence.
	subject = shared.Redact(subject)
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Category:  category,
		Action:    action,
		Outcome:   outcome,
		Subject:   subject,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
