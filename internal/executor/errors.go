package executor

import (
	"context"
	"errors"
)

// ErrExecutionAborted marks a loop stopped by context cancellation rather
// than by the task reaching a state on its own.
var ErrExecutionAborted = errors.New("execution aborted")

// Error classes for logging and metrics labels.
const (
	ClassAborted  = "aborted"
	ClassCanceled = "canceled"
	ClassModel    = "model"
	ClassTool     = "tool"
	ClassStore    = "store"
	ClassInternal = "internal"
)

// Classify buckets a loop error for logs. Unknown errors are internal.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassAborted
	case errors.Is(err, ErrExecutionAborted):
		return ClassAborted
	}
	return ClassInternal
}
