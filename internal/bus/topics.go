package bus

// Persistence and conflict topics published by the store, resolver, and sweeps.
const (
	TopicConflictDetected = "conflict.detected"
	TopicConflictResolved = "conflict.resolved"
	TopicLockExpired      = "lock.expired"
	TopicRecoveryStarted  = "recovery.started"
	TopicRecoveryDone     = "recovery.completed"
	TopicSessionInactive  = "session.inactive"
	TopicSessionHandoff   = "session.handoff"
)

// ConflictEvent is published when a conflict is detected or resolved.
type ConflictEvent struct {
	TaskID       string // Task the conflict concerns
	ConflictType string // e.g. CONCURRENT_ACCESS
	Severity     string // low, medium, high, critical
	Strategy     string // recommended or applied strategy
	Sessions     int    // number of involved sessions
}

// RecoveryEvent is published when an auto-recovery starts or finishes.
type RecoveryEvent struct {
	OperationID string // Recovery operation ID
	BackupID    string // Backup used for the restore
	TargetPath  string // File being restored
	Outcome     string // completed, failed
}

// HandoffEvent is published when task ownership moves between sessions.
type HandoffEvent struct {
	TaskID      string // Task being handed off
	FromSession string // Previous owner session
	ToSession   string // New owner session
	Reason      string // Why the ownership moved
}
