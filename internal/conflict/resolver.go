// Package conflict detects competing claims on tasks across sessions and
// executes resolution strategies. Detection and resolution are split so that
// callers can analyze without committing to an action; Resolve always
// executes exactly one strategy and records every step it took.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentcored/internal/audit"
	"github.com/basket/agentcored/internal/bus"
	"github.com/basket/agentcored/internal/lock"
	"github.com/basket/agentcored/internal/session"
)

// Conflict types, ordered by significance. Analysis reports the most
// significant type found.
const (
	TypeConcurrentAccess = "CONCURRENT_ACCESS"
	TypeResourceLock     = "RESOURCE_LOCK"
	TypeOwnership        = "OWNERSHIP"
	TypeStaleSession     = "STALE_SESSION"
	TypeDataIntegrity    = "DATA_INTEGRITY"
	TypeVersion          = "VERSION"
)

// Severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Resolution strategies. MERGE_CHANGES and MANUAL_RESOLUTION are flag-only:
// Resolve records the required follow-up and reports the resolution as not
// completed.
const (
	StrategyTransferToLatest = "TRANSFER_TO_LATEST"
	StrategyDuplicateTask    = "DUPLICATE_TASK"
	StrategyQueueSequential  = "QUEUE_SEQUENTIAL"
	StrategyAbortConflict    = "ABORT_CONFLICT"
	StrategyRollbackState    = "ROLLBACK_STATE"
	StrategyMergeChanges     = "MERGE_CHANGES"
	StrategyManual           = "MANUAL_RESOLUTION"
)

// Config tunes the detectors.
type Config struct {
	ConcurrentWindow     time.Duration // other-session activity inside this window is concurrent; default 2m
	StaleSession         time.Duration // active sessions idle beyond this are stale; default 30m
	HighSeveritySessions int           // more than this many concurrent sessions is high severity; default 2
}

// Analysis is the outcome of conflict detection for one task.
type Analysis struct {
	TaskID           string    `json:"taskId"`
	HasConflict      bool      `json:"hasConflict"`
	ConflictType     string    `json:"conflictType,omitempty"`
	Severity         string    `json:"severity,omitempty"`
	InvolvedSessions []string  `json:"involvedSessions,omitempty"`
	Recommended      string    `json:"recommendedStrategy,omitempty"`
	AutoResolvable   bool      `json:"autoResolvable"`
	Evidence         []string  `json:"evidence,omitempty"`
	AnalyzedAt       time.Time `json:"analyzedAt"`
}

// Action is one step taken while executing a resolution.
type Action struct {
	Step   string    `json:"step"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Resolution records the execution of one strategy.
type Resolution struct {
	ResolutionID   string    `json:"resolutionId"`
	TaskID         string    `json:"taskId"`
	Strategy       string    `json:"strategy"`
	Actions        []Action  `json:"actions"`
	Completed      bool      `json:"completed"`
	Outcome        string    `json:"outcome"`
	NewOwner       string    `json:"newOwner,omitempty"`
	DerivedTaskIDs []string  `json:"derivedTaskIds,omitempty"`
	QueueOrder     []string  `json:"queueOrder,omitempty"`
	ResolvedAt     time.Time `json:"resolvedAt"`
}

// RecoverFunc restores a task's record from its newest backup. Wired in by
// whoever owns the store and integrity manager.
type RecoverFunc func(taskID string) error

// Resolver analyzes and resolves task conflicts.
type Resolver struct {
	dir      string // resolutions/
	cfg      Config
	locks    *lock.Manager
	sessions *session.Manager
	recover  RecoverFunc
	logger   *slog.Logger
	bus      *bus.Bus
}

// NewResolver creates a Resolver writing resolution records under root.
func NewResolver(root string, cfg Config, locks *lock.Manager, sessions *session.Manager, rec RecoverFunc, logger *slog.Logger, b *bus.Bus) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConcurrentWindow <= 0 {
		cfg.ConcurrentWindow = 2 * time.Minute
	}
	if cfg.StaleSession <= 0 {
		cfg.StaleSession = 30 * time.Minute
	}
	if cfg.HighSeveritySessions <= 0 {
		cfg.HighSeveritySessions = 2
	}
	dir := filepath.Join(root, "resolutions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resolutions dir: %w", err)
	}
	return &Resolver{
		dir:      dir,
		cfg:      cfg,
		locks:    locks,
		sessions: sessions,
		recover:  rec,
		logger:   logger,
		bus:      b,
	}, nil
}

// Analyze runs all detectors against the task and reports the most
// significant conflict found.
func (r *Resolver) Analyze(taskID string) (*Analysis, error) {
	a := &Analysis{TaskID: taskID, AnalyzedAt: time.Now().UTC()}

	corr, err := r.sessions.Correlation(taskID)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("analyze %s: %w", taskID, err)
	}

	lockHit, lockHolder := r.detectLockConflict(taskID)
	var concurrent, stale []string
	ownership := false
	if corr != nil {
		concurrent = r.detectConcurrent(corr)
		stale = r.detectStale(corr)
		ownership = r.detectOwnership(corr)
	}

	// Every detector that fired contributes sessions and evidence; the most
	// significant type drives the reported type, severity, and strategy.
	// A recently active owner is a concurrency problem, not an ownership one,
	// so concurrent access ranks above ownership.
	if lockHit {
		a.InvolvedSessions = appendUnique(a.InvolvedSessions, lockHolder)
		a.Evidence = append(a.Evidence, fmt.Sprintf("resource lock held by session %s", lockHolder))
	}
	if len(concurrent) > 0 {
		for _, s := range concurrent {
			a.InvolvedSessions = appendUnique(a.InvolvedSessions, s)
		}
		a.Evidence = append(a.Evidence, fmt.Sprintf("%d other sessions active inside the concurrency window", len(concurrent)))
	}
	if ownership {
		a.InvolvedSessions = appendUnique(a.InvolvedSessions, corr.CurrentOwner)
		a.Evidence = append(a.Evidence, fmt.Sprintf("task owned by active session %s", corr.CurrentOwner))
	}
	if len(stale) > 0 {
		for _, s := range stale {
			a.InvolvedSessions = appendUnique(a.InvolvedSessions, s)
		}
		a.Evidence = append(a.Evidence, fmt.Sprintf("%d stale sessions still reference the task", len(stale)))
	}

	switch {
	case lockHit:
		a.HasConflict = true
		a.ConflictType = TypeResourceLock
		a.Severity = SeverityHigh
		a.AutoResolvable = false
	case len(concurrent) > 0:
		a.HasConflict = true
		a.ConflictType = TypeConcurrentAccess
		a.Severity = SeverityMedium
		if len(concurrent) > r.cfg.HighSeveritySessions {
			a.Severity = SeverityHigh
		}
		a.AutoResolvable = true
	case ownership:
		a.HasConflict = true
		a.ConflictType = TypeOwnership
		a.Severity = SeverityMedium
		a.AutoResolvable = true
	case len(stale) > 0:
		a.HasConflict = true
		a.ConflictType = TypeStaleSession
		a.Severity = SeverityLow
		a.AutoResolvable = true
	}

	if a.HasConflict {
		a.Recommended = r.recommend(a)
		audit.Record("conflict", "analyze", audit.OutcomeFlagged, taskID, a.ConflictType)
		if r.bus != nil {
			r.bus.Publish(bus.TopicConflictDetected, bus.ConflictEvent{
				TaskID:       taskID,
				ConflictType: a.ConflictType,
				Severity:     a.Severity,
				Strategy:     a.Recommended,
				Sessions:     len(a.InvolvedSessions),
			})
		}
		r.logger.Warn("conflict detected",
			"task_id", taskID,
			"type", a.ConflictType,
			"severity", a.Severity,
			"sessions", len(a.InvolvedSessions),
		)
	}
	return a, nil
}

func (r *Resolver) detectLockConflict(taskID string) (bool, string) {
	locks, err := r.locks.ActiveLocks()
	if err != nil {
		return false, ""
	}
	self := r.sessions.CurrentSession().SessionID
	for _, lk := range locks {
		if strings.Contains(lk.ResourceID, taskID) && lk.HolderSession != self {
			return true, lk.HolderSession
		}
	}
	return false, ""
}

func (r *Resolver) detectConcurrent(corr *session.Correlation) []string {
	cutoff := time.Now().UTC().Add(-r.cfg.ConcurrentWindow)
	return r.chainSessions(corr, func(s session.Session) bool {
		return s.Status == session.StatusActive && s.LastActivityAt.After(cutoff)
	})
}

func (r *Resolver) detectStale(corr *session.Correlation) []string {
	cutoff := time.Now().UTC().Add(-r.cfg.StaleSession)
	// A session the liveness sweep already marked inactive is just as stale
	// as one that never got marked; only terminal statuses are out.
	return r.chainSessions(corr, func(s session.Session) bool {
		nonTerminal := s.Status == session.StatusActive || s.Status == session.StatusInactive
		return nonTerminal && s.LastActivityAt.Before(cutoff)
	})
}

func (r *Resolver) detectOwnership(corr *session.Correlation) bool {
	self := r.sessions.CurrentSession().SessionID
	if corr.CurrentOwner == "" || corr.CurrentOwner == self {
		return false
	}
	active, err := r.sessions.ActiveSessions()
	if err != nil {
		return false
	}
	for _, s := range active {
		if s.SessionID == corr.CurrentOwner {
			return true
		}
	}
	return false
}

// chainSessions returns distinct sessions from the correlation chain, other
// than the current one, matching the predicate.
func (r *Resolver) chainSessions(corr *session.Correlation, match func(session.Session) bool) []string {
	self := r.sessions.CurrentSession().SessionID
	all, err := r.sessions.Sessions()
	if err != nil {
		return nil
	}
	byID := map[string]session.Session{}
	for _, s := range all {
		byID[s.SessionID] = s
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range corr.SessionChain {
		if e.SessionID == self || seen[e.SessionID] {
			continue
		}
		seen[e.SessionID] = true
		s, ok := byID[e.SessionID]
		if ok && match(s) {
			out = append(out, e.SessionID)
		}
	}
	return out
}

func (r *Resolver) recommend(a *Analysis) string {
	switch a.ConflictType {
	case TypeResourceLock:
		return StrategyManual
	case TypeOwnership:
		return StrategyTransferToLatest
	case TypeConcurrentAccess:
		if a.Severity == SeverityHigh {
			return StrategyQueueSequential
		}
		return StrategyTransferToLatest
	case TypeStaleSession:
		return StrategyAbortConflict
	case TypeDataIntegrity:
		return StrategyRollbackState
	case TypeVersion:
		return StrategyMergeChanges
	}
	return StrategyManual
}

// Resolve executes exactly one strategy for the analyzed conflict and writes
// an immutable resolution record.
func (r *Resolver) Resolve(ctx context.Context, a *Analysis, strategy string) (*Resolution, error) {
	if strategy == "" {
		strategy = a.Recommended
	}
	res := &Resolution{
		ResolutionID: uuid.NewString(),
		TaskID:       a.TaskID,
		Strategy:     strategy,
		ResolvedAt:   time.Now().UTC(),
	}
	step := func(name, detail string) {
		res.Actions = append(res.Actions, Action{Step: name, Detail: detail, At: time.Now().UTC()})
	}

	var err error
	switch strategy {
	case StrategyTransferToLatest:
		err = r.transferToLatest(a, res, step)
	case StrategyDuplicateTask:
		r.duplicateTask(a, res, step)
	case StrategyQueueSequential:
		r.queueSequential(a, res, step)
	case StrategyAbortConflict:
		err = r.abortConflict(a, res, step)
	case StrategyRollbackState:
		err = r.rollbackState(a, res, step)
	case StrategyMergeChanges:
		step("flag", "merge requires operator review of both change sets")
		res.Outcome = "flagged for merge"
	case StrategyManual:
		step("flag", "conflict requires operator decision")
		res.Outcome = "flagged for manual resolution"
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	if err != nil {
		res.Outcome = err.Error()
		step("failed", err.Error())
	} else if strategy != StrategyMergeChanges && strategy != StrategyManual {
		res.Completed = true
	}

	if werr := r.writeResolution(res); werr != nil {
		r.logger.Warn("resolution record write failed", "resolution_id", res.ResolutionID, "error", werr)
	}

	outcome := audit.OutcomeApplied
	if !res.Completed {
		outcome = audit.OutcomeFlagged
	}
	if err != nil {
		outcome = audit.OutcomeFailed
	}
	audit.Record("conflict", "resolve", outcome, a.TaskID, strategy)
	if r.bus != nil && res.Completed {
		r.bus.Publish(bus.TopicConflictResolved, bus.ConflictEvent{
			TaskID:       a.TaskID,
			ConflictType: a.ConflictType,
			Severity:     a.Severity,
			Strategy:     strategy,
			Sessions:     len(a.InvolvedSessions),
		})
	}
	r.logger.Info("conflict resolution finished",
		"task_id", a.TaskID, "strategy", strategy, "completed", res.Completed)
	return res, err
}

func (r *Resolver) transferToLatest(a *Analysis, res *Resolution, step func(string, string)) error {
	// The current session is a candidate too: whoever acted last wins.
	candidates := append([]string{r.sessions.CurrentSession().SessionID}, a.InvolvedSessions...)
	target := r.latestSession(candidates)
	if target == "" {
		target = r.sessions.CurrentSession().SessionID
	}
	step("select", "most recently active session "+target)
	if _, err := r.sessions.TransferTaskOwnership(a.TaskID, target, "conflict resolution: transfer to latest"); err != nil {
		return fmt.Errorf("transfer ownership: %w", err)
	}
	res.NewOwner = target
	res.Outcome = "ownership transferred to " + target
	step("transfer", target)
	return nil
}

func (r *Resolver) duplicateTask(a *Analysis, res *Resolution, step func(string, string)) {
	for _, sid := range a.InvolvedSessions {
		derived := a.TaskID + "-dup-" + uuid.NewString()[:8]
		res.DerivedTaskIDs = append(res.DerivedTaskIDs, derived)
		step("duplicate", fmt.Sprintf("session %s continues as %s", sid, derived))
	}
	if _, err := r.sessions.UpdateTaskCorrelation(a.TaskID, func(c *session.Correlation) {
		c.RelatedTaskIDs = append(c.RelatedTaskIDs, res.DerivedTaskIDs...)
	}); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("related task link failed", "task_id", a.TaskID, "error", err)
	}
	res.Outcome = fmt.Sprintf("%d derived tasks minted", len(res.DerivedTaskIDs))
}

func (r *Resolver) queueSequential(a *Analysis, res *Resolution, step func(string, string)) {
	order := append([]string(nil), a.InvolvedSessions...)
	activity := r.activityIndex()
	sort.SliceStable(order, func(i, j int) bool {
		return activity[order[i]].Before(activity[order[j]])
	})
	order = append(order, r.sessions.CurrentSession().SessionID)
	res.QueueOrder = order
	res.Outcome = fmt.Sprintf("%d sessions queued", len(order))
	step("queue", fmt.Sprintf("%v", order))
}

func (r *Resolver) abortConflict(a *Analysis, res *Resolution, step func(string, string)) error {
	self := r.sessions.CurrentSession().SessionID
	cutoff := time.Now().UTC().Add(-r.cfg.StaleSession)
	activity := r.activityIndex()
	for _, sid := range a.InvolvedSessions {
		if sid == self {
			continue
		}
		// Sessions that are genuinely still working are left untouched; only
		// the ones whose liveness is gone get aborted.
		if at, ok := activity[sid]; ok && at.After(cutoff) {
			step("skip", "session "+sid+" is still active")
			continue
		}
		if err := r.sessions.MarkSessionStatus(sid, session.StatusFailed); err != nil {
			r.logger.Warn("abort mark failed", "session_id", sid, "error", err)
			continue
		}
		step("abort", "session "+sid+" marked failed")
	}
	if _, err := r.sessions.TransferTaskOwnership(a.TaskID, self, "conflict resolution: stale participants aborted"); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Outcome = "stale sessions aborted"
			return nil
		}
		return fmt.Errorf("reclaim ownership: %w", err)
	}
	res.NewOwner = self
	res.Outcome = "stale sessions aborted, ownership reclaimed"
	return nil
}

func (r *Resolver) rollbackState(a *Analysis, res *Resolution, step func(string, string)) error {
	if r.recover == nil {
		step("flag", "no recovery hook wired")
		res.Outcome = "rollback requested but no recovery hook available"
		return nil
	}
	step("rollback", "restoring last good record")
	if err := r.recover(a.TaskID); err != nil {
		return fmt.Errorf("rollback state: %w", err)
	}
	res.Outcome = "task state rolled back to last good backup"
	return nil
}

// latestSession returns the involved session with the most recent activity.
func (r *Resolver) latestSession(ids []string) string {
	activity := r.activityIndex()
	best := ""
	var bestAt time.Time
	for _, id := range ids {
		at, ok := activity[id]
		if ok && at.After(bestAt) {
			best = id
			bestAt = at
		}
	}
	return best
}

func (r *Resolver) activityIndex() map[string]time.Time {
	idx := map[string]time.Time{}
	active, err := r.sessions.ActiveSessions()
	if err != nil {
		return idx
	}
	for _, s := range active {
		idx[s.SessionID] = s.LastActivityAt
	}
	return idx
}

// SweepExpiredLocks removes expired lock markers and announces each removal.
func (r *Resolver) SweepExpiredLocks() (int, error) {
	removed, err := r.locks.SweepExpired()
	if err != nil {
		return 0, err
	}
	if removed > 0 && r.bus != nil {
		r.bus.Publish(bus.TopicLockExpired, removed)
	}
	return removed, nil
}

func (r *Resolver) writeResolution(res *Resolution) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.dir, res.ResolutionID+".json"), data, 0o644)
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
