// Package persistence is the surface the execution engine talks to. It folds
// session bookkeeping, conflict analysis, the task store, and integrity
// verification into two operations: Save and Load. Conflicts never fail a
// save; they are auto-resolved when safe and logged otherwise, because losing
// agent work is worse than a contested write.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentcored/internal/conflict"
	"github.com/basket/agentcored/internal/integrity"
	"github.com/basket/agentcored/internal/otel"
	"github.com/basket/agentcored/internal/session"
	"github.com/basket/agentcored/internal/store"
)

// Facade coordinates the persistence subsystems behind one Save/Load pair.
type Facade struct {
	store     *store.Store
	sessions  *session.Manager
	resolver  *conflict.Resolver
	integrity *integrity.Manager
	logger    *slog.Logger
	metrics   *otel.Metrics
}

// New wires a Facade. All collaborators are required except metrics.
func New(st *store.Store, sm *session.Manager, cr *conflict.Resolver, im *integrity.Manager, logger *slog.Logger, metrics *otel.Metrics) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		store:     st,
		sessions:  sm,
		resolver:  cr,
		integrity: im,
		logger:    logger,
		metrics:   metrics,
	}
}

// Save persists the task. The task must carry its internal namespace; a
// conflict on the task is resolved automatically when the analysis allows it,
// otherwise logged and the save proceeds. The written record is verified
// after the fact.
func (f *Facade) Save(ctx context.Context, t *store.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("save: task without id")
	}
	if t.Metadata == nil || t.Metadata.Internal == nil {
		return fmt.Errorf("task %s has no internal state to persist: %w", t.ID, store.ErrCorruptedState)
	}

	cur := f.sessions.CurrentSession()
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "persistence.save",
		otel.AttrTaskID.String(t.ID),
		otel.AttrContextID.String(t.ContextID),
		otel.AttrSessionID.String(cur.SessionID),
	)
	defer span.End()

	f.checkConflicts(ctx, t.ID)

	if _, err := f.sessions.CreateTaskCorrelation(t.ID, ""); err != nil {
		f.logger.Warn("task correlation failed", "task_id", t.ID, "error", err)
	}
	if err := f.store.Save(ctx, t, cur.SessionID); err != nil {
		return err
	}

	if t.State.Terminal() {
		if err := f.sessions.CompleteTask(t.ID); err != nil {
			f.logger.Warn("correlation completion failed", "task_id", t.ID, "error", err)
		}
	}

	// The record just written must verify; a failure here means the storage
	// medium is lying to us.
	if res, err := f.integrity.Verify(f.store.RecordPath(t.ID), ""); err != nil {
		f.logger.Warn("post-save verification errored", "task_id", t.ID, "error", err)
	} else if !res.Valid {
		f.logger.Error("post-save verification failed", "task_id", t.ID, "reason", res.Reason)
	}

	if err := f.sessions.Touch(); err != nil {
		f.logger.Warn("session touch failed", "error", err)
	}
	return nil
}

// checkConflicts analyzes and, when safe, resolves conflicts on the task.
// Conflicts never abort a save.
func (f *Facade) checkConflicts(ctx context.Context, taskID string) {
	a, err := f.resolver.Analyze(taskID)
	if err != nil {
		f.logger.Warn("conflict analysis failed", "task_id", taskID, "error", err)
		return
	}
	if !a.HasConflict {
		return
	}
	if f.metrics != nil {
		f.metrics.ConflictsDetected.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskID.String(taskID)))
	}
	if !a.AutoResolvable {
		f.logger.Warn("conflict requires manual resolution, proceeding with save",
			"task_id", taskID, "type", a.ConflictType, "severity", a.Severity)
		return
	}
	res, err := f.resolver.Resolve(ctx, a, "")
	if err != nil {
		f.logger.Warn("conflict auto-resolution failed, proceeding with save",
			"task_id", taskID, "strategy", a.Recommended, "error", err)
		return
	}
	if res.Completed && f.metrics != nil {
		f.metrics.ConflictsResolved.Add(ctx, 1,
			metric.WithAttributes(otel.AttrTaskID.String(taskID), otel.AttrStrategy.String(res.Strategy)))
	}
}

// Load reads the task. An absent task returns (nil, nil). A corrupted record
// triggers one auto-recovery pass from the newest backup before the load is
// retried; corruption with no backup surfaces as ErrCorruptedState.
func (f *Facade) Load(ctx context.Context, taskID string) (*store.Task, error) {
	ctx, span := otel.StartSpan(ctx, otel.Tracer(), "persistence.load",
		otel.AttrTaskID.String(taskID))
	defer span.End()

	t, err := f.store.Load(ctx, taskID)
	if errors.Is(err, store.ErrCorruptedState) {
		f.logger.Warn("task record corrupted, attempting recovery", "task_id", taskID, "error", err)
		op, rerr := f.integrity.AutoRecover(f.store.RecordPath(taskID))
		if rerr != nil {
			return nil, fmt.Errorf("recover task %s: %w", taskID, rerr)
		}
		if op == nil {
			return nil, err
		}
		span.SetAttributes(otel.AttrBackupID.String(op.BackupID))
		if f.metrics != nil {
			f.metrics.RecoveriesTotal.Add(ctx, 1, metric.WithAttributes(otel.AttrTaskID.String(taskID)))
		}
		t, err = f.store.Load(ctx, taskID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, rerr := f.sessions.ResumeTask(taskID); rerr != nil {
		f.logger.Warn("task resume bookkeeping failed", "task_id", taskID, "error", rerr)
	}
	if terr := f.sessions.Touch(); terr != nil {
		f.logger.Warn("session touch failed", "error", terr)
	}
	return t, nil
}

// RecoverTask restores a task record from its newest backup. Wired into the
// resolver as its ROLLBACK_STATE hook.
func (f *Facade) RecoverTask(taskID string) error {
	op, err := f.integrity.AutoRecover(f.store.RecordPath(taskID))
	if err != nil {
		return err
	}
	if op == nil {
		return fmt.Errorf("no backup available for task %s", taskID)
	}
	return nil
}

// PurgeCompleted removes completed sessions older than retention.
func (f *Facade) PurgeCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return f.store.PurgeCompletedSessions(ctx, retention)
}

// Stats exposes the store's rolling counters.
func (f *Facade) Stats() store.Stats {
	return f.store.Stats()
}
