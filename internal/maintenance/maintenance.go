// Package maintenance hosts the periodic background jobs: integrity sweep,
// lock expiry, session liveness, retention purge. Jobs are cron expressions
// evaluated on a coarse tick, so a missed tick delays a job rather than
// dropping it.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one maintenance job. Errors are logged, never fatal.
type JobFunc func(ctx context.Context) error

type job struct {
	name  string
	sched cronlib.Schedule
	run   JobFunc
	next  time.Time
}

// Runner evaluates registered cron jobs on a fixed tick.
type Runner struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a Runner ticking at interval (default 30s).
func NewRunner(interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{interval: interval, logger: logger}
}

// Add registers a job under a cron expression.
func (r *Runner) Add(name, expr string, fn JobFunc) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %s: %w", expr, name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, &job{name: name, sched: sched, run: fn})
	return nil
}

// Start begins the tick loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.tick(ctx, now)
			}
		}
	}()
	r.logger.Info("maintenance runner started", "interval", r.interval, "jobs", len(r.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
}

// tick runs every job whose schedule has come due since the last tick.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	r.mu.Lock()
	due := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if j.next.IsZero() {
			j.next = j.sched.Next(now)
			continue
		}
		if !now.Before(j.next) {
			due = append(due, j)
			j.next = j.sched.Next(now)
		}
	}
	r.mu.Unlock()

	for _, j := range due {
		start := time.Now()
		if err := j.run(ctx); err != nil {
			r.logger.Warn("maintenance job failed", "job", j.name, "error", err)
			continue
		}
		r.logger.Debug("maintenance job finished", "job", j.name, "took", time.Since(start).Round(time.Millisecond))
	}
}
