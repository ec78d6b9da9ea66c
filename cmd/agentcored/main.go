// Command agentcored runs the execution and persistence core: the durable
// task store with locking, session tracking, conflict resolution, integrity
// sweeps, and the turn-loop engine. The model provider and tool runtime are
// pluggable; without one configured the engine answers with a local echo
// model so the full pipeline stays exercisable.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/agentcored/internal/audit"
	"github.com/basket/agentcored/internal/bus"
	"github.com/basket/agentcored/internal/config"
	"github.com/basket/agentcored/internal/conflict"
	"github.com/basket/agentcored/internal/executor"
	"github.com/basket/agentcored/internal/integrity"
	"github.com/basket/agentcored/internal/lock"
	"github.com/basket/agentcored/internal/maintenance"
	"github.com/basket/agentcored/internal/otel"
	"github.com/basket/agentcored/internal/persistence"
	"github.com/basket/agentcored/internal/session"
	"github.com/basket/agentcored/internal/store"
	"github.com/basket/agentcored/internal/telemetry"
)

func main() {
	home := flag.String("home", "", "storage root (default ~/.agentcored)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("agentcored", otel.Version)
		return
	}

	if err := run(*home, *logLevel, *quiet); err != nil {
		fmt.Fprintln(os.Stderr, "agentcored:", err)
		os.Exit(1)
	}
}

func run(homeFlag, levelFlag string, quiet bool) error {
	homeDir := homeFlag
	if homeDir == "" {
		homeDir = config.HomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home dir: %w", err)
	}

	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if levelFlag != "" {
		cfg.LogLevel = levelFlag
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closeQuiet(logCloser)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("agentcored starting",
		"version", otel.Version,
		"home", homeDir,
		"config_fingerprint", cfg.Fingerprint(),
	)

	provider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	if err := audit.Init(homeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer closeAudit(logger)

	b := bus.New()

	sessions, err := session.NewManager(homeDir, session.Config{
		OwnerID:        cfg.Session.OwnerID,
		InactiveAfter:  cfg.Session.InactiveAfter(),
		ArchiveAfter:   cfg.Session.ArchiveAfter(),
		SweepInterval:  cfg.Session.Heartbeat(),
		RecentActivity: cfg.Conflict.RecentActivity(),
	}, logger, b)
	if err != nil {
		return fmt.Errorf("init session manager: %w", err)
	}

	locks, err := lock.NewManager(filepath.Join(homeDir, "locks"), sessions.CurrentSession().SessionID, lock.Config{
		MaxAttempts:   cfg.Lock.MaxAttempts,
		RetryInterval: cfg.Lock.RetryInterval(),
		StaleAfter:    cfg.Lock.StaleAfter(),
		Validity:      cfg.Lock.Validity(),
	}, logger)
	if err != nil {
		return fmt.Errorf("init lock manager: %w", err)
	}

	im, err := integrity.NewManager(homeDir, integrity.Config{
		Compress:    cfg.Integrity.CompressBackups,
		MaxAge:      cfg.Integrity.BackupMaxAge(),
		MaxVersions: cfg.Integrity.BackupMaxVersions,
	}, logger)
	if err != nil {
		return fmt.Errorf("init integrity manager: %w", err)
	}

	st, err := store.Open(homeDir, locks, im, store.Options{
		Compress:   cfg.Storage.Compress,
		MaxBackups: cfg.Storage.MaxBackups,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	recoverTask := func(taskID string) error {
		op, err := im.AutoRecover(st.RecordPath(taskID))
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("no backup available for task %s", taskID)
		}
		return nil
	}
	resolver, err := conflict.NewResolver(homeDir, conflict.Config{
		ConcurrentWindow:     cfg.Conflict.ConcurrentWindow(),
		StaleSession:         cfg.Conflict.StaleSession(),
		HighSeveritySessions: cfg.Conflict.HighSeveritySessions,
	}, locks, sessions, recoverTask, logger, b)
	if err != nil {
		return fmt.Errorf("init conflict resolver: %w", err)
	}

	facade := persistence.New(st, sessions, resolver, im, logger, metrics)
	engine := executor.New(facade, echoModel{}, noTools{}, b, logger, metrics)

	sessions.Start(ctx)
	defer sessions.Stop()

	runner := maintenance.NewRunner(30*time.Second, logger)
	jobs := []struct {
		name string
		expr string
		fn   maintenance.JobFunc
	}{
		{"integrity-sweep", cfg.Maintenance.IntegritySweepCron, func(ctx context.Context) error {
			res, err := im.Sweep(ctx)
			if res.Recovered > 0 {
				b.Publish(bus.TopicRecoveryDone, res.Recovered)
			}
			return err
		}},
		{"lock-sweep", cfg.Maintenance.LockSweepCron, func(context.Context) error {
			_, err := resolver.SweepExpiredLocks()
			return err
		}},
		{"session-sweep", cfg.Maintenance.SessionSweepCron, func(context.Context) error {
			_, err := sessions.SweepLiveness()
			return err
		}},
		{"retention-purge", cfg.Maintenance.RetentionCron, func(ctx context.Context) error {
			_, err := facade.PurgeCompleted(ctx, cfg.Storage.Retention())
			return err
		}},
	}
	for _, j := range jobs {
		if err := runner.Add(j.name, j.expr, j.fn); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	runner.Start(ctx)
	defer runner.Stop()

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.LoadFrom(homeDir)
				if err != nil {
					logger.Warn("config reload failed", "error", err)
					continue
				}
				logger.Info("config reloaded", "config_fingerprint", next.Fingerprint())
			}
		}()
	}

	// Surface bus traffic in the log; the transport layer that would consume
	// these lives outside this binary.
	sub := b.Subscribe("")
	go func() {
		for ev := range sub.Ch() {
			logger.Debug("bus event", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
		}
	}()
	defer b.Unsubscribe(sub)

	logger.Info("agentcored ready",
		"session_id", sessions.CurrentSession().SessionID,
		"engine_active", engine.Status().ActiveTasks,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func closeQuiet(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func closeAudit(logger *slog.Logger) {
	if err := audit.Close(); err != nil {
		logger.Warn("audit close failed", "error", err)
	}
}
