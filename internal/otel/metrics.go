package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all core metrics instruments.
type Metrics struct {
	SaveDuration       metric.Float64Histogram
	LoadDuration       metric.Float64Histogram
	LockWaitDuration   metric.Float64Histogram
	LockTimeouts       metric.Int64Counter
	ConflictsDetected  metric.Int64Counter
	ConflictsResolved  metric.Int64Counter
	BackupsCreated     metric.Int64Counter
	RecoveriesTotal    metric.Int64Counter
	ActiveExecutions   metric.Int64UpDownCounter
	TurnsTotal         metric.Int64Counter
	ToolCallsScheduled metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SaveDuration, err = meter.Float64Histogram("agentcored.store.save.duration",
		metric.WithDescription("Task save duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LoadDuration, err = meter.Float64Histogram("agentcored.store.load.duration",
		metric.WithDescription("Task load duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockWaitDuration, err = meter.Float64Histogram("agentcored.lock.wait",
		metric.WithDescription("Lock acquisition wait in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockTimeouts, err = meter.Int64Counter("agentcored.lock.timeouts",
		metric.WithDescription("Lock acquisitions that exhausted the retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsDetected, err = meter.Int64Counter("agentcored.conflict.detected",
		metric.WithDescription("Conflicts detected during save/load"),
	)
	if err != nil {
		return nil, err
	}

	m.ConflictsResolved, err = meter.Int64Counter("agentcored.conflict.resolved",
		metric.WithDescription("Conflicts auto-resolved"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupsCreated, err = meter.Int64Counter("agentcored.integrity.backups",
		metric.WithDescription("Backups written"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveriesTotal, err = meter.Int64Counter("agentcored.integrity.recoveries",
		metric.WithDescription("Auto-recovery operations run"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("agentcored.executor.active",
		metric.WithDescription("Number of currently active task loops"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnsTotal, err = meter.Int64Counter("agentcored.executor.turns",
		metric.WithDescription("Model turns executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallsScheduled, err = meter.Int64Counter("agentcored.executor.toolcalls",
		metric.WithDescription("Tool calls scheduled"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
