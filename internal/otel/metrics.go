package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all altcap metrics instruments.
type Metrics struct {
	SessionOps        metric.Int64Counter
	SessionConflicts  metric.Int64Counter
	SessionViolations metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	TasksActive       metric.Int64UpDownCounter
	TaskTransitions   metric.Int64Counter
	TransitionLosses  metric.Int64Counter
	BusPublished      metric.Int64Counter
	BusDropped        metric.Int64Counter
	AuditWrites       metric.Int64Counter
	AuditWriteErrors  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionOps, err = meter.Int64Counter("altcap.session.ops",
		metric.WithDescription("Session manager operations by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionConflicts, err = meter.Int64Counter("altcap.session.conflicts",
		metric.WithDescription("Optimistic version conflicts observed on session updates"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionViolations, err = meter.Int64Counter("altcap.session.violations",
		metric.WithDescription("Fingerprint mismatches that forced a session destroy"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("altcap.task.duration",
		metric.WithDescription("Task processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksActive, err = meter.Int64UpDownCounter("altcap.task.active",
		metric.WithDescription("Number of currently running tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskTransitions, err = meter.Int64Counter("altcap.task.transitions",
		metric.WithDescription("Task state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	m.TransitionLosses, err = meter.Int64Counter("altcap.task.transition_losses",
		metric.WithDescription("Concurrent transitions that lost the compare-and-swap"),
	)
	if err != nil {
		return nil, err
	}

	m.BusPublished, err = meter.Int64Counter("altcap.bus.published",
		metric.WithDescription("Events published on the notification bus"),
	)
	if err != nil {
		return nil, err
	}

	m.BusDropped, err = meter.Int64Counter("altcap.bus.dropped",
		metric.WithDescription("Events dropped for slow subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditWrites, err = meter.Int64Counter("altcap.audit.writes",
		metric.WithDescription("Audit records appended"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditWriteErrors, err = meter.Int64Counter("altcap.audit.write_errors",
		metric.WithDescription("Audit append failures surfaced to callers"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
