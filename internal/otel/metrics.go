package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all gopilot metric instruments.
type Metrics struct {
	PollDuration      metric.Float64Histogram
	DispatchesTotal   metric.Int64Counter
	SkipsTotal        metric.Int64Counter
	ZombiesReaped     metric.Int64Counter
	ApprovalsCreated  metric.Int64Counter
	ApprovalsResolved metric.Int64Counter
	ApprovalLatency   metric.Float64Histogram
	ExecutionDuration metric.Float64Histogram
	SpendRecordedUSD  metric.Float64Counter
	ActiveExecutions  metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PollDuration, err = meter.Float64Histogram("gopilot.poll.duration",
		metric.WithDescription("Scheduler poll pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchesTotal, err = meter.Int64Counter("gopilot.dispatch.total",
		metric.WithDescription("Executions dispatched, by trigger type"),
	)
	if err != nil {
		return nil, err
	}

	m.SkipsTotal, err = meter.Int64Counter("gopilot.dispatch.skips",
		metric.WithDescription("Due agents skipped, by reason (running, cooldown, budget)"),
	)
	if err != nil {
		return nil, err
	}

	m.ZombiesReaped, err = meter.Int64Counter("gopilot.zombies.reaped",
		metric.WithDescription("Stuck executions reclassified as failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsCreated, err = meter.Int64Counter("gopilot.approvals.created",
		metric.WithDescription("Approval requests created"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("gopilot.approvals.resolved",
		metric.WithDescription("Approval requests resolved, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalLatency, err = meter.Float64Histogram("gopilot.approvals.latency",
		metric.WithDescription("Time from approval request to resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("gopilot.execution.duration",
		metric.WithDescription("Execution duration from start to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SpendRecordedUSD, err = meter.Float64Counter("gopilot.spend.recorded",
		metric.WithDescription("Usage cost recorded in USD"),
		metric.WithUnit("{usd}"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("gopilot.executions.active",
		metric.WithDescription("Executions currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
