// Package execution wraps the execution lifecycle with logging and metrics:
// starting runs, driving status transitions, and reaping zombies.
package execution

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/otel"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/shared"
)

// Config wires a Tracker.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *otel.Metrics // nil disables instrumentation

	// Timeout is how long a non-terminal execution counts as live before the
	// reaper may reclassify it.
	Timeout time.Duration
	// Cooldown is the minimum gap between a terminal execution and the next
	// dispatch of the same agent.
	Cooldown time.Duration
}

// Tracker owns execution lifecycle decisions.
type Tracker struct {
	store    *persistence.Store
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *otel.Metrics
	timeout  time.Duration
	cooldown time.Duration
}

func New(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Tracker{
		store:    cfg.Store,
		logger:   cfg.Logger.With("component", "execution"),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		timeout:  cfg.Timeout,
		cooldown: cfg.Cooldown,
	}
}

// Timeout returns the configured liveness window.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Start opens a running execution for the agent, failing with
// persistence.ErrAlreadyRunning when a live run exists.
func (t *Tracker) Start(ctx context.Context, agentID string, trigger persistence.TriggerType, triggeredBy *string) (*persistence.Execution, error) {
	exec, err := t.store.CreateExecution(ctx, agentID, trigger, triggeredBy, t.timeout)
	if err != nil {
		return nil, err
	}
	t.logger.InfoContext(ctx, "execution started",
		"trace_id", shared.TraceID(ctx),
		"execution_id", exec.ID,
		"agent_id", agentID,
		"trigger", string(trigger),
	)
	if t.metrics != nil {
		t.metrics.DispatchesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("trigger", string(trigger)),
		))
		t.metrics.ActiveExecutions.Add(ctx, 1)
	}
	return exec, nil
}

// Complete marks the execution completed.
func (t *Tracker) Complete(ctx context.Context, executionID string) error {
	return t.finish(ctx, executionID, persistence.ExecutionCompleted, "")
}

// Fail marks the execution failed with a diagnostic.
func (t *Tracker) Fail(ctx context.Context, executionID, errorMessage string) error {
	return t.finish(ctx, executionID, persistence.ExecutionFailed, errorMessage)
}

func (t *Tracker) finish(ctx context.Context, executionID string, status persistence.ExecutionStatus, errorMessage string) error {
	if err := t.store.UpdateExecutionStatus(ctx, executionID, status, errorMessage); err != nil {
		return err
	}
	exec, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	attrs := []any{
		"trace_id", shared.TraceID(ctx),
		"execution_id", executionID,
		"agent_id", exec.AgentID,
		"status", string(status),
	}
	if errorMessage != "" {
		attrs = append(attrs, "error", errorMessage)
	}
	t.logger.InfoContext(ctx, "execution finished", attrs...)
	if t.metrics != nil {
		t.metrics.ActiveExecutions.Add(ctx, -1)
		if exec.CompletedAt != nil {
			t.metrics.ExecutionDuration.Record(ctx, exec.CompletedAt.Sub(exec.StartedAt).Seconds(),
				metric.WithAttributes(attribute.String("status", string(status))))
		}
	}
	return nil
}

// Suspend parks a running execution in waiting_approval.
func (t *Tracker) Suspend(ctx context.Context, executionID string) error {
	if err := t.store.UpdateExecutionStatus(ctx, executionID, persistence.ExecutionWaitingApproval, ""); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "execution waiting for approval",
		"trace_id", shared.TraceID(ctx),
		"execution_id", executionID,
	)
	return nil
}

// ResumeRunning moves a waiting_approval execution back to running.
func (t *Tracker) ResumeRunning(ctx context.Context, executionID string) error {
	if err := t.store.UpdateExecutionStatus(ctx, executionID, persistence.ExecutionRunning, ""); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "execution resumed",
		"trace_id", shared.TraceID(ctx),
		"execution_id", executionID,
	)
	return nil
}

// IsRunning reports whether the agent has a live execution.
func (t *Tracker) IsRunning(ctx context.Context, agentID string) (bool, error) {
	return t.store.HasRunningExecution(ctx, agentID, t.timeout)
}

// InCooldown reports whether the agent finished a run too recently to start
// another.
func (t *Tracker) InCooldown(ctx context.Context, agentID string) (bool, error) {
	return t.store.IsInCooldown(ctx, agentID, t.cooldown)
}

// Waiting returns the agent's fresh waiting_approval execution, if any.
func (t *Tracker) Waiting(ctx context.Context, agentID string) (*persistence.Execution, error) {
	return t.store.WaitingExecution(ctx, agentID, t.timeout)
}

// ReapZombies fails executions stuck past the timeout and returns how many
// were reclassified.
func (t *Tracker) ReapZombies(ctx context.Context) (int64, error) {
	reaped, err := t.store.CleanupZombieExecutions(ctx, t.timeout)
	if err != nil {
		return 0, err
	}
	if reaped > 0 {
		t.logger.WarnContext(ctx, "reclassified stuck executions",
			"trace_id", shared.TraceID(ctx),
			"count", reaped,
		)
		if t.metrics != nil {
			t.metrics.ZombiesReaped.Add(ctx, reaped)
			t.metrics.ActiveExecutions.Add(ctx, -reaped)
		}
	}
	return reaped, nil
}

// Latest returns the agent's most recent execution.
func (t *Tracker) Latest(ctx context.Context, agentID string) (*persistence.Execution, error) {
	return t.store.LatestExecution(ctx, agentID)
}

// ListByAgent returns up to limit executions, newest first.
func (t *Tracker) ListByAgent(ctx context.Context, agentID string, limit int) ([]*persistence.Execution, error) {
	return t.store.ListExecutionsByAgent(ctx, agentID, limit)
}

// ListRecentByOwner returns the newest executions across all of an owner's
// agents.
func (t *Tracker) ListRecentByOwner(ctx context.Context, ownerID string, limit int) ([]*persistence.Execution, error) {
	return t.store.ListRecentExecutionsByOwner(ctx, ownerID, limit)
}
