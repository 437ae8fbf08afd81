// Package cron polls for due agents and dispatches their executions through
// a Runner, enforcing the single-run, cooldown, budget, and approval gates.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-pilot/internal/approval"
	"github.com/basket/go-pilot/internal/audit"
	"github.com/basket/go-pilot/internal/budget"
	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/execution"
	"github.com/basket/go-pilot/internal/otel"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/registry"
	"github.com/basket/go-pilot/internal/shared"
)

var (
	ErrCooldown   = errors.New("agent is in cooldown")
	ErrOverBudget = errors.New("agent is over its daily budget")
)

// Config wires a Poller.
type Config struct {
	Registry *registry.Registry
	Tracker  *execution.Tracker
	Gate     *approval.Gate
	Guard    *budget.Guard
	Store    *persistence.Store
	Runner   Runner
	Logger   *slog.Logger
	Clock    clock.Clock
	Metrics  *otel.Metrics // nil disables instrumentation
	Tracer   trace.Tracer  // nil disables spans

	// Interval between poll passes.
	Interval time.Duration
}

// Poller drives the scheduling loop.
type Poller struct {
	registry *registry.Registry
	tracker  *execution.Tracker
	gate     *approval.Gate
	guard    *budget.Guard
	store    *persistence.Store
	runner   Runner
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *otel.Metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Poller{
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		gate:     cfg.Gate,
		guard:    cfg.Guard,
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   cfg.Logger.With("component", "poller"),
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		interval: cfg.Interval,
	}
}

// Start launches the poll loop. The first pass runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(runCtx)
	}()
	p.logger.Info("poller started", "interval", p.Interval().String())
}

// Interval returns the current poll cadence.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// SetInterval changes the poll cadence. Takes effect on the next tick.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
	p.logger.Info("poll interval updated", "interval", d.String())
}

// Stop cancels the loop and waits for in-flight jobs to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

func (p *Poller) loop(ctx context.Context) {
	interval := p.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunOnce(ctx)
			if cur := p.Interval(); cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// RunOnce performs one poll pass: reap zombies, expire stale approvals, then
// dispatch every due agent that clears the gates.
func (p *Poller) RunOnce(ctx context.Context) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if p.tracer != nil {
		var span trace.Span
		ctx, span = p.tracer.Start(ctx, "poller.tick")
		defer span.End()
	}
	started := time.Now()

	if _, err := p.tracker.ReapZombies(ctx); err != nil {
		p.logger.ErrorContext(ctx, "zombie reap failed", "trace_id", shared.TraceID(ctx), "error", err)
	}
	p.expireApprovals(ctx)

	now := p.clock.Now()
	due, err := p.registry.DueAgents(ctx, now)
	if err != nil {
		p.logger.ErrorContext(ctx, "due agent query failed", "trace_id", shared.TraceID(ctx), "error", err)
		return
	}
	for _, agent := range due {
		p.dispatchScheduled(ctx, agent, now)
	}

	if p.metrics != nil {
		p.metrics.PollDuration.Record(ctx, time.Since(started).Seconds())
	}
}

// expireApprovals sweeps timed-out approval requests and fails the executions
// parked on them.
func (p *Poller) expireApprovals(ctx context.Context) {
	expired, err := p.gate.SweepExpired(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "approval sweep failed", "trace_id", shared.TraceID(ctx), "error", err)
		return
	}
	for _, ap := range expired {
		exec, err := p.tracker.Waiting(ctx, ap.AgentID)
		if err != nil {
			if !errors.Is(err, persistence.ErrNotFound) {
				p.logger.ErrorContext(ctx, "waiting execution lookup failed",
					"trace_id", shared.TraceID(ctx), "agent_id", ap.AgentID, "error", err)
			}
			continue
		}
		if err := p.tracker.Fail(ctx, exec.ID, "approval request expired without resolution"); err != nil {
			p.logger.ErrorContext(ctx, "failing parked execution failed",
				"trace_id", shared.TraceID(ctx), "execution_id", exec.ID, "error", err)
			continue
		}
		p.recordCompleted(ctx, ap.AgentID)
	}
}

func (p *Poller) dispatchScheduled(ctx context.Context, agent *persistence.Agent, now time.Time) {
	running, err := p.tracker.IsRunning(ctx, agent.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "running check failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		return
	}
	if running {
		p.skip(ctx, agent, "running", false, now)
		return
	}

	blocked, err := p.gate.HasPending(ctx, agent.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "pending approval check failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		return
	}
	if blocked {
		p.skip(ctx, agent, "pending_approval", false, now)
		return
	}

	cooling, err := p.tracker.InCooldown(ctx, agent.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "cooldown check failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		return
	}
	if cooling {
		p.skip(ctx, agent, "cooldown", false, now)
		return
	}

	over, spend, err := p.guard.IsOverBudget(ctx, agent)
	if err != nil {
		p.logger.ErrorContext(ctx, "budget check failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		return
	}
	if over {
		// Budget skips advance the schedule so the same slot is not retried
		// all day; last_run_at stays untouched because nothing ran.
		audit.Record(ctx, "skip", "scheduler.dispatch",
			fmt.Sprintf("daily budget reached: spent %.4f of %.2f USD", spend, *agent.BudgetLimitUSD),
			agent.ID)
		p.skip(ctx, agent, "budget", true, now)
		return
	}

	exec, err := p.tracker.Start(ctx, agent.ID, persistence.TriggerScheduled, nil)
	if err != nil {
		if errors.Is(err, persistence.ErrAlreadyRunning) {
			p.skip(ctx, agent, "running", false, now)
			return
		}
		p.logger.ErrorContext(ctx, "dispatch failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		return
	}
	audit.Record(ctx, "allow", "scheduler.dispatch", "schedule due", agent.ID)
	p.launch(ctx, Job{Agent: agent, Execution: exec})
}

func (p *Poller) skip(ctx context.Context, agent *persistence.Agent, reason string, advance bool, now time.Time) {
	p.logger.InfoContext(ctx, "due agent skipped",
		"trace_id", shared.TraceID(ctx),
		"agent_id", agent.ID,
		"reason", reason,
	)
	if p.metrics != nil {
		p.metrics.SkipsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason),
		))
	}
	if advance {
		if err := p.registry.AdvanceSchedule(ctx, agent, now); err != nil {
			p.logger.ErrorContext(ctx, "schedule advance failed", "trace_id", shared.TraceID(ctx), "agent_id", agent.ID, "error", err)
		}
	}
}

// TriggerManual starts an on-demand run. Unlike scheduled dispatch, gate
// violations surface as errors so the caller can report them.
func (p *Poller) TriggerManual(ctx context.Context, agentID string) (*persistence.Execution, error) {
	return p.trigger(ctx, agentID, persistence.TriggerManual, nil)
}

// TriggerByAgent starts a run of target on behalf of another agent.
func (p *Poller) TriggerByAgent(ctx context.Context, sourceAgentID, targetAgentID string) (*persistence.Execution, error) {
	return p.trigger(ctx, targetAgentID, persistence.TriggerAgentTrigger, &sourceAgentID)
}

func (p *Poller) trigger(ctx context.Context, agentID string, triggerType persistence.TriggerType, triggeredBy *string) (*persistence.Execution, error) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	cooling, err := p.tracker.InCooldown(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if cooling {
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrCooldown)
	}
	over, spend, err := p.guard.IsOverBudget(ctx, agent)
	if err != nil {
		return nil, err
	}
	if over {
		audit.Record(ctx, "deny", "scheduler.trigger",
			fmt.Sprintf("daily budget reached: spent %.4f of %.2f USD", spend, *agent.BudgetLimitUSD),
			agent.ID)
		return nil, fmt.Errorf("agent %s: %w", agent.ID, ErrOverBudget)
	}

	exec, err := p.tracker.Start(ctx, agent.ID, triggerType, triggeredBy)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, "allow", "scheduler.trigger", string(triggerType), agent.ID)
	p.launch(ctx, Job{Agent: agent, Execution: exec})
	return exec, nil
}

// Resume continues an agent parked in waiting_approval after its approval was
// resolved. Rejection fails the execution.
func (p *Poller) Resume(ctx context.Context, agentID string, approved bool) error {
	exec, err := p.tracker.Waiting(ctx, agentID)
	if err != nil {
		return err
	}
	if !approved {
		if err := p.tracker.Fail(ctx, exec.ID, "approval rejected by owner"); err != nil {
			return err
		}
		p.recordCompleted(ctx, agentID)
		return nil
	}
	if err := p.tracker.ResumeRunning(ctx, exec.ID); err != nil {
		return err
	}
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	ok := true
	p.launch(ctx, Job{Agent: agent, Execution: exec, Resumed: true, Approved: &ok})
	return nil
}

// launch hands the job to the runner on its own goroutine. The job context
// detaches from the caller but keeps its trace id, so a closing gateway
// connection does not abort the run.
func (p *Poller) launch(ctx context.Context, job Job) {
	jobCtx := shared.WithTraceID(context.Background(), shared.TraceID(ctx))
	jobCtx = shared.WithAgentID(jobCtx, job.Agent.ID)
	jobCtx = shared.WithExecutionID(jobCtx, job.Execution.ID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runJob(jobCtx, job)
	}()
}

func (p *Poller) runJob(ctx context.Context, job Job) {
	outcome, err := p.runner.Execute(ctx, job)
	if err != nil {
		if ferr := p.tracker.Fail(ctx, job.Execution.ID, err.Error()); ferr != nil {
			p.logger.ErrorContext(ctx, "marking execution failed failed",
				"trace_id", shared.TraceID(ctx), "execution_id", job.Execution.ID, "error", ferr)
		}
		p.recordCompleted(ctx, job.Agent.ID)
		return
	}

	if outcome.Summary != "" {
		if _, err := p.store.AppendMessage(ctx, job.Agent.ConversationID, "assistant", outcome.Summary); err != nil {
			p.logger.ErrorContext(ctx, "appending run summary failed",
				"trace_id", shared.TraceID(ctx), "execution_id", job.Execution.ID, "error", err)
		}
	}

	terminal := true
	switch outcome.Status {
	case persistence.ExecutionCompleted:
		err = p.tracker.Complete(ctx, job.Execution.ID)
	case persistence.ExecutionFailed:
		err = p.tracker.Fail(ctx, job.Execution.ID, outcome.ErrorMessage)
	case persistence.ExecutionWaitingApproval:
		if outcome.Approval == nil {
			err = p.tracker.Fail(ctx, job.Execution.ID, "runner requested approval without describing it")
		} else {
			err = p.park(ctx, job, outcome)
			terminal = false
		}
	default:
		err = p.tracker.Fail(ctx, job.Execution.ID,
			fmt.Sprintf("runner reported unknown status %q", outcome.Status))
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "finalizing execution failed",
			"trace_id", shared.TraceID(ctx), "execution_id", job.Execution.ID, "error", err)
	}
	if terminal {
		p.recordCompleted(ctx, job.Agent.ID)
	}
}

// recordCompleted stamps last_run_at and reschedules once a run reaches a
// terminal state. The agent row is reloaded so a schedule patched mid-run
// feeds the recompute; a concurrently deleted agent is silently dropped.
func (p *Poller) recordCompleted(ctx context.Context, agentID string) {
	agent, err := p.store.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			p.logger.ErrorContext(ctx, "agent reload for run bookkeeping failed",
				"trace_id", shared.TraceID(ctx), "agent_id", agentID, "error", err)
		}
		return
	}
	if err := p.registry.RecordRunCompleted(ctx, agent, p.clock.Now()); err != nil {
		p.logger.ErrorContext(ctx, "recording run completion failed",
			"trace_id", shared.TraceID(ctx), "agent_id", agentID, "error", err)
	}
}

func (p *Poller) park(ctx context.Context, job Job, outcome Outcome) error {
	if _, err := p.gate.Request(ctx, approval.RequestParams{
		AgentID:     job.Agent.ID,
		UserID:      job.Agent.OwnerID,
		ToolName:    outcome.Approval.ToolName,
		ToolArgs:    outcome.Approval.ToolArgs,
		Description: outcome.Approval.Description,
	}); err != nil {
		return err
	}
	return p.tracker.Suspend(ctx, job.Execution.ID)
}

// Wait blocks until all in-flight jobs complete. Tests use it to observe
// asynchronous outcomes.
func (p *Poller) Wait() {
	p.wg.Wait()
}
