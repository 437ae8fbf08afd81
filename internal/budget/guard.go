// Package budget enforces per-agent daily spend limits. Days are UTC
// calendar days; limits are USD.
package budget

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-pilot/internal/bus"
	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/otel"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/pricing"
	"github.com/basket/go-pilot/internal/shared"
)

// Config wires a Guard.
type Config struct {
	Store   *persistence.Store
	Bus     *bus.Bus // nil disables budget.exceeded events
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *otel.Metrics // nil disables instrumentation
}

// Guard answers "may this agent spend more today?" and books usage.
type Guard struct {
	store   *persistence.Store
	bus     *bus.Bus
	logger  *slog.Logger
	clock   clock.Clock
	metrics *otel.Metrics
}

func New(cfg Config) *Guard {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Guard{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  cfg.Logger.With("component", "budget"),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// DayStart returns midnight UTC of the current day.
func (g *Guard) DayStart() time.Time {
	now := g.clock.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// DailySpend sums the agent's cost since midnight UTC.
func (g *Guard) DailySpend(ctx context.Context, agentID string) (float64, error) {
	return g.store.AgentSpendSince(ctx, agentID, g.DayStart())
}

// IsOverBudget reports whether the agent has reached its daily limit. Agents
// without a positive limit are never over budget. Reaching the limit exactly
// counts as over: spend >= limit.
func (g *Guard) IsOverBudget(ctx context.Context, agent *persistence.Agent) (bool, float64, error) {
	if agent.BudgetLimitUSD == nil || *agent.BudgetLimitUSD <= 0 {
		return false, 0, nil
	}
	spend, err := g.DailySpend(ctx, agent.ID)
	if err != nil {
		return false, 0, err
	}
	return spend >= *agent.BudgetLimitUSD, spend, nil
}

// UsageParams describes one billed model call.
type UsageParams struct {
	AgentID          string
	ConversationID   string
	Model            string
	PromptTokens     int
	CompletionTokens int

	// CostUSD overrides the pricing table when positive; otherwise the cost
	// is estimated from the model and token counts.
	CostUSD float64
}

// RecordUsage books the spend and publishes budget.exceeded if this record
// pushed the agent to or past its limit.
func (g *Guard) RecordUsage(ctx context.Context, agent *persistence.Agent, params UsageParams) (*persistence.UsageRecord, error) {
	cost := params.CostUSD
	if cost <= 0 {
		cost = pricing.EstimateCost(params.Model, params.PromptTokens, params.CompletionTokens)
	}
	rec := &persistence.UsageRecord{
		ConversationID:   params.ConversationID,
		AgentID:          params.AgentID,
		Model:            params.Model,
		PromptTokens:     params.PromptTokens,
		CompletionTokens: params.CompletionTokens,
		CostUSD:          cost,
	}
	if err := g.store.RecordUsage(ctx, rec); err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.SpendRecordedUSD.Add(ctx, cost, metric.WithAttributes(
			attribute.String("model", params.Model),
		))
	}

	over, spend, err := g.IsOverBudget(ctx, agent)
	if err != nil {
		return rec, err
	}
	if over {
		g.logger.WarnContext(ctx, "agent reached daily budget",
			"trace_id", shared.TraceID(ctx),
			"agent_id", agent.ID,
			"spend_usd", spend,
			"limit_usd", *agent.BudgetLimitUSD,
		)
		if g.bus != nil {
			g.bus.Publish(bus.TopicBudgetExceeded, bus.BudgetExceededEvent{
				AgentID:    agent.ID,
				DailySpend: spend,
				Limit:      *agent.BudgetLimitUSD,
			})
		}
	}
	return rec, nil
}
