// Package approval is the human sign-off gate: agents park an execution,
// request approval for a sensitive tool call, and resume once the owner
// decides.
package approval

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-pilot/internal/audit"
	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/otel"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/shared"
)

// Config wires a Gate.
type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Clock   clock.Clock
	Metrics *otel.Metrics // nil disables instrumentation

	// TTL is how long a request stays resolvable. Zero means requests never
	// expire.
	TTL time.Duration
}

// Gate creates and resolves approval requests.
type Gate struct {
	store   *persistence.Store
	logger  *slog.Logger
	clock   clock.Clock
	metrics *otel.Metrics
	ttl     time.Duration
}

func New(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	return &Gate{
		store:   cfg.Store,
		logger:  cfg.Logger.With("component", "approval"),
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		ttl:     cfg.TTL,
	}
}

// RequestParams describes one sign-off ask.
type RequestParams struct {
	AgentID     string
	UserID      string
	ToolName    string
	ToolArgs    string // JSON object
	Description string
}

// Request creates a pending approval with the gate's TTL.
func (g *Gate) Request(ctx context.Context, params RequestParams) (*persistence.Approval, error) {
	ap := &persistence.Approval{
		AgentID:     params.AgentID,
		UserID:      params.UserID,
		ToolName:    params.ToolName,
		ToolArgs:    params.ToolArgs,
		Description: params.Description,
	}
	if err := g.store.CreateApproval(ctx, ap, g.ttl); err != nil {
		return nil, err
	}
	g.logger.InfoContext(ctx, "approval requested",
		"trace_id", shared.TraceID(ctx),
		"approval_id", ap.ApprovalID,
		"agent_id", ap.AgentID,
		"tool", ap.ToolName,
	)
	if g.metrics != nil {
		g.metrics.ApprovalsCreated.Add(ctx, 1)
	}
	return ap, nil
}

// Resolve approves or rejects a pending request on behalf of userID. A
// request that is already resolved, expired, or addressed to someone else
// resolves nothing and returns persistence.ErrNotFound.
func (g *Gate) Resolve(ctx context.Context, approvalID, userID string, approved bool) (*persistence.Approval, error) {
	ap, err := g.store.ResolveApproval(ctx, approvalID, userID, approved)
	if err != nil {
		audit.Record(ctx, "deny", "approval.resolve", "no matching pending approval", approvalID)
		return nil, err
	}

	decision := "deny"
	outcome := "rejected"
	if approved {
		decision = "allow"
		outcome = "approved"
	}
	audit.Record(ctx, decision, "approval.resolve", "resolved by owner", ap.ApprovalID)
	g.logger.InfoContext(ctx, "approval resolved",
		"trace_id", shared.TraceID(ctx),
		"approval_id", ap.ApprovalID,
		"agent_id", ap.AgentID,
		"tool", ap.ToolName,
		"outcome", outcome,
	)
	if g.metrics != nil {
		g.metrics.ApprovalsResolved.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
		))
		if ap.ResolvedAt != nil {
			g.metrics.ApprovalLatency.Record(ctx, ap.ResolvedAt.Sub(ap.CreatedAt).Seconds())
		}
	}
	return ap, nil
}

// Get loads one approval.
func (g *Gate) Get(ctx context.Context, approvalID string) (*persistence.Approval, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// PendingForAgent lists the agent's unexpired pending requests, oldest first.
func (g *Gate) PendingForAgent(ctx context.Context, agentID string) ([]*persistence.Approval, error) {
	return g.store.PendingApprovalsForAgent(ctx, agentID)
}

// PendingForUser lists every unexpired pending request addressed to the user.
func (g *Gate) PendingForUser(ctx context.Context, userID string) ([]*persistence.Approval, error) {
	return g.store.PendingApprovalsForUser(ctx, userID)
}

// HasPending reports whether the agent is blocked on any request.
func (g *Gate) HasPending(ctx context.Context, agentID string) (bool, error) {
	return g.store.HasPendingApproval(ctx, agentID)
}

// SweepExpired rejects timed-out pending requests and returns them so the
// caller can fail the waiting executions.
func (g *Gate) SweepExpired(ctx context.Context) ([]*persistence.Approval, error) {
	expired, err := g.store.SweepExpiredApprovals(ctx)
	if err != nil {
		return nil, err
	}
	for _, ap := range expired {
		audit.Record(ctx, "deny", "approval.expire", "ttl elapsed without resolution", ap.ApprovalID)
		g.logger.InfoContext(ctx, "approval expired",
			"trace_id", shared.TraceID(ctx),
			"approval_id", ap.ApprovalID,
			"agent_id", ap.AgentID,
			"tool", ap.ToolName,
		)
	}
	if g.metrics != nil && len(expired) > 0 {
		g.metrics.ApprovalsResolved.Add(ctx, int64(len(expired)), metric.WithAttributes(
			attribute.String("outcome", "expired"),
		))
	}
	return expired, nil
}
