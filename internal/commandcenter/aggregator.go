// Package commandcenter assembles the read-only operator dashboard: per-agent
// health, unread output, pending approvals, and recent activity.
package commandcenter

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-pilot/internal/budget"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/shared"
)

// Config wires an Aggregator.
type Config struct {
	Store  *persistence.Store
	Guard  *budget.Guard
	Logger *slog.Logger

	// RecentLimit caps the activity feed. Defaults to 20.
	RecentLimit int
}

// Aggregator builds dashboard snapshots.
type Aggregator struct {
	store       *persistence.Store
	guard       *budget.Guard
	logger      *slog.Logger
	recentLimit int
}

func New(cfg Config) *Aggregator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 20
	}
	return &Aggregator{
		store:       cfg.Store,
		guard:       cfg.Guard,
		logger:      cfg.Logger.With("component", "commandcenter"),
		recentLimit: cfg.RecentLimit,
	}
}

// AgentCard is one agent's row on the dashboard.
type AgentCard struct {
	AgentID       string     `json:"agent_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	Enabled       bool       `json:"enabled"`
	Schedule      *string    `json:"schedule"`
	Timezone      string     `json:"timezone"`
	NextRunAt     *time.Time `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at"`
	UnreadCount   int        `json:"unread_count"`
	PendingCount  int        `json:"pending_count"`
	LastStatus    string     `json:"last_status"` // empty when never run
	HasError      bool       `json:"has_error"`
	LastError     string     `json:"last_error,omitempty"`
	IsRunning     bool       `json:"is_running"`
	DailySpendUSD float64    `json:"daily_spend_usd"`
	BudgetUSD     *float64   `json:"budget_usd"`
}

// PendingApproval is one approval awaiting the owner, with the agent's name
// resolved for display.
type PendingApproval struct {
	ApprovalID  string     `json:"approval_id"`
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name"`
	ToolName    string     `json:"tool_name"`
	ToolArgs    string     `json:"tool_args"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// ActivityEntry is one row of the recent-executions feed.
type ActivityEntry struct {
	ExecutionID string     `json:"execution_id"`
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name"`
	Status      string     `json:"status"`
	Trigger     string     `json:"trigger"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Error       string     `json:"error,omitempty"`
}

// Snapshot is the full dashboard payload.
type Snapshot struct {
	Agents           []AgentCard       `json:"agents"`
	PendingApprovals []PendingApproval `json:"pending_approvals"`
	RecentActivity   []ActivityEntry   `json:"recent_activity"`
	Totals           Totals            `json:"totals"`
	GeneratedAt      time.Time         `json:"generated_at"`
}

// Totals summarizes across the owner's fleet. Running counts strictly
// running agents; ones parked on an approval show up in AgentsWaiting.
type Totals struct {
	Agents           int     `json:"agents"`
	Enabled          int     `json:"enabled"`
	Running          int     `json:"running"`
	AgentsWaiting    int     `json:"agents_waiting"`
	AgentsWithErrors int     `json:"agents_with_errors"`
	UnreadMessages   int     `json:"unread_messages"`
	PendingApprovals int     `json:"pending_approvals"`
	SpendTodayUSD    float64 `json:"spend_today_usd"`
}

// Snapshot assembles the owner's dashboard from one consistent store read.
func (a *Aggregator) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	data, err := a.store.LoadDashboard(ctx, ownerID, a.guard.DayStart(), a.recentLimit)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Agents:           make([]AgentCard, 0, len(data.Agents)),
		PendingApprovals: make([]PendingApproval, 0, len(data.PendingApprovals)),
		RecentActivity:   make([]ActivityEntry, 0, len(data.RecentExecutions)),
		GeneratedAt:      time.Now().UTC(),
	}
	snap.Totals.SpendTodayUSD = data.TotalSpendToday

	names := make(map[string]string, len(data.Agents))
	for _, da := range data.Agents {
		agent := da.Agent
		names[agent.ID] = agent.Name

		card := AgentCard{
			AgentID:      agent.ID,
			Name:         agent.Name,
			Description:  agent.Description,
			Enabled:      agent.Enabled,
			Schedule:     agent.Schedule,
			Timezone:     agent.Timezone,
			NextRunAt:    agent.NextRunAt,
			LastRunAt:    agent.LastRunAt,
			UnreadCount:  da.UnreadCount,
			PendingCount: da.PendingCount,
			BudgetUSD:    agent.BudgetLimitUSD,
		}
		if da.LatestExecution != nil {
			e := da.LatestExecution
			card.LastStatus = string(e.Status)
			card.IsRunning = e.Status == persistence.ExecutionRunning ||
				e.Status == persistence.ExecutionWaitingApproval
			switch e.Status {
			case persistence.ExecutionRunning:
				snap.Totals.Running++
			case persistence.ExecutionWaitingApproval:
				snap.Totals.AgentsWaiting++
			}
			if e.Status == persistence.ExecutionFailed && e.ErrorMessage != nil {
				card.HasError = true
				card.LastError = shared.Redact(*e.ErrorMessage)
			}
		}
		card.DailySpendUSD = da.DailySpendUSD

		snap.Agents = append(snap.Agents, card)
		snap.Totals.Agents++
		if agent.Enabled {
			snap.Totals.Enabled++
		}
		if card.HasError {
			snap.Totals.AgentsWithErrors++
		}
		snap.Totals.UnreadMessages += da.UnreadCount
	}

	for _, ap := range data.PendingApprovals {
		snap.PendingApprovals = append(snap.PendingApprovals, PendingApproval{
			ApprovalID:  ap.ApprovalID,
			AgentID:     ap.AgentID,
			AgentName:   names[ap.AgentID],
			ToolName:    ap.ToolName,
			ToolArgs:    ap.ToolArgs,
			Description: ap.Description,
			CreatedAt:   ap.CreatedAt,
			ExpiresAt:   ap.ExpiresAt,
		})
	}
	snap.Totals.PendingApprovals = len(snap.PendingApprovals)

	for _, e := range data.RecentExecutions {
		entry := ActivityEntry{
			ExecutionID: e.ID,
			AgentID:     e.AgentID,
			AgentName:   names[e.AgentID],
			Status:      string(e.Status),
			Trigger:     string(e.TriggerType),
			StartedAt:   e.StartedAt,
			CompletedAt: e.CompletedAt,
		}
		if e.ErrorMessage != nil {
			entry.Error = shared.Redact(*e.ErrorMessage)
		}
		snap.RecentActivity = append(snap.RecentActivity, entry)
	}

	return snap, nil
}
