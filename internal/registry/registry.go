// Package registry manages agent definitions: create, patch, delete, and the
// schedule arithmetic that feeds the poller.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/shared"
)

var (
	ErrNameRequired  = errors.New("agent name is required")
	ErrOwnerRequired = errors.New("agent owner is required")
)

// Config wires a Registry.
type Config struct {
	Store           *persistence.Store
	Logger          *slog.Logger
	Clock           clock.Clock
	DefaultTimezone string
}

// Registry validates and persists agent definitions.
type Registry struct {
	store     *persistence.Store
	logger    *slog.Logger
	clock     clock.Clock
	defaultTZ string
}

func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	return &Registry{
		store:     cfg.Store,
		logger:    cfg.Logger.With("component", "registry"),
		clock:     cfg.Clock,
		defaultTZ: cfg.DefaultTimezone,
	}
}

// CreateParams describes a new agent.
type CreateParams struct {
	OwnerID         string
	Name            string
	Description     string
	SystemPrompt    string
	Schedule        *string // 5-field cron, nil = manual-only
	Timezone        string  // defaults to the registry default
	Enabled         *bool   // defaults to true
	ToolPermissions string  // JSON array, defaults to []
	Model           string
	BudgetLimitUSD  *float64
}

// Create validates params, computes the initial next_run_at for scheduled
// agents, and persists the agent with its conversation.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*persistence.Agent, error) {
	if params.Name == "" {
		return nil, ErrNameRequired
	}
	if params.OwnerID == "" {
		return nil, ErrOwnerRequired
	}
	tz := params.Timezone
	if tz == "" {
		tz = r.defaultTZ
	}
	if err := ValidateTimezone(tz); err != nil {
		return nil, err
	}
	if params.Schedule != nil {
		if err := ValidateCron(*params.Schedule); err != nil {
			return nil, err
		}
	}
	if params.BudgetLimitUSD != nil && *params.BudgetLimitUSD < 0 {
		return nil, fmt.Errorf("budget limit must be non-negative, got %v", *params.BudgetLimitUSD)
	}

	enabled := true
	if params.Enabled != nil {
		enabled = *params.Enabled
	}

	agent := &persistence.Agent{
		OwnerID:         params.OwnerID,
		Name:            params.Name,
		Description:     params.Description,
		SystemPrompt:    params.SystemPrompt,
		Schedule:        params.Schedule,
		Timezone:        tz,
		Enabled:         enabled,
		ToolPermissions: params.ToolPermissions,
		Model:           params.Model,
		BudgetLimitUSD:  params.BudgetLimitUSD,
	}
	if agent.Schedule != nil && enabled {
		next, err := NextRunTime(*agent.Schedule, tz, r.clock.Now())
		if err != nil {
			return nil, err
		}
		agent.NextRunAt = &next
	}

	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "agent created",
		"trace_id", shared.TraceID(ctx),
		"agent_id", agent.ID,
		"owner_id", agent.OwnerID,
		"name", agent.Name,
		"scheduled", agent.Schedule != nil,
	)
	return agent, nil
}

// Patch carries a partial update. Unset fields are left alone; Null clears
// nullable ones.
type Patch struct {
	Name            Optional[string]  `json:"name"`
	Description     Optional[string]  `json:"description"`
	SystemPrompt    Optional[string]  `json:"system_prompt"`
	Schedule        Optional[string]  `json:"schedule"`
	Timezone        Optional[string]  `json:"timezone"`
	Enabled         Optional[bool]    `json:"enabled"`
	ToolPermissions Optional[string]  `json:"tool_permissions"`
	Model           Optional[string]  `json:"model"`
	BudgetLimitUSD  Optional[float64] `json:"budget_limit_usd"`
}

// Update applies the patch and recomputes next_run_at whenever the schedule,
// timezone, or enabled flag changed. Disabling clears next_run_at; re-enabling
// a scheduled agent recomputes it from now. An agent belonging to a different
// owner reads as not found.
func (r *Registry) Update(ctx context.Context, agentID, ownerID string, patch Patch) (*persistence.Agent, error) {
	agent, err := r.ownedAgent(ctx, agentID, ownerID)
	if err != nil {
		return nil, err
	}

	scheduleDirty := false
	if patch.Name.Set {
		if patch.Name.Null || patch.Name.Value == "" {
			return nil, ErrNameRequired
		}
		agent.Name = patch.Name.Value
	}
	if patch.Description.Set && !patch.Description.Null {
		agent.Description = patch.Description.Value
	}
	if patch.SystemPrompt.Set && !patch.SystemPrompt.Null {
		agent.SystemPrompt = patch.SystemPrompt.Value
	}
	if patch.Schedule.Set {
		if patch.Schedule.Null {
			agent.Schedule = nil
		} else {
			if err := ValidateCron(patch.Schedule.Value); err != nil {
				return nil, err
			}
			v := patch.Schedule.Value
			agent.Schedule = &v
		}
		scheduleDirty = true
	}
	if patch.Timezone.Set {
		if patch.Timezone.Null || patch.Timezone.Value == "" {
			agent.Timezone = r.defaultTZ
		} else {
			if err := ValidateTimezone(patch.Timezone.Value); err != nil {
				return nil, err
			}
			agent.Timezone = patch.Timezone.Value
		}
		scheduleDirty = true
	}
	if patch.Enabled.Set && !patch.Enabled.Null {
		if agent.Enabled != patch.Enabled.Value {
			scheduleDirty = true
		}
		agent.Enabled = patch.Enabled.Value
	}
	if patch.ToolPermissions.Set && !patch.ToolPermissions.Null {
		agent.ToolPermissions = patch.ToolPermissions.Value
	}
	if patch.Model.Set && !patch.Model.Null {
		agent.Model = patch.Model.Value
	}
	if patch.BudgetLimitUSD.Set {
		if patch.BudgetLimitUSD.Null {
			agent.BudgetLimitUSD = nil
		} else {
			if patch.BudgetLimitUSD.Value < 0 {
				return nil, fmt.Errorf("budget limit must be non-negative, got %v", patch.BudgetLimitUSD.Value)
			}
			v := patch.BudgetLimitUSD.Value
			agent.BudgetLimitUSD = &v
		}
	}

	if scheduleDirty {
		if agent.Schedule == nil || !agent.Enabled {
			agent.NextRunAt = nil
		} else {
			next, err := NextRunTime(*agent.Schedule, agent.Timezone, r.clock.Now())
			if err != nil {
				return nil, err
			}
			agent.NextRunAt = &next
		}
	}

	if err := r.store.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "agent updated",
		"trace_id", shared.TraceID(ctx),
		"agent_id", agent.ID,
		"name", agent.Name,
		"enabled", agent.Enabled,
	)
	return agent, nil
}

// Get returns the agent when it belongs to ownerID, hiding other owners'
// agents behind ErrNotFound.
func (r *Registry) Get(ctx context.Context, agentID, ownerID string) (*persistence.Agent, error) {
	return r.ownedAgent(ctx, agentID, ownerID)
}

// ownedAgent loads an agent and enforces owner scoping. A wrong owner is
// indistinguishable from a missing agent so ids cannot be probed across
// accounts.
func (r *Registry) ownedAgent(ctx context.Context, agentID, ownerID string) (*persistence.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.OwnerID != ownerID {
		return nil, fmt.Errorf("agent %s: %w", agentID, persistence.ErrNotFound)
	}
	return agent, nil
}

func (r *Registry) GetByName(ctx context.Context, ownerID, name string) (*persistence.Agent, error) {
	return r.store.GetAgentByName(ctx, ownerID, name)
}

func (r *Registry) List(ctx context.Context, ownerID string) ([]*persistence.Agent, error) {
	return r.store.ListAgents(ctx, ownerID)
}

// Delete removes the agent and its dependent rows, owner-scoped like Get.
func (r *Registry) Delete(ctx context.Context, agentID, ownerID string) error {
	if err := r.store.DeleteAgent(ctx, agentID, ownerID); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "agent deleted",
		"trace_id", shared.TraceID(ctx),
		"agent_id", agentID,
	)
	return nil
}

// DueAgents returns enabled agents whose next_run_at has passed.
func (r *Registry) DueAgents(ctx context.Context, asOf time.Time) ([]*persistence.Agent, error) {
	return r.store.DueAgents(ctx, asOf)
}

// RecordRunCompleted stamps last_run_at with the instant the run finished and
// advances next_run_at past it, so a run that outlasts its next slot
// reschedules from completion instead of redispatching immediately. A
// malformed or removed schedule leaves next_run_at nil so the agent drops out
// of the due query instead of hot-looping.
func (r *Registry) RecordRunCompleted(ctx context.Context, agent *persistence.Agent, finishedAt time.Time) error {
	next := r.nextAfter(ctx, agent, finishedAt)
	return r.store.UpdateAgentRunTimes(ctx, agent.ID, finishedAt, next)
}

// AdvanceSchedule moves next_run_at past asOf without recording a run. Used
// when a due agent is skipped.
func (r *Registry) AdvanceSchedule(ctx context.Context, agent *persistence.Agent, asOf time.Time) error {
	next := r.nextAfter(ctx, agent, asOf)
	return r.store.UpdateAgentNextRun(ctx, agent.ID, next)
}

func (r *Registry) nextAfter(ctx context.Context, agent *persistence.Agent, after time.Time) *time.Time {
	if agent.Schedule == nil || !agent.Enabled {
		return nil
	}
	next, err := NextRunTime(*agent.Schedule, agent.Timezone, after)
	if err != nil {
		r.logger.WarnContext(ctx, "schedule no longer parseable, clearing next run",
			"trace_id", shared.TraceID(ctx),
			"agent_id", agent.ID,
			"schedule", *agent.Schedule,
			"error", err,
		)
		return nil
	}
	return &next
}

// MarkViewed stamps last_viewed_at for the unread counter, owner-scoped like
// Get.
func (r *Registry) MarkViewed(ctx context.Context, agentID, ownerID string) error {
	if _, err := r.ownedAgent(ctx, agentID, ownerID); err != nil {
		return err
	}
	return r.store.MarkAgentViewed(ctx, agentID)
}
