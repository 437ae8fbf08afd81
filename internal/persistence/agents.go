package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-pilot/internal/bus"
)

// Agent is a configured automation with an optional cron schedule.
type Agent struct {
	ID              string
	OwnerID         string
	ConversationID  string
	Name            string
	Description     string
	SystemPrompt    string
	Schedule        *string // nil = manual-only
	Timezone        string
	Enabled         bool
	ToolPermissions string // JSON array
	Model           string
	BudgetLimitUSD  *float64 // nil = unlimited
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	LastViewedAt    *time.Time
}

const agentColumns = `id, owner_id, conversation_id, name, description, system_prompt,
	schedule, timezone, enabled, tool_permissions, model, budget_limit_usd,
	created_at, updated_at, last_run_at, next_run_at, last_viewed_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	var schedule sql.NullString
	var budget sql.NullFloat64
	var lastRun, nextRun, lastViewed sql.NullTime
	var enabled int
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.ConversationID, &a.Name, &a.Description, &a.SystemPrompt,
		&schedule, &a.Timezone, &enabled, &a.ToolPermissions, &a.Model, &budget,
		&a.CreatedAt, &a.UpdatedAt, &lastRun, &nextRun, &lastViewed,
	)
	if err != nil {
		return nil, err
	}
	a.Enabled = enabled != 0
	if schedule.Valid {
		a.Schedule = &schedule.String
	}
	if budget.Valid {
		a.BudgetLimitUSD = &budget.Float64
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		a.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time.UTC()
		a.NextRunAt = &t
	}
	if lastViewed.Valid {
		t := lastViewed.Time.UTC()
		a.LastViewedAt = &t
	}
	return &a, nil
}

// CreateAgent inserts the agent together with its backing conversation in one
// transaction. Empty IDs are assigned. A (owner_id, name) collision returns
// ErrDuplicateName.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timezone == "" {
		a.Timezone = "UTC"
	}
	if a.ToolPermissions == "" {
		a.ToolPermissions = "[]"
	}
	now := s.now()
	a.CreatedAt = now
	a.UpdatedAt = now

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if a.ConversationID == "" {
			a.ConversationID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversations (id, owner_id, created_at) VALUES (?, ?, ?);
			`, a.ConversationID, a.OwnerID, now); err != nil {
				return fmt.Errorf("insert conversation: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, owner_id, conversation_id, name, description, system_prompt,
				schedule, timezone, enabled, tool_permissions, model, budget_limit_usd,
				created_at, updated_at, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.OwnerID, a.ConversationID, a.Name, a.Description, a.SystemPrompt,
			nullString(a.Schedule), a.Timezone, boolToInt(a.Enabled), a.ToolPermissions,
			a.Model, nullFloat(a.BudgetLimitUSD), now, now, nullTime(a.NextRunAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("agent %q for owner %q: %w", a.Name, a.OwnerID, ErrDuplicateName)
			}
			return fmt.Errorf("insert agent: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicAgentUpdated, bus.AgentEvent{AgentID: a.ID, OwnerID: a.OwnerID, Name: a.Name})
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName looks an agent up within an owner's namespace.
func (s *Store) GetAgentByName(ctx context.Context, ownerID, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE owner_id = ? AND name = ?;
	`, ownerID, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

// ListAgents returns the owner's agents ordered by name. An empty ownerID
// lists every agent.
func (s *Store) ListAgents(ctx context.Context, ownerID string) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents ORDER BY owner_id, name;`
	args := []interface{}{}
	if ownerID != "" {
		query = `SELECT ` + agentColumns + ` FROM agents WHERE owner_id = ? ORDER BY name;`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SaveAgent writes every mutable column of an existing agent.
func (s *Store) SaveAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = s.now()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET name = ?, description = ?, system_prompt = ?, schedule = ?,
				timezone = ?, enabled = ?, tool_permissions = ?, model = ?,
				budget_limit_usd = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, a.Name, a.Description, a.SystemPrompt, nullString(a.Schedule),
			a.Timezone, boolToInt(a.Enabled), a.ToolPermissions, a.Model,
			nullFloat(a.BudgetLimitUSD), nullTime(a.NextRunAt), a.UpdatedAt, a.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("agent %q for owner %q: %w", a.Name, a.OwnerID, ErrDuplicateName)
			}
			return fmt.Errorf("update agent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update agent rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicAgentUpdated, bus.AgentEvent{AgentID: a.ID, OwnerID: a.OwnerID, Name: a.Name})
	return nil
}

// DueAgents returns enabled agents whose next_run_at has passed, oldest due
// first so a backlog drains in a stable order.
func (s *Store) DueAgents(ctx context.Context, asOf time.Time) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, asOf.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgentRunTimes records a finished run: last_run_at is set and the
// schedule advances.
func (s *Store) UpdateAgentRunTimes(ctx context.Context, agentID string, lastRun time.Time, nextRun *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, lastRun.UTC(), nullTime(nextRun), s.now(), agentID)
		if err != nil {
			return fmt.Errorf("update agent run times: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil
	})
}

// UpdateAgentNextRun moves next_run_at without touching last_run_at. Used when
// a due agent is skipped so the same instant is not retried every poll.
func (s *Store) UpdateAgentNextRun(ctx context.Context, agentID string, nextRun *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET next_run_at = ?, updated_at = ? WHERE id = ?;
		`, nullTime(nextRun), s.now(), agentID)
		if err != nil {
			return fmt.Errorf("update agent next run: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil
	})
}

// MarkAgentViewed stamps last_viewed_at, resetting the unread counter.
func (s *Store) MarkAgentViewed(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET last_viewed_at = ? WHERE id = ?;
		`, s.now(), agentID)
		if err != nil {
			return fmt.Errorf("mark agent viewed: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil
	})
}

// DeleteAgent removes the agent and all dependent rows. Conversation history
// goes with it. An id owned by someone else reads as not found.
func (s *Store) DeleteAgent(ctx context.Context, id, ownerID string) error {
	var name string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete agent tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var conversationID string
		err = tx.QueryRowContext(ctx, `
			SELECT name, conversation_id FROM agents WHERE id = ? AND owner_id = ?;
		`, id, ownerID).Scan(&name, &conversationID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load agent for delete: %w", err)
		}

		deletes := []struct {
			query string
			arg   string
		}{
			{`DELETE FROM executions WHERE agent_id = ?;`, id},
			{`DELETE FROM approvals WHERE agent_id = ?;`, id},
			{`DELETE FROM agent_kv WHERE agent_id = ?;`, id},
			{`DELETE FROM usage_records WHERE conversation_id = ?;`, conversationID},
			{`DELETE FROM messages WHERE conversation_id = ?;`, conversationID},
			{`DELETE FROM agents WHERE id = ?;`, id},
			{`DELETE FROM conversations WHERE id = ?;`, conversationID},
		}
		for _, d := range deletes {
			if _, err := tx.ExecContext(ctx, d.query, d.arg); err != nil {
				return fmt.Errorf("delete agent rows: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicAgentDeleted, bus.AgentEvent{AgentID: id, OwnerID: ownerID, Name: name})
	return nil
}

// KVSet upserts a per-agent scratch value.
func (s *Store) KVSet(ctx context.Context, agentID, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_kv (agent_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(agent_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;
		`, agentID, key, value, s.now())
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

func (s *Store) KVGet(ctx context.Context, agentID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM agent_kv WHERE agent_id = ? AND key = ?;
	`, agentID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("kv %s/%s: %w", agentID, key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return value, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
