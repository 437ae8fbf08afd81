package persistence

import (
	"context"
	"fmt"
	"time"
)

// UsageRecord is one billed model call attributed to an agent.
type UsageRecord struct {
	ID               int64
	ConversationID   string
	AgentID          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

// RecordUsage appends a usage record. The agent id is denormalized so daily
// spend sums need no join.
func (s *Store) RecordUsage(ctx context.Context, r *UsageRecord) error {
	r.CreatedAt = s.now()
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO usage_records (conversation_id, agent_id, model, prompt_tokens,
				completion_tokens, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, r.ConversationID, r.AgentID, r.Model, r.PromptTokens,
			r.CompletionTokens, r.CostUSD, r.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
		r.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("usage record id: %w", err)
		}
		return nil
	})
}

// AgentSpendSince sums the agent's cost from the given instant. Callers pass
// midnight UTC for the daily budget check.
func (s *Store) AgentSpendSince(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var spend float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
		WHERE agent_id = ? AND created_at >= ?;
	`, agentID, since.UTC()).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("sum agent spend: %w", err)
	}
	return spend, nil
}

// OwnerSpendSince sums cost across all of an owner's agents.
func (s *Store) OwnerSpendSince(ctx context.Context, ownerID string, since time.Time) (float64, error) {
	var spend float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(u.cost_usd), 0) FROM usage_records u
		JOIN agents a ON a.id = u.agent_id
		WHERE a.owner_id = ? AND u.created_at >= ?;
	`, ownerID, since.UTC()).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("sum owner spend: %w", err)
	}
	return spend, nil
}
