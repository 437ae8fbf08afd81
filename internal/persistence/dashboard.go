package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DashboardAgent is the per-agent row of the command center view.
type DashboardAgent struct {
	Agent           *Agent
	UnreadCount     int
	PendingCount    int
	DailySpendUSD   float64
	LatestExecution *Execution // nil if never run
}

// DashboardData is one consistent read of everything the command center
// shows for an owner.
type DashboardData struct {
	Agents           []*DashboardAgent
	PendingApprovals []*Approval
	RecentExecutions []*Execution
	TotalSpendToday  float64
}

// LoadDashboard gathers the command center view in a single read transaction
// so counts and rows reflect one point in time.
func (s *Store) LoadDashboard(ctx context.Context, ownerID string, dayStart time.Time, recentLimit int) (*DashboardData, error) {
	if recentLimit <= 0 {
		recentLimit = 20
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin dashboard tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	data := &DashboardData{}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE owner_id = ? ORDER BY name;
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("dashboard agents: %w", err)
	}
	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan dashboard agent: %w", err)
		}
		agents = append(agents, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dashboard agents: %w", err)
	}

	for _, a := range agents {
		da := &DashboardAgent{Agent: a}

		unreadQuery := `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant';`
		unreadArgs := []interface{}{a.ConversationID}
		if a.LastViewedAt != nil {
			unreadQuery = `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant' AND created_at > ?;`
			unreadArgs = append(unreadArgs, a.LastViewedAt.UTC())
		}
		if err := tx.QueryRowContext(ctx, unreadQuery, unreadArgs...).Scan(&da.UnreadCount); err != nil {
			return nil, fmt.Errorf("dashboard unread count: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM approvals
			WHERE agent_id = ? AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > ?);
		`, a.ID, now).Scan(&da.PendingCount); err != nil {
			return nil, fmt.Errorf("dashboard pending count: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records
			WHERE agent_id = ? AND created_at >= ?;
		`, a.ID, dayStart.UTC()).Scan(&da.DailySpendUSD); err != nil {
			return nil, fmt.Errorf("dashboard agent spend: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+executionColumns+` FROM executions
			WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT 1;
		`, a.ID)
		e, err := scanExecution(row)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("dashboard latest execution: %w", err)
		}
		if err == nil {
			da.LatestExecution = e
		}

		data.Agents = append(data.Agents, da)
	}

	approvalRows, err := tx.QueryContext(ctx, `
		SELECT p.approval_id, p.agent_id, p.user_id, p.tool_name, p.tool_args,
			p.description, p.status, p.created_at, p.resolved_at, p.expires_at
		FROM approvals p JOIN agents a ON a.id = p.agent_id
		WHERE a.owner_id = ? AND p.status = 'pending'
		  AND (p.expires_at IS NULL OR p.expires_at > ?)
		ORDER BY p.created_at ASC;
	`, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("dashboard approvals: %w", err)
	}
	data.PendingApprovals, err = collectApprovals(approvalRows)
	approvalRows.Close()
	if err != nil {
		return nil, err
	}

	execRows, err := tx.QueryContext(ctx, `
		SELECT e.id, e.agent_id, e.status, e.trigger_type, e.triggered_by_agent_id,
			e.started_at, e.completed_at, e.error_message
		FROM executions e JOIN agents a ON a.id = e.agent_id
		WHERE a.owner_id = ?
		ORDER BY e.started_at DESC, e.id DESC LIMIT ?;
	`, ownerID, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("dashboard executions: %w", err)
	}
	for execRows.Next() {
		e, err := scanExecution(execRows)
		if err != nil {
			execRows.Close()
			return nil, fmt.Errorf("scan dashboard execution: %w", err)
		}
		data.RecentExecutions = append(data.RecentExecutions, e)
	}
	execRows.Close()
	if err := execRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dashboard executions: %w", err)
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(u.cost_usd), 0) FROM usage_records u
		JOIN agents a ON a.id = u.agent_id
		WHERE a.owner_id = ? AND u.created_at >= ?;
	`, ownerID, dayStart.UTC()).Scan(&data.TotalSpendToday); err != nil {
		return nil, fmt.Errorf("dashboard spend: %w", err)
	}

	return data, tx.Commit()
}
