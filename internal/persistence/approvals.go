package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-pilot/internal/bus"
)

// Approval is a pending or resolved human sign-off for a tool invocation.
type Approval struct {
	ApprovalID  string
	AgentID     string
	UserID      string
	ToolName    string
	ToolArgs    string // JSON object
	Description string
	Status      ApprovalStatus
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	ExpiresAt   *time.Time
}

const approvalColumns = `approval_id, agent_id, user_id, tool_name, tool_args,
	description, status, created_at, resolved_at, expires_at`

func scanApproval(row interface{ Scan(...interface{}) error }) (*Approval, error) {
	var a Approval
	var resolved, expires sql.NullTime
	err := row.Scan(&a.ApprovalID, &a.AgentID, &a.UserID, &a.ToolName, &a.ToolArgs,
		&a.Description, &a.Status, &a.CreatedAt, &resolved, &expires)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if resolved.Valid {
		t := resolved.Time.UTC()
		a.ResolvedAt = &t
	}
	if expires.Valid {
		t := expires.Time.UTC()
		a.ExpiresAt = &t
	}
	return &a, nil
}

// CreateApproval inserts a pending approval. ttl <= 0 means no expiry.
func (s *Store) CreateApproval(ctx context.Context, a *Approval, ttl time.Duration) error {
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	if a.ToolArgs == "" {
		a.ToolArgs = "{}"
	}
	a.Status = ApprovalPending
	a.CreatedAt = s.now()
	if ttl > 0 {
		t := a.CreatedAt.Add(ttl)
		a.ExpiresAt = &t
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO approvals (approval_id, agent_id, user_id, tool_name, tool_args,
				description, status, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ApprovalID, a.AgentID, a.UserID, a.ToolName, a.ToolArgs,
			a.Description, a.Status, a.CreatedAt, nullTime(a.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicApprovalRequested, bus.ApprovalEvent{
		ApprovalID: a.ApprovalID,
		AgentID:    a.AgentID,
		UserID:     a.UserID,
		ToolName:   a.ToolName,
		Status:     string(ApprovalPending),
	})
	return nil
}

// GetApproval loads one approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?;`, approvalID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approval %s: %w", approvalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

// ResolveApproval moves a pending approval to approved or rejected. The guard
// is in the UPDATE itself: only a pending, unexpired row owned by userID
// matches, so a stale or foreign resolve affects zero rows and reports
// ErrNotFound. Expired-but-pending rows are deliberately unresolvable.
func (s *Store) ResolveApproval(ctx context.Context, approvalID, userID string, approved bool) (*Approval, error) {
	status := ApprovalRejected
	if approved {
		status = ApprovalApproved
	}
	now := s.now()
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = ?, resolved_at = ?
			WHERE approval_id = ? AND user_id = ? AND status = 'pending'
			  AND (expires_at IS NULL OR expires_at > ?);
		`, status, now, approvalID, userID, now)
		if err != nil {
			return fmt.Errorf("resolve approval: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve approval rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("pending approval %s for user %s: %w", approvalID, userID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a, err := s.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicApprovalResolved, bus.ApprovalEvent{
		ApprovalID: a.ApprovalID,
		AgentID:    a.AgentID,
		UserID:     a.UserID,
		ToolName:   a.ToolName,
		Status:     string(status),
	})
	return a, nil
}

// HasPendingApproval reports whether the agent has any unexpired pending
// approval.
func (s *Store) HasPendingApproval(ctx context.Context, agentID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM approvals
		WHERE agent_id = ? AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > ?);
	`, agentID, s.now()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pending approval: %w", err)
	}
	return count > 0, nil
}

// PendingApprovalsForAgent lists the agent's unexpired pending approvals,
// oldest first.
func (s *Store) PendingApprovalsForAgent(ctx context.Context, agentID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE agent_id = ? AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC;
	`, agentID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// PendingApprovalsForUser lists every unexpired pending approval addressed to
// the user, oldest first across agents.
func (s *Store) PendingApprovalsForUser(ctx context.Context, userID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE user_id = ? AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC;
	`, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("list user approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// SweepExpiredApprovals rejects pending approvals whose expiry has passed and
// returns the affected rows so callers can fail the waiting executions.
func (s *Store) SweepExpiredApprovals(ctx context.Context) ([]*Approval, error) {
	now := s.now()
	var expired []*Approval
	err := retryOnBusy(ctx, 5, func() error {
		expired = expired[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+approvalColumns+` FROM approvals
			WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= ?;
		`, now)
		if err != nil {
			return fmt.Errorf("list expired approvals: %w", err)
		}
		for rows.Next() {
			a, err := scanApproval(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan expired approval: %w", err)
			}
			expired = append(expired, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired approvals: %w", err)
		}
		if len(expired) == 0 {
			return tx.Commit()
		}

		for _, a := range expired {
			if _, err := tx.ExecContext(ctx, `
				UPDATE approvals SET status = 'rejected', resolved_at = ? WHERE approval_id = ?;
			`, now, a.ApprovalID); err != nil {
				return fmt.Errorf("expire approval: %w", err)
			}
			a.Status = ApprovalRejected
			t := now
			a.ResolvedAt = &t
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, a := range expired {
		s.publish(bus.TopicApprovalExpired, bus.ApprovalEvent{
			ApprovalID: a.ApprovalID,
			AgentID:    a.AgentID,
			UserID:     a.UserID,
			ToolName:   a.ToolName,
			Status:     string(ApprovalRejected),
		})
	}
	return expired, nil
}

func collectApprovals(rows *sql.Rows) ([]*Approval, error) {
	var approvals []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
