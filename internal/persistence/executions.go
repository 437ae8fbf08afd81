package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-pilot/internal/bus"
)

// Execution is one run of an agent.
type Execution struct {
	ID                 string
	AgentID            string
	Status             ExecutionStatus
	TriggerType        TriggerType
	TriggeredByAgentID *string
	StartedAt          time.Time
	CompletedAt        *time.Time
	ErrorMessage       *string
}

const executionColumns = `id, agent_id, status, trigger_type, triggered_by_agent_id,
	started_at, completed_at, error_message`

func scanExecution(row interface{ Scan(...interface{}) error }) (*Execution, error) {
	var e Execution
	var triggeredBy, errMsg sql.NullString
	var completed sql.NullTime
	err := row.Scan(&e.ID, &e.AgentID, &e.Status, &e.TriggerType, &triggeredBy,
		&e.StartedAt, &completed, &errMsg)
	if err != nil {
		return nil, err
	}
	e.StartedAt = e.StartedAt.UTC()
	if triggeredBy.Valid {
		e.TriggeredByAgentID = &triggeredBy.String
	}
	if completed.Valid {
		t := completed.Time.UTC()
		e.CompletedAt = &t
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	return &e, nil
}

// CreateExecution inserts a new running execution for the agent. The insert
// and the duplicate check share one transaction so two concurrent dispatches
// cannot both start; the loser gets ErrAlreadyRunning. An execution older
// than timeout no longer counts as running (the reaper will pick it up).
func (s *Store) CreateExecution(ctx context.Context, agentID string, trigger TriggerType, triggeredBy *string, timeout time.Duration) (*Execution, error) {
	exec := &Execution{
		ID:                 uuid.NewString(),
		AgentID:            agentID,
		Status:             ExecutionRunning,
		TriggerType:        trigger,
		TriggeredByAgentID: triggeredBy,
		StartedAt:          s.now(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create execution tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		cutoff := s.now().Add(-timeout)
		var running int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM executions
			WHERE agent_id = ? AND status IN ('running', 'waiting_approval') AND started_at > ?;
		`, agentID, cutoff).Scan(&running)
		if err != nil {
			return fmt.Errorf("check running execution: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("agent %s: %w", agentID, ErrAlreadyRunning)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO executions (id, agent_id, status, trigger_type, triggered_by_agent_id, started_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, exec.ID, exec.AgentID, exec.Status, exec.TriggerType,
			nullString(exec.TriggeredByAgentID), exec.StartedAt)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicExecutionStateChanged, bus.ExecutionStateChangedEvent{
		ExecutionID: exec.ID,
		AgentID:     exec.AgentID,
		NewStatus:   string(ExecutionRunning),
		Trigger:     string(trigger),
	})
	return exec, nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?;`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// UpdateExecutionStatus transitions the execution, enforcing the lifecycle
// state machine. Terminal transitions stamp completed_at. errorMessage is
// written only for failed.
func (s *Store) UpdateExecutionStatus(ctx context.Context, id string, to ExecutionStatus, errorMessage string) error {
	var from ExecutionStatus
	var agentID string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update execution tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		err = tx.QueryRowContext(ctx, `SELECT status, agent_id FROM executions WHERE id = ?;`, id).Scan(&from, &agentID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load execution status: %w", err)
		}
		if _, ok := allowedExecutionTransitions[from][to]; !ok {
			return fmt.Errorf("execution %s: %s -> %s: %w", id, from, to, ErrInvalidTransition)
		}

		var completedAt interface{}
		if to.Terminal() {
			completedAt = s.now()
		}
		var msg interface{}
		if to == ExecutionFailed && errorMessage != "" {
			msg = errorMessage
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, completed_at = ?, error_message = COALESCE(?, error_message)
			WHERE id = ?;
		`, to, completedAt, msg, id)
		if err != nil {
			return fmt.Errorf("update execution status: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	event := bus.ExecutionStateChangedEvent{
		ExecutionID: id,
		AgentID:     agentID,
		OldStatus:   string(from),
		NewStatus:   string(to),
	}
	s.publish(bus.TopicExecutionStateChanged, event)
	switch to {
	case ExecutionCompleted:
		s.publish(bus.TopicExecutionCompleted, event)
	case ExecutionFailed:
		s.publish(bus.TopicExecutionFailed, event)
	}
	return nil
}

// HasRunningExecution reports whether the agent has a live run: status
// running or waiting_approval, started within timeout.
func (s *Store) HasRunningExecution(ctx context.Context, agentID string, timeout time.Duration) (bool, error) {
	cutoff := s.now().Add(-timeout)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE agent_id = ? AND status IN ('running', 'waiting_approval') AND started_at > ?;
	`, agentID, cutoff).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check running execution: %w", err)
	}
	return count > 0, nil
}

// IsInCooldown reports whether the agent finished a run within the cooldown
// window. Only terminal executions count.
func (s *Store) IsInCooldown(ctx context.Context, agentID string, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return false, nil
	}
	cutoff := s.now().Add(-cooldown)
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE agent_id = ? AND status IN ('completed', 'failed')
		  AND completed_at IS NOT NULL AND completed_at > ?;
	`, agentID, cutoff).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check cooldown: %w", err)
	}
	return count > 0, nil
}

// CleanupZombieExecutions marks non-terminal executions older than timeout as
// failed with a fixed diagnostic, and returns how many were reclassified.
func (s *Store) CleanupZombieExecutions(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := s.now().Add(-timeout)
	var reaped []bus.ExecutionStateChangedEvent
	err := retryOnBusy(ctx, 5, func() error {
		reaped = reaped[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin zombie cleanup tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, agent_id, status FROM executions
			WHERE status IN ('running', 'waiting_approval') AND started_at <= ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("list zombie executions: %w", err)
		}
		for rows.Next() {
			var ev bus.ExecutionStateChangedEvent
			if err := rows.Scan(&ev.ExecutionID, &ev.AgentID, &ev.OldStatus); err != nil {
				rows.Close()
				return fmt.Errorf("scan zombie execution: %w", err)
			}
			ev.NewStatus = string(ExecutionFailed)
			reaped = append(reaped, ev)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate zombie executions: %w", err)
		}
		if len(reaped) == 0 {
			return tx.Commit()
		}

		now := s.now()
		for _, ev := range reaped {
			if _, err := tx.ExecContext(ctx, `
				UPDATE executions SET status = 'failed', completed_at = ?, error_message = ?
				WHERE id = ?;
			`, now, ZombieErrorMessage, ev.ExecutionID); err != nil {
				return fmt.Errorf("reap zombie execution: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	for _, ev := range reaped {
		s.publish(bus.TopicExecutionZombieReaped, ev)
		s.publish(bus.TopicExecutionFailed, ev)
	}
	return int64(len(reaped)), nil
}

// LatestExecution returns the most recently started execution for the agent,
// or ErrNotFound if the agent has never run.
func (s *Store) LatestExecution(ctx context.Context, agentID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT 1;
	`, agentID)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("latest execution for agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest execution: %w", err)
	}
	return e, nil
}

// WaitingExecution returns the agent's waiting_approval execution if one is
// fresh (started within timeout), or ErrNotFound.
func (s *Store) WaitingExecution(ctx context.Context, agentID string, timeout time.Duration) (*Execution, error) {
	cutoff := s.now().Add(-timeout)
	row := s.db.QueryRowContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE agent_id = ? AND status = 'waiting_approval' AND started_at > ?
		ORDER BY started_at DESC LIMIT 1;
	`, agentID, cutoff)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("waiting execution for agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("waiting execution: %w", err)
	}
	return e, nil
}

// ListExecutionsByAgent returns up to limit executions, newest first.
func (s *Store) ListExecutionsByAgent(ctx context.Context, agentID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE agent_id = ? ORDER BY started_at DESC, id DESC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// ListRecentExecutionsByOwner returns the newest executions across all of an
// owner's agents, for the dashboard activity feed.
func (s *Store) ListRecentExecutionsByOwner(ctx context.Context, ownerID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.agent_id, e.status, e.trigger_type, e.triggered_by_agent_id,
			e.started_at, e.completed_at, e.error_message
		FROM executions e JOIN agents a ON a.id = e.agent_id
		WHERE a.owner_id = ?
		ORDER BY e.started_at DESC, e.id DESC LIMIT ?;
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}
