package persistence

import (
	"context"
	"fmt"
	"time"
)

// Message is one entry in an agent's conversation transcript.
type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// AppendMessage adds a transcript entry. Role must be one of system, user,
// assistant, tool (enforced by the schema CHECK).
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?);
		`, conversationID, role, content, s.now())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		return nil
	})
	return id, err
}

// ListMessages returns up to limit most recent messages in chronological
// order. limit <= 0 returns everything.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = ? ORDER BY id ASC;`
	args := []interface{}{conversationID}
	if limit > 0 {
		query = `SELECT id, conversation_id, role, content, created_at FROM (
			SELECT id, conversation_id, role, content, created_at FROM messages
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountUnreadAssistant counts assistant messages written after the agent was
// last viewed. A never-viewed agent counts every assistant message.
func (s *Store) CountUnreadAssistant(ctx context.Context, conversationID string, lastViewedAt *time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant';`
	args := []interface{}{conversationID}
	if lastViewedAt != nil {
		query = `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'assistant' AND created_at > ?;`
		args = append(args, lastViewedAt.UTC())
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
