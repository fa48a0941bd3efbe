package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/conversation"
)

// ConversationStore implements conversation.Store. Read-modify-write
// operations lock the conversation row for the length of the transaction.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a ConversationStore on db.
func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

var _ conversation.Store = (*ConversationStore)(nil)

const conversationColumns = `id, customer_id, customer_name, agent_id, agent_name, subject, status, created_at, closed_at`

func scanConversation(row rowScanner) (conversation.Conversation, error) {
	var (
		c      conversation.Conversation
		closed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.CustomerID, &c.CustomerName, &c.AgentID, &c.AgentName,
		&c.Subject, &c.Status, &c.CreatedAt, &closed)
	if err != nil {
		return conversation.Conversation{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ClosedAt = timePtr(closed)
	return c, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m conversation.Message) error {
	const query = `
		INSERT INTO chat_messages (id, conversation_id, sender_id, sender_name, sender_role, content, sent_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.ExecContext(ctx, query, m.ID, m.ConversationID, m.SenderID, m.SenderName,
		string(m.SenderRole), m.Content, m.Timestamp, int(m.Status))
	return err
}

func (s *ConversationStore) CreateConversation(ctx context.Context, c conversation.Conversation, first conversation.Message) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		const query = `
			INSERT INTO conversations (` + conversationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := tx.ExecContext(ctx, query, c.ID, c.CustomerID, c.CustomerName, c.AgentID,
			c.AgentName, c.Subject, int(c.Status), c.CreatedAt, nullTime(c.ClosedAt)); err != nil {
			return err
		}
		return insertMessage(ctx, tx, first)
	})
	if err != nil {
		return translate(err, "postgres: create conversation "+c.ID)
	}
	return nil
}

func (s *ConversationStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err != nil {
		return conversation.Conversation{}, translate(err, "postgres: conversation "+id)
	}
	return c, nil
}

func (s *ConversationStore) ListConversations(ctx context.Context, f conversation.Filter) ([]conversation.Conversation, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Unassigned {
		args = append(args, int(conversation.StatusOpen))
		where = append(where, fmt.Sprintf("agent_id = '' AND status = $%d", len(args)))
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]conversation.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list conversations: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conversations: %w", err)
	}
	return out, nil
}

// lockConversation reads the conversation row FOR UPDATE.
func lockConversation(ctx context.Context, tx *sql.Tx, id string) (conversation.Conversation, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id)
	c, err := scanConversation(row)
	if err != nil {
		return conversation.Conversation{}, translate(err, "postgres: conversation "+id)
	}
	return c, nil
}

func (s *ConversationStore) UpdateConversation(ctx context.Context, id string, mutate func(*conversation.Conversation) error) (conversation.Conversation, error) {
	var out conversation.Conversation
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		c, err := lockConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(&c); err != nil {
			return callbackError{err}
		}
		const query = `
			UPDATE conversations
			SET agent_id = $2, agent_name = $3, subject = $4, status = $5, closed_at = $6
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, query, id, c.AgentID, c.AgentName, c.Subject,
			int(c.Status), nullTime(c.ClosedAt)); err != nil {
			return fmt.Errorf("postgres: update conversation %s: %w", id, err)
		}
		out = c
		return nil
	})
	if err != nil {
		return conversation.Conversation{}, unwrapCallback(err)
	}
	return out, nil
}

func (s *ConversationStore) AppendMessage(ctx context.Context, m conversation.Message, check func(conversation.Conversation) error) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		c, err := lockConversation(ctx, tx, m.ConversationID)
		if err != nil {
			return err
		}
		if err := check(c); err != nil {
			return callbackError{err}
		}
		if err := insertMessage(ctx, tx, m); err != nil {
			return translate(err, "postgres: append message "+m.ID)
		}
		return nil
	})
	return unwrapCallback(err)
}

func (s *ConversationStore) Messages(ctx context.Context, conversationID string, offset, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		return []conversation.Message{}, nil
	}
	const query = `
		SELECT id, conversation_id, sender_id, sender_name, sender_role, content, sent_at, status
		FROM (
			SELECT * FROM chat_messages
			WHERE conversation_id = $1
			ORDER BY seq DESC
			OFFSET $2 LIMIT $3
		) page
		ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: messages %s: %w", conversationID, err)
	}
	defer rows.Close()

	out := make([]conversation.Message, 0, limit)
	for rows.Next() {
		var (
			m    conversation.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &role,
			&m.Content, &m.Timestamp, &m.Status); err != nil {
			return nil, fmt.Errorf("postgres: messages %s: %w", conversationID, err)
		}
		m.SenderRole = auth.Role(role)
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: messages %s: %w", conversationID, err)
	}
	return out, nil
}

func (s *ConversationStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	const query = `
		UPDATE chat_messages SET status = $3
		WHERE conversation_id = $1 AND sender_id <> $2 AND status < $3`
	res, err := s.db.ExecContext(ctx, query, conversationID, readerID, int(conversation.MessageRead))
	if err != nil {
		return 0, fmt.Errorf("postgres: mark read %s: %w", conversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: mark read %s: %w", conversationID, err)
	}
	return int(n), nil
}

func (s *ConversationStore) CountUnread(ctx context.Context, conversationID, viewerID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM chat_messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND status < $3`
	var n int
	if err := s.db.QueryRowContext(ctx, query, conversationID, viewerID, int(conversation.MessageRead)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count unread %s: %w", conversationID, err)
	}
	return n, nil
}
