package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"gobby/internal/gerrors"
	"gobby/internal/logging"
)

// Messages manages inter-session messages between parent and child agents.
type Messages struct {
	db     *sqlx.DB
	logger logging.Logger
}

// Send inserts a message atomically.
func (m *Messages) Send(ctx context.Context, from, to, content, priority string) (*Message, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	if priority != PriorityNormal && priority != PriorityUrgent {
		return nil, gerrors.ConstraintViolation("unknown message priority %q", priority)
	}
	msg := &Message{
		ID:          NewUUID(),
		FromSession: from,
		ToSession:   to,
		Content:     content,
		Priority:    priority,
		SentAt:      now(),
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inter_session_messages (id, from_session, to_session, content, priority, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.FromSession, msg.ToSession, msg.Content, msg.Priority, msg.SentAt)
	if err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "insert message")
	}
	return msg, nil
}

// Poll returns messages for a session, oldest first. unreadOnly filters out
// messages that have been marked read.
func (m *Messages) Poll(ctx context.Context, sessionID string, unreadOnly bool) ([]Message, error) {
	query := `SELECT * FROM inter_session_messages WHERE to_session = ?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY sent_at ASC`
	var out []Message
	if err := m.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, gerrors.Wrap(gerrors.KindIntegrity, err, "poll messages")
	}
	return out, nil
}

// MarkRead stamps read_at once; repeat calls are no-ops (idempotent).
func (m *Messages) MarkRead(ctx context.Context, messageID string) error {
	var msg Message
	err := m.db.GetContext(ctx, &msg, `SELECT * FROM inter_session_messages WHERE id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return gerrors.NotFound("message %s", messageID)
	}
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "get message")
	}
	if msg.ReadAt != nil {
		return nil
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE inter_session_messages SET read_at = ? WHERE id = ? AND read_at IS NULL`, now(), messageID)
	if err != nil {
		return gerrors.Wrap(gerrors.KindIntegrity, err, "mark message read")
	}
	return nil
}
