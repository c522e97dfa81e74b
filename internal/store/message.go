package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, receiver_id, body, attachment,
	sending_time, received_time, seen_time, status`

// UpsertMessage inserts or replaces a message keyed by id. Re-adding an
// existing id during a reconciliation race is not an error.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	att, err := encodeAttachment(m.Attachment)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id = excluded.sender_id,
			receiver_id = excluded.receiver_id,
			body = excluded.body,
			attachment = excluded.attachment,
			sending_time = excluded.sending_time,
			received_time = excluded.received_time,
			seen_time = excluded.seen_time,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID, m.Body, att,
		toMillis(m.SendingTime), nullMillis(m.ReceivedTime), nullMillis(m.SeenTime), string(m.Status),
		time.Now().UnixMilli())
	return err
}

// UpdateMessage overwrites an existing message. It reports false, without
// inserting, when the id is unknown.
func (db *DB) UpdateMessage(ctx context.Context, m *Message) (bool, error) {
	att, err := encodeAttachment(m.Attachment)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE messages SET
			conversation_id = ?, sender_id = ?, receiver_id = ?, body = ?, attachment = ?,
			sending_time = ?, received_time = ?, seen_time = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		m.ConversationID, m.SenderID, m.ReceiverID, m.Body, att,
		toMillis(m.SendingTime), nullMillis(m.ReceivedTime), nullMillis(m.SeenTime), string(m.Status),
		time.Now().UnixMilli(), m.ID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetMessage returns a message by id, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// DeleteMessage removes a message. Deleting an absent id is a no-op.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns a conversation's messages oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY sending_time ASC, rowid ASC`, conversationID)
}

// ListUnassignedMessages returns messages staged before their conversation
// had a server id, oldest first.
func (db *DB) ListUnassignedMessages(ctx context.Context) ([]*Message, error) {
	return db.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ''
		ORDER BY sending_time ASC, rowid ASC`)
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m              Message
		att            sql.NullString
		sending        int64
		received, seen sql.NullInt64
		status         string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &att,
		&sending, &received, &seen, &status); err != nil {
		return nil, err
	}
	if att.Valid && att.String != "" {
		m.Attachment = &Attachment{}
		if err := json.Unmarshal([]byte(att.String), m.Attachment); err != nil {
			return nil, fmt.Errorf("decode attachment of %q: %w", m.ID, err)
		}
	}
	m.SendingTime = fromMillis(sending)
	m.ReceivedTime = fromNullMillis(received)
	m.SeenTime = fromNullMillis(seen)
	m.Status = Status(status)
	return &m, nil
}

func encodeAttachment(a *Attachment) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode attachment: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
