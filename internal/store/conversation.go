package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertConversation inserts or replaces a conversation header.
func (db *DB) UpsertConversation(ctx context.Context, c *Conversation) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant, is_active, start_date, last_message_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant = excluded.participant,
			is_active = excluded.is_active,
			start_date = excluded.start_date,
			last_message_date = excluded.last_message_date,
			updated_at = excluded.updated_at`,
		c.ID, c.Participant, c.IsActive, nullMillis(c.StartDate), toMillis(c.LastMessageDate), time.Now().UnixMilli())
	return err
}

// TouchConversation moves last_message_date forward to at. An older at
// leaves the row unchanged.
func (db *DB) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_date = MAX(last_message_date, ?),
			updated_at = ?
		WHERE id = ?`, toMillis(at), time.Now().UnixMilli(), id)
	return err
}

// GetConversation returns a conversation by id, or nil if absent.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, participant, is_active, start_date, last_message_date
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConversations returns all conversations, most recent first.
func (db *DB) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, participant, is_active, start_date, last_message_date
		FROM conversations
		ORDER BY last_message_date DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func scanConversation(s scanner) (*Conversation, error) {
	var (
		c     Conversation
		start sql.NullInt64
		last  int64
	)
	if err := s.Scan(&c.ID, &c.Participant, &c.IsActive, &start, &last); err != nil {
		return nil, err
	}
	c.StartDate = fromNullMillis(start)
	c.LastMessageDate = fromMillis(last)
	return &c, nil
}
