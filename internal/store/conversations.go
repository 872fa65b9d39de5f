package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `uuid, name, display_name, sequence_number, most_recent_event_index,
	data_incomplete, requires_sync, created, last_updated`

// GetConversation returns the conversation row, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, uuid string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE uuid = ?`, uuid)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, fmt.Errorf("conversation %s: %w", uuid, ErrNotFound)
	}
	return c, err
}

// UpsertConversation inserts or fully replaces a conversation row.
func (s *Store) UpsertConversation(ctx context.Context, c model.Conversation) error {
	return upsertConversation(ctx, s.db, c)
}

func upsertConversation(ctx context.Context, q querier, c model.Conversation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			sequence_number = excluded.sequence_number,
			most_recent_event_index = excluded.most_recent_event_index,
			data_incomplete = excluded.data_incomplete,
			requires_sync = excluded.requires_sync,
			created = excluded.created,
			last_updated = excluded.last_updated
	`,
		c.UUID, c.Name, c.DisplayName, c.SequenceNumber, c.MostRecentEventIndex,
		boolInt(c.DataIncomplete), boolInt(c.RequiresSync),
		formatTime(c.Created), formatTime(c.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.UUID, err)
	}
	return nil
}

// DeleteConversation removes a conversation with its members and events
// (cascade) plus any receipts and tasks that referenced its events.
func (s *Store) DeleteConversation(ctx context.Context, uuid string) error {
	prefix := uuid + ":%"
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE related LIKE ?`, prefix); err != nil {
			return fmt.Errorf("delete conversation tasks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM receipts WHERE event_uuid IN
				(SELECT uuid FROM events WHERE conversation_uuid = ?)`, uuid); err != nil {
			return fmt.Errorf("delete conversation receipts: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE uuid = ?`, uuid); err != nil {
			return fmt.Errorf("delete conversation %s: %w", uuid, err)
		}
		return nil
	})
}

// ListConversations returns all conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		ORDER BY last_updated DESC, uuid ASC`)
}

// DirtyConversations returns conversations flagged incomplete or
// requiring sync, in uuid order.
func (s *Store) DirtyConversations(ctx context.Context) ([]model.Conversation, error) {
	return s.queryConversations(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE data_incomplete = 1 OR requires_sync = 1
		ORDER BY uuid ASC`)
}

func (s *Store) queryConversations(ctx context.Context, query string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func scanConversation(row scanner) (model.Conversation, error) {
	var (
		c                    model.Conversation
		incomplete, dirty    int
		created, lastUpdated string
	)
	err := row.Scan(&c.UUID, &c.Name, &c.DisplayName, &c.SequenceNumber, &c.MostRecentEventIndex,
		&incomplete, &dirty, &created, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("scan conversation: %w", err)
	}
	c.DataIncomplete = incomplete != 0
	c.RequiresSync = dirty != 0
	if c.Created, err = parseTime(created); err != nil {
		return c, err
	}
	if c.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return c, err
	}
	return c, nil
}
