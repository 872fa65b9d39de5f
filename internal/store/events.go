package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/convsync/internal/model"
	"github.com/roach88/convsync/internal/protocol"
)

const eventColumns = `uuid, conversation_uuid, seq, type_code, from_member, timestamp, body, tid,
	is_draft, distribution, seen, deleted_at`

// eventOrder puts drafts after confirmed events, in insertion order.
const eventOrder = `ORDER BY seq IS NULL, seq ASC, rowid ASC`

// GetEvent returns the event row, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, uuid string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE uuid = ?`, uuid)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("event %s: %w", uuid, ErrNotFound)
	}
	return e, err
}

// FindDraft returns the draft of a conversation carrying tid, or ErrNotFound.
func (s *Store) FindDraft(ctx context.Context, conversationUUID, tid string) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE conversation_uuid = ? AND tid = ? AND is_draft = 1
		LIMIT 1`, conversationUUID, tid)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, fmt.Errorf("draft %s/%s: %w", conversationUUID, tid, ErrNotFound)
	}
	return e, err
}

// UpsertEvent inserts or replaces an event.
func (s *Store) UpsertEvent(ctx context.Context, e model.Event) error {
	return upsertEvent(ctx, s.db, e)
}

// DeleteEvent removes an event row. Missing rows are not an error.
func (s *Store) DeleteEvent(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("delete event %s: %w", uuid, err)
	}
	return nil
}

// InsertDraft persists a draft and the task that will send it in one
// transaction. Returns ErrDuplicate if either already exists.
func (s *Store) InsertDraft(ctx context.Context, draft model.Event, task model.Task) (model.Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertEvent(ctx, tx, draft); err != nil {
			return err
		}
		id, err := insertTask(ctx, tx, task)
		if err != nil {
			return err
		}
		task.ID = id
		return nil
	})
	if err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// ReplaceDraft swaps a draft for its confirmed server version in one
// transaction.
func (s *Store) ReplaceDraft(ctx context.Context, draftUUID string, final model.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE uuid = ?`, draftUUID); err != nil {
			return fmt.Errorf("replace draft %s: %w", draftUUID, err)
		}
		return upsertEvent(ctx, tx, final)
	})
}

// ApplyDelete marks target deleted at deletedAt (dropping its body), drops
// tasks still pending for it, and records the delete event itself.
// A target that was never stored only gets the delete event.
func (s *Store) ApplyDelete(ctx context.Context, targetUUID string, deletedAt time.Time, del model.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE events SET body = '{}', deleted_at = ? WHERE uuid = ?`,
			formatTime(deletedAt), targetUUID); err != nil {
			return fmt.Errorf("mark deleted %s: %w", targetUUID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE related = ?`, targetUUID); err != nil {
			return fmt.Errorf("drop tasks for %s: %w", targetUUID, err)
		}
		return upsertEvent(ctx, tx, del)
	})
}

// CountEvents returns the number of events (drafts included) in a
// conversation.
func (s *Store) CountEvents(ctx context.Context, conversationUUID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE conversation_uuid = ?`, conversationUUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// ListEvents returns up to limit events of a conversation starting at
// position offset. A negative limit returns everything from offset.
func (s *Store) ListEvents(ctx context.Context, conversationUUID string, offset, limit int) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE conversation_uuid = ?
		`+eventOrder+`
		LIMIT ? OFFSET ?`, conversationUUID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := []model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func eventArgs(e model.Event) ([]any, error) {
	code := e.Type.Code()
	if code == 0 {
		return nil, fmt.Errorf("event %s: unsupported type %q", e.UUID, e.Type)
	}
	body, err := marshalBody(e.Body)
	if err != nil {
		return nil, err
	}
	dist, err := marshalStrings(e.Distribution)
	if err != nil {
		return nil, err
	}
	var seq any
	if !e.IsDraft {
		n, err := protocol.ParseID(e.ID)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.UUID, err)
		}
		seq = n
	}
	return []any{
		e.UUID, e.ConversationUUID, seq, code, e.From, formatTime(e.Timestamp), body, e.TID,
		boolInt(e.IsDraft), dist, boolInt(e.Seen), formatTime(e.DeletedAt),
	}, nil
}

func insertEvent(ctx context.Context, q querier, e model.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert event %s: %w", e.UUID, ErrDuplicate)
		}
		return fmt.Errorf("insert event %s: %w", e.UUID, err)
	}
	return nil
}

func upsertEvent(ctx context.Context, q querier, e model.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			seq = excluded.seq,
			type_code = excluded.type_code,
			from_member = excluded.from_member,
			timestamp = excluded.timestamp,
			body = excluded.body,
			tid = excluded.tid,
			is_draft = excluded.is_draft,
			distribution = excluded.distribution,
			seen = excluded.seen,
			deleted_at = excluded.deleted_at
	`, args...)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.UUID, err)
	}
	return nil
}

func scanEvent(row scanner) (model.Event, error) {
	var (
		e                    model.Event
		seq                  sql.NullInt64
		code, draft, seen    int
		ts, body, dist, dead string
	)
	err := row.Scan(&e.UUID, &e.ConversationUUID, &seq, &code, &e.From, &ts, &body, &e.TID,
		&draft, &dist, &seen, &dead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan event: %w", err)
	}

	t, ok := protocol.TypeFromCode(code)
	if !ok {
		return e, fmt.Errorf("event %s: unknown type code %d", e.UUID, code)
	}
	e.Type = t
	if seq.Valid {
		e.ID = protocol.FormatID(seq.Int64)
	}
	e.IsDraft = draft != 0
	e.Seen = seen != 0
	if e.Timestamp, err = parseTime(ts); err != nil {
		return e, err
	}
	if e.DeletedAt, err = parseTime(dead); err != nil {
		return e, err
	}
	if e.Body, err = unmarshalBody(body); err != nil {
		return e, err
	}
	if e.Distribution, err = unmarshalStrings(dist); err != nil {
		return e, err
	}
	return e, nil
}
