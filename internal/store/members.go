package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
)

const memberColumns = `uuid, conversation_uuid, user_uuid, state, invited_by, timestamps,
	audio_enabled, muted, earmuffed`

// GetMember returns the member row, or ErrNotFound.
func (s *Store) GetMember(ctx context.Context, uuid string) (model.Member, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE uuid = ?`, uuid)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Member{}, fmt.Errorf("member %s: %w", uuid, ErrNotFound)
	}
	return m, err
}

// UpsertMember inserts a member or updates it in place. Rows are keyed by
// member uuid, so a rejoin (new member uuid) appends a row.
func (s *Store) UpsertMember(ctx context.Context, m model.Member) error {
	ts, err := marshalTimestamps(m.Timestamps)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.UUID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			state = excluded.state,
			invited_by = excluded.invited_by,
			timestamps = excluded.timestamps,
			audio_enabled = excluded.audio_enabled,
			muted = excluded.muted,
			earmuffed = excluded.earmuffed
	`,
		m.UUID, m.ConversationUUID, m.UserUUID, int(m.State), m.InvitedBy, ts,
		boolInt(m.Media.AudioEnabled), boolInt(m.Media.Muted), boolInt(m.Media.Earmuffed),
	)
	if err != nil {
		return fmt.Errorf("upsert member %s: %w", m.UUID, err)
	}
	return nil
}

// ListMembers returns the members of a conversation, oldest row first.
func (s *Store) ListMembers(ctx context.Context, conversationUUID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM members
		WHERE conversation_uuid = ?
		ORDER BY rowid ASC`, conversationUUID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	out := []model.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

func scanMember(row scanner) (model.Member, error) {
	var (
		m                       model.Member
		state                   int
		ts                      string
		audio, muted, earmuffed int
	)
	err := row.Scan(&m.UUID, &m.ConversationUUID, &m.UserUUID, &state, &m.InvitedBy, &ts,
		&audio, &muted, &earmuffed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan member: %w", err)
	}
	m.State = model.MemberState(state)
	m.Media = model.Media{AudioEnabled: audio != 0, Muted: muted != 0, Earmuffed: earmuffed != 0}
	if m.Timestamps, err = unmarshalTimestamps(ts); err != nil {
		return m, err
	}
	return m, nil
}
