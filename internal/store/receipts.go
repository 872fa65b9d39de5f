package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
)

const receiptColumns = `uuid, member_uuid, event_uuid, state, delivered_at, seen_at`

// GetReceipt returns the receipt row, or ErrNotFound.
func (s *Store) GetReceipt(ctx context.Context, uuid string) (model.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE uuid = ?`, uuid)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Receipt{}, fmt.Errorf("receipt %s: %w", uuid, ErrNotFound)
	}
	return r, err
}

// UpsertReceipt writes a receipt. The state column only moves forward and a
// recorded date is never replaced, so a late "delivered" cannot undo "seen".
func (s *Store) UpsertReceipt(ctx context.Context, r model.Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			state = MAX(receipts.state, excluded.state),
			delivered_at = CASE WHEN receipts.delivered_at = '' THEN excluded.delivered_at ELSE receipts.delivered_at END,
			seen_at = CASE WHEN receipts.seen_at = '' THEN excluded.seen_at ELSE receipts.seen_at END
	`, r.UUID, r.MemberUUID, r.EventUUID, int(r.State), formatTime(r.DeliveredAt), formatTime(r.SeenAt))
	if err != nil {
		return fmt.Errorf("upsert receipt %s: %w", r.UUID, err)
	}
	return nil
}

// ListReceipts returns the receipts of one event ordered by member.
func (s *Store) ListReceipts(ctx context.Context, eventUUID string) ([]model.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM receipts
		WHERE event_uuid = ?
		ORDER BY member_uuid ASC`, eventUUID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	out := []model.Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate receipts: %w", err)
	}
	return out, nil
}

func scanReceipt(row scanner) (model.Receipt, error) {
	var (
		r               model.Receipt
		state           int
		delivered, seen string
	)
	err := row.Scan(&r.UUID, &r.MemberUUID, &r.EventUUID, &state, &delivered, &seen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan receipt: %w", err)
	}
	r.State = model.ReceiptState(state)
	if r.DeliveredAt, err = parseTime(delivered); err != nil {
		return r, err
	}
	if r.SeenAt, err = parseTime(seen); err != nil {
		return r, err
	}
	return r, nil
}
