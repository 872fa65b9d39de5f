package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convsync/internal/model"
)

// GetUser returns the user row, or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, uuid string) (model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, name, display_name, image_url FROM users WHERE uuid = ?`, uuid,
	).Scan(&u.UUID, &u.Name, &u.DisplayName, &u.ImageURL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %s: %w", uuid, err)
	}
	return u, nil
}

// UpsertUser inserts or replaces a user.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uuid, name, display_name, image_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			name = excluded.name,
			display_name = excluded.display_name,
			image_url = excluded.image_url
	`, u.UUID, u.Name, u.DisplayName, u.ImageURL)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.UUID, err)
	}
	return nil
}
