package database

import (
	"context"
	"database/sql"
	"fmt"

	"chatmux/internal/models"
)

// UpsertUser inserts a user on first sighting or refreshes the mutable
// display attributes. Identity fields never change.
func (d *Database) UpsertUser(ctx context.Context, user *models.User) error {
	operation := func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO users (id, platform, handle, display_name, avatar_ref)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(platform, id) DO UPDATE SET
				handle = excluded.handle,
				display_name = excluded.display_name,
				avatar_ref = excluded.avatar_ref
		`, user.ID, user.Platform, user.Handle, nullable(user.DisplayName), nullable(user.AvatarRef))
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	}
	return retryableDBOperation(ctx, operation, "upsert user")
}

// GetUser returns one user by platform and id, or nil if absent.
func (d *Database) GetUser(ctx context.Context, platform models.Platform, id string) (*models.User, error) {
	var user models.User
	var displayName, avatarRef sql.NullString

	err := d.db.QueryRowContext(ctx, `
		SELECT id, platform, handle, display_name, avatar_ref, created_at, updated_at
		FROM users WHERE platform = ? AND id = ?
	`, platform, id).Scan(
		&user.ID, &user.Platform, &user.Handle, &displayName, &avatarRef,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	user.DisplayName = displayName.String
	user.AvatarRef = avatarRef.String
	return &user, nil
}
