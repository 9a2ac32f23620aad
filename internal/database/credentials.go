package database

import (
	"context"
	"database/sql"
	"fmt"

	"chatmux/internal/models"
)

// SaveCredential stores an already-encrypted secret blob as the platform's
// only active credential. Deactivation of previous rows and the insert
// happen in one transaction.
func (d *Database) SaveCredential(ctx context.Context, platform models.Platform, secretBlob string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE credentials SET is_active = FALSE WHERE platform = ? AND is_active = TRUE
		`, platform); err != nil {
			return fmt.Errorf("failed to deactivate previous credentials: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (platform, secret_blob, is_active) VALUES (?, ?, TRUE)
		`, platform, secretBlob); err != nil {
			return fmt.Errorf("failed to insert credential: %w", err)
		}
		return nil
	})
}

// GetActiveCredential returns the active credential for a platform, or nil
// if none is stored. The blob stays encrypted; decryption is the vault's job.
func (d *Database) GetActiveCredential(ctx context.Context, platform models.Platform) (*models.Credential, error) {
	var cred models.Credential
	err := d.db.QueryRowContext(ctx, `
		SELECT id, platform, secret_blob, captured_at, is_active
		FROM credentials
		WHERE platform = ? AND is_active = TRUE
		ORDER BY captured_at DESC
		LIMIT 1
	`, platform).Scan(&cred.ID, &cred.Platform, &cred.SecretBlob, &cred.CapturedAt, &cred.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// DeactivateCredentials invalidates all credentials for a platform.
func (d *Database) DeactivateCredentials(ctx context.Context, platform models.Platform) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE credentials SET is_active = FALSE WHERE platform = ?
	`, platform)
	if err != nil {
		return fmt.Errorf("failed to deactivate credentials: %w", err)
	}
	return nil
}
