package database

import (
	"context"
	"database/sql"
	"fmt"

	"chatmux/internal/models"
)

// UpdateSyncCursor advances the reconciliation bookmark for one platform and
// direction. Callers only invoke this after the remote backend acknowledged
// the batch.
func (d *Database) UpdateSyncCursor(ctx context.Context, cursor *models.SyncCursor) error {
	operation := func() error {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO sync_cursors (platform, direction, last_timestamp, last_record_id, status, error_message, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(platform, direction) DO UPDATE SET
				last_timestamp = excluded.last_timestamp,
				last_record_id = excluded.last_record_id,
				status = excluded.status,
				error_message = excluded.error_message,
				updated_at = CURRENT_TIMESTAMP
		`,
			cursor.Platform, cursor.Direction,
			sql.NullTime{Time: cursor.LastTimestamp.UTC(), Valid: !cursor.LastTimestamp.IsZero()},
			nullable(cursor.LastRecordID), cursor.Status, nullable(cursor.ErrorMessage),
		)
		if err != nil {
			return fmt.Errorf("failed to update sync cursor: %w", err)
		}
		return nil
	}
	return retryableDBOperation(ctx, operation, "update sync cursor")
}

// GetSyncCursor returns the cursor for one platform and direction, or nil if
// the direction has never completed a batch.
func (d *Database) GetSyncCursor(ctx context.Context, platform models.Platform, direction models.SyncDirection) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	var lastTimestamp sql.NullTime
	var lastRecordID, errorMessage sql.NullString

	err := d.db.QueryRowContext(ctx, `
		SELECT platform, direction, last_timestamp, last_record_id, status, error_message, updated_at
		FROM sync_cursors
		WHERE platform = ? AND direction = ?
	`, platform, direction).Scan(
		&cursor.Platform, &cursor.Direction, &lastTimestamp, &lastRecordID,
		&cursor.Status, &errorMessage, &cursor.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	if lastTimestamp.Valid {
		cursor.LastTimestamp = lastTimestamp.Time
	}
	cursor.LastRecordID = lastRecordID.String
	cursor.ErrorMessage = errorMessage.String
	return &cursor, nil
}
