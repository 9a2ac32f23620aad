package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatmux/internal/models"
)

const messageColumns = `id, chat_id, user_id, platform, content, content_encrypted, kind,
	reply_to_id, edit_history, attachments, embeds, reactions, timestamp,
	is_edited, is_deleted, sync_status, sync_error, created_at, updated_at`

// UpsertMessage inserts or replaces a message by id and updates the owning
// chat's last-message pointer in the same transaction: a message is never
// visible without the pointer, and on failure neither is committed.
// Sensitive content is encrypted before it reaches disk; sealing happens on
// a copy so the caller's struct keeps its plaintext for event publishing.
// A conflicting upsert never touches sync_status, so rows cannot regress
// from synced.
func (d *Database) UpsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.SyncStatus == "" {
		msg.SyncStatus = models.SyncStatusPending
	}

	stored := *msg
	if err := d.sealContent(&stored); err != nil {
		return err
	}

	editHistory, attachments, embeds, reactions, err := marshalMessageJSON(msg)
	if err != nil {
		return err
	}

	content := sql.NullString{String: stored.Content, Valid: stored.ContentEncrypted == ""}
	encrypted := sql.NullString{String: stored.ContentEncrypted, Valid: stored.ContentEncrypted != ""}

	operation := func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO messages (
					id, chat_id, user_id, platform, content, content_encrypted, kind,
					reply_to_id, edit_history, attachments, embeds, reactions,
					timestamp, is_edited, is_deleted, sync_status, sync_error
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					content = excluded.content,
					content_encrypted = excluded.content_encrypted,
					kind = excluded.kind,
					reply_to_id = excluded.reply_to_id,
					edit_history = excluded.edit_history,
					attachments = excluded.attachments,
					embeds = excluded.embeds,
					reactions = excluded.reactions,
					timestamp = excluded.timestamp,
					is_edited = excluded.is_edited,
					is_deleted = excluded.is_deleted
			`,
				msg.ID, msg.ChatID, msg.UserID, msg.Platform, content, encrypted, msg.Kind,
				nullable(msg.ReplyToID), editHistory, attachments, embeds, reactions,
				msg.Timestamp.UTC(), msg.IsEdited, msg.IsDeleted, msg.SyncStatus, nullable(msg.SyncError),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert message: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE chats SET last_message_id = ?, last_message_at = ?
				WHERE platform = ? AND id = ?
				  AND (last_message_at IS NULL OR last_message_at <= ?)
			`, msg.ID, msg.Timestamp.UTC(), msg.Platform, msg.ChatID, msg.Timestamp.UTC())
			if err != nil {
				return fmt.Errorf("failed to update chat pointer: %w", err)
			}
			return nil
		})
	}

	return retryableDBOperation(ctx, operation, "upsert message")
}

// sealContent runs the sensitivity classifier and moves plaintext into the
// encrypted column when it matches. Exactly one of the two columns ends up
// populated.
func (d *Database) sealContent(msg *models.Message) error {
	if msg.ContentEncrypted != "" {
		msg.Content = ""
		return nil
	}
	if !d.classifier.IsSensitive(msg.Content) {
		return nil
	}
	blob, err := d.cipher.Encrypt([]byte(msg.Content))
	if err != nil {
		return fmt.Errorf("failed to encrypt message content: %w", err)
	}
	msg.ContentEncrypted = blob
	msg.Content = ""
	return nil
}

// GetMessages returns messages for a chat ordered newest first. Encrypted
// rows are decrypted on read; rows that fail to decrypt come back with a
// placeholder instead of an error.
func (d *Database) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, messageColumns)

	rows, err := d.db.QueryContext(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	return d.scanMessages(rows)
}

// GetMessagesSince returns messages newer than cutoff, chat-scoped if chatID
// is non-empty, else across all chats.
func (d *Database) GetMessagesSince(ctx context.Context, chatID string, cutoff time.Time) ([]models.Message, error) {
	var rows *sql.Rows
	var err error
	if chatID != "" {
		rows, err = d.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE chat_id = ? AND timestamp > ?
			ORDER BY timestamp DESC
		`, messageColumns), chatID, cutoff.UTC())
	} else {
		rows, err = d.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM messages
			WHERE timestamp > ?
			ORDER BY timestamp DESC
		`, messageColumns), cutoff.UTC())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query messages since cutoff: %w", err)
	}
	defer rows.Close()

	return d.scanMessages(rows)
}

// GetMessage returns a single message by id, or nil if absent.
func (d *Database) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := d.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages WHERE id = ?
	`, messageColumns), id)

	msg, err := d.scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetPendingSyncMessages returns the oldest-first batch of rows awaiting
// reconciliation, including previously failed ones so they retry next cycle.
func (d *Database) GetPendingSyncMessages(ctx context.Context, limit int) ([]models.Message, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE sync_status IN (?, ?)
		ORDER BY timestamp ASC
		LIMIT ?
	`, messageColumns), models.SyncStatusPending, models.SyncStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	return d.scanMessages(rows)
}

// CountPendingSync returns how many rows still await reconciliation.
func (d *Database) CountPendingSync(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE sync_status IN (?, ?)
	`, models.SyncStatusPending, models.SyncStatusFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

// MarkMessageSynced transitions a row to synced. Already-synced rows are
// left alone.
func (d *Database) MarkMessageSynced(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET sync_status = ?, sync_error = NULL
		WHERE id = ? AND sync_status != ?
	`, models.SyncStatusSynced, id, models.SyncStatusSynced)
	if err != nil {
		return fmt.Errorf("failed to mark message synced: %w", err)
	}
	return nil
}

// MarkMessageSyncFailed records a reconciliation failure. Synced rows never
// regress.
func (d *Database) MarkMessageSyncFailed(ctx context.Context, id, reason string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET sync_status = ?, sync_error = ?
		WHERE id = ? AND sync_status != ?
	`, models.SyncStatusFailed, reason, id, models.SyncStatusSynced)
	if err != nil {
		return fmt.Errorf("failed to mark message sync failed: %w", err)
	}
	return nil
}

// TombstoneMessage soft-deletes a message so the deletion propagates
// idempotently through sync instead of being physically removed.
func (d *Database) TombstoneMessage(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = TRUE WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to tombstone message: %w", err)
	}
	return nil
}

// ApplyEdit replaces a message's content, appending the previous revision to
// its edit history. Content is last-write-wins, history is append-only.
func (d *Database) ApplyEdit(ctx context.Context, id, newContent string, editedAt time.Time) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var content, encrypted sql.NullString
		var historyJSON string
		err := tx.QueryRowContext(ctx, `
			SELECT content, content_encrypted, edit_history FROM messages WHERE id = ?
		`, id).Scan(&content, &encrypted, &historyJSON)
		if err == sql.ErrNoRows {
			// Edit for a message we never saw; nothing to update.
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load message for edit: %w", err)
		}

		previous := content.String
		if encrypted.Valid {
			plaintext, decErr := d.cipher.Decrypt(encrypted.String)
			if decErr != nil {
				previous = DecryptPlaceholder
			} else {
				previous = string(plaintext)
			}
		}

		var history []models.EditRevision
		if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
			history = nil
		}
		history = append(history, models.EditRevision{Content: previous, EditedAt: editedAt.UTC()})
		newHistory, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("failed to marshal edit history: %w", err)
		}

		staged := &models.Message{Content: newContent}
		if err := d.sealContent(staged); err != nil {
			return err
		}
		newContentCol := sql.NullString{String: staged.Content, Valid: staged.ContentEncrypted == ""}
		newEncryptedCol := sql.NullString{String: staged.ContentEncrypted, Valid: staged.ContentEncrypted != ""}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET content = ?, content_encrypted = ?, edit_history = ?, is_edited = TRUE
			WHERE id = ?
		`, newContentCol, newEncryptedCol, string(newHistory), id)
		if err != nil {
			return fmt.Errorf("failed to apply edit: %w", err)
		}
		return nil
	})
}

// ApplyReactions replaces the reaction set on a message row.
func (d *Database) ApplyReactions(ctx context.Context, id string, reactions []models.Reaction) error {
	blob, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("failed to marshal reactions: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		UPDATE messages SET reactions = ? WHERE id = ?
	`, string(blob), id)
	if err != nil {
		return fmt.Errorf("failed to apply reactions: %w", err)
	}
	return nil
}

// DeleteMessagesOlderThan physically removes synced rows past the retention
// window. Tombstones younger than the window survive so deletions still
// propagate.
func (d *Database) DeleteMessagesOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM messages WHERE timestamp < ? AND sync_status = ?
	`, cutoff, models.SyncStatusSynced)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var content, encrypted, replyTo, syncError sql.NullString
	var editHistory, attachments, embeds, reactions string

	err := row.Scan(
		&msg.ID, &msg.ChatID, &msg.UserID, &msg.Platform, &content, &encrypted, &msg.Kind,
		&replyTo, &editHistory, &attachments, &embeds, &reactions, &msg.Timestamp,
		&msg.IsEdited, &msg.IsDeleted, &msg.SyncStatus, &syncError, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.ReplyToID = replyTo.String
	msg.SyncError = syncError.String
	if encrypted.Valid {
		plaintext, decErr := d.cipher.Decrypt(encrypted.String)
		if decErr != nil {
			msg.Content = DecryptPlaceholder
		} else {
			msg.Content = string(plaintext)
		}
	} else {
		msg.Content = content.String
	}

	_ = json.Unmarshal([]byte(editHistory), &msg.EditHistory)
	_ = json.Unmarshal([]byte(attachments), &msg.Attachments)
	_ = json.Unmarshal([]byte(embeds), &msg.Embeds)
	_ = json.Unmarshal([]byte(reactions), &msg.Reactions)

	return &msg, nil
}

func (d *Database) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

func marshalMessageJSON(msg *models.Message) (editHistory, attachments, embeds, reactions string, err error) {
	parts := []struct {
		name string
		v    interface{}
		out  *string
	}{
		{"edit history", msg.EditHistory, &editHistory},
		{"attachments", msg.Attachments, &attachments},
		{"embeds", msg.Embeds, &embeds},
		{"reactions", msg.Reactions, &reactions},
	}
	for _, p := range parts {
		b, mErr := json.Marshal(p.v)
		if mErr != nil {
			return "", "", "", "", fmt.Errorf("failed to marshal %s: %w", p.name, mErr)
		}
		if string(b) == "null" {
			b = []byte("[]")
		}
		*p.out = string(b)
	}
	return editHistory, attachments, embeds, reactions, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
