package database

import (
	"context"
	"database/sql"
	"fmt"

	"chatmux/internal/models"
)

// UpsertChat inserts or refreshes a chat row. Topology info can arrive many
// times (session ready, channel updates); applying the same update twice is
// a no-op. The last-message pointer is owned by UpsertMessage and never
// overwritten here, but a NULL pointer is backfilled from the newest stored
// message: pull batches and gateway dispatches can deliver a message before
// its chat row exists, and that message's pointer update matched nothing.
func (d *Database) UpsertChat(ctx context.Context, chat *models.Chat) error {
	operation := func() error {
		return d.withTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO chats (
					id, platform, kind, name, avatar_ref, participant_count,
					is_active, is_pinned, is_muted
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(platform, id) DO UPDATE SET
					kind = excluded.kind,
					name = excluded.name,
					avatar_ref = excluded.avatar_ref,
					participant_count = excluded.participant_count,
					is_active = excluded.is_active,
					is_pinned = excluded.is_pinned,
					is_muted = excluded.is_muted
			`,
				chat.ID, chat.Platform, chat.Kind, chat.Name, nullable(chat.AvatarRef),
				chat.ParticipantCount, chat.IsActive, chat.IsPinned, chat.IsMuted,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert chat: %w", err)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE chats SET
					last_message_id = (
						SELECT id FROM messages WHERE chat_id = chats.id
						ORDER BY timestamp DESC, id DESC LIMIT 1
					),
					last_message_at = (
						SELECT timestamp FROM messages WHERE chat_id = chats.id
						ORDER BY timestamp DESC, id DESC LIMIT 1
					)
				WHERE platform = ? AND id = ? AND last_message_id IS NULL
				  AND EXISTS (SELECT 1 FROM messages WHERE chat_id = chats.id)
			`, chat.Platform, chat.ID)
			if err != nil {
				return fmt.Errorf("failed to backfill chat pointer: %w", err)
			}
			return nil
		})
	}
	return retryableDBOperation(ctx, operation, "upsert chat")
}

// GetChats returns chats ordered by recent activity, platform-scoped if
// platform is non-empty.
func (d *Database) GetChats(ctx context.Context, platform models.Platform) ([]models.Chat, error) {
	query := `
		SELECT id, platform, kind, name, avatar_ref, participant_count,
			   last_message_id, last_message_at, is_active, is_pinned, is_muted,
			   created_at, updated_at
		FROM chats
	`
	args := []interface{}{}
	if platform != "" {
		query += ` WHERE platform = ?`
		args = append(args, platform)
	}
	query += ` ORDER BY last_message_at IS NULL, last_message_at DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		var avatarRef, lastMessageID sql.NullString
		var lastMessageAt sql.NullTime
		if err := rows.Scan(
			&chat.ID, &chat.Platform, &chat.Kind, &chat.Name, &avatarRef,
			&chat.ParticipantCount, &lastMessageID, &lastMessageAt,
			&chat.IsActive, &chat.IsPinned, &chat.IsMuted,
			&chat.CreatedAt, &chat.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chat.AvatarRef = avatarRef.String
		chat.LastMessageID = lastMessageID.String
		if lastMessageAt.Valid {
			chat.LastMessageAt = lastMessageAt.Time
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chats: %w", err)
	}
	return chats, nil
}

// GetChat returns one chat by platform and id, or nil if absent.
func (d *Database) GetChat(ctx context.Context, platform models.Platform, id string) (*models.Chat, error) {
	var chat models.Chat
	var avatarRef, lastMessageID sql.NullString
	var lastMessageAt sql.NullTime

	err := d.db.QueryRowContext(ctx, `
		SELECT id, platform, kind, name, avatar_ref, participant_count,
			   last_message_id, last_message_at, is_active, is_pinned, is_muted,
			   created_at, updated_at
		FROM chats WHERE platform = ? AND id = ?
	`, platform, id).Scan(
		&chat.ID, &chat.Platform, &chat.Kind, &chat.Name, &avatarRef,
		&chat.ParticipantCount, &lastMessageID, &lastMessageAt,
		&chat.IsActive, &chat.IsPinned, &chat.IsMuted,
		&chat.CreatedAt, &chat.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	chat.AvatarRef = avatarRef.String
	chat.LastMessageID = lastMessageID.String
	if lastMessageAt.Valid {
		chat.LastMessageAt = lastMessageAt.Time
	}
	return &chat, nil
}
