package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "chatmux/internal/errors"
	"chatmux/internal/events"
	"chatmux/internal/models"
)

type pushMessage struct {
	ID               string              `json:"id"`
	ChatID           string              `json:"chat_id"`
	UserID           string              `json:"user_id,omitempty"`
	Platform         models.Platform     `json:"platform"`
	Content          string              `json:"content,omitempty"`
	ContentEncrypted string              `json:"content_encrypted,omitempty"`
	Kind             models.MessageKind  `json:"kind"`
	ReplyToID        string              `json:"reply_to_id,omitempty"`
	Attachments      []models.Attachment `json:"attachments,omitempty"`
	Embeds           []models.Embed      `json:"embeds,omitempty"`
	Reactions        []models.Reaction   `json:"reactions,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
	IsEdited         bool                `json:"is_edited"`
	IsDeleted        bool                `json:"is_deleted"`
}

type pushRequest struct {
	Messages []pushMessage `json:"messages"`
}

type pushRejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type pushResponse struct {
	Accepted []string        `json:"accepted"`
	Rejected []pushRejection `json:"rejected"`
}

// pushCycle reconciles locally pending messages up to the backend. The push
// cursor advances only for records the backend acknowledged; a transport
// failure leaves everything pending for the next cycle.
func (e *Engine) pushCycle(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "sync.push")
	defer span.End()

	batch, err := e.store.GetPendingSyncMessages(ctx, e.cfg.BatchSize)
	if err != nil {
		e.logger.WithError(err).Error("Failed to load pending sync batch")
		e.recordError("push", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(batch)))

	resp, err := e.postBatch(ctx, batch)
	if err != nil {
		// Nothing is marked: the whole batch stays pending and retries.
		e.logger.WithError(err).WithField("batch_size", len(batch)).Warn("Push batch failed")
		e.recordError("push", err)
		e.bus.Publish(events.SyncCompleted{
			Direction: models.SyncDirectionPush,
			At:        time.Now().UTC(),
			Err:       err.Error(),
		})
		return
	}

	accepted := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
		if err := e.store.MarkMessageSynced(ctx, id); err != nil {
			e.logger.WithError(err).WithField("message_id", id).Error("Failed to mark message synced")
		}
	}
	for _, rej := range resp.Rejected {
		e.logger.WithFields(map[string]interface{}{
			"message_id": rej.ID,
			"reason":     rej.Reason,
		}).Warn("Backend rejected message")
		if err := e.store.MarkMessageSyncFailed(ctx, rej.ID, rej.Reason); err != nil {
			e.logger.WithError(err).WithField("message_id", rej.ID).Error("Failed to mark message failed")
		}
	}

	e.advancePushCursors(ctx, batch, accepted)

	e.mu.Lock()
	e.lastPushAt = time.Now().UTC()
	e.mu.Unlock()
	e.bus.Publish(events.SyncCompleted{
		Direction: models.SyncDirectionPush,
		Applied:   len(resp.Accepted),
		At:        time.Now().UTC(),
	})
}

func (e *Engine) postBatch(ctx context.Context, batch []models.Message) (*pushResponse, error) {
	req := pushRequest{Messages: make([]pushMessage, 0, len(batch))}
	for _, msg := range batch {
		pm := pushMessage{
			ID:          msg.ID,
			ChatID:      msg.ChatID,
			UserID:      msg.UserID,
			Platform:    msg.Platform,
			Content:     msg.Content,
			Kind:        msg.Kind,
			ReplyToID:   msg.ReplyToID,
			Attachments: msg.Attachments,
			Embeds:      msg.Embeds,
			Reactions:   msg.Reactions,
			Timestamp:   msg.Timestamp,
			IsEdited:    msg.IsEdited,
			IsDeleted:   msg.IsDeleted,
		}
		// Sensitive content never travels in the clear, mirroring the
		// at-rest rule in the store.
		if pm.Content != "" && e.classifier.IsSensitive(pm.Content) {
			blob, err := e.cipher.Encrypt([]byte(pm.Content))
			if err != nil {
				return nil, apperrors.NewSyncError("push", fmt.Errorf("failed to seal message %s: %w", msg.ID, err))
			}
			pm.ContentEncrypted = blob
			pm.Content = ""
		}
		req.Messages = append(req.Messages, pm)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewSyncError("push", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BackendURL+"/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewSyncError("push", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", e.cfg.APIKey)

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewSyncError("push", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, apperrors.NewSyncError("push", fmt.Errorf("backend returned HTTP %d", httpResp.StatusCode))
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewSyncError("push", err)
	}
	var resp pushResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperrors.NewSyncError("push", fmt.Errorf("malformed push response: %w", err))
	}
	return &resp, nil
}

// advancePushCursors moves each platform's push cursor to the newest
// acknowledged record. The batch is oldest-first, so the last accepted entry
// per platform is the right bookmark.
func (e *Engine) advancePushCursors(ctx context.Context, batch []models.Message, accepted map[string]bool) {
	type mark struct {
		ts time.Time
		id string
	}
	latest := make(map[models.Platform]mark)
	for _, msg := range batch {
		if accepted[msg.ID] {
			latest[msg.Platform] = mark{ts: msg.Timestamp, id: msg.ID}
		}
	}
	for platform, m := range latest {
		cursor := &models.SyncCursor{
			Platform:      platform,
			Direction:     models.SyncDirectionPush,
			LastTimestamp: m.ts,
			LastRecordID:  m.id,
			Status:        models.CursorStatusIdle,
		}
		if err := e.store.UpdateSyncCursor(ctx, cursor); err != nil {
			e.logger.WithError(err).WithField("platform", platform).Error("Failed to advance push cursor")
		}
	}
}
