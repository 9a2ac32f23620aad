package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	apperrors "chatmux/internal/errors"
	"chatmux/internal/events"
	"chatmux/internal/models"
)

// Record types the backend can hand down.
const (
	recordTypeMessage  = "message"
	recordTypeChat     = "chat"
	recordTypeUser     = "user"
	recordTypeDeletion = "deletion"
)

type pullRecord struct {
	Type     string          `json:"type"`
	Platform models.Platform `json:"platform"`
	Data     json.RawMessage `json:"data"`
}

type pullCursor struct {
	Timestamp time.Time `json:"timestamp"`
	RecordID  string    `json:"record_id"`
}

type pullResponse struct {
	Records    []pullRecord `json:"records"`
	NextCursor *pullCursor  `json:"next_cursor"`
}

type pullDeletion struct {
	ID string `json:"id"`
}

// pullCycle fetches backend updates past each platform's pull cursor and
// applies them. Records are applied individually so one malformed entry
// cannot poison the batch, but the cursor only advances when every record
// in the batch applied cleanly; a replayed batch is just redundant upserts.
func (e *Engine) pullCycle(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "sync.pull")
	defer span.End()

	totalApplied := 0
	var lastErr error
	for _, platform := range e.platforms {
		applied, err := e.pullPlatform(ctx, platform)
		totalApplied += applied
		if err != nil {
			e.logger.WithError(err).WithField("platform", platform).Warn("Pull cycle failed")
			e.recordError("pull", err)
			lastErr = err
		}
	}
	span.SetAttributes(attribute.Int("applied", totalApplied))

	e.mu.Lock()
	e.lastPullAt = time.Now().UTC()
	e.mu.Unlock()

	evt := events.SyncCompleted{
		Direction: models.SyncDirectionPull,
		Applied:   totalApplied,
		At:        time.Now().UTC(),
	}
	if lastErr != nil {
		evt.Err = lastErr.Error()
	}
	e.bus.Publish(evt)
}

func (e *Engine) pullPlatform(ctx context.Context, platform models.Platform) (int, error) {
	cursor, err := e.store.GetSyncCursor(ctx, platform, models.SyncDirectionPull)
	if err != nil {
		return 0, err
	}

	resp, err := e.fetchUpdates(ctx, platform, cursor)
	if err != nil {
		return 0, err
	}
	if len(resp.Records) == 0 {
		return 0, nil
	}

	applied := 0
	clean := true
	for _, record := range resp.Records {
		if err := e.applyRecord(ctx, platform, record); err != nil {
			e.logger.WithError(err).WithFields(map[string]interface{}{
				"platform": platform,
				"type":     record.Type,
			}).Error("Failed to apply pulled record")
			clean = false
			continue
		}
		applied++
	}

	if !clean {
		return applied, apperrors.NewSyncError("pull", fmt.Errorf("%d of %d records failed to apply", len(resp.Records)-applied, len(resp.Records)))
	}
	if resp.NextCursor != nil {
		next := &models.SyncCursor{
			Platform:      platform,
			Direction:     models.SyncDirectionPull,
			LastTimestamp: resp.NextCursor.Timestamp,
			LastRecordID:  resp.NextCursor.RecordID,
			Status:        models.CursorStatusIdle,
		}
		if err := e.store.UpdateSyncCursor(ctx, next); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

func (e *Engine) fetchUpdates(ctx context.Context, platform models.Platform, cursor *models.SyncCursor) (*pullResponse, error) {
	query := url.Values{}
	query.Set("platform", string(platform))
	query.Set("limit", strconv.Itoa(e.cfg.BatchSize))
	if cursor != nil {
		query.Set("since", cursor.LastTimestamp.UTC().Format(time.RFC3339Nano))
		if cursor.LastRecordID != "" {
			query.Set("after_id", cursor.LastRecordID)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BackendURL+"/v1/sync/pull?"+query.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewSyncError("pull", err)
	}
	httpReq.Header.Set("X-API-Key", e.cfg.APIKey)

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewSyncError("pull", err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, apperrors.NewSyncError("pull", fmt.Errorf("backend returned HTTP %d", httpResp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<22))
	if err != nil {
		return nil, apperrors.NewSyncError("pull", err)
	}
	var resp pullResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSyncError("pull", fmt.Errorf("malformed pull response: %w", err))
	}
	return &resp, nil
}

// applyRecord dispatches one pulled record on its declared type into the
// corresponding store call.
func (e *Engine) applyRecord(ctx context.Context, platform models.Platform, record pullRecord) error {
	if record.Platform != "" {
		platform = record.Platform
	}
	switch record.Type {
	case recordTypeMessage:
		var msg models.Message
		if err := json.Unmarshal(record.Data, &msg); err != nil {
			return fmt.Errorf("malformed message record: %w", err)
		}
		msg.Platform = platform
		// Records coming down from the backend are already reconciled.
		msg.SyncStatus = models.SyncStatusSynced
		if err := e.store.UpsertMessage(ctx, &msg); err != nil {
			return err
		}
		e.bus.Publish(events.MessageUpserted{Message: msg})
		return nil
	case recordTypeChat:
		var chat models.Chat
		if err := json.Unmarshal(record.Data, &chat); err != nil {
			return fmt.Errorf("malformed chat record: %w", err)
		}
		chat.Platform = platform
		return e.store.UpsertChat(ctx, &chat)
	case recordTypeUser:
		var user models.User
		if err := json.Unmarshal(record.Data, &user); err != nil {
			return fmt.Errorf("malformed user record: %w", err)
		}
		user.Platform = platform
		return e.store.UpsertUser(ctx, &user)
	case recordTypeDeletion:
		var del pullDeletion
		if err := json.Unmarshal(record.Data, &del); err != nil {
			return fmt.Errorf("malformed deletion record: %w", err)
		}
		return e.store.TombstoneMessage(ctx, del.ID)
	default:
		return fmt.Errorf("unknown record type %q", record.Type)
	}
}
