package service

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	apperrors "chatmux/internal/errors"
	"chatmux/internal/events"
	"chatmux/internal/models"
)

// MessageStore is the read/write surface the facade needs from the local
// store. *database.Database satisfies it.
type MessageStore interface {
	GetChats(ctx context.Context, platform models.Platform) ([]models.Chat, error)
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error)
	GetMessagesSince(ctx context.Context, chatID string, cutoff time.Time) ([]models.Message, error)
	GetAllSettings(ctx context.Context) ([]models.Setting, error)
	SetSetting(ctx context.Context, setting *models.Setting) error
}

// GatewaySender is one platform's outbound send path.
type GatewaySender interface {
	Platform() models.Platform
	SendMessage(ctx context.Context, chatID, content string, attachments []models.Attachment) (*models.Message, error)
	SendMessageWithChallengeProof(ctx context.Context, chatID, content, proof string, challengeData []byte) (*models.Message, error)
	UploadAttachment(ctx context.Context, chatID, filename string, r io.Reader) (*models.Attachment, error)
}

// SyncReporter is the sync engine surface exposed through the facade.
type SyncReporter interface {
	Status(ctx context.Context) (*models.SyncStatusReport, error)
	TriggerSync()
}

// Aggregator is the external facade over the whole core: reads come from the
// local store, writes route to the owning platform's gateway, and sync
// diagnostics pass through to the engine. Collaborators never touch the
// underlying components directly.
type Aggregator struct {
	store    MessageStore
	gateways map[models.Platform]GatewaySender
	sync     SyncReporter
	bus      *events.Bus
	logger   *logrus.Logger
}

func NewAggregator(store MessageStore, gateways []GatewaySender, sync SyncReporter, bus *events.Bus, logger *logrus.Logger) *Aggregator {
	byPlatform := make(map[models.Platform]GatewaySender, len(gateways))
	for _, gw := range gateways {
		byPlatform[gw.Platform()] = gw
	}
	return &Aggregator{
		store:    store,
		gateways: byPlatform,
		sync:     sync,
		bus:      bus,
		logger:   logger,
	}
}

// GetChats lists chats, across all platforms when platform is empty.
func (a *Aggregator) GetChats(ctx context.Context, platform models.Platform) ([]models.Chat, error) {
	return a.store.GetChats(ctx, platform)
}

// GetMessages pages through one chat's history, newest first.
func (a *Aggregator) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]models.Message, error) {
	return a.store.GetMessages(ctx, chatID, limit, offset)
}

// GetMessagesSince returns messages within the trailing window, optionally
// scoped to one chat.
func (a *Aggregator) GetMessagesSince(ctx context.Context, chatID string, window time.Duration) ([]models.Message, error) {
	return a.store.GetMessagesSince(ctx, chatID, time.Now().UTC().Add(-window))
}

// SendMessage routes an outbound write to the platform that owns the chat.
func (a *Aggregator) SendMessage(ctx context.Context, platform models.Platform, chatID, content string, attachments []models.Attachment) (*models.Message, error) {
	gw, err := a.gateway(platform)
	if err != nil {
		return nil, err
	}
	return gw.SendMessage(ctx, chatID, content, attachments)
}

// SendMessageWithChallengeProof retries a challenged send with the proof the
// caller obtained out-of-band.
func (a *Aggregator) SendMessageWithChallengeProof(ctx context.Context, platform models.Platform, chatID, content, proof string, challengeData []byte) (*models.Message, error) {
	gw, err := a.gateway(platform)
	if err != nil {
		return nil, err
	}
	return gw.SendMessageWithChallengeProof(ctx, chatID, content, proof, challengeData)
}

// UploadAttachment negotiates an attachment slot on the owning platform.
func (a *Aggregator) UploadAttachment(ctx context.Context, platform models.Platform, chatID, filename string, r io.Reader) (*models.Attachment, error) {
	gw, err := a.gateway(platform)
	if err != nil {
		return nil, err
	}
	return gw.UploadAttachment(ctx, chatID, filename, r)
}

// Subscribe delivers message and connection-state events until the returned
// cancel function is called.
func (a *Aggregator) Subscribe(bufSize int) (<-chan events.Event, func()) {
	return a.bus.Subscribe(bufSize)
}

// GetSyncStatus reports reconciliation progress.
func (a *Aggregator) GetSyncStatus(ctx context.Context) (*models.SyncStatusReport, error) {
	return a.sync.Status(ctx)
}

// TriggerManualSync requests an immediate reconciliation cycle.
func (a *Aggregator) TriggerManualSync() {
	a.sync.TriggerSync()
}

// GetSettings returns every stored setting.
func (a *Aggregator) GetSettings(ctx context.Context) ([]models.Setting, error) {
	return a.store.GetAllSettings(ctx)
}

// UpdateSettings applies a partial settings update; keys not present are
// left untouched.
func (a *Aggregator) UpdateSettings(ctx context.Context, settings []models.Setting) error {
	for i := range settings {
		if settings[i].Key == "" {
			return apperrors.New(apperrors.ErrCodeInvalidConfig, "setting key must not be empty")
		}
		if err := a.store.SetSetting(ctx, &settings[i]); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) gateway(platform models.Platform) (GatewaySender, error) {
	gw, ok := a.gateways[platform]
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("no gateway configured for platform %s", platform))
	}
	return gw, nil
}
