package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "chatmux/internal/errors"
	"chatmux/internal/events"
	"chatmux/internal/models"
	"chatmux/internal/service"
)

type stubStore struct {
	chats    []models.Chat
	messages []models.Message
	settings []models.Setting
}

func (s *stubStore) GetChats(context.Context, models.Platform) ([]models.Chat, error) {
	return s.chats, nil
}

func (s *stubStore) GetMessages(context.Context, string, int, int) ([]models.Message, error) {
	return s.messages, nil
}

func (s *stubStore) GetMessagesSince(context.Context, string, time.Time) ([]models.Message, error) {
	return s.messages, nil
}

func (s *stubStore) GetAllSettings(context.Context) ([]models.Setting, error) {
	return s.settings, nil
}

func (s *stubStore) SetSetting(_ context.Context, setting *models.Setting) error {
	s.settings = append(s.settings, *setting)
	return nil
}

type stubGateway struct {
	platform models.Platform
	sendErr  error
}

func (g *stubGateway) Platform() models.Platform { return g.platform }

func (g *stubGateway) SendMessage(_ context.Context, chatID, content string, _ []models.Attachment) (*models.Message, error) {
	if g.sendErr != nil {
		return nil, g.sendErr
	}
	return &models.Message{ID: "m1", ChatID: chatID, Content: content, Platform: g.platform}, nil
}

func (g *stubGateway) SendMessageWithChallengeProof(_ context.Context, chatID, content, _ string, _ []byte) (*models.Message, error) {
	return &models.Message{ID: "m2", ChatID: chatID, Content: content, Platform: g.platform}, nil
}

func (g *stubGateway) UploadAttachment(_ context.Context, _, filename string, _ io.Reader) (*models.Attachment, error) {
	return &models.Attachment{ID: "att-1", Filename: filename}, nil
}

type stubSync struct {
	triggered int
}

func (s *stubSync) Status(context.Context) (*models.SyncStatusReport, error) {
	return &models.SyncStatusReport{Pending: 3}, nil
}

func (s *stubSync) TriggerSync() { s.triggered++ }

type stubVault struct {
	stored  map[models.Platform]string
	cleared []models.Platform
}

func newStubVault() *stubVault {
	return &stubVault{stored: make(map[models.Platform]string)}
}

func (v *stubVault) StoreCredential(_ context.Context, platform models.Platform, token string) error {
	v.stored[platform] = token
	return nil
}

func (v *stubVault) ClearCredential(_ context.Context, platform models.Platform) error {
	v.cleared = append(v.cleared, platform)
	return nil
}

func (v *stubVault) ValidateTokenFormat(_ models.Platform, token string) bool {
	return len(token) >= 24
}

func newTestServer(t *testing.T, store *stubStore, gw *stubGateway, vault *stubVault, rpm int) (*Server, *stubSync) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	sync := &stubSync{}
	agg := service.NewAggregator(store, []service.GatewaySender{gw}, sync, events.NewBus(), logger)
	cfg := models.ServerConfig{Port: 0, RequestsPerMinute: rpm}
	return NewServer(cfg, agg, vault, logger), sync
}

func TestServer_HandleHealth(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestServer_GetChats(t *testing.T) {
	store := &stubStore{chats: []models.Chat{{ID: "c1", Name: "general"}}}
	server, _ := newTestServer(t, store, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chats?platform=discord", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Chats []models.Chat `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Chats, 1)
	assert.Equal(t, "c1", body.Chats[0].ID)
}

func TestServer_SendMessage(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	payload := `{"platform":"discord","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Message models.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "m1", body.Message.ID)
	assert.Equal(t, "c1", body.Message.ChatID)
}

func TestServer_SendMessageUnknownPlatform(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	payload := `{"platform":"telegram","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_SendMessageChallenge(t *testing.T) {
	gw := &stubGateway{
		platform: models.PlatformDiscord,
		sendErr:  apperrors.NewChallengeError([]byte(`{"kind":"captcha","sitekey":"abc"}`)),
	}
	server, _ := newTestServer(t, &stubStore{}, gw, newStubVault(), 100)

	payload := `{"platform":"discord","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chats/c1/messages", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	var body struct {
		Error     string          `json:"error"`
		Challenge json.RawMessage `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.JSONEq(t, `{"kind":"captcha","sitekey":"abc"}`, string(body.Challenge))
}

func TestServer_RecentMessagesRejectsBadWindow(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/messages/recent?window=banana", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_RateLimitReturns429(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 2)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/chats", nil)
		w := httptest.NewRecorder()
		server.router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_SyncTrigger(t *testing.T) {
	server, sync := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/trigger", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, sync.triggered)
}

func TestServer_StoreCredentialRejectsBadFormat(t *testing.T) {
	vault := newStubVault()
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, vault, 100)

	payload := `{"token":"short"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/credentials/discord", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, vault.stored)
}

func TestServer_StoreAndClearCredential(t *testing.T) {
	vault := newStubVault()
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, vault, 100)

	payload := `{"token":"abcdefghijklmnopqrstuvwxyz012345"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/credentials/discord", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", vault.stored[models.PlatformDiscord])

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/credentials/discord", nil)
	w = httptest.NewRecorder()
	server.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.Platform{models.PlatformDiscord}, vault.cleared)
}

func TestServer_UpdateSettingsRejectsEmptyKey(t *testing.T) {
	server, _ := newTestServer(t, &stubStore{}, &stubGateway{platform: models.PlatformDiscord}, newStubVault(), 100)

	payload := `{"settings":[{"key":"","value":"x"}]}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/settings", bytes.NewBufferString(payload))
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
