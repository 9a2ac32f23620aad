package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/events"
	"chatmux/internal/models"
)

const testToken = "gateway-test-token-0123456789abcdef"

type fakeStore struct {
	mu         sync.Mutex
	chats      map[string]*models.Chat
	users      map[string]*models.User
	messages   map[string]*models.Message
	edits      []string
	tombstones []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[string]*models.Chat),
		users:    make(map[string]*models.User),
		messages: make(map[string]*models.Message),
	}
}

func (f *fakeStore) UpsertChat(_ context.Context, chat *models.Chat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *chat
	f.chats[chat.ID] = &c
	return nil
}

func (f *fakeStore) UpsertUser(_ context.Context, user *models.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *user
	f.users[user.ID] = &u
	return nil
}

func (f *fakeStore) UpsertMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := *msg
	f.messages[msg.ID] = &m
	return nil
}

func (f *fakeStore) ApplyEdit(_ context.Context, id, newContent string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, id)
	if m, ok := f.messages[id]; ok {
		m.Content = newContent
		m.IsEdited = true
	}
	return nil
}

func (f *fakeStore) ApplyReactions(_ context.Context, id string, reactions []models.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		m.Reactions = reactions
	}
	return nil
}

func (f *fakeStore) TombstoneMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tombstones = append(f.tombstones, id)
	if m, ok := f.messages[id]; ok {
		m.IsDeleted = true
	}
	return nil
}

func (f *fakeStore) message(id string) *models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.messages[id]; ok {
		c := *m
		return &c
	}
	return nil
}

type fakeCreds struct {
	token string
}

func (f *fakeCreds) GetCredential(context.Context, models.Platform) (string, time.Duration, error) {
	return f.token, time.Hour, nil
}

func (f *fakeCreds) ValidateTokenFormat(_ models.Platform, token string) bool {
	return len(token) >= 24
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sendTestFrame(ctx context.Context, c *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

func readTestFrame(ctx context.Context, c *websocket.Conn) (Frame, error) {
	var frame Frame
	_, data, err := c.Read(ctx)
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(data, &frame)
	return frame, err
}

func dispatchFrame(t *testing.T, seq int64, dispatchType string, payload interface{}) Frame {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Frame{Op: OpDispatch, Seq: seq, Type: dispatchType, Data: raw}
}

func waitForEvent(t *testing.T, ch <-chan events.Event, timeout time.Duration, match func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func TestSessionColdStartToReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		hello, _ := json.Marshal(helloData{HeartbeatIntervalMs: 60000})
		require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpHello, Data: hello}))

		identify, err := readTestFrame(ctx, c)
		require.NoError(t, err)
		require.Equal(t, OpIdentify, identify.Op)
		var id identifyData
		require.NoError(t, json.Unmarshal(identify.Data, &id))
		require.Equal(t, testToken, id.Token)

		require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 1, DispatchReady, readyData{
			SessionID: "sess-1",
			Chats:     []wireChat{{ID: "c1", Kind: "group", Name: "general", IsActive: true}},
			Users:     []wireUser{{ID: "u1", Handle: "ana"}},
		})))

		require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 2, DispatchMessageCreate, wireMessage{
			ID:        "m1",
			ChatID:    "c1",
			Author:    &wireUser{ID: "u1", Handle: "ana"},
			Content:   "hello world",
			Timestamp: time.Now().UTC(),
		})))

		require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 3, DispatchMessageReaction, wireReactionUpdate{
			MessageID: "m1",
			ChatID:    "c1",
			Reactions: []wireReaction{{Emoji: "👍", Count: 2}},
		})))

		// Answer heartbeats until the test finishes.
		for {
			frame, err := readTestFrame(ctx, c)
			if err != nil {
				return
			}
			if frame.Op == OpHeartbeat {
				_ = sendTestFrame(ctx, c, Frame{Op: OpHeartbeatAck})
			}
		}
	}))
	defer server.Close()

	store := newFakeStore()
	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	session := NewSession(models.GatewayConfig{
		Platform:          models.PlatformDiscord,
		GatewayURL:        wsURL(server.URL),
		ConnectTimeoutSec: 5,
		HelloTimeoutSec:   5,
		PacingDisabled:    true,
	}, store, &fakeCreds{token: testToken}, bus, quietLogger())

	require.NoError(t, session.Start(context.Background()))
	defer func() { _ = session.Stop() }()

	waitForEvent(t, ch, 5*time.Second, func(evt events.Event) bool {
		sc, ok := evt.(events.ConnectionStateChanged)
		return ok && sc.State == events.StateConnected
	})
	got := waitForEvent(t, ch, 5*time.Second, func(evt events.Event) bool {
		mu, ok := evt.(events.MessageUpserted)
		return ok && mu.Message.ID == "m1"
	})

	assert.Equal(t, StateReady, session.State())
	assert.Equal(t, "hello world", got.(events.MessageUpserted).Message.Content)

	require.Eventually(t, func() bool {
		m := store.message("m1")
		return m != nil && len(m.Reactions) == 1
	}, 5*time.Second, 20*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.chats, "c1")
	assert.Contains(t, store.users, "u1")
	require.Contains(t, store.messages, "m1")
	assert.Equal(t, models.PlatformDiscord, store.messages["m1"].Platform)
	assert.Equal(t, "👍", store.messages["m1"].Reactions[0].Emoji)
}

func TestSessionResumesAfterDrop(t *testing.T) {
	var connMu sync.Mutex
	conns := 0
	resumed := make(chan resumeData, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		connMu.Lock()
		conns++
		connNum := conns
		connMu.Unlock()

		hello, _ := json.Marshal(helloData{HeartbeatIntervalMs: 60000})
		require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpHello, Data: hello}))

		frame, err := readTestFrame(ctx, c)
		require.NoError(t, err)

		if connNum == 1 {
			require.Equal(t, OpIdentify, frame.Op)
			require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 7, DispatchReady, readyData{SessionID: "sess-42"})))
			// Drop the connection; the client should come back with a resume.
			c.Close(websocket.StatusGoingAway, "restarting")
			return
		}

		require.Equal(t, OpResume, frame.Op)
		var rd resumeData
		require.NoError(t, json.Unmarshal(frame.Data, &rd))
		resumed <- rd
		require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 8, DispatchReady, readyData{SessionID: "sess-42"})))
		for {
			if _, err := readTestFrame(ctx, c); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	bus := events.NewBus()
	session := NewSession(models.GatewayConfig{
		Platform:          models.PlatformTelegram,
		GatewayURL:        wsURL(server.URL),
		ConnectTimeoutSec: 5,
		HelloTimeoutSec:   5,
		PacingDisabled:    true,
	}, newFakeStore(), &fakeCreds{token: testToken}, bus, quietLogger())

	require.NoError(t, session.Start(context.Background()))
	defer func() { _ = session.Stop() }()

	select {
	case rd := <-resumed:
		assert.Equal(t, "sess-42", rd.SessionID)
		assert.Equal(t, int64(7), rd.Seq)
	case <-time.After(15 * time.Second):
		t.Fatal("session never attempted to resume")
	}
}

func TestSessionReidentifiesAfterInvalidSession(t *testing.T) {
	var connMu sync.Mutex
	conns := 0
	secondOp := make(chan Op, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		connMu.Lock()
		conns++
		connNum := conns
		connMu.Unlock()

		hello, _ := json.Marshal(helloData{HeartbeatIntervalMs: 60000})
		require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpHello, Data: hello}))

		frame, err := readTestFrame(ctx, c)
		require.NoError(t, err)

		if connNum == 1 {
			require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 3, DispatchReady, readyData{SessionID: "sess-9"})))
			require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpInvalidSession}))
			for {
				if _, err := readTestFrame(ctx, c); err != nil {
					return
				}
			}
		}

		secondOp <- frame.Op
		require.NoError(t, sendTestFrame(ctx, c, dispatchFrame(t, 1, DispatchReady, readyData{SessionID: "sess-10"})))
		for {
			if _, err := readTestFrame(ctx, c); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	bus := events.NewBus()
	session := NewSession(models.GatewayConfig{
		Platform:          models.PlatformDiscord,
		GatewayURL:        wsURL(server.URL),
		ConnectTimeoutSec: 5,
		HelloTimeoutSec:   5,
		PacingDisabled:    true,
	}, newFakeStore(), &fakeCreds{token: testToken}, bus, quietLogger())

	require.NoError(t, session.Start(context.Background()))
	defer func() { _ = session.Stop() }()

	select {
	case op := <-secondOp:
		// An invalidated session must identify from scratch, not resume.
		assert.Equal(t, OpIdentify, op)
	case <-time.After(15 * time.Second):
		t.Fatal("session never reconnected after invalid session")
	}
}

func TestSessionReconnectsWhenHeartbeatUnanswered(t *testing.T) {
	var connMu sync.Mutex
	conns := 0
	reconnected := make(chan struct{}, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		connMu.Lock()
		conns++
		connNum := conns
		connMu.Unlock()

		if connNum == 2 {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}

		hello, _ := json.Marshal(helloData{HeartbeatIntervalMs: 50})
		require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpHello, Data: hello}))

		frame, err := readTestFrame(ctx, c)
		if err != nil {
			return
		}
		if frame.Op == OpIdentify || frame.Op == OpResume {
			_ = sendTestFrame(ctx, c, dispatchFrame(t, 1, DispatchReady, readyData{SessionID: "sess-hb"}))
		}

		// Read heartbeats but never acknowledge them.
		for {
			if _, err := readTestFrame(ctx, c); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	session := NewSession(models.GatewayConfig{
		Platform:          models.PlatformDiscord,
		GatewayURL:        wsURL(server.URL),
		ConnectTimeoutSec: 5,
		HelloTimeoutSec:   5,
		PacingDisabled:    true,
	}, newFakeStore(), &fakeCreds{token: testToken}, bus, quietLogger())

	require.NoError(t, session.Start(context.Background()))
	defer func() { _ = session.Stop() }()

	waitForEvent(t, ch, 15*time.Second, func(evt events.Event) bool {
		sc, ok := evt.(events.ConnectionStateChanged)
		return ok && sc.State == events.StateError && sc.Detail == "heartbeat ack missed"
	})

	select {
	case <-reconnected:
	case <-time.After(15 * time.Second):
		t.Fatal("session never reconnected after missed heartbeat ack")
	}
}

func TestSessionRecoversAfterLateHeartbeatAck(t *testing.T) {
	var connMu sync.Mutex
	conns := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		connMu.Lock()
		conns++
		connMu.Unlock()

		hello, _ := json.Marshal(helloData{HeartbeatIntervalMs: 50})
		require.NoError(t, sendTestFrame(ctx, c, Frame{Op: OpHello, Data: hello}))

		frame, err := readTestFrame(ctx, c)
		if err != nil {
			return
		}
		if frame.Op == OpIdentify || frame.Op == OpResume {
			_ = sendTestFrame(ctx, c, dispatchFrame(t, 1, DispatchReady, readyData{SessionID: "sess-late"}))
		}

		// Swallow the first heartbeat, then answer every later one; the
		// session should degrade once and recover instead of reconnecting.
		heartbeats := 0
		for {
			frame, err := readTestFrame(ctx, c)
			if err != nil {
				return
			}
			if frame.Op != OpHeartbeat {
				continue
			}
			heartbeats++
			if heartbeats == 1 {
				continue
			}
			_ = sendTestFrame(ctx, c, Frame{Op: OpHeartbeatAck})
		}
	}))
	defer server.Close()

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(32)
	defer unsubscribe()

	session := NewSession(models.GatewayConfig{
		Platform:          models.PlatformDiscord,
		GatewayURL:        wsURL(server.URL),
		ConnectTimeoutSec: 5,
		HelloTimeoutSec:   5,
		PacingDisabled:    true,
	}, newFakeStore(), &fakeCreds{token: testToken}, bus, quietLogger())

	require.NoError(t, session.Start(context.Background()))
	defer func() { _ = session.Stop() }()

	waitForEvent(t, ch, 15*time.Second, func(evt events.Event) bool {
		sc, ok := evt.(events.ConnectionStateChanged)
		return ok && sc.State == events.StateError && sc.Detail == "heartbeat ack missed"
	})
	waitForEvent(t, ch, 15*time.Second, func(evt events.Event) bool {
		sc, ok := evt.(events.ConnectionStateChanged)
		return ok && sc.State == events.StateConnected && sc.Detail == "recovered"
	})

	assert.Equal(t, StateReady, session.State())
	connMu.Lock()
	defer connMu.Unlock()
	assert.Equal(t, 1, conns, "a late ack must not tear the connection down")
}

func TestSessionSendPersistsEchoAsSynced(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(wireMessage{
			ID:        "m-sent",
			ChatID:    "c1",
			Content:   req.Content,
			Timestamp: time.Now().UTC(),
		})
	}))
	defer rest.Close()

	store := newFakeStore()
	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	session := NewSession(models.GatewayConfig{
		Platform:       models.PlatformDiscord,
		APIBaseURL:     rest.URL,
		PacingDisabled: true,
	}, store, &fakeCreds{token: testToken}, bus, quietLogger())

	msg, err := session.SendMessage(context.Background(), "c1", "outbound hi", nil)

	require.NoError(t, err)
	assert.Equal(t, "m-sent", msg.ID)
	assert.Equal(t, models.SyncStatusSynced, msg.SyncStatus)

	stored := store.message("m-sent")
	require.NotNil(t, stored)
	assert.Equal(t, models.SyncStatusSynced, stored.SyncStatus)

	evt := waitForEvent(t, ch, time.Second, func(evt events.Event) bool {
		_, ok := evt.(events.MessageUpserted)
		return ok
	})
	assert.Equal(t, "m-sent", evt.(events.MessageUpserted).Message.ID)
}

func TestSessionChallengePublishesEvent(t *testing.T) {
	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(apiErrorBody{
			Code:      "challenge_required",
			Challenge: json.RawMessage(`{"kind":"captcha"}`),
		})
	}))
	defer rest.Close()

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	session := NewSession(models.GatewayConfig{
		Platform:       models.PlatformTelegram,
		APIBaseURL:     rest.URL,
		PacingDisabled: true,
	}, newFakeStore(), &fakeCreds{token: testToken}, bus, quietLogger())

	_, err := session.SendMessage(context.Background(), "c1", "hi", nil)
	require.Error(t, err)

	evt := waitForEvent(t, ch, time.Second, func(evt events.Event) bool {
		sc, ok := evt.(events.ConnectionStateChanged)
		return ok && sc.State == events.StateChallengeRequired
	})
	assert.Equal(t, models.PlatformTelegram, evt.(events.ConnectionStateChanged).Platform)
}
