package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"chatmux/internal/constants"
	apperrors "chatmux/internal/errors"
	"chatmux/internal/events"
	"chatmux/internal/models"
	"chatmux/internal/privacy"
	"chatmux/internal/retry"
)

// Store is the slice of the local store the gateway writes through.
type Store interface {
	UpsertChat(ctx context.Context, chat *models.Chat) error
	UpsertUser(ctx context.Context, user *models.User) error
	UpsertMessage(ctx context.Context, msg *models.Message) error
	ApplyEdit(ctx context.Context, id, newContent string, editedAt time.Time) error
	ApplyReactions(ctx context.Context, id string, reactions []models.Reaction) error
	TombstoneMessage(ctx context.Context, id string) error
}

// CredentialSource supplies the platform credential for identify/resume and
// REST calls. Tokens never land on disk outside the vault.
type CredentialSource interface {
	GetCredential(ctx context.Context, platform models.Platform) (string, time.Duration, error)
	ValidateTokenFormat(platform models.Platform, token string) bool
}

// Session maintains one platform's realtime gateway connection: the state
// machine from dial through identify to ready, heartbeats, resume on drops,
// and the dispatch demux into the local store. Outbound sends go through
// the embedded REST client and never touch the realtime read loop.
type Session struct {
	cfg     models.GatewayConfig
	store   Store
	creds   CredentialSource
	bus     *events.Bus
	logger  *logrus.Entry
	backoff *retry.Backoff
	rest    *RestClient

	mu        sync.Mutex
	running   bool
	state     SessionState
	sessionID string
	seq       int64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewSession(cfg models.GatewayConfig, store Store, creds CredentialSource, bus *events.Bus, logger *logrus.Logger) *Session {
	entry := logger.WithField("platform", cfg.Platform)
	s := &Session{
		cfg:    cfg,
		store:  store,
		creds:  creds,
		bus:    bus,
		logger: entry,
		backoff: retry.NewBackoff(retry.BackoffConfig{
			InitialDelay: constants.DefaultReconnectInitialMs * time.Millisecond,
			MaxDelay:     constants.DefaultReconnectMaxSec * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  1 << 30,
			Jitter:       true,
		}),
	}
	s.rest = NewRestClient(cfg, s.restToken, entry)
	return s
}

func (s *Session) Platform() models.Platform {
	return s.cfg.Platform
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start launches the connection loop. It returns immediately; connection
// progress is reported through the event bus.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway session already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
	return nil
}

// Stop tears the session down and waits for the connection loop to exit.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.setState(StateDisconnected)
	s.publishState(events.StateDisconnected, "session stopped")
	return nil
}

func (s *Session) run(ctx context.Context) {
	attempt := 0
	for {
		reachedReady, err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}
		if reachedReady {
			attempt = 0
		}

		if err != nil && apperrors.IsCode(err, apperrors.ErrCodeAuthInvalid) {
			// The stored credential was rejected; retrying with it would
			// only get the account flagged. Wait for a new credential.
			s.logger.WithError(err).Error("Gateway credential rejected, stopping reconnect loop")
			s.setState(StateDisconnected)
			s.publishState(events.StateError, apperrors.GetUserMessage(err))
			return
		}

		attempt++
		delay := s.backoff.DelayFor(attempt)
		if err == nil {
			// Server-initiated cycle (reconnect request or invalid
			// session); come back promptly instead of backing off.
			delay = constants.DefaultReconnectInitialMs * time.Millisecond
		} else {
			s.logger.WithError(err).WithField("attempt", attempt).Warn("Gateway connection lost, reconnecting")
		}
		s.setState(StateReconnecting)
		s.publishState(events.StateDisconnected, "reconnecting")

		select {
		case <-ctx.Done():
			s.setState(StateDisconnected)
			return
		case <-time.After(delay):
		}
	}
}

// serveOnce runs one full connection lifetime: dial, hello, identify or
// resume, then the dispatch loop until the connection ends. reachedReady
// reports whether the session made it to Ready, which resets the reconnect
// backoff.
func (s *Session) serveOnce(ctx context.Context) (reachedReady bool, err error) {
	token, age, err := s.creds.GetCredential(ctx, s.cfg.Platform)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, apperrors.NewAuthError("no stored credential")
	}
	if !s.creds.ValidateTokenFormat(s.cfg.Platform, token) {
		return false, apperrors.NewAuthError("stored credential failed format check")
	}
	s.logger.WithFields(logrus.Fields{
		"credential_age": age.Round(time.Second),
		"token":          privacy.MaskToken(token),
	}).Debug("Using stored credential")

	s.setState(StateConnecting)
	fs := newFrameSocket(s.cfg.GatewayURL, nil, s.logger)
	dialCtx, cancelDial := context.WithTimeout(ctx, s.connectTimeout())
	err = fs.Connect(dialCtx)
	cancelDial()
	if err != nil {
		return false, apperrors.NewConnectionError(err, "gateway dial failed")
	}
	defer fs.Close(0)

	s.setState(StateAwaitingHello)
	hello, err := s.awaitHello(ctx, fs)
	if err != nil {
		return false, err
	}
	heartbeatInterval := time.Duration(hello.HeartbeatIntervalMs) * time.Millisecond
	if heartbeatInterval <= 0 {
		heartbeatInterval = constants.DefaultHeartbeatIntervalMs * time.Millisecond
	}

	s.setState(StateIdentifying)
	if err := s.sendIdentifyOrResume(ctx, fs, token); err != nil {
		return false, err
	}

	return s.dispatchLoop(ctx, fs, heartbeatInterval)
}

func (s *Session) awaitHello(ctx context.Context, fs *frameSocket) (*helloData, error) {
	timer := time.NewTimer(s.helloTimeout())
	defer timer.Stop()

	select {
	case frame, ok := <-fs.Frames:
		if !ok {
			return nil, apperrors.NewConnectionError(fs.ReadError(), "connection closed before hello")
		}
		if frame.Op != OpHello {
			return nil, apperrors.NewProtocolError(fmt.Sprintf("expected hello, got op %d", frame.Op))
		}
		var hello helloData
		if err := json.Unmarshal(frame.Data, &hello); err != nil {
			return nil, apperrors.NewProtocolError("malformed hello payload")
		}
		return &hello, nil
	case <-timer.C:
		return nil, apperrors.NewConnectionError(nil, "timed out waiting for hello")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) sendIdentifyOrResume(ctx context.Context, fs *frameSocket, token string) error {
	s.mu.Lock()
	sessionID, seq := s.sessionID, s.seq
	s.mu.Unlock()

	var frame Frame
	var err error
	if sessionID != "" {
		s.logger.WithFields(logrus.Fields{"session_id": sessionID, "seq": seq}).Debug("Resuming gateway session")
		frame, err = marshalFrame(OpResume, resumeData{Token: token, SessionID: sessionID, Seq: seq})
	} else {
		frame, err = marshalFrame(OpIdentify, identifyData{
			Token:   token,
			Intents: s.cfg.Intents,
			Properties: clientProperties{
				OS:      "linux",
				Browser: "chatmux",
				Device:  "chatmux",
			},
		})
	}
	if err != nil {
		return apperrors.NewProtocolError("failed to encode identify frame")
	}
	if err := fs.SendFrame(ctx, frame); err != nil {
		return apperrors.NewConnectionError(err, "failed to send identify frame")
	}
	return nil
}

// dispatchLoop is the heart of the session: it multiplexes inbound frames
// and the heartbeat timer. Heartbeats fire on their own schedule no matter
// what the REST send path is doing.
func (s *Session) dispatchLoop(ctx context.Context, fs *frameSocket, heartbeatInterval time.Duration) (reachedReady bool, err error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ackPending := false

	for {
		select {
		case <-ctx.Done():
			fs.Close(websocket.StatusNormalClosure)
			return reachedReady, ctx.Err()

		case <-ticker.C:
			if ackPending {
				if s.State() == StateDegraded {
					// Grace interval also went unanswered; the connection
					// is a zombie.
					return reachedReady, apperrors.NewConnectionError(nil, "no heartbeat ack before next interval")
				}
				// Missed one ack: hold in Degraded for one more interval
				// and retransmit. A late ack restores Ready.
				s.setState(StateDegraded)
				s.publishState(events.StateError, "heartbeat ack missed")
				if err := s.sendHeartbeat(ctx, fs); err != nil {
					return reachedReady, err
				}
				continue
			}
			if err := s.sendHeartbeat(ctx, fs); err != nil {
				return reachedReady, err
			}
			ackPending = true

		case frame, ok := <-fs.Frames:
			if !ok {
				return reachedReady, s.classifyDisconnect(fs)
			}
			switch frame.Op {
			case OpHeartbeatAck:
				ackPending = false
				if s.State() == StateDegraded {
					s.setState(StateReady)
					s.publishState(events.StateConnected, "recovered")
				}
			case OpHeartbeat:
				// Server-requested immediate beat.
				if err := s.sendHeartbeat(ctx, fs); err != nil {
					return reachedReady, err
				}
			case OpReconnect:
				s.logger.Info("Server requested reconnect, will resume")
				return reachedReady, nil
			case OpInvalidSession:
				s.logger.Warn("Session invalidated by server, will re-identify")
				s.mu.Lock()
				s.sessionID = ""
				s.seq = 0
				s.mu.Unlock()
				select {
				case <-ctx.Done():
					return reachedReady, ctx.Err()
				case <-time.After(constants.DefaultInvalidSessionWaitMs * time.Millisecond):
				}
				return reachedReady, nil
			case OpDispatch:
				if frame.Seq > 0 {
					s.mu.Lock()
					s.seq = frame.Seq
					s.mu.Unlock()
				}
				if frame.Type == DispatchReady {
					reachedReady = true
				}
				s.handleDispatch(ctx, frame)
			default:
				s.logger.WithField("op", frame.Op).Debug("Ignoring unknown gateway op")
			}
		}
	}
}

func (s *Session) sendHeartbeat(ctx context.Context, fs *frameSocket) error {
	s.mu.Lock()
	seq := s.seq
	s.mu.Unlock()
	raw, _ := json.Marshal(seq)
	if err := fs.SendFrame(ctx, Frame{Op: OpHeartbeat, Data: raw}); err != nil {
		return apperrors.NewConnectionError(err, "failed to send heartbeat")
	}
	return nil
}

func (s *Session) classifyDisconnect(fs *frameSocket) error {
	readErr := fs.ReadError()
	switch websocket.CloseStatus(readErr) {
	case CloseAuthFailed:
		return apperrors.NewAuthError("gateway closed connection: authentication failed")
	case CloseSessionTimedOut:
		s.mu.Lock()
		s.sessionID = ""
		s.seq = 0
		s.mu.Unlock()
		return apperrors.NewConnectionError(readErr, "gateway session timed out")
	default:
		return apperrors.NewConnectionError(readErr, "gateway connection lost")
	}
}

func (s *Session) handleDispatch(ctx context.Context, frame Frame) {
	switch frame.Type {
	case DispatchReady:
		s.handleReady(ctx, frame.Data)

	case DispatchMessageCreate:
		var wm wireMessage
		if err := json.Unmarshal(frame.Data, &wm); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed message_create")
			return
		}
		if wm.Author != nil {
			if err := s.store.UpsertUser(ctx, wm.Author.toModel(s.cfg.Platform)); err != nil {
				s.logger.WithError(err).WithField("user_id", wm.Author.ID).Error("Failed to upsert author")
			}
		}
		msg := wm.toModel(s.cfg.Platform)
		if err := s.store.UpsertMessage(ctx, msg); err != nil {
			s.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to persist inbound message")
			return
		}
		s.bus.Publish(events.MessageUpserted{Message: *msg})

	case DispatchMessageUpdate:
		var wm wireMessage
		if err := json.Unmarshal(frame.Data, &wm); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed message_update")
			return
		}
		editedAt := wm.Timestamp
		if wm.EditedAt != nil {
			editedAt = *wm.EditedAt
		}
		if err := s.store.ApplyEdit(ctx, wm.ID, wm.Content, editedAt); err != nil {
			s.logger.WithError(err).WithField("message_id", wm.ID).Error("Failed to apply message edit")
			return
		}
		msg := wm.toModel(s.cfg.Platform)
		msg.IsEdited = true
		s.bus.Publish(events.MessageUpserted{Message: *msg})

	case DispatchMessageDelete:
		var wd wireMessageDelete
		if err := json.Unmarshal(frame.Data, &wd); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed message_delete")
			return
		}
		if err := s.store.TombstoneMessage(ctx, wd.ID); err != nil {
			s.logger.WithError(err).WithField("message_id", wd.ID).Error("Failed to tombstone message")
			return
		}
		s.bus.Publish(events.MessageUpserted{Message: models.Message{
			ID:        wd.ID,
			ChatID:    wd.ChatID,
			Platform:  s.cfg.Platform,
			IsDeleted: true,
		}})

	case DispatchMessageReaction:
		var wr wireReactionUpdate
		if err := json.Unmarshal(frame.Data, &wr); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed reaction update")
			return
		}
		reactions := make([]models.Reaction, 0, len(wr.Reactions))
		for _, r := range wr.Reactions {
			reactions = append(reactions, models.Reaction{Emoji: r.Emoji, Count: r.Count, IsOwn: r.IsOwn})
		}
		if err := s.store.ApplyReactions(ctx, wr.MessageID, reactions); err != nil {
			s.logger.WithError(err).WithField("message_id", wr.MessageID).Error("Failed to apply reactions")
		}

	case DispatchChannelCreate, DispatchChannelUpdate:
		var wc wireChat
		if err := json.Unmarshal(frame.Data, &wc); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed channel event")
			return
		}
		if err := s.store.UpsertChat(ctx, wc.toModel(s.cfg.Platform)); err != nil {
			s.logger.WithError(err).WithField("chat_id", wc.ID).Error("Failed to upsert chat")
		}

	default:
		s.logger.WithField("type", frame.Type).Debug("Ignoring unknown dispatch type")
	}
}

// handleReady captures the session identity and bulk-upserts the topology
// snapshot. A failed row is logged and skipped so one bad chat cannot block
// the rest of the snapshot.
func (s *Session) handleReady(ctx context.Context, data json.RawMessage) {
	var ready readyData
	if err := json.Unmarshal(data, &ready); err != nil {
		s.logger.WithError(err).Error("Malformed ready payload")
		return
	}

	s.mu.Lock()
	s.sessionID = ready.SessionID
	s.mu.Unlock()

	for _, wu := range ready.Users {
		if err := s.store.UpsertUser(ctx, wu.toModel(s.cfg.Platform)); err != nil {
			s.logger.WithError(err).WithField("user_id", wu.ID).Error("Failed to upsert user from topology")
		}
	}
	for _, wc := range ready.Chats {
		if err := s.store.UpsertChat(ctx, wc.toModel(s.cfg.Platform)); err != nil {
			s.logger.WithError(err).WithField("chat_id", wc.ID).Error("Failed to upsert chat from topology")
		}
	}

	s.setState(StateReady)
	s.publishState(events.StateConnected, "")
	s.logger.WithFields(logrus.Fields{
		"session_id": ready.SessionID,
		"chats":      len(ready.Chats),
		"users":      len(ready.Users),
	}).Info("Gateway session ready")
}

// SendMessage issues an outbound write through the REST path and persists
// the platform's echoed copy as already synced. A challenge response is
// surfaced both as a typed error and on the event bus.
func (s *Session) SendMessage(ctx context.Context, chatID, content string, attachments []models.Attachment) (*models.Message, error) {
	wm, err := s.rest.SendMessage(ctx, chatID, content, attachments)
	return s.finishSend(ctx, wm, err)
}

// SendMessageWithChallengeProof retries a challenged send with the proof the
// caller obtained out-of-band.
func (s *Session) SendMessageWithChallengeProof(ctx context.Context, chatID, content, proof string, challengeData []byte) (*models.Message, error) {
	wm, err := s.rest.SendMessageWithChallengeProof(ctx, chatID, content, proof, challengeData)
	return s.finishSend(ctx, wm, err)
}

// UploadAttachment negotiates an attachment slot with the platform.
func (s *Session) UploadAttachment(ctx context.Context, chatID, filename string, r io.Reader) (*models.Attachment, error) {
	return s.rest.UploadAttachment(ctx, chatID, filename, r)
}

func (s *Session) finishSend(ctx context.Context, wm *wireMessage, err error) (*models.Message, error) {
	if err != nil {
		if _, ok := apperrors.AsChallenge(err); ok {
			s.publishState(events.StateChallengeRequired, "platform requires verification")
		}
		return nil, err
	}

	msg := wm.toModel(s.cfg.Platform)
	// The platform already has this message, so it skips the push queue.
	msg.SyncStatus = models.SyncStatusSynced
	if err := s.store.UpsertMessage(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to persist sent message")
		return nil, apperrors.NewDatabaseError("persist sent message", err)
	}
	s.bus.Publish(events.MessageUpserted{Message: *msg})
	return msg, nil
}

func (s *Session) restToken(ctx context.Context) (string, error) {
	token, _, err := s.creds.GetCredential(ctx, s.cfg.Platform)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", apperrors.NewAuthError("no stored credential")
	}
	return token, nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	old := s.state
	s.state = state
	s.mu.Unlock()
	if old != state {
		s.logger.WithFields(logrus.Fields{"from": old, "to": state}).Debug("Gateway state transition")
	}
}

func (s *Session) publishState(state events.ConnectionState, detail string) {
	s.bus.Publish(events.ConnectionStateChanged{
		Platform: s.cfg.Platform,
		State:    state,
		Detail:   detail,
	})
}

func (s *Session) connectTimeout() time.Duration {
	if s.cfg.ConnectTimeoutSec > 0 {
		return time.Duration(s.cfg.ConnectTimeoutSec) * time.Second
	}
	return constants.DefaultConnectTimeoutSec * time.Second
}

func (s *Session) helloTimeout() time.Duration {
	if s.cfg.HelloTimeoutSec > 0 {
		return time.Duration(s.cfg.HelloTimeoutSec) * time.Second
	}
	return constants.DefaultHelloTimeoutSec * time.Second
}
