package gateway

import (
	"encoding/json"
	"time"

	"chatmux/internal/models"
)

// Op identifies a gateway control frame.
type Op int

const (
	OpDispatch       Op = 0
	OpHeartbeat      Op = 1
	OpIdentify       Op = 2
	OpResume         Op = 6
	OpReconnect      Op = 7
	OpInvalidSession Op = 9
	OpHello          Op = 10
	OpHeartbeatAck   Op = 11
)

// Close codes the platform uses to signal non-transient conditions.
const (
	CloseAuthFailed      = 4004
	CloseSessionTimedOut = 4009
)

// Frame is the JSON envelope every gateway message travels in. Data stays
// raw until the op and dispatch type select a concrete payload; nothing
// loosely typed escapes this package.
type Frame struct {
	Op   Op              `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Dispatch types demultiplexed in Ready state.
const (
	DispatchReady           = "READY"
	DispatchMessageCreate   = "MESSAGE_CREATE"
	DispatchMessageUpdate   = "MESSAGE_UPDATE"
	DispatchMessageDelete   = "MESSAGE_DELETE"
	DispatchMessageReaction = "MESSAGE_REACTION_UPDATE"
	DispatchChannelCreate   = "CHANNEL_CREATE"
	DispatchChannelUpdate   = "CHANNEL_UPDATE"
)

type helloData struct {
	HeartbeatIntervalMs int `json:"heartbeat_interval"`
}

type clientProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string           `json:"token"`
	Intents    int              `json:"intents"`
	Properties clientProperties `json:"properties"`
}

type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type readyData struct {
	SessionID string     `json:"session_id"`
	Chats     []wireChat `json:"chats"`
	Users     []wireUser `json:"users"`
}

type wireChat struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Name             string `json:"name"`
	AvatarRef        string `json:"avatar_ref,omitempty"`
	ParticipantCount int    `json:"participant_count,omitempty"`
	IsActive         bool   `json:"is_active"`
	IsPinned         bool   `json:"is_pinned,omitempty"`
	IsMuted          bool   `json:"is_muted,omitempty"`
}

type wireUser struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

type wireAttachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	SizeB    int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

type wireEmbed struct {
	Kind        string `json:"kind,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

type wireMessage struct {
	ID          string           `json:"id"`
	ChatID      string           `json:"chat_id"`
	Author      *wireUser        `json:"author,omitempty"`
	Content     string           `json:"content"`
	ReplyToID   string           `json:"reply_to_id,omitempty"`
	Attachments []wireAttachment `json:"attachments,omitempty"`
	Embeds      []wireEmbed      `json:"embeds,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	EditedAt    *time.Time       `json:"edited_at,omitempty"`
}

type wireMessageDelete struct {
	ID     string `json:"id"`
	ChatID string `json:"chat_id"`
}

type wireReaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	IsOwn bool   `json:"is_own,omitempty"`
}

// wireReactionUpdate carries the full reaction set for a message; the
// platform sends totals, not deltas.
type wireReactionUpdate struct {
	MessageID string         `json:"message_id"`
	ChatID    string         `json:"chat_id"`
	Reactions []wireReaction `json:"reactions"`
}

func (c wireChat) toModel(platform models.Platform) *models.Chat {
	kind := models.ChatKind(c.Kind)
	switch kind {
	case models.ChatKindDM, models.ChatKindGroup, models.ChatKindChannel:
	default:
		kind = models.ChatKindChannel
	}
	return &models.Chat{
		ID:               c.ID,
		Platform:         platform,
		Kind:             kind,
		Name:             c.Name,
		AvatarRef:        c.AvatarRef,
		ParticipantCount: c.ParticipantCount,
		IsActive:         c.IsActive,
		IsPinned:         c.IsPinned,
		IsMuted:          c.IsMuted,
	}
}

func (u wireUser) toModel(platform models.Platform) *models.User {
	return &models.User{
		ID:          u.ID,
		Platform:    platform,
		Handle:      u.Handle,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
	}
}

func (m wireMessage) toModel(platform models.Platform) *models.Message {
	msg := &models.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Platform:  platform,
		Content:   m.Content,
		Kind:      models.MessageKindText,
		ReplyToID: m.ReplyToID,
		Timestamp: m.Timestamp,
		IsEdited:  m.EditedAt != nil,
	}
	if m.Author != nil {
		msg.UserID = m.Author.ID
	}
	if len(m.Attachments) > 0 {
		msg.Kind = models.MessageKindAttachment
		for _, a := range m.Attachments {
			msg.Attachments = append(msg.Attachments, models.Attachment{
				ID:       a.ID,
				Filename: a.Filename,
				MimeType: a.MimeType,
				SizeB:    a.SizeB,
				URL:      a.URL,
			})
		}
	}
	for _, e := range m.Embeds {
		msg.Embeds = append(msg.Embeds, models.Embed{
			Kind:        e.Kind,
			Title:       e.Title,
			Description: e.Description,
			URL:         e.URL,
		})
	}
	return msg
}

func marshalFrame(op Op, data interface{}) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Op: op, Data: raw}, nil
}
