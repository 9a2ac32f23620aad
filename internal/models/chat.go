package models

import "time"

type Platform string

const (
	PlatformDiscord  Platform = "discord"
	PlatformTelegram Platform = "telegram"
)

type ChatKind string

const (
	ChatKindDM      ChatKind = "dm"
	ChatKindGroup   ChatKind = "group"
	ChatKindChannel ChatKind = "channel"
)

// Chat is a conversation container. IDs are platform-scoped; the (platform,
// id) pair is globally unique.
type Chat struct {
	ID               string    `json:"id"`
	Platform         Platform  `json:"platform"`
	Kind             ChatKind  `json:"kind"`
	Name             string    `json:"name"`
	AvatarRef        string    `json:"avatarRef,omitempty"`
	ParticipantCount int       `json:"participantCount"`
	LastMessageID    string    `json:"lastMessageId,omitempty"`
	LastMessageAt    time.Time `json:"lastMessageAt,omitempty"`
	IsActive         bool      `json:"isActive"`
	IsPinned         bool      `json:"isPinned"`
	IsMuted          bool      `json:"isMuted"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
