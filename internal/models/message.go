package models

import (
	"time"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindAttachment MessageKind = "attachment"
	MessageKindSystem     MessageKind = "system"
)

// Attachment describes a file attached to a message. The URL points at the
// platform CDN; nothing is downloaded by the core.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType,omitempty"`
	SizeB    int64  `json:"sizeB,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Embed is an opaque rich-content block attached by the platform.
type Embed struct {
	Kind        string `json:"kind,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Reaction aggregates one emoji's reactions on a message.
type Reaction struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
	IsOwn bool   `json:"isOwn,omitempty"`
}

// EditRevision is one entry of a message's edit history, appended on every
// content change so edits never lose the previous text.
type EditRevision struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// Message is the normalized message row. Exactly one of Content and
// ContentEncrypted is populated; the sensitivity classifier in the store
// decides which on write.
type Message struct {
	ID               string         `json:"id"`
	ChatID           string         `json:"chatId"`
	UserID           string         `json:"userId"`
	Platform         Platform       `json:"platform"`
	Content          string         `json:"content,omitempty"`
	ContentEncrypted string         `json:"-"`
	Kind             MessageKind    `json:"kind"`
	ReplyToID        string         `json:"replyToId,omitempty"`
	EditHistory      []EditRevision `json:"editHistory,omitempty"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	Embeds           []Embed        `json:"embeds,omitempty"`
	Reactions        []Reaction     `json:"reactions,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	IsEdited         bool           `json:"isEdited"`
	IsDeleted        bool           `json:"isDeleted"`
	SyncStatus       SyncStatus     `json:"syncStatus"`
	SyncError        string         `json:"syncError,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}
