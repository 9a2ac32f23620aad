package models

import "time"

// User is a platform account sighted as a message author, DM recipient or
// group member. Identity fields are immutable, display fields get refreshed
// on every upsert.
type User struct {
	ID          string    `json:"id"`
	Platform    Platform  `json:"platform"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarRef   string    `json:"avatarRef,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
