package models

import "time"

// Credential is a stored platform token. The secret is encrypted by the
// vault before it reaches the store; only one row per platform is active.
type Credential struct {
	ID         int64     `json:"id"`
	Platform   Platform  `json:"platform"`
	SecretBlob string    `json:"-"`
	CapturedAt time.Time `json:"capturedAt"`
	IsActive   bool      `json:"isActive"`
}
