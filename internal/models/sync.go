package models

import "time"

type SyncDirection string

const (
	SyncDirectionPush SyncDirection = "push"
	SyncDirectionPull SyncDirection = "pull"
)

type CursorStatus string

const (
	CursorStatusIdle    CursorStatus = "idle"
	CursorStatusRunning CursorStatus = "running"
	CursorStatusError   CursorStatus = "error"
)

// SyncCursor bookmarks reconciliation progress for one platform in one
// direction. It is advanced only after the remote backend acknowledged the
// batch, so replays are possible but loss is not.
type SyncCursor struct {
	Platform      Platform      `json:"platform"`
	Direction     SyncDirection `json:"direction"`
	LastTimestamp time.Time     `json:"lastTimestamp"`
	LastRecordID  string        `json:"lastRecordId,omitempty"`
	Status        CursorStatus  `json:"status"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// SyncStatusReport is the diagnostic view exposed to collaborators.
type SyncStatusReport struct {
	LastPushAt time.Time `json:"lastPushAt,omitempty"`
	LastPullAt time.Time `json:"lastPullAt,omitempty"`
	Pending    int       `json:"pending"`
	Errors     []string  `json:"errors,omitempty"`
}
