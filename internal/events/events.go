package events

import (
	"time"

	"chatmux/internal/models"
)

// ConnectionState is the coarse session state surfaced to subscribers.
// Transport details stay inside the gateway.
type ConnectionState string

const (
	StateConnected         ConnectionState = "connected"
	StateDisconnected      ConnectionState = "disconnected"
	StateError             ConnectionState = "error"
	StateChallengeRequired ConnectionState = "challengeRequired"
)

// MessageUpserted is published whenever a message row is created, updated or
// tombstoned by the gateway or the sync engine.
type MessageUpserted struct {
	Message models.Message
}

// ConnectionStateChanged is published on gateway session state transitions.
type ConnectionStateChanged struct {
	Platform models.Platform
	State    ConnectionState
	Detail   string
}

// SyncCompleted is published after each reconciliation cycle.
type SyncCompleted struct {
	Direction models.SyncDirection
	Applied   int
	At        time.Time
	Err       string
}
