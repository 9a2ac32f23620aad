package gateway

// SessionState is the connection lifecycle state of one gateway session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateReady
	StateDegraded
	StateReconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
