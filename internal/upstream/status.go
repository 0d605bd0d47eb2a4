package upstream

// Status is the connection state of one upstream record.
type Status int

const (
	// StatusDisconnected is the initial state and the state after a clean
	// transport close.
	StatusDisconnected Status = iota

	// StatusConnecting means a connect attempt is in flight.
	StatusConnecting

	// StatusConnected means the MCP handshake completed and the client is
	// usable.
	StatusConnected

	// StatusAwaitingOAuth means the upstream demanded authorization. The
	// record holds the authorization URL until the flow completes.
	StatusAwaitingOAuth

	// StatusError means the last connect attempt failed terminally.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusAwaitingOAuth:
		return "awaiting_oauth"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}
