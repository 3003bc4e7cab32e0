package toolwire

// ConnState is the connection state of a Client. Exactly one value holds at a
// time; all transitions are executed by the client's owner goroutine.
type ConnState int32

const (
	// StateDisconnected is the initial state, and the state entered on fatal
	// failure or explicit disconnect.
	StateDisconnected ConnState = iota
	// StateConnecting covers dialing, the welcome wait, and reconnect backoff.
	StateConnecting
	// StateConnected means the welcome handshake completed and calls may be issued.
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}
