package console

// State is the lifecycle state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingLogin
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// canConnect reports whether Connect may be started from s.
func (s State) canConnect() bool {
	return s == StateDisconnected || s == StateClosed
}
