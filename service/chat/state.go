package chat

// State is the connection state machine:
//
//	Disconnected -> Connecting -> Connected -> Authenticating -> Authenticated
//
// Any state past Disconnected can fall back to Disconnected on a
// channel error or close. After an unexpected drop, bounded retries
// re-enter Connecting; when the drop happened while Authenticated the
// retry runs under the Reconnecting label, which preserves the active
// session and contexts.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateListener observes state machine transitions.
type StateListener func(from, to State)
