package upstream

// State is the connection state of a Connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var stateNames = []string{
	StateDisconnected.String(),
	StateConnecting.String(),
	StateReady.String(),
	StateFailed.String(),
}
