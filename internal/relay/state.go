package relay

// State is the connection lifecycle. Open and Fallback both count as
// connected from a consumer's viewpoint; only one is active at a time.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDegrading
	StateFallback
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegrading:
		return "degrading"
	case StateFallback:
		return "fallback"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connected reports whether a channel is live in this state.
func (s State) Connected() bool {
	return s == StateOpen || s == StateFallback
}
