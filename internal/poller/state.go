package poller

// State is a poller's position in its cycle.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateUpdating
	StateFailed
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateUpdating:
		return "updating"
	case StateFailed:
		return "failed"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
