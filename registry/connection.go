package registry

// State is the transport state of a connection as seen at delivery time.
type State int

// Connection states
const (
	Open State = iota
	Closed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is the registry's view of one client session. The registry only
// routes to it and compares it by identity, so implementations must be
// comparable, typically a pointer.
type Connection interface {
	ID() string
	State() State
	// Send hands payload to the transport without blocking.
	Send(payload []byte) error
}
