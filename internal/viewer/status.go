package viewer

// Phase is the user-visible condition of the viewer connection.
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseConnected
	PhaseReconnecting
	PhaseDisconnected
)

// Status is reported through the status callback on every user-visible
// state change.
type Status struct {
	Phase Phase
}

// Message renders the status for a human.
func (s Status) Message() string {
	switch s.Phase {
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}
