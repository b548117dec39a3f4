package presenter

import "fmt"

// Phase is the user-visible condition of the presenter session.
type Phase int

const (
	// PhaseLive means the session is up and the viewer count is current.
	PhaseLive Phase = iota

	// PhaseReconnecting means the signaling transport dropped and a resume
	// is in progress. Established viewer connections keep running.
	PhaseReconnecting

	// PhaseLost means resuming was rejected; the session is gone for good.
	PhaseLost

	// PhaseClosed means the presenter shut the session down.
	PhaseClosed
)

// Status is reported through the status callback on every user-visible
// state change.
type Status struct {
	Phase   Phase
	Viewers int
}

// Message renders the status for a human.
func (s Status) Message() string {
	switch s.Phase {
	case PhaseReconnecting:
		return "Connection lost, trying to reconnect"
	case PhaseLost:
		return "Session lost"
	case PhaseClosed:
		return "Session closed"
	default:
		if s.Viewers == 0 {
			return "Waiting for viewers"
		}
		return fmt.Sprintf("%d connected viewers", s.Viewers)
	}
}
