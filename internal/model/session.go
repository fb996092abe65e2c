package model

// SessionPhase is a control session's position in the handshake/auth state
// machine (spec §4.2).
type SessionPhase int

const (
	PhaseHelloSent SessionPhase = iota
	PhaseConnected
	PhaseAuthenticated
	PhaseClosing
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseAuthenticated:
		return "authenticated"
	case PhaseClosing:
		return "closing"
	default:
		return "hello_sent"
	}
}
