package domain

import "time"

type CallState string

const (
	CallStateIdle    CallState = "idle"
	CallStateRinging CallState = "ringing"
	CallStateCalling CallState = "calling"
	CallStateActive  CallState = "active"
	// CallStateEnded is transient; the controller folds it back to idle.
	CallStateEnded CallState = "ended"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// UnknownCaller is used when no session header carries a usable identity.
const UnknownCaller = "Unknown Caller"

// CallSession is the single current telephony session of the console.
// The zero value is the idle session.
type CallSession struct {
	ID              string     `json:"id"`
	State           CallState  `json:"state"`
	Direction       Direction  `json:"direction,omitempty"`
	PeerNumber      string     `json:"peer_number"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}

// IdleCall returns the canonical empty session.
func IdleCall() CallSession {
	return CallSession{State: CallStateIdle}
}

func (c CallSession) IsIdle() bool {
	return c.State == CallStateIdle || c.State == ""
}
