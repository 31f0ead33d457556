package sip

// Event names delivered by engines through their Sink.
const (
	EventConnected    = "sip.connected"
	EventDisconnected = "sip.disconnected"
	EventInvite       = "sip.invite"
	EventSessionState = "sip.session_state"
)

type Event struct {
	Name    string
	Session Session
	State   SessionState
	Err     error
}

func ConnectedEvent() Event {
	return Event{Name: EventConnected}
}

func DisconnectedEvent(err error) Event {
	return Event{Name: EventDisconnected, Err: err}
}

func InviteEvent(s Session) Event {
	return Event{Name: EventInvite, Session: s, State: s.State()}
}

func SessionStateEvent(s Session, state SessionState) Event {
	return Event{Name: EventSessionState, Session: s, State: state}
}
