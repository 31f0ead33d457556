package sip

import (
	"context"
	"fmt"

	"AgentDesk/internal/domain"
)

type SessionState int

const (
	SessionInitial SessionState = iota
	SessionEstablishing
	SessionEstablished
	SessionTerminating
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "Initial"
	case SessionEstablishing:
		return "Establishing"
	case SessionEstablished:
		return "Established"
	case SessionTerminating:
		return "Terminating"
	case SessionTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Identity holds the header shapes a remote party may be described by.
// Any of them can be empty.
type Identity struct {
	URIUser          string
	DisplayName      string
	AssertedIdentity string
	FromUser         string
}

type AcceptOptions struct {
	Audio bool
	Video bool
}

type InfoOptions struct {
	ContentType string
	Body        []byte
}

// Session is one dialog exposed by the signaling engine.
type Session interface {
	ID() string
	State() SessionState
	Direction() domain.Direction
	RemoteIdentity() Identity
	Accept(ctx context.Context, opts AcceptOptions) error
	Reject(ctx context.Context) error
	Cancel(ctx context.Context) error
	Bye(ctx context.Context) error
	Terminate(ctx context.Context) error
	Info(ctx context.Context, opts InfoOptions) error
}

// Outbound is a session created by NewInvite; nothing is sent until Dial.
type Outbound interface {
	Session
	Dial(ctx context.Context) error
}

// Engine owns the transport and registration for one extension.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Register returns nil only after the registrar acknowledged with a 2xx.
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	NewInvite(target string) (Outbound, error)
}

type EngineOptions struct {
	Server       string
	Port         int
	Transport    string
	Domain       string
	Extension    string
	Password     string
	DisplayName  string
	BindHost     string
	BindPort     int
	ExpirySecond int
	Sink         func(Event)
}

// EngineFactory builds a fresh engine for every start of the registration controller.
type EngineFactory func(opts EngineOptions) (Engine, error)

// StatusError is a final non-2xx SIP response.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sip response %d %s", e.Code, e.Reason)
}
