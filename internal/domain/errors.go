package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrConnection     = errors.New("connection error")
	ErrAuthentication = errors.New("authentication error")
	ErrTimeout        = errors.New("timeout")
	ErrNoExtension    = errors.New("no extension configured")
	ErrInvalidState   = errors.New("invalid state")
	ErrNotConnected   = fmt.Errorf("%w: not registered", ErrInvalidState)
)

const (
	MsgServerUnreachable = "Voice server unreachable"
	MsgConnectionLost    = "Connection lost"
	MsgAuthFailed        = "Authentication failed"
	MsgTimeout           = "Request timed out, check your network connection"
	MsgServerError       = "Voice server error, try again later"
	MsgNoExtension       = "No extension is configured for your account, contact your supervisor"
	MsgNotConnected      = "Phone is not connected"
	MsgGeneric           = "Something went wrong, try again"
)

// Error carries a taxonomy kind, the message shown to the operator and the cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func NewError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FriendlyMessage returns text suitable for the operator UI.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}

	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}

	var netErr net.Error
	switch {
	case errors.Is(err, ErrNoExtension):
		return MsgNoExtension
	case errors.Is(err, ErrAuthentication):
		return MsgAuthFailed
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return MsgTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return MsgTimeout
	case errors.Is(err, ErrNotConnected):
		return MsgNotConnected
	case errors.Is(err, ErrConnection), errors.As(err, &netErr):
		return MsgServerUnreachable
	default:
		return MsgGeneric
	}
}
