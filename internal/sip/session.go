package sip

import (
	"context"
	"fmt"
	"sync"

	"AgentDesk/internal/domain"
	"github.com/emiago/diago"
	sipmsg "github.com/emiago/sipgo/sip"
)

type baseSession struct {
	id       string
	agent    *UserAgent
	identity Identity

	mutex sync.RWMutex
	state SessionState
}

func (s *baseSession) ID() string {
	return s.id
}

func (s *baseSession) State() SessionState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

func (s *baseSession) RemoteIdentity() Identity {
	return s.identity
}

// setState reports whether the state actually changed.
func (s *baseSession) setState(state SessionState) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.state == state || s.state == SessionTerminated {
		return false
	}
	s.state = state
	return true
}

type inboundSession struct {
	baseSession
	dialog *diago.DialogServerSession
}

func newInboundSession(agent *UserAgent, d *diago.DialogServerSession) *inboundSession {
	req := d.InviteRequest
	identity := Identity{}

	if from := req.From(); from != nil {
		identity.FromUser = from.Address.User
		identity.DisplayName = from.DisplayName
	}
	if h := req.GetHeader("P-Asserted-Identity"); h != nil {
		identity.AssertedIdentity = userFromHeaderValue(h.Value())
	}
	identity.URIUser = identity.AssertedIdentity
	if identity.URIUser == "" {
		identity.URIUser = identity.FromUser
	}

	id := ""
	if callID := req.CallID(); callID != nil {
		id = callID.Value()
	}

	s := &inboundSession{
		baseSession: baseSession{id: id, agent: agent, identity: identity},
		dialog:      d,
	}
	return s
}

func (s *inboundSession) Direction() domain.Direction {
	return domain.DirectionInbound
}

func (s *inboundSession) transition(state SessionState) {
	if s.setState(state) {
		s.agent.emit(SessionStateEvent(s, state))
	}
}

func (s *inboundSession) Accept(ctx context.Context, opts AcceptOptions) error {
	if opts.Video {
		return fmt.Errorf("video is not supported")
	}
	switch s.State() {
	case SessionEstablished:
		return nil
	case SessionTerminating, SessionTerminated:
		return fmt.Errorf("session already terminated")
	}

	s.transition(SessionEstablishing)
	if err := s.dialog.Answer(); err != nil {
		s.mutex.Lock()
		if s.state == SessionEstablishing {
			s.state = SessionInitial
		}
		s.mutex.Unlock()
		return fmt.Errorf("failed to answer: %w", err)
	}
	s.transition(SessionEstablished)
	return nil
}

func (s *inboundSession) Reject(ctx context.Context) error {
	s.transition(SessionTerminating)
	if err := s.dialog.Respond(603, "Decline", nil); err != nil {
		return fmt.Errorf("failed to reject: %w", err)
	}
	return nil
}

func (s *inboundSession) Cancel(ctx context.Context) error {
	return s.Reject(ctx)
}

func (s *inboundSession) Bye(ctx context.Context) error {
	s.transition(SessionTerminating)
	if err := s.dialog.Hangup(ctx); err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	return nil
}

func (s *inboundSession) Terminate(ctx context.Context) error {
	if s.State() == SessionEstablished {
		return s.Bye(ctx)
	}
	return s.Reject(ctx)
}

func (s *inboundSession) Info(ctx context.Context, opts InfoOptions) error {
	if s.State() != SessionEstablished {
		return fmt.Errorf("INFO requires an established session")
	}
	contact := s.dialog.InviteRequest.Contact()
	if contact == nil {
		return fmt.Errorf("remote contact is unknown")
	}
	req := newInfoRequest(contact.Address, opts)
	res, err := s.dialog.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send INFO: %w", err)
	}
	if code := int(res.StatusCode); code < 200 || code > 299 {
		return &StatusError{Code: code, Reason: res.Reason}
	}
	return nil
}

type outboundSession struct {
	baseSession
	dg     *diago.Diago
	target sipmsg.Uri

	dialMutex  sync.Mutex
	dialog     *diago.DialogClientSession
	dialCancel context.CancelFunc
}

func (s *outboundSession) Direction() domain.Direction {
	return domain.DirectionOutbound
}

func (s *outboundSession) transition(state SessionState) {
	if s.setState(state) {
		s.agent.emit(SessionStateEvent(s, state))
	}
}

// Dial sends the INVITE in the background; progress is reported as state events.
func (s *outboundSession) Dial(ctx context.Context) error {
	s.dialMutex.Lock()
	if s.dialCancel != nil {
		s.dialMutex.Unlock()
		return fmt.Errorf("session already dialed")
	}
	dialCtx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.dialMutex.Unlock()

	s.transition(SessionEstablishing)

	go func() {
		dialog, err := s.dg.Invite(dialCtx, s.target, diago.InviteOptions{
			Username: s.agent.opts.Extension,
			Password: s.agent.opts.Password,
		})
		if err != nil {
			s.agent.logger.Info().Err(err).Str("target", s.target.String()).Msg("Outbound call not established")
			s.transition(SessionTerminated)
			return
		}

		s.dialMutex.Lock()
		s.dialog = dialog
		s.dialMutex.Unlock()

		s.transition(SessionEstablished)
		<-dialog.Context().Done()
		s.transition(SessionTerminated)
	}()

	return nil
}

func (s *outboundSession) Accept(ctx context.Context, opts AcceptOptions) error {
	return errWrongDirection
}

func (s *outboundSession) Reject(ctx context.Context) error {
	return s.Cancel(ctx)
}

func (s *outboundSession) Cancel(ctx context.Context) error {
	s.dialMutex.Lock()
	cancel := s.dialCancel
	s.dialMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	s.transition(SessionTerminated)
	return nil
}

func (s *outboundSession) Bye(ctx context.Context) error {
	s.dialMutex.Lock()
	dialog := s.dialog
	s.dialMutex.Unlock()

	if dialog == nil {
		return s.Cancel(ctx)
	}
	s.transition(SessionTerminating)
	if err := dialog.Hangup(ctx); err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	return nil
}

func (s *outboundSession) Terminate(ctx context.Context) error {
	return s.Bye(ctx)
}

func (s *outboundSession) Info(ctx context.Context, opts InfoOptions) error {
	s.dialMutex.Lock()
	dialog := s.dialog
	s.dialMutex.Unlock()

	if dialog == nil || s.State() != SessionEstablished {
		return fmt.Errorf("INFO requires an established session")
	}
	req := newInfoRequest(s.target, opts)
	res, err := dialog.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send INFO: %w", err)
	}
	if code := int(res.StatusCode); code < 200 || code > 299 {
		return &StatusError{Code: code, Reason: res.Reason}
	}
	return nil
}

func newInfoRequest(recipient sipmsg.Uri, opts InfoOptions) *sipmsg.Request {
	req := sipmsg.NewRequest(sipmsg.INFO, recipient)
	if opts.ContentType != "" {
		req.AppendHeader(sipmsg.NewHeader("Content-Type", opts.ContentType))
	}
	req.SetBody(opts.Body)
	return req
}
