package callsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/sip"
	"github.com/rs/zerolog"
)

const (
	defaultReadyPollAttempts = 10
	defaultReadyPollInterval = 200 * time.Millisecond
	defaultTickInterval      = time.Second
)

// Ticker is the part of time.Ticker the duration timer needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Observer is notified after every state change with a snapshot of the session.
type Observer func(call domain.CallSession)

type Config struct {
	Logger            zerolog.Logger
	ReadyPollAttempts int
	ReadyPollInterval time.Duration
	TickInterval      time.Duration
	NewTicker         func(d time.Duration) Ticker
	Now               func() time.Time
	// AutoAnswer is consulted on every inbound invite.
	AutoAnswer func() bool
	Observer   Observer
}

// Controller owns the single current call session.
type Controller struct {
	logger            zerolog.Logger
	readyPollAttempts int
	readyPollInterval time.Duration
	tickInterval      time.Duration
	newTicker         func(d time.Duration) Ticker
	now               func() time.Time
	autoAnswer        func() bool
	observer          Observer

	mutex  sync.Mutex
	call   domain.CallSession
	handle sip.Session
	// timerStop is non-nil exactly while a duration timer goroutine runs.
	timerStop chan struct{}
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		logger:            cfg.Logger.With().Str("component", "call_session").Logger(),
		readyPollAttempts: cfg.ReadyPollAttempts,
		readyPollInterval: cfg.ReadyPollInterval,
		tickInterval:      cfg.TickInterval,
		newTicker:         cfg.NewTicker,
		now:               cfg.Now,
		autoAnswer:        cfg.AutoAnswer,
		observer:          cfg.Observer,
		call:              domain.IdleCall(),
	}
	if c.readyPollAttempts <= 0 {
		c.readyPollAttempts = defaultReadyPollAttempts
	}
	if c.readyPollInterval <= 0 {
		c.readyPollInterval = defaultReadyPollInterval
	}
	if c.tickInterval <= 0 {
		c.tickInterval = defaultTickInterval
	}
	if c.newTicker == nil {
		c.newTicker = newRealTicker
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() domain.CallSession {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.CallSession {
	snap := c.call
	if c.call.StartedAt != nil {
		started := *c.call.StartedAt
		snap.StartedAt = &started
	}
	return snap
}

// OnIncomingCall moves to ringing. A call already in progress is discarded
// without signaling the remote party (last invite wins).
func (c *Controller) OnIncomingCall(session sip.Session) {
	c.mutex.Lock()

	if !c.call.IsIdle() {
		c.logger.Warn().
			Str("previous_state", string(c.call.State)).
			Str("previous_peer", c.call.PeerNumber).
			Str("session_id", session.ID()).
			Msg("Incoming call while busy, discarding previous session")
		c.resetLocked()
	}

	c.handle = session
	c.call = domain.CallSession{
		State:      domain.CallStateRinging,
		Direction:  domain.DirectionInbound,
		PeerNumber: PeerNumber(session.RemoteIdentity()),
	}

	c.logger.Info().
		Str("session_id", session.ID()).
		Str("peer", c.call.PeerNumber).
		Msg("Incoming call ringing")

	snap := c.snapshotLocked()
	c.mutex.Unlock()
	c.notify(snap)

	if c.autoAnswer != nil && c.autoAnswer() {
		go func() {
			if err := c.AnswerCall(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("Auto-answer failed")
			}
		}()
	}
}

// StartOutboundCall moves an idle controller to calling.
func (c *Controller) StartOutboundCall(session sip.Session) error {
	c.mutex.Lock()

	if !c.call.IsIdle() {
		state := c.call.State
		c.mutex.Unlock()
		c.logger.Warn().
			Str("state", string(state)).
			Msg("Outbound call rejected, a call is already in progress")
		return fmt.Errorf("%w: cannot dial while %s", domain.ErrInvalidState, state)
	}

	c.handle = session
	c.call = domain.CallSession{
		State:      domain.CallStateCalling,
		Direction:  domain.DirectionOutbound,
		PeerNumber: PeerNumber(session.RemoteIdentity()),
	}

	c.logger.Info().Str("peer", c.call.PeerNumber).Msg("Outbound call started")

	snap := c.snapshotLocked()
	c.mutex.Unlock()
	c.notify(snap)
	return nil
}

// AnswerCall accepts the ringing session. While the session is still
// establishing it is polled for readiness; the ringing state is re-checked
// after every wait.
func (c *Controller) AnswerCall(ctx context.Context) error {
	c.mutex.Lock()
	if c.call.State != domain.CallStateRinging || c.handle == nil {
		state := c.call.State
		c.mutex.Unlock()
		c.logger.Warn().Str("state", string(state)).Msg("Answer ignored, no ringing call")
		return fmt.Errorf("%w: cannot answer while %s", domain.ErrInvalidState, state)
	}
	handle := c.handle
	c.mutex.Unlock()

	for attempt := 0; handle.State() == sip.SessionEstablishing; attempt++ {
		if attempt >= c.readyPollAttempts {
			c.logger.Error().
				Int("attempts", attempt).
				Msg("Session never became ready, giving up on answer")
			return domain.NewError(domain.ErrTimeout, domain.MsgTimeout, fmt.Errorf("session still establishing"))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.readyPollInterval):
		}

		if !c.stillRinging(handle) {
			return fmt.Errorf("%w: call changed while waiting to answer", domain.ErrInvalidState)
		}
	}

	if handle.State() == sip.SessionTerminated {
		return fmt.Errorf("%w: session already terminated", domain.ErrInvalidState)
	}

	if err := handle.Accept(ctx, sip.AcceptOptions{Audio: true}); err != nil {
		c.logger.Error().Err(err).Str("session_id", handle.ID()).Msg("Failed to accept call")
		return fmt.Errorf("failed to accept call: %w", err)
	}

	c.CallEstablished(handle)
	return nil
}

func (c *Controller) stillRinging(handle sip.Session) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.call.State == domain.CallStateRinging && c.handle == handle
}

// CallEstablished moves ringing or calling to active and starts the duration timer.
func (c *Controller) CallEstablished(handle sip.Session) {
	c.mutex.Lock()

	if c.handle != handle {
		c.mutex.Unlock()
		return
	}
	if c.call.State != domain.CallStateRinging && c.call.State != domain.CallStateCalling {
		c.mutex.Unlock()
		return
	}

	started := c.now()
	c.call.State = domain.CallStateActive
	c.call.StartedAt = &started
	c.call.DurationSeconds = 0
	c.startTimerLocked()

	c.logger.Info().
		Str("session_id", handle.ID()).
		Str("peer", c.call.PeerNumber).
		Msg("Call established")

	snap := c.snapshotLocked()
	c.mutex.Unlock()
	c.notify(snap)
}

// HangupCall ends the current session with the primitive matching its state
// and always resets afterwards.
func (c *Controller) HangupCall(ctx context.Context) error {
	c.mutex.Lock()
	handle := c.handle
	c.mutex.Unlock()

	var err error
	if handle != nil {
		err = terminate(ctx, handle)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", handle.ID()).Msg("Hangup signaling failed")
		}
	}

	c.ResetCall()
	return err
}

func terminate(ctx context.Context, handle sip.Session) error {
	switch handle.State() {
	case sip.SessionInitial, sip.SessionEstablishing:
		if handle.Direction() == domain.DirectionInbound {
			return handle.Reject(ctx)
		}
		return handle.Cancel(ctx)
	case sip.SessionEstablished:
		return handle.Bye(ctx)
	case sip.SessionTerminated:
		return nil
	default:
		return handle.Terminate(ctx)
	}
}

// ResetCall stops the timer and returns to the idle session. Safe in any state.
func (c *Controller) ResetCall() {
	c.mutex.Lock()
	wasIdle := c.call.IsIdle() && c.handle == nil
	c.resetLocked()
	snap := c.snapshotLocked()
	c.mutex.Unlock()

	if !wasIdle {
		c.logger.Info().Msg("Call session reset")
		c.notify(snap)
	}
}

func (c *Controller) resetLocked() {
	c.stopTimerLocked()
	c.handle = nil
	c.call = domain.IdleCall()
}

// HandleSessionState reconciles engine state changes for the current session.
func (c *Controller) HandleSessionState(handle sip.Session, state sip.SessionState) {
	switch state {
	case sip.SessionEstablished:
		c.CallEstablished(handle)
	case sip.SessionTerminated:
		c.mutex.Lock()
		current := c.handle == handle
		c.mutex.Unlock()
		if current {
			c.logger.Info().Str("session_id", handle.ID()).Msg("Session terminated")
			c.ResetCall()
		}
	}
}

// AssignSessionID sets the server-observed id once, only while a call is in
// progress and no id has been assigned yet.
func (c *Controller) AssignSessionID(id string) bool {
	if id == "" {
		return false
	}

	c.mutex.Lock()
	if c.call.IsIdle() || c.call.ID != "" {
		c.mutex.Unlock()
		return false
	}
	c.call.ID = id
	snap := c.snapshotLocked()
	c.mutex.Unlock()

	c.logger.Info().Str("unique_id", id).Msg("Session id reconciled from server telemetry")
	c.notify(snap)
	return true
}

// SendDTMF relays one digit to the active session.
func (c *Controller) SendDTMF(ctx context.Context, digit string) error {
	if !validDTMF(digit) {
		return fmt.Errorf("invalid DTMF digit %q", digit)
	}

	c.mutex.Lock()
	if c.call.State != domain.CallStateActive || c.handle == nil {
		state := c.call.State
		c.mutex.Unlock()
		return fmt.Errorf("%w: cannot send DTMF while %s", domain.ErrInvalidState, state)
	}
	handle := c.handle
	c.mutex.Unlock()

	body := fmt.Sprintf("Signal=%s\r\nDuration=160\r\n", digit)
	if err := handle.Info(ctx, sip.InfoOptions{ContentType: "application/dtmf-relay", Body: []byte(body)}); err != nil {
		return fmt.Errorf("failed to send DTMF: %w", err)
	}
	return nil
}

func validDTMF(digit string) bool {
	if len(digit) != 1 {
		return false
	}
	ch := digit[0]
	return (ch >= '0' && ch <= '9') || ch == '*' || ch == '#' || (ch >= 'A' && ch <= 'D')
}

func (c *Controller) notify(snap domain.CallSession) {
	if c.observer != nil {
		c.observer(snap)
	}
}
