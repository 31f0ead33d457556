package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/events"
	"AgentDesk/internal/metrics"
	"AgentDesk/internal/sip"
	"github.com/rs/zerolog"
)

// CallHandler receives the sessions the engine produces.
type CallHandler interface {
	OnIncomingCall(session sip.Session)
	StartOutboundCall(session sip.Session) error
	HandleSessionState(session sip.Session, state sip.SessionState)
	ResetCall()
}

type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (*domain.Profile, error)
}

type Preferences interface {
	SetWasConnected(ctx context.Context, connected bool) error
}

type StatusObserver func(status domain.RegistrationStatus)

type Config struct {
	Logger     zerolog.Logger
	Factory    sip.EngineFactory
	Dispatcher *events.Dispatcher
	Calls      CallHandler
	Profiles   ProfileLookup
	Prefs      Preferences
	Metrics    *metrics.Metrics
	// UserID keys the remote profile lookup when Engine.Extension is empty.
	UserID string
	// Engine carries the transport options; Sink is filled in per start.
	Engine sip.EngineOptions
	// OnRegistered runs on its own goroutine after every successful registration.
	OnRegistered func(ctx context.Context)
	Observer     StatusObserver
	// Lifetime bounds engine callbacks; once it ends, late events are dropped
	// instead of waiting on a stopped dispatcher.
	Lifetime context.Context
}

// engineEvent tags an engine callback with the start that produced it so
// callbacks from a discarded engine are ignored.
type engineEvent struct {
	generation uint64
	event      sip.Event
}

// Controller owns the signaling engine for one extension.
type Controller struct {
	logger       zerolog.Logger
	factory      sip.EngineFactory
	dispatcher   *events.Dispatcher
	calls        CallHandler
	profiles     ProfileLookup
	prefs        Preferences
	metrics      *metrics.Metrics
	userID       string
	options      sip.EngineOptions
	onRegistered func(ctx context.Context)
	observer     StatusObserver
	lifetime     context.Context

	mutex      sync.Mutex
	status     domain.RegistrationStatus
	engine     sip.Engine
	generation uint64
	starting   bool
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		logger:       cfg.Logger.With().Str("component", "registration").Logger(),
		factory:      cfg.Factory,
		dispatcher:   cfg.Dispatcher,
		calls:        cfg.Calls,
		profiles:     cfg.Profiles,
		prefs:        cfg.Prefs,
		metrics:      cfg.Metrics,
		userID:       cfg.UserID,
		options:      cfg.Engine,
		onRegistered: cfg.OnRegistered,
		observer:     cfg.Observer,
		lifetime:     cfg.Lifetime,
		status: domain.RegistrationStatus{
			State:     domain.RegistrationDisconnected,
			Extension: cfg.Engine.Extension,
		},
	}

	if c.lifetime == nil {
		c.lifetime = context.Background()
	}

	c.dispatcher.RegisterHandler(sip.EventConnected, events.HandlerFunc(c.handleConnected))
	c.dispatcher.RegisterHandler(sip.EventDisconnected, events.HandlerFunc(c.handleDisconnected))
	c.dispatcher.RegisterHandler(sip.EventInvite, events.HandlerFunc(c.handleInvite))
	c.dispatcher.RegisterHandler(sip.EventSessionState, events.HandlerFunc(c.handleSessionState))

	c.metrics.SetRegistrationState(c.status.State)
	return c
}

func (c *Controller) Status() domain.RegistrationStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status
}

func (c *Controller) IsRegistered() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status.State == domain.RegistrationRegistered
}

// Start connects and registers. It is a no-op while a start is in flight or
// the extension is registered, and only re-registers when the engine is
// already running.
func (c *Controller) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.starting || c.status.State == domain.RegistrationRegistered {
		c.mutex.Unlock()
		return nil
	}
	c.starting = true

	if c.engine != nil {
		engine, gen := c.engine, c.generation
		c.mutex.Unlock()
		c.logger.Info().Msg("Engine running but unregistered, retrying registration")
		return c.register(ctx, engine, gen)
	}

	c.generation++
	gen := c.generation
	c.setStateLocked(domain.RegistrationConnecting, "")
	c.mutex.Unlock()

	opts, err := c.resolveOptions(ctx)
	if err != nil {
		c.fail(gen, domain.FriendlyMessage(err))
		return err
	}
	opts.Sink = c.sink(gen)

	engine, err := c.factory(opts)
	if err != nil {
		c.fail(gen, domain.MsgServerUnreachable)
		return domain.NewError(domain.ErrConnection, domain.MsgServerUnreachable, fmt.Errorf("failed to create signaling engine: %w", err))
	}

	if err := engine.Start(ctx); err != nil {
		c.logger.Error().Err(err).Str("server", opts.Server).Msg("Failed to open signaling transport")
		if stopErr := engine.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			c.logger.Debug().Err(stopErr).Msg("Failed to stop half-built engine")
		}
		c.fail(gen, domain.MsgServerUnreachable)
		return domain.NewError(domain.ErrConnection, domain.MsgServerUnreachable, fmt.Errorf("failed to start signaling engine: %w", err))
	}

	c.mutex.Lock()
	if gen != c.generation {
		// stopped while the transport was opening; a newer start owns starting
		c.mutex.Unlock()
		if err := engine.Stop(context.WithoutCancel(ctx)); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to stop engine after cancelled start")
		}
		return nil
	}
	c.engine = engine
	c.status.Extension = opts.Extension
	c.setStateLocked(domain.RegistrationConnected, "")
	c.mutex.Unlock()

	c.logger.Info().
		Str("server", opts.Server).
		Str("extension", opts.Extension).
		Msg("Signaling transport open")

	return c.register(ctx, engine, gen)
}

func (c *Controller) register(ctx context.Context, engine sip.Engine, gen uint64) error {
	err := engine.Register(ctx)

	c.mutex.Lock()
	if gen != c.generation {
		c.mutex.Unlock()
		return nil
	}
	c.starting = false
	if err != nil {
		kind, message := classifyRegisterError(err)
		c.setStateLocked(domain.RegistrationError, message)
		c.mutex.Unlock()

		c.logger.Error().Err(err).Str("reason", message).Msg("Registration failed")
		return domain.NewError(kind, message, fmt.Errorf("failed to register: %w", err))
	}
	c.setStateLocked(domain.RegistrationRegistered, "")
	extension := c.status.Extension
	c.mutex.Unlock()

	c.logger.Info().Str("extension", extension).Msg("Registered")

	if c.prefs != nil {
		if err := c.prefs.SetWasConnected(ctx, true); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to persist connected flag")
		}
	}
	if c.onRegistered != nil {
		go c.onRegistered(context.WithoutCancel(ctx))
	}
	return nil
}

// Stop unregisters and closes the transport. Teardown errors are logged only.
func (c *Controller) Stop(ctx context.Context) error {
	c.teardown(ctx)

	if c.prefs != nil {
		if err := c.prefs.SetWasConnected(ctx, false); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear connected flag")
		}
	}
	return nil
}

// Shutdown tears down like Stop but keeps the persisted connected flag, so
// the next process start registers again.
func (c *Controller) Shutdown(ctx context.Context) {
	c.teardown(ctx)
}

func (c *Controller) teardown(ctx context.Context) {
	c.mutex.Lock()
	engine := c.engine
	registered := c.status.State == domain.RegistrationRegistered
	c.engine = nil
	c.generation++
	c.starting = false
	c.setStateLocked(domain.RegistrationDisconnected, "")
	c.mutex.Unlock()

	if engine != nil {
		if registered {
			if err := engine.Unregister(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to unregister")
			}
		}
		if err := engine.Stop(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to stop signaling engine")
		}
		c.logger.Info().Msg("Signaling engine stopped")
	}
}

// MakeCall dials target from the registered extension.
func (c *Controller) MakeCall(ctx context.Context, target string) error {
	c.mutex.Lock()
	engine := c.engine
	registered := c.status.State == domain.RegistrationRegistered
	c.mutex.Unlock()

	if !registered || engine == nil {
		c.logger.Warn().Str("target", target).Msg("Dial requested while not registered")
		return domain.NewError(domain.ErrNotConnected, domain.MsgNotConnected, nil)
	}

	number := SanitizeNumber(target)
	if number == "" {
		return domain.NewError(domain.ErrInvalidState, "Enter a number to dial", fmt.Errorf("nothing dialable in %q", target))
	}

	uri := fmt.Sprintf("sip:%s@%s", number, c.sipDomain())
	session, err := engine.NewInvite(uri)
	if err != nil {
		return fmt.Errorf("failed to create invite: %w", err)
	}
	if err := c.calls.StartOutboundCall(session); err != nil {
		return err
	}
	if err := session.Dial(ctx); err != nil {
		c.calls.ResetCall()
		return domain.NewError(domain.ErrConnection, domain.MsgGeneric, fmt.Errorf("failed to dial %s: %w", uri, err))
	}

	c.logger.Info().Str("target", uri).Msg("Dialing")
	return nil
}

// Extension returns the resolved extension, looking it up remotely when the
// configuration has none.
func (c *Controller) Extension(ctx context.Context) (string, error) {
	c.mutex.Lock()
	ext := c.status.Extension
	c.mutex.Unlock()
	if ext != "" {
		return ext, nil
	}

	profile, err := c.FetchExtension(ctx)
	if err != nil {
		return "", err
	}
	c.mutex.Lock()
	if c.status.Extension == "" {
		c.status.Extension = profile.Extension
	}
	c.mutex.Unlock()
	return profile.Extension, nil
}

// FetchExtension looks up the operator profile. An empty extension is a hard
// stop that needs a supervisor.
func (c *Controller) FetchExtension(ctx context.Context) (*domain.Profile, error) {
	if c.profiles == nil || c.userID == "" {
		return nil, domain.NewError(domain.ErrNoExtension, domain.MsgNoExtension, nil)
	}

	profile, err := c.profiles.Profile(ctx, c.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch extension: %w", err)
	}
	if profile == nil || profile.Extension == "" || profile.Extension == domain.NoExtension {
		c.logger.Error().Str("user_id", c.userID).Msg("No extension configured for operator")
		return nil, domain.NewError(domain.ErrNoExtension, domain.MsgNoExtension, nil)
	}
	return profile, nil
}

func (c *Controller) resolveOptions(ctx context.Context) (sip.EngineOptions, error) {
	opts := c.options
	if opts.Extension != "" {
		return opts, nil
	}

	profile, err := c.FetchExtension(ctx)
	if err != nil {
		return opts, err
	}
	opts.Extension = profile.Extension
	if opts.Password == "" {
		opts.Password = profile.Secret
	}
	if opts.DisplayName == "" {
		opts.DisplayName = profile.Name
	}
	return opts, nil
}

func (c *Controller) sipDomain() string {
	if c.options.Domain != "" {
		return c.options.Domain
	}
	return c.options.Server
}

func (c *Controller) fail(gen uint64, message string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if gen != c.generation {
		return
	}
	c.starting = false
	c.engine = nil
	c.setStateLocked(domain.RegistrationError, message)
}

func (c *Controller) setStateLocked(state domain.RegistrationState, message string) {
	c.status.State = state
	c.status.Error = message
	c.metrics.SetRegistrationState(state)
	if c.observer != nil {
		c.observer(c.status)
	}
}

func (c *Controller) sink(gen uint64) func(sip.Event) {
	return func(ev sip.Event) {
		c.dispatcher.Dispatch(c.lifetime, events.Event{
			Name:    ev.Name,
			Payload: engineEvent{generation: gen, event: ev},
		})
	}
}

func (c *Controller) current(event events.Event) (sip.Event, bool) {
	payload, ok := event.Payload.(engineEvent)
	if !ok {
		return sip.Event{}, false
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return payload.event, payload.generation == c.generation
}

func (c *Controller) handleConnected(event events.Event) error {
	if _, ok := c.current(event); !ok {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.status.State == domain.RegistrationConnecting {
		c.setStateLocked(domain.RegistrationConnected, "")
	}
	return nil
}

func (c *Controller) handleDisconnected(event events.Event) error {
	ev, ok := c.current(event)
	if !ok {
		return nil
	}

	c.mutex.Lock()
	engine := c.engine
	c.engine = nil
	c.generation++
	c.starting = false
	if ev.Err != nil {
		c.setStateLocked(domain.RegistrationError, domain.MsgConnectionLost)
	} else {
		c.setStateLocked(domain.RegistrationDisconnected, "")
	}
	c.mutex.Unlock()

	c.logger.Warn().Err(ev.Err).Msg("Signaling transport disconnected")

	if engine != nil {
		go func() {
			if err := engine.Stop(c.lifetime); err != nil {
				c.logger.Debug().Err(err).Msg("Failed to stop disconnected engine")
			}
		}()
	}
	return nil
}

func (c *Controller) handleInvite(event events.Event) error {
	ev, ok := c.current(event)
	if !ok || ev.Session == nil {
		return nil
	}
	c.calls.OnIncomingCall(ev.Session)
	return nil
}

func (c *Controller) handleSessionState(event events.Event) error {
	payload, ok := event.Payload.(engineEvent)
	if !ok || payload.event.Session == nil {
		return nil
	}
	c.calls.HandleSessionState(payload.event.Session, payload.event.State)
	return nil
}

// classifyRegisterError picks the taxonomy kind and operator message for a
// failed registration.
func classifyRegisterError(err error) (error, string) {
	var status *sip.StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden:
			return domain.ErrAuthentication, domain.MsgAuthFailed
		case status.Code == http.StatusRequestTimeout:
			return domain.ErrTimeout, domain.MsgTimeout
		case status.Code >= 500:
			return domain.ErrConnection, domain.MsgServerError
		default:
			return domain.ErrConnection, domain.MsgGeneric
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout, domain.MsgTimeout
	}
	return domain.ErrConnection, domain.MsgServerUnreachable
}

// SanitizeNumber keeps the dialable characters of a typed number.
func SanitizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '*', r == '#':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
