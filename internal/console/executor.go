package console

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"AgentDesk/internal/api"
	"AgentDesk/internal/auth"
	"AgentDesk/internal/callsession"
	"AgentDesk/internal/config"
	"AgentDesk/internal/domain"
	"AgentDesk/internal/events"
	"AgentDesk/internal/metrics"
	"AgentDesk/internal/notify"
	"AgentDesk/internal/queue"
	"AgentDesk/internal/registration"
	"AgentDesk/internal/restapi"
	"AgentDesk/internal/sip"
	"AgentDesk/internal/store"
	"AgentDesk/internal/telemetry"
	"github.com/rs/zerolog"
)

// Executor builds every console component, starts them in order and tears
// them down on Stop.
type Executor struct {
	config  *config.Config
	logger  zerolog.Logger
	factory sip.EngineFactory

	store       *store.Store
	metrics     *metrics.Metrics
	dispatcher  *events.Dispatcher
	tokens      auth.TokenSource
	restClient  *restapi.Client
	telemetry   *telemetry.Client
	names       *nameCache
	calls       *callsession.Controller
	registrar   *registration.Controller
	queue       *queue.PresenceManager
	poller      *notify.Poller
	httpServer  *http.Server
	apiHandlers *api.APIHandlers

	autoAnswer atomic.Bool

	callMutex sync.Mutex
	lastCall  domain.CallSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ExecutorConfig struct {
	Config *config.Config
	Logger zerolog.Logger
	// EngineFactory replaces the sipgo user agent, mainly for tests.
	EngineFactory sip.EngineFactory
}

func NewExecutor(cfg ExecutorConfig) *Executor {
	ctx, cancel := context.WithCancel(context.Background())

	factory := cfg.EngineFactory
	if factory == nil {
		factory = sip.NewFactory(cfg.Logger)
	}

	return &Executor{
		config:   cfg.Config,
		logger:   cfg.Logger,
		factory:  factory,
		metrics:  metrics.New(),
		lastCall: domain.IdleCall(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *Executor) Start() error {
	e.logger.Info().Msg("Starting agent console")

	if err := e.initStore(); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	e.dispatcher = events.NewDispatcher(e.logger.With().Str("component", "dispatcher").Logger())
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatcher.Run(e.ctx)
	}()

	e.initRESTClient()
	e.initTelemetryClient()
	e.initCallSession()
	e.initRegistration()

	if err := e.initQueue(); err != nil {
		return fmt.Errorf("failed to initialize queue presence: %w", err)
	}

	e.initNotifications()

	if err := e.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	if e.telemetry != nil {
		// a failed first dial schedules its own reconnect
		if err := e.telemetry.Connect(e.ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Telemetry feed unavailable, retrying in background")
		}
	}

	if e.poller != nil {
		e.poller.Start(e.ctx)
	}

	e.autoStartPhone()

	e.logger.Info().Msg("Agent console started successfully")

	if _, ok := e.tokens.(*auth.PasswordClient); ok {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.tokenRefreshRoutine()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.healthCheckRoutine()
	}()

	return nil
}

func (e *Executor) Stop() error {
	e.logger.Info().Msg("Stopping agent console")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e.httpServer != nil {
		if err := e.httpServer.Shutdown(shutdownCtx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shutdown HTTP server")
		} else {
			e.logger.Info().Msg("HTTP server stopped")
		}
	}

	if e.poller != nil {
		e.poller.Stop()
	}

	if e.queue != nil {
		e.queue.StopPollingLiveStatus()
	}

	if e.calls != nil {
		if !e.calls.Snapshot().IsIdle() {
			if err := e.calls.HangupCall(shutdownCtx); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to hang up call on shutdown")
			}
		}
		e.calls.ResetCall()
	}

	if e.registrar != nil {
		e.registrar.Shutdown(shutdownCtx)
	}

	if e.telemetry != nil {
		if err := e.telemetry.Disconnect(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to disconnect from telemetry feed")
		}
	}

	e.cancel()
	e.wg.Wait()

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close store")
		}
	}

	e.logger.Info().Msg("Agent console stopped")
	return nil
}

func (e *Executor) Wait() {
	<-e.ctx.Done()
}

// Handler returns the control API, or nil before Start.
func (e *Executor) Handler() http.Handler {
	if e.apiHandlers == nil {
		return nil
	}
	return e.apiHandlers.SetupRoutes()
}

func (e *Executor) initStore() error {
	s, err := store.Open(e.ctx, e.config.Store.Path)
	if err != nil {
		return err
	}
	e.store = s

	auto, err := s.AutoAnswer(e.ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read auto-answer preference")
	}
	e.autoAnswer.Store(auto)

	e.logger.Debug().
		Str("path", e.config.Store.Path).
		Bool("auto_answer", auto).
		Msg("Preference store opened")
	return nil
}

func (e *Executor) initRESTClient() {
	authCfg := e.config.API.Auth
	switch {
	case authCfg.TokenURL != "":
		e.tokens = auth.NewPasswordClient(auth.PasswordClientConfig{
			TokenURL:     authCfg.TokenURL,
			ClientID:     authCfg.ClientID,
			ClientSecret: authCfg.ClientSecret,
			Username:     authCfg.Username,
			Password:     authCfg.Password,
		})
		e.logger.Debug().
			Str("token_url", authCfg.TokenURL).
			Str("client_id", authCfg.ClientID).
			Msg("Token client initialized")
	case authCfg.Token != "":
		e.tokens = auth.StaticToken(authCfg.Token)
	}

	e.restClient = restapi.NewClient(restapi.ClientConfig{
		BaseURL: e.config.API.BaseURL,
		Tokens:  e.tokens,
		Timeout: e.config.API.Timeout,
		Logger:  e.logger,
	})

	e.logger.Debug().
		Str("base_url", e.config.API.BaseURL).
		Msg("REST client initialized")
}

func (e *Executor) initTelemetryClient() {
	if !e.config.Telemetry.Enabled {
		e.logger.Info().Msg("Telemetry feed is disabled")
		return
	}

	accessToken := ""
	if e.tokens != nil {
		token, err := e.tokens.Token(e.ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to get access token for telemetry feed")
		}
		accessToken = token
	}

	e.telemetry = telemetry.NewClient(telemetry.ClientConfig{
		URL:         e.config.Telemetry.WSURL,
		AccessToken: accessToken,
		Logger:      e.logger,
		Metrics:     e.metrics,
	})

	e.names = newNameCache(e.restClient, e.config.API.Timeout, e.logger.With().Str("component", "names").Logger())
	e.telemetry.OnExtension(e.names.Resolve)

	e.logger.Debug().
		Str("ws_url", e.config.Telemetry.WSURL).
		Msg("Telemetry client initialized")
}

func (e *Executor) initCallSession() {
	e.calls = callsession.NewController(callsession.Config{
		Logger:     e.logger,
		AutoAnswer: e.autoAnswer.Load,
		Observer:   e.observeCall,
	})
	e.metrics.SetCallState(domain.CallStateIdle)
}

// observeCall feeds call metrics and records the duration of finished calls.
func (e *Executor) observeCall(call domain.CallSession) {
	e.callMutex.Lock()
	previous := e.lastCall
	e.lastCall = call
	e.callMutex.Unlock()

	e.metrics.SetCallState(call.State)
	if previous.State == domain.CallStateActive && call.IsIdle() {
		e.metrics.ObserveCallDuration(previous.DurationSeconds)
		e.logger.Info().
			Str("peer", previous.PeerNumber).
			Int("duration_seconds", previous.DurationSeconds).
			Msg("Call finished")
	}
}

func (e *Executor) initRegistration() {
	sipCfg := e.config.SIP
	e.registrar = registration.NewController(registration.Config{
		Logger:     e.logger,
		Factory:    e.factory,
		Dispatcher: e.dispatcher,
		Calls:      e.calls,
		Profiles:   e.restClient,
		Prefs:      e.store,
		Metrics:    e.metrics,
		UserID:     e.config.API.UserID,
		Engine: sip.EngineOptions{
			Server:       sipCfg.Server,
			Port:         sipCfg.Port,
			Transport:    sipCfg.Transport,
			Domain:       sipCfg.Domain,
			Extension:    sipCfg.Extension,
			Password:     sipCfg.Password,
			DisplayName:  sipCfg.DisplayName,
			BindHost:     sipCfg.BindHost,
			BindPort:     sipCfg.BindPort,
			ExpirySecond: sipCfg.RegisterExpiry,
		},
		OnRegistered: func(ctx context.Context) {
			if e.queue != nil {
				e.queue.Rejoin(ctx)
			}
		},
		Lifetime: e.ctx,
	})

	e.logger.Debug().
		Str("server", sipCfg.Server).
		Str("transport", sipCfg.Transport).
		Msg("Registration controller initialized")
}

func (e *Executor) initQueue() error {
	status, err := e.store.QueueStatus(e.ctx)
	if err != nil {
		return err
	}

	e.queue = queue.NewPresenceManager(queue.Config{
		Logger:         e.logger,
		Registrar:      e.registrar,
		API:            e.restClient,
		Calls:          e.calls,
		Store:          e.store,
		Metrics:        e.metrics,
		PollInterval:   e.config.Queue.PollInterval,
		RequestTimeout: e.config.API.Timeout,
		InitialStatus:  status,
	})

	e.logger.Debug().Str("restored_status", string(status)).Msg("Queue presence initialized")
	return nil
}

func (e *Executor) initNotifications() {
	if !e.config.Notifications.Enabled {
		e.logger.Info().Msg("Notification polling is disabled")
		return
	}

	e.poller = notify.NewPoller(notify.Config{
		Logger:       e.logger,
		Source:       e.restClient,
		Metrics:      e.metrics,
		Interval:     e.config.Notifications.Interval,
		LongPollWait: e.config.Notifications.LongPollTimeout,
	})
}

func (e *Executor) initHTTPServer() error {
	if !e.config.HTTP.Enabled {
		e.logger.Info().Msg("HTTP API server is disabled")
		return nil
	}

	e.apiHandlers = api.NewAPIHandlers(e, e.metrics.Handler(), e.logger)

	addr := ":" + strconv.Itoa(e.config.HTTP.Port)
	e.httpServer = &http.Server{
		Addr:              addr,
		Handler:           e.apiHandlers.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		e.logger.Info().
			Int("port", e.config.HTTP.Port).
			Msg("Starting HTTP API server")

		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// autoStartPhone registers again when the phone was connected at the last exit.
func (e *Executor) autoStartPhone() {
	was, err := e.store.WasConnected(e.ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read connected flag")
		return
	}
	if !was {
		return
	}

	e.logger.Info().Msg("Phone was connected at last exit, starting it")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.registrar.Start(e.ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Automatic phone start failed")
		}
	}()
}

func (e *Executor) tokenRefreshRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			accessToken, err := e.tokens.Token(e.ctx)
			if err != nil {
				e.logger.Error().Err(err).Msg("Failed to refresh access token")
				continue
			}
			if e.telemetry != nil {
				e.telemetry.UpdateAccessToken(accessToken)
			}
		}
	}
}

func (e *Executor) healthCheckRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.performHealthCheck()
		}
	}
}

func (e *Executor) performHealthCheck() {
	status := e.Status()

	e.logger.Debug().
		Str("registration", string(status.Registration.State)).
		Str("queue", string(status.Queue)).
		Str("call", string(status.Call.State)).
		Bool("telemetry_connected", status.Telemetry.Connected).
		Msg("Health check completed")

	if e.telemetry != nil && !status.Telemetry.Connected {
		e.logger.Warn().Bool("reconnect_pending", status.Telemetry.ReconnectPending).Msg("Telemetry feed is disconnected")
	}
	if status.Queue == domain.QueueOnline && status.Registration.State != domain.RegistrationRegistered {
		e.logger.Warn().Msg("Queue is online but the phone is not registered")
	}
}

func (e *Executor) StartPhone(ctx context.Context) error {
	return e.registrar.Start(ctx)
}

func (e *Executor) StopPhone(ctx context.Context) error {
	return e.registrar.Stop(ctx)
}

func (e *Executor) Dial(ctx context.Context, target string) error {
	return e.registrar.MakeCall(ctx, target)
}

func (e *Executor) Answer(ctx context.Context) error {
	return e.calls.AnswerCall(ctx)
}

func (e *Executor) Hangup(ctx context.Context) error {
	return e.calls.HangupCall(ctx)
}

func (e *Executor) ResetCall() {
	e.calls.ResetCall()
}

func (e *Executor) SendDTMF(ctx context.Context, digit string) error {
	return e.calls.SendDTMF(ctx, digit)
}

func (e *Executor) JoinQueue(ctx context.Context) error {
	return e.queue.JoinQueue(ctx)
}

func (e *Executor) LeaveQueue(ctx context.Context) error {
	return e.queue.LeaveQueue(ctx)
}

func (e *Executor) SetAutoAnswer(ctx context.Context, enabled bool) error {
	if err := e.store.SetAutoAnswer(ctx, enabled); err != nil {
		return err
	}
	e.autoAnswer.Store(enabled)
	e.logger.Info().Bool("enabled", enabled).Msg("Auto-answer preference changed")
	return nil
}

func (e *Executor) Status() domain.ConsoleStatus {
	status := domain.ConsoleStatus{
		Registration: e.registrar.Status(),
		Queue:        e.queue.Status(),
		Call:         e.calls.Snapshot(),
		AutoAnswer:   e.autoAnswer.Load(),
	}
	if e.telemetry != nil {
		status.Telemetry = domain.TelemetryStatus{
			Connected:        e.telemetry.IsConnected(),
			ReconnectPending: e.telemetry.ReconnectPending(),
			Channels:         len(e.telemetry.Channels()),
			UpdatedAt:        e.telemetry.UpdatedAt(),
		}
	}
	if e.names != nil {
		status.AgentNames = e.names.Names()
	}
	if e.poller != nil {
		status.UnreadNotifications = e.poller.Unread()
	}
	return status
}

func (e *Executor) Channels() []domain.ChannelRecord {
	if e.telemetry == nil {
		return nil
	}
	return e.telemetry.Channels()
}

func (e *Executor) Notifications() []domain.NotificationRecord {
	if e.poller == nil {
		return nil
	}
	return e.poller.List()
}

func (e *Executor) MarkNotificationRead(id string) bool {
	if e.poller == nil {
		return false
	}
	return e.poller.MarkRead(id)
}
