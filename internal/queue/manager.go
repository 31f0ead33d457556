package queue

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval   = 3 * time.Second
	defaultRequestTimeout = 10 * time.Second

	msgJoinRejected = "Could not join the queue, try again"
)

type Registrar interface {
	Start(ctx context.Context) error
	IsRegistered() bool
	Extension(ctx context.Context) (string, error)
}

type API interface {
	JoinQueue(ctx context.Context, extension string) (int, error)
	LeaveQueue(ctx context.Context, extension string) (int, error)
	LiveStatus(ctx context.Context, extension string) ([]domain.LiveAgent, error)
}

// SessionReconciler is the part of the call controller the live-status poll
// reconciles against.
type SessionReconciler interface {
	Snapshot() domain.CallSession
	AssignSessionID(id string) bool
}

type StatusStore interface {
	SetQueueStatus(ctx context.Context, status domain.QueueStatus) error
}

type Config struct {
	Logger         zerolog.Logger
	Registrar      Registrar
	API            API
	Calls          SessionReconciler
	Store          StatusStore
	Metrics        *metrics.Metrics
	PollInterval   time.Duration
	RequestTimeout time.Duration
	// InitialStatus is the status restored from the store.
	InitialStatus domain.QueueStatus
	Observer      func(status domain.QueueStatus)
}

// PresenceManager toggles queue membership and checks it against the
// server's live agent list.
type PresenceManager struct {
	logger         zerolog.Logger
	reg            Registrar
	api            API
	calls          SessionReconciler
	store          StatusStore
	metrics        *metrics.Metrics
	pollInterval   time.Duration
	requestTimeout time.Duration
	observer       func(status domain.QueueStatus)

	mutex     sync.Mutex
	status    domain.QueueStatus
	confirmed bool
	// pollStop is non-nil exactly while a live-status loop runs.
	pollStop chan struct{}
}

func NewPresenceManager(cfg Config) *PresenceManager {
	m := &PresenceManager{
		logger:         cfg.Logger.With().Str("component", "queue").Logger(),
		reg:            cfg.Registrar,
		api:            cfg.API,
		calls:          cfg.Calls,
		store:          cfg.Store,
		metrics:        cfg.Metrics,
		pollInterval:   cfg.PollInterval,
		requestTimeout: cfg.RequestTimeout,
		observer:       cfg.Observer,
		status:         domain.QueueOffline,
	}
	if cfg.InitialStatus == domain.QueueOnline {
		m.status = domain.QueueOnline
	}
	if m.pollInterval <= 0 {
		m.pollInterval = defaultPollInterval
	}
	if m.requestTimeout <= 0 {
		m.requestTimeout = defaultRequestTimeout
	}
	m.metrics.SetQueueStatus(m.status)
	return m
}

func (m *PresenceManager) Status() domain.QueueStatus {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.status
}

// Confirmed reports whether the extension was seen in server telemetry since
// the last join.
func (m *PresenceManager) Confirmed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.confirmed
}

func (m *PresenceManager) IsPolling() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.pollStop != nil
}

// JoinQueue makes the operator eligible for queue calls.
func (m *PresenceManager) JoinQueue(ctx context.Context) error {
	if !m.reg.IsRegistered() {
		go func() {
			if err := m.reg.Start(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn().Err(err).Msg("Background phone start failed")
			}
		}()
	}

	extension, err := m.reg.Extension(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Cannot join queue without an extension")
		return err
	}

	m.mutex.Lock()
	m.confirmed = false
	m.mutex.Unlock()
	m.setStatus(ctx, domain.QueueJoining)

	return m.join(ctx, extension)
}

// Rejoin repeats the join request after a re-registration when the operator
// was online before. It does nothing otherwise.
func (m *PresenceManager) Rejoin(ctx context.Context) {
	if m.Status() != domain.QueueOnline {
		return
	}
	extension, err := m.reg.Extension(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Queue rejoin skipped")
		return
	}

	m.logger.Info().Str("extension", extension).Msg("Rejoining queue after registration")
	if err := m.join(ctx, extension); err != nil {
		m.logger.Warn().Err(err).Msg("Queue rejoin failed")
	}
}

func (m *PresenceManager) join(ctx context.Context, extension string) error {
	code, err := m.api.JoinQueue(ctx, extension)
	if err != nil {
		m.setStatus(ctx, domain.QueueOffline)
		m.logger.Error().Err(err).Str("extension", extension).Msg("Queue join failed")
		return err
	}

	if code != http.StatusOK && code != http.StatusNonAuthoritativeInfo {
		m.setStatus(ctx, domain.QueueOffline)
		m.logger.Warn().Int("status", code).Str("extension", extension).Msg("Queue join rejected")
		return domain.NewError(domain.ErrConnection, msgJoinRejected, fmt.Errorf("queue join returned status %d", code))
	}

	m.setStatus(ctx, domain.QueueOnline)
	m.logger.Info().Str("extension", extension).Msg("Joined queue")

	m.verify(ctx, extension)
	m.StartPollingLiveStatus(extension)
	return nil
}

// LeaveQueue always sends the leave request, even when the extension could
// not be resolved, and always ends offline.
func (m *PresenceManager) LeaveQueue(ctx context.Context) error {
	extension, extErr := m.reg.Extension(ctx)
	if extErr != nil {
		m.logger.Warn().Err(extErr).Msg("Leaving queue without a resolved extension")
	}

	m.StopPollingLiveStatus()

	code, err := m.api.LeaveQueue(ctx, extension)
	m.setStatus(ctx, domain.QueueOffline)

	if extension != "" {
		m.verify(ctx, extension)
	}

	if err != nil {
		m.logger.Error().Err(err).Str("extension", extension).Msg("Queue leave failed")
		return err
	}
	m.logger.Info().Int("status", code).Str("extension", extension).Msg("Left queue")
	return nil
}

// StartPollingLiveStatus replaces any running loop with one that checks the
// live agent list every poll interval while the status stays online.
func (m *PresenceManager) StartPollingLiveStatus(extension string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.stopPollingLocked()
	stop := make(chan struct{})
	m.pollStop = stop

	go m.pollLoop(extension, stop)
}

func (m *PresenceManager) StopPollingLiveStatus() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stopPollingLocked()
}

func (m *PresenceManager) stopPollingLocked() {
	if m.pollStop != nil {
		close(m.pollStop)
		m.pollStop = nil
	}
}

func (m *PresenceManager) pollLoop(extension string, stop chan struct{}) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		m.mutex.Lock()
		if m.pollStop != stop {
			m.mutex.Unlock()
			return
		}
		if m.status != domain.QueueOnline {
			m.stopPollingLocked()
			m.mutex.Unlock()
			m.logger.Debug().Msg("Live-status polling stopped, queue status left online")
			return
		}
		m.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
		m.verify(ctx, extension)
		cancel()
	}
}

// verify polls the live agent list once and reports whether extension is in it.
func (m *PresenceManager) verify(ctx context.Context, extension string) bool {
	agents, err := m.api.LiveStatus(ctx, extension)
	if err != nil {
		m.logger.Warn().Err(err).Str("extension", extension).Msg("Live-status poll failed")
		return false
	}

	var present bool
	var uniqueID string
	for _, agent := range agents {
		if agent.Extension != extension {
			continue
		}
		present = true
		if uniqueID == "" && agent.UniqueID != "" {
			uniqueID = agent.UniqueID
		}
	}

	m.mutex.Lock()
	status := m.status
	if present {
		m.confirmed = true
	}
	m.mutex.Unlock()

	if !present && status == domain.QueueOnline {
		m.logger.Warn().
			Str("extension", extension).
			Int("live_agents", len(agents)).
			Msg("Queue status is online but extension is missing from server telemetry")
		m.metrics.IncPresenceDesync()
	}

	if uniqueID != "" && m.calls != nil {
		snap := m.calls.Snapshot()
		if !snap.IsIdle() && snap.ID == "" && m.calls.AssignSessionID(uniqueID) {
			m.logger.Info().
				Str("extension", extension).
				Str("call_id", uniqueID).
				Msg("Call session matched to server channel")
		}
	}
	return present
}

func (m *PresenceManager) setStatus(ctx context.Context, status domain.QueueStatus) {
	m.mutex.Lock()
	changed := m.status != status
	m.status = status
	m.mutex.Unlock()

	if !changed {
		return
	}
	m.metrics.SetQueueStatus(status)
	if m.observer != nil {
		m.observer(status)
	}
	if status == domain.QueueJoining || m.store == nil {
		return
	}
	if err := m.store.SetQueueStatus(context.WithoutCancel(ctx), status); err != nil {
		m.logger.Warn().Err(err).Str("status", string(status)).Msg("Failed to persist queue status")
	}
}
