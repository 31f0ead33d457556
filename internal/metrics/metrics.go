package metrics

import (
	"net/http"

	"AgentDesk/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the console collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrationState  *prometheus.GaugeVec
	queueStatus        *prometheus.GaugeVec
	callState          *prometheus.GaugeVec
	callDuration       prometheus.Histogram
	telemetryConnected prometheus.Gauge
	telemetryReconnect prometheus.Counter
	telemetryChannels  prometheus.Gauge
	telemetrySkipped   prometheus.Counter
	notifications      prometheus.Gauge
	presenceDesync     prometheus.Counter
}

var (
	registrationStates = []domain.RegistrationState{
		domain.RegistrationDisconnected, domain.RegistrationConnecting, domain.RegistrationConnected,
		domain.RegistrationRegistered, domain.RegistrationError,
	}
	queueStatuses = []domain.QueueStatus{domain.QueueOffline, domain.QueueJoining, domain.QueueOnline}
	callStates    = []domain.CallState{
		domain.CallStateIdle, domain.CallStateRinging, domain.CallStateCalling, domain.CallStateActive,
	}
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrationState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentdesk_registration_state",
			Help: "SIP registration state (1 for the current state)",
		}, []string{"state"}),
		queueStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentdesk_queue_status",
			Help: "Queue presence status (1 for the current status)",
		}, []string{"status"}),
		callState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentdesk_call_state",
			Help: "Call session state (1 for the current state)",
		}, []string{"state"}),
		callDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentdesk_call_duration_seconds",
			Help:    "Duration of established calls",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		telemetryConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdesk_telemetry_connected",
			Help: "Whether the channel telemetry socket is open",
		}),
		telemetryReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdesk_telemetry_reconnects_total",
			Help: "Scheduled telemetry reconnect attempts",
		}),
		telemetryChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdesk_telemetry_channels",
			Help: "Channels in the latest telemetry snapshot",
		}),
		telemetrySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdesk_telemetry_skipped_records_total",
			Help: "Telemetry records that could not be decoded",
		}),
		notifications: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentdesk_notifications_unread",
			Help: "Unread notifications held in memory",
		}),
		presenceDesync: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentdesk_queue_presence_desync_total",
			Help: "Live-status polls where an online agent was missing from server telemetry",
		}),
	}

	m.registry.MustRegister(
		m.registrationState, m.queueStatus, m.callState, m.callDuration,
		m.telemetryConnected, m.telemetryReconnect, m.telemetryChannels, m.telemetrySkipped,
		m.notifications, m.presenceDesync,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetRegistrationState(state domain.RegistrationState) {
	if m == nil {
		return
	}
	for _, s := range registrationStates {
		m.registrationState.WithLabelValues(string(s)).Set(boolToFloat(s == state))
	}
}

func (m *Metrics) SetQueueStatus(status domain.QueueStatus) {
	if m == nil {
		return
	}
	for _, s := range queueStatuses {
		m.queueStatus.WithLabelValues(string(s)).Set(boolToFloat(s == status))
	}
}

func (m *Metrics) SetCallState(state domain.CallState) {
	if m == nil {
		return
	}
	for _, s := range callStates {
		m.callState.WithLabelValues(string(s)).Set(boolToFloat(s == state))
	}
}

func (m *Metrics) ObserveCallDuration(seconds int) {
	if m == nil {
		return
	}
	m.callDuration.Observe(float64(seconds))
}

func (m *Metrics) SetTelemetryConnected(connected bool) {
	if m == nil {
		return
	}
	m.telemetryConnected.Set(boolToFloat(connected))
}

func (m *Metrics) IncTelemetryReconnect() {
	if m == nil {
		return
	}
	m.telemetryReconnect.Inc()
}

func (m *Metrics) SetTelemetryChannels(n int) {
	if m == nil {
		return
	}
	m.telemetryChannels.Set(float64(n))
}

func (m *Metrics) AddTelemetrySkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.telemetrySkipped.Add(float64(n))
}

func (m *Metrics) SetUnreadNotifications(n int) {
	if m == nil {
		return
	}
	m.notifications.Set(float64(n))
}

func (m *Metrics) IncPresenceDesync() {
	if m == nil {
		return
	}
	m.presenceDesync.Inc()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// PresenceDesync exposes the desync counter for assertions.
func (m *Metrics) PresenceDesync() prometheus.Counter {
	return m.presenceDesync
}

func (m *Metrics) TelemetryReconnects() prometheus.Counter {
	return m.telemetryReconnect
}
