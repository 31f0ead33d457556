package domain

type RegistrationState string

const (
	RegistrationDisconnected RegistrationState = "disconnected"
	RegistrationConnecting   RegistrationState = "connecting"
	RegistrationConnected    RegistrationState = "connected"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationError        RegistrationState = "error"
)

// RegistrationStatus is owned by the registration controller.
type RegistrationStatus struct {
	State     RegistrationState `json:"state"`
	Error     string            `json:"error,omitempty"`
	Extension string            `json:"extension,omitempty"`
}

type QueueStatus string

const (
	QueueOffline QueueStatus = "offline"
	QueueJoining QueueStatus = "joining"
	QueueOnline  QueueStatus = "online"
)

// ParseQueueStatus maps persisted text back to a status; anything unknown is offline.
func ParseQueueStatus(s string) QueueStatus {
	switch QueueStatus(s) {
	case QueueOnline:
		return QueueOnline
	case QueueJoining:
		return QueueJoining
	default:
		return QueueOffline
	}
}

// Profile is the operator record returned by the remote profile lookup.
type Profile struct {
	UserID    string `json:"user_id"`
	Extension string `json:"extension"`
	Secret    string `json:"-"`
	Name      string `json:"name,omitempty"`
}

// LiveAgent is one row of the live-status telemetry endpoint.
type LiveAgent struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status,omitempty"`
	UniqueID  string `json:"unique_id,omitempty"`
}
