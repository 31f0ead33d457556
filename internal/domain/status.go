package domain

import "time"

// TelemetryStatus summarises the channel feed for status views.
type TelemetryStatus struct {
	Connected        bool      `json:"connected"`
	ReconnectPending bool      `json:"reconnect_pending"`
	Channels         int       `json:"channels"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// ConsoleStatus is the combined view the operator UI renders.
type ConsoleStatus struct {
	Registration        RegistrationStatus `json:"registration"`
	Queue               QueueStatus        `json:"queue"`
	Call                CallSession        `json:"call"`
	AutoAnswer          bool               `json:"auto_answer"`
	Telemetry           TelemetryStatus    `json:"telemetry"`
	UnreadNotifications int                `json:"unread_notifications"`
	// AgentNames maps extensions seen on the feed to agent names.
	AgentNames map[string]string `json:"agent_names,omitempty"`
}
