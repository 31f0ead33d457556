package domain

import "strings"

// AgentLoginContext is the dialplan context of channels that belong to logged-in agents.
const AgentLoginContext = "agentlogin"

// NoExtension is the feed's placeholder for a channel without an extension.
const NoExtension = "--"

// ChannelRecord is one telephony channel from the telemetry feed.
// It is rebuilt on every telemetry message.
type ChannelRecord struct {
	Timestamp           int64  `json:"timestamp"`
	UniqueID            string `json:"uniqueid"`
	Channel             string `json:"channel"`
	CallerIDNum         string `json:"calleridnum"`
	CallerIDName        string `json:"calleridname"`
	Context             string `json:"context"`
	Extension           string `json:"extension"`
	Up                  bool   `json:"up"`
	Queued              bool   `json:"queued"`
	Connected           bool   `json:"connected"`
	Hangup              bool   `json:"hangup"`
	Hold                bool   `json:"hold"`
	SIPCallID           string `json:"sipcallid"`
	CampaignID          string `json:"campaignid"`
	Wrapup              string `json:"wrapup"`
	StatusCode          string `json:"statuscode"`
	StatusText          string `json:"statustext"`
	StatusTimestamp     int64  `json:"statustimestamp"`
	StatusTimestampText string `json:"statustimestamptext"`
}

// IsAgentLogin reports whether the record is an agent login channel with a usable extension.
func (r ChannelRecord) IsAgentLogin() bool {
	if !strings.EqualFold(r.Context, AgentLoginContext) {
		return false
	}
	return r.Extension != "" && r.Extension != NoExtension
}
