package telemetry

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"AgentDesk/internal/domain"
	json "github.com/goccy/go-json"
)

// Positional offsets of the upstream channel feed. They are part of the wire
// contract; renumbering requires a protocol version bump.
const (
	FieldTimestamp           = 1
	FieldUniqueID            = 2
	FieldChannel             = 3
	FieldCallerIDNum         = 4
	FieldCallerIDName        = 5
	FieldContext             = 6
	FieldExtension           = 7
	FieldUp                  = 13
	FieldQueued              = 14
	FieldConnected           = 15
	FieldHangup              = 16
	FieldHold                = 18
	FieldSIPCallID           = 50
	FieldCampaignID          = 53
	FieldWrapup              = 54
	FieldStatusCode          = 81
	FieldStatusText          = 82
	FieldStatusTimestamp     = 83
	FieldStatusTimestampText = 84
)

// FieldIndex names every offset once. Keys double as the field names of
// pre-shaped records.
var FieldIndex = map[string]int{
	"timestamp":           FieldTimestamp,
	"uniqueid":            FieldUniqueID,
	"channel":             FieldChannel,
	"calleridnum":         FieldCallerIDNum,
	"calleridname":        FieldCallerIDName,
	"context":             FieldContext,
	"extension":           FieldExtension,
	"up":                  FieldUp,
	"queued":              FieldQueued,
	"connected":           FieldConnected,
	"hangup":              FieldHangup,
	"hold":                FieldHold,
	"sipcallid":           FieldSIPCallID,
	"campaignid":          FieldCampaignID,
	"wrapup":              FieldWrapup,
	"statuscode":          FieldStatusCode,
	"statustext":          FieldStatusText,
	"statustimestamp":     FieldStatusTimestamp,
	"statustimestamptext": FieldStatusTimestampText,
}

// DecodeResult is one decoded telemetry message.
type DecodeResult struct {
	Records []domain.ChannelRecord
	// Skipped counts items that were neither an array nor an object.
	Skipped int
}

// DecodeMessage accepts the payload as JSON or as a JSON string holding JSON.
// Channel data is read from "channels", then "data", then the payload itself.
func DecodeMessage(data []byte) (DecodeResult, error) {
	raw, err := unwrapString(bytes.TrimSpace(data))
	if err != nil {
		return DecodeResult{}, err
	}
	if len(raw) == 0 {
		return DecodeResult{}, fmt.Errorf("empty telemetry payload")
	}

	if raw[0] == '{' {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return DecodeResult{}, fmt.Errorf("failed to decode telemetry payload: %w", err)
		}
		if v, ok := envelope["channels"]; ok {
			raw = v
		} else if v, ok := envelope["data"]; ok {
			raw = v
		}
		if raw, err = unwrapString(bytes.TrimSpace(raw)); err != nil {
			return DecodeResult{}, err
		}
	}

	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return DecodeResult{}, nil
	}

	var result DecodeResult
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return DecodeResult{}, fmt.Errorf("failed to decode channel list: %w", err)
		}
		for _, item := range items {
			result.add(item)
		}
	case '{':
		var items map[string]json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return DecodeResult{}, fmt.Errorf("failed to decode channel map: %w", err)
		}
		keys := make([]string, 0, len(items))
		for k := range items {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			result.add(items[k])
		}
	default:
		return DecodeResult{}, fmt.Errorf("unexpected channel data %q", truncate(raw))
	}

	return result, nil
}

func (r *DecodeResult) add(item json.RawMessage) {
	rec, ok := DecodeRecord(item)
	if !ok {
		r.Skipped++
		return
	}
	r.Records = append(r.Records, rec)
}

// DecodeRecord decodes a positional array or a pre-shaped object. Missing or
// mistyped fields keep their zero value.
func DecodeRecord(item json.RawMessage) (domain.ChannelRecord, bool) {
	item, err := unwrapString(bytes.TrimSpace(item))
	if err != nil || len(item) == 0 {
		return domain.ChannelRecord{}, false
	}

	switch item[0] {
	case '[':
		var fields []json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return domain.ChannelRecord{}, false
		}
		return assemble(func(name string) json.RawMessage {
			idx := FieldIndex[name]
			if idx < len(fields) {
				return fields[idx]
			}
			return nil
		}), true
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return domain.ChannelRecord{}, false
		}
		return assemble(func(name string) json.RawMessage {
			return fields[name]
		}), true
	default:
		return domain.ChannelRecord{}, false
	}
}

func assemble(get func(name string) json.RawMessage) domain.ChannelRecord {
	return domain.ChannelRecord{
		Timestamp:           asInt64(get("timestamp")),
		UniqueID:            asString(get("uniqueid")),
		Channel:             asString(get("channel")),
		CallerIDNum:         asString(get("calleridnum")),
		CallerIDName:        asString(get("calleridname")),
		Context:             asString(get("context")),
		Extension:           asString(get("extension")),
		Up:                  asBool(get("up")),
		Queued:              asBool(get("queued")),
		Connected:           asBool(get("connected")),
		Hangup:              asBool(get("hangup")),
		Hold:                asBool(get("hold")),
		SIPCallID:           asString(get("sipcallid")),
		CampaignID:          asString(get("campaignid")),
		Wrapup:              asString(get("wrapup")),
		StatusCode:          asString(get("statuscode")),
		StatusText:          asString(get("statustext")),
		StatusTimestamp:     asInt64(get("statustimestamp")),
		StatusTimestampText: asString(get("statustimestamptext")),
	}
}

func unwrapString(raw []byte) ([]byte, error) {
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode string payload: %w", err)
	}
	return bytes.TrimSpace([]byte(s)), nil
}

func asString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	if raw[0] == '[' || raw[0] == '{' {
		return ""
	}
	return string(raw)
}

func asBool(raw json.RawMessage) bool {
	s := strings.ToLower(strings.TrimSpace(asString(raw)))
	switch s {
	case "true", "t", "yes", "y", "1":
		return true
	case "", "false", "f", "no", "n", "0":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f != 0
	}
	return false
}

func asInt64(raw json.RawMessage) int64 {
	s := strings.TrimSpace(asString(raw))
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

func truncate(raw []byte) string {
	if len(raw) > 32 {
		return string(raw[:32]) + "..."
	}
	return string(raw)
}
