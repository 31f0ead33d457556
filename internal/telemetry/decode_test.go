package telemetry

import (
	"strconv"
	"testing"

	"AgentDesk/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// goldenRow builds an 85-slot positional record with every mapped offset set.
func goldenRow() []any {
	row := make([]any, 85)
	for i := range row {
		row[i] = "x" + strconv.Itoa(i)
	}
	row[FieldTimestamp] = 1717000000
	row[FieldUniqueID] = "1717000000.42"
	row[FieldChannel] = "SIP/101-0000002a"
	row[FieldCallerIDNum] = "255700111222"
	row[FieldCallerIDName] = "Amina"
	row[FieldContext] = "agentlogin"
	row[FieldExtension] = "101"
	row[FieldUp] = true
	row[FieldQueued] = "0"
	row[FieldConnected] = 1
	row[FieldHangup] = false
	row[FieldHold] = "true"
	row[FieldSIPCallID] = "abc@10.0.0.1"
	row[FieldCampaignID] = "CAMP7"
	row[FieldWrapup] = "30"
	row[FieldStatusCode] = 5000
	row[FieldStatusText] = "READY"
	row[FieldStatusTimestamp] = "1717000100"
	row[FieldStatusTimestampText] = "2024-05-29 16:28:20"
	return row
}

var goldenRecord = domain.ChannelRecord{
	Timestamp:           1717000000,
	UniqueID:            "1717000000.42",
	Channel:             "SIP/101-0000002a",
	CallerIDNum:         "255700111222",
	CallerIDName:        "Amina",
	Context:             "agentlogin",
	Extension:           "101",
	Up:                  true,
	Queued:              false,
	Connected:           true,
	Hangup:              false,
	Hold:                true,
	SIPCallID:           "abc@10.0.0.1",
	CampaignID:          "CAMP7",
	Wrapup:              "30",
	StatusCode:          "5000",
	StatusText:          "READY",
	StatusTimestamp:     1717000100,
	StatusTimestampText: "2024-05-29 16:28:20",
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestFieldIndex_MatchesConstants(t *testing.T) {
	assert.Len(t, FieldIndex, 19)
	seen := map[int]string{}
	for name, idx := range FieldIndex {
		if other, dup := seen[idx]; dup {
			t.Fatalf("offset %d used by %s and %s", idx, name, other)
		}
		seen[idx] = name
	}
	assert.Equal(t, 1, FieldIndex["timestamp"])
	assert.Equal(t, 7, FieldIndex["extension"])
	assert.Equal(t, 18, FieldIndex["hold"])
	assert.Equal(t, 50, FieldIndex["sipcallid"])
	assert.Equal(t, 84, FieldIndex["statustimestamptext"])
}

func TestDecodeMessage_GoldenPositionalRecord(t *testing.T) {
	payload := mustJSON(t, map[string]any{"channels": map[string]any{"k1": goldenRow()}})

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, goldenRecord, result.Records[0])
	assert.Zero(t, result.Skipped)
}

func TestDecodeMessage_ShortRecordDefaults(t *testing.T) {
	payload := mustJSON(t, map[string]any{"channels": map[string]any{
		"a": []any{"ignored", 1717000000, "u-1", "SIP/7"},
	}})

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	assert.Equal(t, int64(1717000000), rec.Timestamp)
	assert.Equal(t, "u-1", rec.UniqueID)
	assert.Equal(t, "SIP/7", rec.Channel)
	assert.Empty(t, rec.Extension)
	assert.False(t, rec.Hold)
	assert.Empty(t, rec.StatusTimestampText)
}

func TestDecodeMessage_StringEncodedPayload(t *testing.T) {
	inner := mustJSON(t, map[string]any{"channels": map[string]any{"k1": goldenRow()}})
	payload := mustJSON(t, string(inner))

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, goldenRecord, result.Records[0])
}

func TestDecodeMessage_MapDecodedInKeyOrder(t *testing.T) {
	payload := []byte(`{"data":{"b":[0,0,"second"],"a":[0,0,"first"],"c":[0,0,"third"]}}`)

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.Equal(t, "first", result.Records[0].UniqueID)
	assert.Equal(t, "second", result.Records[1].UniqueID)
	assert.Equal(t, "third", result.Records[2].UniqueID)
}

func TestDecodeMessage_PreShapedRecords(t *testing.T) {
	payload := []byte(`[{"uniqueid":"u-9","context":"AgentLogin","extension":"205","up":"1","statustext":"PAUSED"}]`)

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	assert.Equal(t, "u-9", rec.UniqueID)
	assert.Equal(t, "205", rec.Extension)
	assert.True(t, rec.Up)
	assert.Equal(t, "PAUSED", rec.StatusText)
	assert.True(t, rec.IsAgentLogin())
}

func TestDecodeMessage_MalformedRecordDoesNotDropBatch(t *testing.T) {
	payload := []byte(`{"channels":{"a":[0,1,"ok-1"],"b":42,"c":[0,2,{"nested":true},null,[1]],"d":"not json"}}`)

	result, err := DecodeMessage(payload)

	require.NoError(t, err)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "ok-1", result.Records[0].UniqueID)
	assert.Equal(t, int64(2), result.Records[1].Timestamp)
	assert.Empty(t, result.Records[1].UniqueID)
	assert.Equal(t, 2, result.Skipped)
}

func TestDecodeMessage_Errors(t *testing.T) {
	for _, payload := range []string{``, `{`, `"{"`, `true`, `{"channels":17}`} {
		_, err := DecodeMessage([]byte(payload))
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestDecodeMessage_EmptyChannels(t *testing.T) {
	for _, payload := range []string{`{"channels":null}`, `{"channels":[]}`, `{"channels":{}}`} {
		result, err := DecodeMessage([]byte(payload))
		require.NoError(t, err, "payload %q", payload)
		assert.Empty(t, result.Records)
	}
}

func TestAgentExtensions_OncePerExtension(t *testing.T) {
	records := []domain.ChannelRecord{
		{Context: "agentlogin", Extension: "101"},
		{Context: "AGENTLOGIN", Extension: "101"},
		{Context: "agentlogin", Extension: "--"},
		{Context: "agentlogin", Extension: ""},
		{Context: "from-internal", Extension: "103"},
		{Context: "AgentLogin", Extension: "102"},
	}

	assert.Equal(t, []string{"101", "102"}, agentExtensions(records))
}
