package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"AgentDesk/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsole struct {
	calls      []string
	dialed     string
	digit      string
	autoAnswer bool
	err        error
	read       map[string]bool
}

func (f *fakeConsole) op(name string) error {
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeConsole) StartPhone(context.Context) error { return f.op("start") }
func (f *fakeConsole) StopPhone(context.Context) error  { return f.op("stop") }
func (f *fakeConsole) Dial(_ context.Context, target string) error {
	f.dialed = target
	return f.op("dial")
}
func (f *fakeConsole) Answer(context.Context) error { return f.op("answer") }
func (f *fakeConsole) Hangup(context.Context) error { return f.op("hangup") }
func (f *fakeConsole) ResetCall()                   { f.calls = append(f.calls, "reset") }
func (f *fakeConsole) SendDTMF(_ context.Context, digit string) error {
	f.digit = digit
	return f.op("dtmf")
}
func (f *fakeConsole) JoinQueue(context.Context) error  { return f.op("join") }
func (f *fakeConsole) LeaveQueue(context.Context) error { return f.op("leave") }
func (f *fakeConsole) SetAutoAnswer(_ context.Context, enabled bool) error {
	f.autoAnswer = enabled
	return f.op("auto_answer")
}
func (f *fakeConsole) Status() domain.ConsoleStatus {
	return domain.ConsoleStatus{
		Registration: domain.RegistrationStatus{State: domain.RegistrationRegistered, Extension: "101"},
		Queue:        domain.QueueOnline,
		Call:         domain.IdleCall(),
	}
}
func (f *fakeConsole) Channels() []domain.ChannelRecord {
	return []domain.ChannelRecord{{UniqueID: "u-1", Extension: "101"}}
}
func (f *fakeConsole) Notifications() []domain.NotificationRecord { return nil }
func (f *fakeConsole) MarkNotificationRead(id string) bool {
	return f.read[id]
}

func serve(t *testing.T, console *fakeConsole, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("agentdesk_call_state 1\n"))
	})
	handler := NewAPIHandlers(console, metrics, zerolog.Nop()).SetupRoutes()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestActions(t *testing.T) {
	cases := []struct {
		method, path, body, call string
	}{
		{http.MethodPost, "/api/v1/registration/start", "", "start"},
		{http.MethodPost, "/api/v1/registration/stop", "", "stop"},
		{http.MethodPost, "/api/v1/call/answer", "", "answer"},
		{http.MethodPost, "/api/v1/call/hangup", "", "hangup"},
		{http.MethodPost, "/api/v1/call/reset", "", "reset"},
		{http.MethodPost, "/api/v1/queue/join", "", "join"},
		{http.MethodPost, "/api/v1/queue/leave", "", "leave"},
		{http.MethodPost, "/api/v1/call/dial", `{"destination":"0700111222"}`, "dial"},
		{http.MethodPost, "/api/v1/call/dtmf", `{"digit":"5"}`, "dtmf"},
		{http.MethodPut, "/api/v1/preferences/auto-answer", `{"enabled":true}`, "auto_answer"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			console := &fakeConsole{}
			rec, body := serve(t, console, tc.method, tc.path, tc.body)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, []string{tc.call}, console.calls)
		})
	}
}

func TestDial_PassesDestination(t *testing.T) {
	console := &fakeConsole{}
	serve(t, console, http.MethodPost, "/api/v1/call/dial", `{"destination":"+255 700 111 222"}`)
	assert.Equal(t, "+255 700 111 222", console.dialed)
}

func TestDial_Validation(t *testing.T) {
	for _, body := range []string{`not json`, `{}`} {
		console := &fakeConsole{}
		rec, decoded := serve(t, console, http.MethodPost, "/api/v1/call/dial", body)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, false, decoded["success"])
		assert.Empty(t, console.calls)
	}
}

func TestFailuresUseFriendlyMessages(t *testing.T) {
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{domain.NewError(domain.ErrNotConnected, domain.MsgNotConnected, nil), http.StatusConflict, domain.MsgNotConnected},
		{domain.NewError(domain.ErrNoExtension, domain.MsgNoExtension, nil), http.StatusPreconditionFailed, domain.MsgNoExtension},
		{domain.NewError(domain.ErrTimeout, domain.MsgTimeout, nil), http.StatusGatewayTimeout, domain.MsgTimeout},
		{domain.NewError(domain.ErrAuthentication, domain.MsgAuthFailed, nil), http.StatusBadGateway, domain.MsgAuthFailed},
		{context.Canceled, http.StatusInternalServerError, domain.MsgGeneric},
	}

	for _, tc := range cases {
		console := &fakeConsole{err: tc.err}
		rec, body := serve(t, console, http.MethodPost, "/api/v1/queue/join", "")

		assert.Equal(t, tc.status, rec.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, tc.msg, body["error"])
	}
}

func TestStatus(t *testing.T) {
	rec, body := serve(t, &fakeConsole{}, http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	status := body["status"].(map[string]any)
	assert.Equal(t, "online", status["queue"])
	assert.Equal(t, "registered", status["registration"].(map[string]any)["state"])
	assert.Equal(t, "idle", status["call"].(map[string]any)["state"])
	assert.Equal(t, Version, body["version"])
}

func TestChannelsAndNotifications(t *testing.T) {
	_, channels := serve(t, &fakeConsole{}, http.MethodGet, "/api/v1/channels", "")
	assert.Len(t, channels["channels"], 1)

	_, notifications := serve(t, &fakeConsole{}, http.MethodGet, "/api/v1/notifications", "")
	assert.Equal(t, []any{}, notifications["notifications"])
}

func TestMarkRead(t *testing.T) {
	console := &fakeConsole{read: map[string]bool{"n-1": true}}

	rec, _ := serve(t, console, http.MethodPost, "/api/v1/notifications/n-1/read", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(t, console, http.MethodPost, "/api/v1/notifications/n-2/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	rec, body := serve(t, &fakeConsole{}, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec, _ = serve(t, &fakeConsole{}, http.MethodGet, "/metrics", "")
	assert.Contains(t, rec.Body.String(), "agentdesk_call_state")

	rec, _ = serve(t, &fakeConsole{}, http.MethodOptions, "/api/v1/queue/join", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(t, &fakeConsole{}, http.MethodGet, "/api/v1/queue/join", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
