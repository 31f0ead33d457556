package restapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"AgentDesk/internal/auth"
	"AgentDesk/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Client talks to the console REST API: queue membership, live agent status,
// the operator profile and the notification feed.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

type ClientConfig struct {
	BaseURL string
	Tokens  auth.TokenSource
	Timeout time.Duration
	Logger  zerolog.Logger
}

type queueRequest struct {
	Action string `json:"action"`
	Break  string `json:"break,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

func NewClient(config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		tokens:  config.Tokens,
		// deadlines are per request so long polls can outlast timeout
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     config.Logger.With().Str("component", "restapi").Logger(),
		now:        time.Now,
	}
}

// JoinQueue asks the server to add extension to its queues and returns the
// HTTP status. Callers decide what counts as success.
func (c *Client) JoinQueue(ctx context.Context, extension string) (int, error) {
	return c.postQueue(ctx, extension, queueRequest{Action: "1"})
}

// LeaveQueue logs extension out of its queues.
func (c *Client) LeaveQueue(ctx context.Context, extension string) (int, error) {
	return c.postQueue(ctx, extension, queueRequest{Action: "0", Break: "logout"})
}

func (c *Client) postQueue(ctx context.Context, extension string, request queueRequest) (int, error) {
	c.logger.Debug().
		Str("extension", extension).
		Str("action", request.Action).
		Msg("Sending queue request")

	data, err := json.Marshal(request)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal queue request: %w", err)
	}

	requestURL := fmt.Sprintf("%s/queue/%s", c.baseURL, url.PathEscape(extension))
	resp, body, err := c.do(ctx, http.MethodPost, requestURL, data)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, statusError(resp.StatusCode, body)
	}

	c.logger.Info().
		Str("extension", extension).
		Str("action", request.Action).
		Int("status", resp.StatusCode).
		Msg("Queue request completed")

	return resp.StatusCode, nil
}

// LiveStatus returns the live agents the telemetry endpoint reports for extension.
func (c *Client) LiveStatus(ctx context.Context, extension string) ([]domain.LiveAgent, error) {
	params := url.Values{}
	params.Set("exten", extension)
	params.Set("_c", strconv.FormatInt(c.now().UnixMilli(), 10))

	requestURL := fmt.Sprintf("%s/telemetry/agents?%s", c.baseURL, params.Encode())
	rows, err := c.getRows(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	agents := make([]domain.LiveAgent, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		agents = append(agents, domain.LiveAgent{
			Extension: rows.String(i, "exten"),
			Name:      rows.String(i, "name"),
			Status:    rows.String(i, "status"),
			UniqueID:  rows.String(i, "uniqueid"),
		})
	}
	return agents, nil
}

// Profile looks up the operator record for userID. The extension may be empty.
func (c *Client) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	requestURL := fmt.Sprintf("%s/users/%s/profile", c.baseURL, url.PathEscape(userID))
	rows, err := c.getRows(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	profile := &domain.Profile{UserID: userID}
	if rows.Len() > 0 {
		profile.Extension = strings.TrimSpace(rows.String(0, "extension"))
		profile.Secret = rows.String(0, "secret")
		profile.Name = rows.String(0, "name")
	}
	return profile, nil
}

// NotificationPage is one poll of the notification feed.
type NotificationPage struct {
	Cursor int64
	Items  []domain.NotificationRecord
}

type notificationResponse struct {
	Cursor int64            `json:"cursor"`
	Items  []map[string]any `json:"items"`
}

// Notifications fetches items after cursor. A positive wait asks the server to
// hold the request open until something arrives.
func (c *Client) Notifications(ctx context.Context, cursor int64, wait time.Duration) (*NotificationPage, error) {
	params := url.Values{}
	params.Set("cursor", strconv.FormatInt(cursor, 10))
	if wait > 0 {
		params.Set("wait", strconv.Itoa(int(wait/time.Second)))
	}

	requestURL := fmt.Sprintf("%s/notifications?%s", c.baseURL, params.Encode())
	resp, body, err := c.doWithin(ctx, wait+c.timeout, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}

	var payload notificationResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal notifications: %w", err)
	}

	page := &NotificationPage{Cursor: payload.Cursor}
	for _, item := range payload.Items {
		record, ok := notificationFromMap(item)
		if !ok {
			c.logger.Debug().Interface("item", item).Msg("Skipping notification without id")
			continue
		}
		page.Items = append(page.Items, record)
	}
	return page, nil
}

func (c *Client) getRows(ctx context.Context, requestURL string) (*Rows, error) {
	resp, body, err := c.do(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	return decodeRows(body)
}

func (c *Client) do(ctx context.Context, method, requestURL string, data []byte) (*http.Response, []byte, error) {
	return c.doWithin(ctx, c.timeout, method, requestURL, data)
}

// doWithin runs one request, body read included, under the given deadline.
func (c *Client) doWithin(ctx context.Context, timeout time.Duration, method, requestURL string, data []byte) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if data != nil {
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, nil, domain.NewError(domain.ErrAuthentication, domain.MsgAuthFailed, fmt.Errorf("failed to get access token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, transportError(fmt.Errorf("failed to read response body: %w", err))
	}

	return resp, body, nil
}

func transportError(err error) error {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.NewError(domain.ErrTimeout, domain.MsgTimeout, fmt.Errorf("failed to make request: %w", err))
	}
	return domain.NewError(domain.ErrConnection, domain.MsgServerUnreachable, fmt.Errorf("failed to make request: %w", err))
}

func statusError(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		detail = apiErr.Message
	}
	cause := fmt.Errorf("API request failed with status %d: %s", status, detail)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.NewError(domain.ErrAuthentication, domain.MsgAuthFailed, cause)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.NewError(domain.ErrTimeout, domain.MsgTimeout, cause)
	case status >= 500:
		return domain.NewError(domain.ErrConnection, domain.MsgServerError, cause)
	default:
		return cause
	}
}

var notificationFields = map[string]struct{}{
	"id": {}, "timestamp": {}, "read": {}, "kind": {}, "type": {}, "title": {}, "body": {},
}

func notificationFromMap(item map[string]any) (domain.NotificationRecord, bool) {
	id := scalarString(item["id"])
	if id == "" {
		return domain.NotificationRecord{}, false
	}

	record := domain.NotificationRecord{
		ID:        id,
		Timestamp: parseTimestamp(item["timestamp"]),
		Read:      item["read"] == true,
		Kind:      scalarString(item["kind"]),
		Title:     scalarString(item["title"]),
		Body:      scalarString(item["body"]),
	}
	if record.Kind == "" {
		record.Kind = scalarString(item["type"])
	}

	for k, v := range item {
		if _, known := notificationFields[k]; known {
			continue
		}
		if record.Payload == nil {
			record.Payload = make(map[string]any)
		}
		record.Payload[k] = v
	}
	return record, true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339 text.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case float64:
		if t > 1e12 {
			return time.UnixMilli(int64(t))
		}
		return time.Unix(int64(t), 0)
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parseTimestamp(float64(n))
		}
	}
	return time.Time{}
}
