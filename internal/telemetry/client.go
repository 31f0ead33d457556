package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/metrics"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type ChannelsHandler func(records []domain.ChannelRecord)

type ExtensionHandler func(extension string)

// Client keeps one socket to the channel telemetry feed and reconnects with
// exponential backoff when it drops.
type Client struct {
	url     string
	header  http.Header
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	backoff func(attempt int) time.Duration
	metrics *metrics.Metrics

	mutex          sync.RWMutex
	conn           *websocket.Conn
	connected      bool
	connecting     bool
	manualClose    bool
	attempt        int
	reconnectTimer *time.Timer
	channels       []domain.ChannelRecord
	updatedAt      time.Time

	handlersMutex     sync.RWMutex
	channelHandlers   []ChannelsHandler
	extensionHandlers []ExtensionHandler
}

type ClientConfig struct {
	URL         string
	AccessToken string
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	// Backoff overrides the reconnect delay schedule.
	Backoff func(attempt int) time.Duration
}

func NewClient(config ClientConfig) *Client {
	header := http.Header{}
	if config.AccessToken != "" {
		header.Set("Authorization", "Bearer "+config.AccessToken)
	}

	backoff := config.Backoff
	if backoff == nil {
		backoff = Backoff
	}

	return &Client{
		url:    config.URL,
		header: header,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		logger:  config.Logger.With().Str("component", "telemetry").Logger(),
		backoff: backoff,
		metrics: config.Metrics,
	}
}

// OnChannels registers a handler for every decoded snapshot.
func (c *Client) OnChannels(h ChannelsHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	c.channelHandlers = append(c.channelHandlers, h)
}

// OnExtension registers a handler called once per logged-in agent extension per snapshot.
func (c *Client) OnExtension(h ExtensionHandler) {
	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()
	c.extensionHandlers = append(c.extensionHandlers, h)
}

// Connect opens the socket unless it is already open or opening.
func (c *Client) Connect(ctx context.Context) error {
	return c.connect(ctx, true)
}

func (c *Client) connect(ctx context.Context, manual bool) error {
	c.mutex.Lock()
	if manual {
		c.manualClose = false
	} else if c.manualClose {
		c.mutex.Unlock()
		return nil
	}
	if c.connected || c.connecting {
		c.mutex.Unlock()
		return nil
	}
	c.connecting = true
	c.mutex.Unlock()

	c.mutex.RLock()
	header := c.header.Clone()
	c.mutex.RUnlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, header)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.connecting = false

	if c.manualClose {
		if conn != nil {
			conn.Close()
		}
		return nil
	}

	if err != nil {
		c.logger.Error().Err(err).Int("attempt", c.attempt).Msg("Failed to connect to telemetry feed")
		c.scheduleReconnectLocked()
		return domain.NewError(domain.ErrConnection, domain.MsgConnectionLost, fmt.Errorf("failed to connect to telemetry feed: %w", err))
	}

	c.conn = conn
	c.connected = true
	c.attempt = 0
	c.metrics.SetTelemetryConnected(true)

	c.logger.Info().Str("url", c.url).Msg("Connected to telemetry feed")

	go c.readMessages(conn)

	return nil
}

// Disconnect cancels a pending reconnect and closes the socket. Idempotent.
func (c *Client) Disconnect() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.manualClose = true

	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	c.metrics.SetTelemetryConnected(false)
	c.logger.Info().Msg("Disconnected from telemetry feed")
	return err
}

// UpdateAccessToken sets the bearer token used by the next dial.
func (c *Client) UpdateAccessToken(token string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if token == "" {
		c.header.Del("Authorization")
		return
	}
	c.header.Set("Authorization", "Bearer "+token)
}

func (c *Client) IsConnected() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.connected
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Client) ReconnectPending() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.reconnectTimer != nil
}

// Channels returns the latest snapshot.
func (c *Client) Channels() []domain.ChannelRecord {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]domain.ChannelRecord(nil), c.channels...)
}

func (c *Client) UpdatedAt() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.updatedAt
}

// ChannelsForExtension returns the channels of the latest snapshot on extension.
func (c *Client) ChannelsForExtension(extension string) []domain.ChannelRecord {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var out []domain.ChannelRecord
	for _, rec := range c.channels {
		if rec.Extension == extension {
			out = append(out, rec)
		}
	}
	return out
}

func (c *Client) readMessages(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleClosed(conn *websocket.Conn, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != conn {
		return
	}

	conn.Close()
	c.conn = nil
	c.connected = false
	c.metrics.SetTelemetryConnected(false)

	if c.manualClose {
		return
	}

	c.logger.Warn().Err(err).Msg("Telemetry feed closed")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms at most one reconnect timer.
func (c *Client) scheduleReconnectLocked() {
	if c.reconnectTimer != nil || c.manualClose {
		return
	}

	delay := c.backoff(c.attempt)
	c.attempt++
	c.metrics.IncTelemetryReconnect()

	c.logger.Info().
		Int("attempt", c.attempt).
		Dur("delay", delay).
		Msg("Scheduling telemetry reconnect")

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mutex.Lock()
		if c.reconnectTimer != timer {
			c.mutex.Unlock()
			return
		}
		c.reconnectTimer = nil
		c.mutex.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.connect(ctx, false); err != nil {
			c.logger.Debug().Err(err).Msg("Telemetry reconnect attempt failed")
		}
	})
	c.reconnectTimer = timer
}

// handleMessage never panics or returns an error to the read loop.
func (c *Client) handleMessage(data []byte) {
	result, err := DecodeMessage(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable telemetry message")
		return
	}
	if result.Skipped > 0 {
		c.logger.Debug().Int("skipped", result.Skipped).Msg("Skipped malformed telemetry records")
		c.metrics.AddTelemetrySkipped(result.Skipped)
	}

	c.mutex.Lock()
	c.channels = result.Records
	c.updatedAt = time.Now()
	c.mutex.Unlock()

	c.metrics.SetTelemetryChannels(len(result.Records))

	c.handlersMutex.RLock()
	channelHandlers := append([]ChannelsHandler(nil), c.channelHandlers...)
	extensionHandlers := append([]ExtensionHandler(nil), c.extensionHandlers...)
	c.handlersMutex.RUnlock()

	for _, h := range channelHandlers {
		h(result.Records)
	}

	if len(extensionHandlers) == 0 {
		return
	}
	for _, ext := range agentExtensions(result.Records) {
		for _, h := range extensionHandlers {
			h(ext)
		}
	}
}

// agentExtensions lists each logged-in agent extension once, in feed order.
func agentExtensions(records []domain.ChannelRecord) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range records {
		if !rec.IsAgentLogin() {
			continue
		}
		if _, ok := seen[rec.Extension]; ok {
			continue
		}
		seen[rec.Extension] = struct{}{}
		out = append(out, rec.Extension)
	}
	return out
}
