package sip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const userAgentName = "AgentDesk"

// UserAgent is the Engine backed by sipgo (registration) and diago (dialogs).
type UserAgent struct {
	opts   EngineOptions
	logger zerolog.Logger

	ua     *sipgo.UserAgent
	client *sipgo.Client
	dg     *diago.Diago

	mutex         sync.RWMutex
	running       bool
	cancel        context.CancelFunc
	refreshCancel context.CancelFunc
	contactHost   string
}

// NewFactory returns an EngineFactory producing UserAgents that log to logger.
func NewFactory(logger zerolog.Logger) EngineFactory {
	return func(opts EngineOptions) (Engine, error) {
		if opts.Server == "" {
			return nil, fmt.Errorf("sip server is not configured")
		}
		if opts.Extension == "" {
			return nil, fmt.Errorf("sip extension is not configured")
		}
		return NewUserAgent(opts, logger), nil
	}
}

func NewUserAgent(opts EngineOptions, logger zerolog.Logger) *UserAgent {
	if opts.Transport == "" {
		opts.Transport = "udp"
	}
	if opts.Port == 0 {
		opts.Port = 5060
	}
	if opts.Domain == "" {
		opts.Domain = opts.Server
	}
	if opts.ExpirySecond <= 0 {
		opts.ExpirySecond = 600
	}
	return &UserAgent{
		opts:   opts,
		logger: logger.With().Str("component", "sip").Str("extension", opts.Extension).Logger(),
	}
}

func (u *UserAgent) Start(ctx context.Context) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.running {
		return nil
	}

	u.logger.Info().
		Str("server", u.opts.Server).
		Int("port", u.opts.Port).
		Str("transport", u.opts.Transport).
		Msg("Starting SIP user agent")

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentName))
	if err != nil {
		return fmt.Errorf("failed to create SIP user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return fmt.Errorf("failed to create SIP client: %w", err)
	}

	dg := diago.NewDiago(ua, diago.WithTransport(diago.Transport{
		Transport: u.opts.Transport,
		BindHost:  u.opts.BindHost,
		BindPort:  u.opts.BindPort,
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	if err := dg.ServeBackground(runCtx, u.serveDialog); err != nil {
		cancel()
		ua.Close()
		return fmt.Errorf("failed to open SIP transport: %w", err)
	}

	u.ua = ua
	u.client = client
	u.dg = dg
	u.cancel = cancel
	u.contactHost = u.resolveContactHost()

	if err := u.probe(ctx); err != nil {
		u.closeLocked()
		return fmt.Errorf("failed to reach SIP server: %w", err)
	}

	u.running = true
	u.logger.Info().Msg("SIP user agent started")
	u.emit(ConnectedEvent())

	return nil
}

func (u *UserAgent) Stop(ctx context.Context) error {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if !u.running {
		return nil
	}

	u.logger.Info().Msg("Stopping SIP user agent")
	u.closeLocked()
	u.running = false
	u.emit(DisconnectedEvent(nil))

	return nil
}

func (u *UserAgent) closeLocked() {
	if u.refreshCancel != nil {
		u.refreshCancel()
		u.refreshCancel = nil
	}
	if u.cancel != nil {
		u.cancel()
		u.cancel = nil
	}
	if u.ua != nil {
		if err := u.ua.Close(); err != nil {
			u.logger.Debug().Err(err).Msg("SIP user agent close failed")
		}
		u.ua = nil
	}
	u.client = nil
	u.dg = nil
}

func (u *UserAgent) IsRunning() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.running
}

func (u *UserAgent) Register(ctx context.Context) error {
	if err := u.register(ctx, u.opts.ExpirySecond); err != nil {
		return err
	}

	u.mutex.Lock()
	if u.refreshCancel != nil {
		u.refreshCancel()
	}
	refreshCtx, cancel := context.WithCancel(context.Background())
	u.refreshCancel = cancel
	u.mutex.Unlock()

	go u.refreshLoop(refreshCtx)

	u.logger.Info().Int("expiry", u.opts.ExpirySecond).Msg("SIP registration acknowledged")
	return nil
}

func (u *UserAgent) Unregister(ctx context.Context) error {
	u.mutex.Lock()
	if u.refreshCancel != nil {
		u.refreshCancel()
		u.refreshCancel = nil
	}
	u.mutex.Unlock()

	if err := u.register(ctx, 0); err != nil {
		return fmt.Errorf("failed to unregister: %w", err)
	}

	u.logger.Info().Msg("SIP registration removed")
	return nil
}

// refreshLoop renews the binding at half the expiry until cancelled.
func (u *UserAgent) refreshLoop(ctx context.Context) {
	interval := time.Duration(u.opts.ExpirySecond) * time.Second / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := u.register(reqCtx, u.opts.ExpirySecond)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				u.logger.Error().Err(err).Msg("SIP registration refresh failed")
				u.emit(DisconnectedEvent(err))
				return
			}
			u.logger.Debug().Msg("SIP registration refreshed")
		}
	}
}

func (u *UserAgent) register(ctx context.Context, expiry int) error {
	u.mutex.RLock()
	client := u.client
	u.mutex.RUnlock()

	if client == nil {
		return fmt.Errorf("SIP transport is not started")
	}

	req := u.newRequest(sipmsg.REGISTER, u.registrarURI())
	req.AppendHeader(&sipmsg.ContactHeader{Address: sipmsg.Uri{User: u.opts.Extension, Host: u.contactHost, Port: u.opts.BindPort}})
	req.AppendHeader(sipmsg.NewHeader("Expires", strconv.Itoa(expiry)))

	res, err := client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send REGISTER: %w", err)
	}

	if code := int(res.StatusCode); code == 401 || code == 407 {
		res, err = client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: u.opts.Extension,
			Password: u.opts.Password,
		})
		if err != nil {
			return fmt.Errorf("failed to authenticate REGISTER: %w", err)
		}
	}

	if code := int(res.StatusCode); code < 200 || code > 299 {
		return &StatusError{Code: code, Reason: res.Reason}
	}

	return nil
}

// probe sends OPTIONS so an unreachable server fails Start instead of Register.
func (u *UserAgent) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req := u.newRequest(sipmsg.OPTIONS, u.registrarURI())
	if _, err := u.client.Do(probeCtx, req); err != nil {
		return err
	}
	return nil
}

func (u *UserAgent) NewInvite(target string) (Outbound, error) {
	u.mutex.RLock()
	dg := u.dg
	u.mutex.RUnlock()

	if dg == nil {
		return nil, fmt.Errorf("SIP transport is not started")
	}

	var uri sipmsg.Uri
	if err := sipmsg.ParseUri(target, &uri); err != nil {
		return nil, fmt.Errorf("invalid call target %q: %w", target, err)
	}

	return &outboundSession{
		baseSession: baseSession{id: uuid.NewString(), agent: u, identity: Identity{URIUser: uri.User}},
		dg:          dg,
		target:      uri,
	}, nil
}

// serveDialog owns an inbound dialog for its whole lifetime.
func (u *UserAgent) serveDialog(d *diago.DialogServerSession) {
	s := newInboundSession(u, d)

	u.logger.Info().
		Str("call_id", s.ID()).
		Str("from", s.identity.FromUser).
		Msg("Incoming SIP INVITE")

	if err := d.Trying(); err != nil {
		u.logger.Debug().Err(err).Msg("Failed to send 100 Trying")
	}
	if err := d.Ringing(); err != nil {
		u.logger.Error().Err(err).Msg("Failed to send 180 Ringing")
		return
	}

	u.emit(InviteEvent(s))

	<-d.Context().Done()
	s.transition(SessionTerminated)
}

func (u *UserAgent) emit(ev Event) {
	if u.opts.Sink != nil {
		u.opts.Sink(ev)
	}
}

func (u *UserAgent) registrarURI() sipmsg.Uri {
	return sipmsg.Uri{Host: u.opts.Server, Port: u.opts.Port}
}

func (u *UserAgent) newRequest(method sipmsg.RequestMethod, recipient sipmsg.Uri) *sipmsg.Request {
	req := sipmsg.NewRequest(method, recipient)

	from := &sipmsg.FromHeader{
		DisplayName: u.opts.DisplayName,
		Address:     sipmsg.Uri{User: u.opts.Extension, Host: u.opts.Domain},
		Params:      sipmsg.NewParams(),
	}
	from.Params.Add("tag", strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	req.AppendHeader(from)
	req.AppendHeader(&sipmsg.ToHeader{Address: sipmsg.Uri{User: u.opts.Extension, Host: u.opts.Domain}})

	return req
}

func (u *UserAgent) resolveContactHost() string {
	if u.opts.BindHost != "" && u.opts.BindHost != "0.0.0.0" {
		return u.opts.BindHost
	}
	conn, err := net.Dial("udp", net.JoinHostPort(u.opts.Server, strconv.Itoa(u.opts.Port)))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// userFromHeaderValue extracts the user part of a name-addr such as "Bob" <sip:100@host>.
func userFromHeaderValue(value string) string {
	if start := strings.Index(value, "<"); start >= 0 {
		value = value[start+1:]
		if end := strings.Index(value, ">"); end >= 0 {
			value = value[:end]
		}
	}
	var uri sipmsg.Uri
	if err := sipmsg.ParseUri(strings.TrimSpace(value), &uri); err != nil {
		return ""
	}
	return uri.User
}

var errWrongDirection = errors.New("operation not valid for session direction")
