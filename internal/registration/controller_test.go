package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"AgentDesk/internal/domain"
	"AgentDesk/internal/events"
	"AgentDesk/internal/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	opts sip.EngineOptions

	mutex       sync.Mutex
	startErr    error
	registerErr error
	// startGate and registerGate, when set, block Start or Register until closed.
	startGate    chan struct{}
	registerGate chan struct{}
	starts       int
	stops        int
	registers    int
	unregister   int
	invites      []string
	dialErr      error
}

func (f *fakeEngine) Start(ctx context.Context) error {
	f.mutex.Lock()
	f.starts++
	gate := f.startGate
	err := f.startErr
	f.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	if err == nil && f.opts.Sink != nil {
		f.opts.Sink(sip.ConnectedEvent())
	}
	return err
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stops++
	return nil
}

func (f *fakeEngine) Register(ctx context.Context) error {
	f.mutex.Lock()
	f.registers++
	gate := f.registerGate
	err := f.registerErr
	f.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeEngine) Unregister(ctx context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.unregister++
	return errors.New("unregister blew up")
}

func (f *fakeEngine) NewInvite(target string) (sip.Outbound, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.invites = append(f.invites, target)
	return &fakeOutbound{target: target, dialErr: f.dialErr}, nil
}

func (f *fakeEngine) counts() (starts, stops, registers, unregisters int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.starts, f.stops, f.registers, f.unregister
}

type fakeOutbound struct {
	target  string
	dialErr error
	dialed  bool
}

func (o *fakeOutbound) ID() string                                      { return "" }
func (o *fakeOutbound) State() sip.SessionState                         { return sip.SessionInitial }
func (o *fakeOutbound) Direction() domain.Direction                     { return domain.DirectionOutbound }
func (o *fakeOutbound) RemoteIdentity() sip.Identity                    { return sip.Identity{URIUser: o.target} }
func (o *fakeOutbound) Accept(context.Context, sip.AcceptOptions) error { return nil }
func (o *fakeOutbound) Reject(context.Context) error                    { return nil }
func (o *fakeOutbound) Cancel(context.Context) error                    { return nil }
func (o *fakeOutbound) Bye(context.Context) error                       { return nil }
func (o *fakeOutbound) Terminate(context.Context) error                 { return nil }
func (o *fakeOutbound) Info(context.Context, sip.InfoOptions) error     { return nil }
func (o *fakeOutbound) Dial(context.Context) error {
	o.dialed = true
	return o.dialErr
}

type fakeCalls struct {
	mutex    sync.Mutex
	incoming []sip.Session
	outbound []sip.Session
	states   []sip.SessionState
	resets   int
	busy     bool
}

func (f *fakeCalls) OnIncomingCall(s sip.Session) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.incoming = append(f.incoming, s)
}

func (f *fakeCalls) StartOutboundCall(s sip.Session) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.busy {
		return domain.ErrInvalidState
	}
	f.outbound = append(f.outbound, s)
	return nil
}

func (f *fakeCalls) HandleSessionState(s sip.Session, state sip.SessionState) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.states = append(f.states, state)
}

func (f *fakeCalls) ResetCall() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.resets++
}

func (f *fakeCalls) incomingCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.incoming)
}

type fakeProfiles struct {
	profile *domain.Profile
	err     error
	calls   int
}

func (f *fakeProfiles) Profile(ctx context.Context, userID string) (*domain.Profile, error) {
	f.calls++
	return f.profile, f.err
}

type fakePrefs struct {
	mutex  sync.Mutex
	values []bool
}

func (f *fakePrefs) SetWasConnected(ctx context.Context, connected bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.values = append(f.values, connected)
	return nil
}

func (f *fakePrefs) Values() []bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]bool(nil), f.values...)
}

type harness struct {
	ctrl     *Controller
	calls    *fakeCalls
	prefs    *fakePrefs
	profiles *fakeProfiles
	engines  []*fakeEngine
	mutex    sync.Mutex
	// prepare configures each engine before the controller sees it.
	prepare func(e *fakeEngine)
	joined  chan struct{}
}

func newHarness(t *testing.T, opts sip.EngineOptions, prepare func(e *fakeEngine)) *harness {
	t.Helper()
	h := &harness{
		calls:    &fakeCalls{},
		prefs:    &fakePrefs{},
		profiles: &fakeProfiles{},
		prepare:  prepare,
		joined:   make(chan struct{}, 4),
	}

	dispatcher := events.NewDispatcher(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)

	h.ctrl = NewController(Config{
		Logger:     zerolog.Nop(),
		Dispatcher: dispatcher,
		Calls:      h.calls,
		Profiles:   h.profiles,
		Prefs:      h.prefs,
		UserID:     "u-1",
		Engine:     opts,
		Factory: func(o sip.EngineOptions) (sip.Engine, error) {
			e := &fakeEngine{opts: o}
			if h.prepare != nil {
				h.prepare(e)
			}
			h.mutex.Lock()
			h.engines = append(h.engines, e)
			h.mutex.Unlock()
			return e, nil
		},
		OnRegistered: func(ctx context.Context) { h.joined <- struct{}{} },
	})
	return h
}

func (h *harness) engineCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.engines)
}

func (h *harness) engine(i int) *fakeEngine {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.engines[i]
}

var defaultOpts = sip.EngineOptions{Server: "pbx.example.com", Domain: "example.com", Extension: "101", Password: "pw"}

func TestStart_RegistersAndPersists(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)

	require.NoError(t, h.ctrl.Start(context.Background()))

	status := h.ctrl.Status()
	assert.Equal(t, domain.RegistrationRegistered, status.State)
	assert.Equal(t, "101", status.Extension)
	assert.Empty(t, status.Error)
	assert.True(t, h.ctrl.IsRegistered())
	assert.Equal(t, []bool{true}, h.prefs.Values())

	select {
	case <-h.joined:
	case <-time.After(time.Second):
		t.Fatal("registered hook not called")
	}

	// already registered: no second transport or register
	require.NoError(t, h.ctrl.Start(context.Background()))
	starts, _, registers, _ := h.engine(0).counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, registers)
	assert.Equal(t, 1, h.engineCount())
}

func TestStart_ConcurrentCallsMakeOneAttempt(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, defaultOpts, func(e *fakeEngine) { e.startGate = gate })

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Start(context.Background()) }()

	require.Eventually(t, func() bool { return h.engineCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.RegistrationConnecting, h.ctrl.Status().State)

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.Start(context.Background()))

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, h.engineCount())
	starts, _, registers, _ := h.engine(0).counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, registers)
	assert.Equal(t, domain.RegistrationRegistered, h.ctrl.Status().State)
}

func TestStart_StaleRegisterKeepsNewerStartInFlight(t *testing.T) {
	registerA := make(chan struct{})
	startB := make(chan struct{})
	built := 0
	h := newHarness(t, defaultOpts, func(e *fakeEngine) {
		built++
		switch built {
		case 1:
			e.registerGate = registerA
		case 2:
			e.startGate = startB
		}
	})

	doneA := make(chan error, 1)
	go func() { doneA <- h.ctrl.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		if h.engineCount() != 1 {
			return false
		}
		_, _, registers, _ := h.engine(0).counts()
		return registers == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, h.ctrl.Stop(context.Background()))

	doneB := make(chan error, 1)
	go func() { doneB <- h.ctrl.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.engineCount() == 2 }, time.Second, time.Millisecond)

	// the first attempt finishes after it was superseded
	close(registerA)
	require.NoError(t, <-doneA)

	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, 2, h.engineCount())

	close(startB)
	require.NoError(t, <-doneB)
	assert.Equal(t, 2, h.engineCount())
	assert.Equal(t, domain.RegistrationRegistered, h.ctrl.Status().State)
}

func TestStart_TransportFailureDiscardsEngine(t *testing.T) {
	fail := true
	h := newHarness(t, defaultOpts, func(e *fakeEngine) {
		if fail {
			e.startErr = errors.New("dial udp: connection refused")
		}
	})

	err := h.ctrl.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, domain.MsgServerUnreachable, domain.FriendlyMessage(err))
	status := h.ctrl.Status()
	assert.Equal(t, domain.RegistrationError, status.State)
	assert.Equal(t, domain.MsgServerUnreachable, status.Error)
	_, stops, registers, _ := h.engine(0).counts()
	assert.Equal(t, 1, stops)
	assert.Zero(t, registers)

	// the next start begins clean with a new engine
	fail = false
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, 2, h.engineCount())
	assert.Equal(t, domain.RegistrationRegistered, h.ctrl.Status().State)
}

func TestStart_RegistrationRejected(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		kind    error
		message string
	}{
		{"unauthorized", &sip.StatusError{Code: 401, Reason: "Unauthorized"}, domain.ErrAuthentication, domain.MsgAuthFailed},
		{"forbidden", &sip.StatusError{Code: 403, Reason: "Forbidden"}, domain.ErrAuthentication, domain.MsgAuthFailed},
		{"timeout", &sip.StatusError{Code: 408, Reason: "Request Timeout"}, domain.ErrTimeout, domain.MsgTimeout},
		{"server", &sip.StatusError{Code: 503, Reason: "Service Unavailable"}, domain.ErrConnection, domain.MsgServerError},
		{"deadline", context.DeadlineExceeded, domain.ErrTimeout, domain.MsgTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, defaultOpts, func(e *fakeEngine) { e.registerErr = tc.err })

			err := h.ctrl.Start(context.Background())

			require.Error(t, err)
			assert.ErrorIs(t, err, tc.kind)
			assert.Equal(t, tc.message, domain.FriendlyMessage(err))
			status := h.ctrl.Status()
			assert.Equal(t, domain.RegistrationError, status.State)
			assert.Equal(t, tc.message, status.Error)
			assert.Empty(t, h.prefs.Values())
		})
	}
}

func TestStart_RetriesRegistrationOnExistingEngine(t *testing.T) {
	h := newHarness(t, defaultOpts, func(e *fakeEngine) {
		e.registerErr = &sip.StatusError{Code: 503}
	})

	require.Error(t, h.ctrl.Start(context.Background()))

	e := h.engine(0)
	e.mutex.Lock()
	e.registerErr = nil
	e.mutex.Unlock()

	require.NoError(t, h.ctrl.Start(context.Background()))

	assert.Equal(t, 1, h.engineCount())
	starts, _, registers, _ := e.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 2, registers)
	assert.Equal(t, domain.RegistrationRegistered, h.ctrl.Status().State)
}

func TestStart_FetchesExtensionWhenUnknown(t *testing.T) {
	opts := defaultOpts
	opts.Extension = ""
	opts.Password = ""
	h := newHarness(t, opts, nil)
	h.profiles.profile = &domain.Profile{UserID: "u-1", Extension: "205", Secret: "s3cret", Name: "Amina"}

	require.NoError(t, h.ctrl.Start(context.Background()))

	got := h.engine(0).opts
	assert.Equal(t, "205", got.Extension)
	assert.Equal(t, "s3cret", got.Password)
	assert.Equal(t, "Amina", got.DisplayName)
	assert.Equal(t, "205", h.ctrl.Status().Extension)
}

func TestStart_NoExtensionIsHardStop(t *testing.T) {
	opts := defaultOpts
	opts.Extension = ""
	h := newHarness(t, opts, nil)
	h.profiles.profile = &domain.Profile{UserID: "u-1"}

	err := h.ctrl.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoExtension)
	assert.Equal(t, domain.MsgNoExtension, domain.FriendlyMessage(err))
	assert.Equal(t, domain.RegistrationError, h.ctrl.Status().State)
	assert.Zero(t, h.engineCount())
}

func TestStop_SwallowsTeardownErrors(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))

	require.NoError(t, h.ctrl.Stop(context.Background()))
	require.NoError(t, h.ctrl.Stop(context.Background()))

	_, stops, _, unregisters := h.engine(0).counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, unregisters)
	assert.Equal(t, domain.RegistrationDisconnected, h.ctrl.Status().State)
	assert.Equal(t, []bool{true, false, false}, h.prefs.Values())
}

func TestMakeCall(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)

	err := h.ctrl.MakeCall(context.Background(), "0700 111 222")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, domain.MsgNotConnected, domain.FriendlyMessage(err))

	require.NoError(t, h.ctrl.Start(context.Background()))
	require.NoError(t, h.ctrl.MakeCall(context.Background(), "+255 (700) 111-222"))

	e := h.engine(0)
	assert.Equal(t, []string{"sip:+255700111222@example.com"}, e.invites)
	require.Len(t, h.calls.outbound, 1)
	assert.True(t, h.calls.outbound[0].(*fakeOutbound).dialed)
}

func TestMakeCall_BusyDoesNotDial(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))
	h.calls.busy = true

	err := h.ctrl.MakeCall(context.Background(), "102")

	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, h.calls.outbound)
}

func TestMakeCall_DialFailureResetsCall(t *testing.T) {
	h := newHarness(t, defaultOpts, func(e *fakeEngine) { e.dialErr = errors.New("no route") })
	require.NoError(t, h.ctrl.Start(context.Background()))

	err := h.ctrl.MakeCall(context.Background(), "102")

	require.Error(t, err)
	assert.Equal(t, 1, h.calls.resets)
}

func TestMakeCall_NothingDialable(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))

	err := h.ctrl.MakeCall(context.Background(), " -() ")

	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Empty(t, h.engine(0).invites)
}

func TestEvents_InviteAndSessionStateReachCalls(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))

	sink := h.engine(0).opts.Sink
	session := &fakeOutbound{target: "255700111222"}
	sink(sip.InviteEvent(session))
	sink(sip.SessionStateEvent(session, sip.SessionEstablished))

	require.Eventually(t, func() bool {
		h.calls.mutex.Lock()
		defer h.calls.mutex.Unlock()
		return len(h.calls.incoming) == 1 && len(h.calls.states) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, sip.SessionEstablished, h.calls.states[0])
}

func TestEvents_DisconnectMovesToError(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.engine(0).opts.Sink(sip.DisconnectedEvent(errors.New("register refresh failed")))

	require.Eventually(t, func() bool {
		return h.ctrl.Status().State == domain.RegistrationError
	}, time.Second, time.Millisecond)
	assert.Equal(t, domain.MsgConnectionLost, h.ctrl.Status().Error)

	// a fresh start builds a new engine
	require.NoError(t, h.ctrl.Start(context.Background()))
	assert.Equal(t, 2, h.engineCount())
}

func TestEvents_StaleEngineIgnored(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))
	stale := h.engine(0).opts.Sink
	require.NoError(t, h.ctrl.Stop(context.Background()))
	require.NoError(t, h.ctrl.Start(context.Background()))

	stale(sip.InviteEvent(&fakeOutbound{}))
	stale(sip.DisconnectedEvent(errors.New("old transport")))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.calls.incomingCount())
	assert.Equal(t, domain.RegistrationRegistered, h.ctrl.Status().State)
}

func TestSanitizeNumber(t *testing.T) {
	cases := map[string]string{
		"0700 111 222":       "0700111222",
		"+255 (700) 111-222": "+255700111222",
		"*97#":               "*97#",
		"1+2":                "12",
		"abc":                "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeNumber(in), in)
	}
}

func TestShutdown_KeepsConnectedFlag(t *testing.T) {
	h := newHarness(t, defaultOpts, nil)
	require.NoError(t, h.ctrl.Start(context.Background()))

	h.ctrl.Shutdown(context.Background())

	assert.Equal(t, domain.RegistrationDisconnected, h.ctrl.Status().State)
	assert.Equal(t, []bool{true}, h.prefs.Values())
	_, stops, _, unregisters := h.engine(0).counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, unregisters)
}

func TestSink_DropsEventsOnceLifetimeEnds(t *testing.T) {
	lifetime, cancel := context.WithCancel(context.Background())
	ctrl := NewController(Config{
		Logger:     zerolog.Nop(),
		Dispatcher: events.NewDispatcher(zerolog.Nop()),
		Calls:      &fakeCalls{},
		Engine:     defaultOpts,
		Lifetime:   lifetime,
	})
	cancel()

	// nothing drains the dispatcher, so its queue fills up
	sink := ctrl.sink(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			sink(sip.DisconnectedEvent(nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine callback blocked after the controller lifetime ended")
	}
}
