package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/clientinfo"
	"github.com/anyproto/any-diag/diagnostic/result"
	"github.com/anyproto/any-diag/metric"
	"github.com/anyproto/any-diag/rtc"
)

var ctx = context.Background()

var probeOrder = []string{
	ProbeTransport,
	ProbeMediaDevices,
	ProbeSignaling,
	ProbePeerConnection,
	ProbeScreenCapture,
	ProbeNetwork,
}

func TestRunAllTests_AllPass(t *testing.T) {
	fx := newFixture(t, healthyEnv(t))
	defer fx.finish(t)

	require.NoError(t, fx.RunAllTests(ctx))

	snap := fx.Results()
	require.Len(t, snap, 6)
	for i, res := range snap {
		assert.Equal(t, probeOrder[i], res.Test)
		assert.True(t, res.Status.Terminal(), res.Test)
		assert.Equal(t, result.StatusPass, res.Status, res.Test)
	}
	assert.Equal(t, Tally{Pass: 6}, fx.Tally())

	info := fx.BrowserInfo()
	require.NotNil(t, info)
	assert.Equal(t, "Chrome", info.Name)
	assert.True(t, info.SupportsTransport)
	assert.True(t, info.SupportsMediaDevices)
	assert.True(t, info.SupportsSockets)

	// both negotiation endpoints released
	for _, conn := range fx.env.pair.conns {
		assert.True(t, conn.isClosed(), "endpoint left open")
	}
	assert.False(t, fx.IsRunning())
}

func TestRunAllTests_MixedEnvironment(t *testing.T) {
	env := healthyEnv(t)
	env.media = nil
	env.screen = nil
	// the transport constructor is broken for its first use only, so the
	// transport probe fails while the peer connection probe still works
	var connCalls atomic.Int32
	pair := env.pair
	env.newConn = func() (rtc.Conn, error) {
		if connCalls.Inc() == 1 {
			return nil, errors.New("transport constructor unavailable")
		}
		return pair.NewConn()
	}
	fx := newFixture(t, env)
	defer fx.finish(t)

	require.NoError(t, fx.RunAllTests(ctx))

	statuses := map[string]result.Status{}
	for _, res := range fx.Results() {
		statuses[res.Test] = res.Status
	}
	assert.Equal(t, result.StatusFail, statuses[ProbeTransport])
	assert.Equal(t, result.StatusFail, statuses[ProbeMediaDevices])
	assert.Equal(t, result.StatusPass, statuses[ProbeSignaling])
	assert.Equal(t, result.StatusPass, statuses[ProbePeerConnection])
	assert.Equal(t, result.StatusFail, statuses[ProbeScreenCapture])
	assert.Equal(t, result.StatusPass, statuses[ProbeNetwork])
	assert.Equal(t, Tally{Pass: 3, Fail: 3}, fx.Tally())
}

func TestSignalingProbe_TimeoutWinsOverLateSuccess(t *testing.T) {
	env := healthyEnv(t)
	lateSock := &fakeSocket{}
	dialDone := make(chan struct{})
	env.dial = func(ctx context.Context, url string) (rtc.Socket, error) {
		defer close(dialDone)
		time.Sleep(time.Millisecond * 300)
		return lateSock, nil
	}
	fx := newFixture(t, env)
	defer fx.finish(t)
	fx.signalingTimeout = time.Millisecond * 50

	require.NoError(t, fx.RunAllTests(ctx))

	res := findResult(t, fx.Results(), ProbeSignaling)
	assert.Equal(t, result.StatusFail, res.Status)
	assert.Equal(t, "timeout", res.Message)
	assert.GreaterOrEqual(t, res.DurationMs, int64(50))

	// the late success must not overwrite the timeout result and must
	// release its socket
	<-dialDone
	time.Sleep(time.Millisecond * 20)
	res = findResult(t, fx.Results(), ProbeSignaling)
	assert.Equal(t, result.StatusFail, res.Status)
	assert.Equal(t, "timeout", res.Message)
	assert.True(t, lateSock.closed.Load())
}

func TestPeerConnectionProbe_SuppressedCandidates(t *testing.T) {
	env := healthyEnv(t)
	env.pair.suppressCandidates = true
	fx := newFixture(t, env)
	defer fx.finish(t)
	fx.peerConnTimeout = time.Millisecond * 100

	require.NoError(t, fx.RunAllTests(ctx))

	res := findResult(t, fx.Results(), ProbePeerConnection)
	assert.Equal(t, result.StatusFail, res.Status)
	assert.Equal(t, "timeout", res.Message)
	assert.GreaterOrEqual(t, res.DurationMs, int64(100))
	for _, conn := range env.pair.conns {
		assert.True(t, conn.isClosed(), "endpoint left open after timeout")
	}
}

func TestPeerConnectionProbe_FailedState(t *testing.T) {
	env := healthyEnv(t)
	env.pair.failConnect = true
	fx := newFixture(t, env)
	defer fx.finish(t)
	fx.peerConnTimeout = time.Second * 5

	start := time.Now()
	require.NoError(t, fx.RunAllTests(ctx))

	res := findResult(t, fx.Results(), ProbePeerConnection)
	assert.Equal(t, result.StatusFail, res.Status)
	assert.Equal(t, errNegotiationFailed.Error(), res.Message)
	// a failed state rejects without waiting out the timeout
	assert.Less(t, time.Since(start), time.Second*4)
}

func TestMediaProbe_TracksStopped(t *testing.T) {
	t.Run("pass", func(t *testing.T) {
		env := healthyEnv(t)
		fx := newFixture(t, env)
		defer fx.finish(t)
		require.NoError(t, fx.RunAllTests(ctx))

		res := findResult(t, fx.Results(), ProbeMediaDevices)
		assert.Equal(t, result.StatusPass, res.Status)
		assert.Equal(t, 1, res.Details["videoTracks"])
		assert.Equal(t, 1, res.Details["audioTracks"])
		for _, track := range env.media.created {
			assert.True(t, track.Stopped(), "track left open")
		}
	})
	t.Run("video only is a warning", func(t *testing.T) {
		env := healthyEnv(t)
		env.media.audio = false
		fx := newFixture(t, env)
		defer fx.finish(t)
		require.NoError(t, fx.RunAllTests(ctx))

		res := findResult(t, fx.Results(), ProbeMediaDevices)
		assert.Equal(t, result.StatusWarning, res.Status)
		assert.Equal(t, Tally{Pass: 5, Warning: 1}, fx.Tally())
		for _, track := range env.media.created {
			assert.True(t, track.Stopped())
		}
	})
	t.Run("denied", func(t *testing.T) {
		env := healthyEnv(t)
		env.media.err = errors.New("permission denied")
		fx := newFixture(t, env)
		defer fx.finish(t)
		require.NoError(t, fx.RunAllTests(ctx))

		res := findResult(t, fx.Results(), ProbeMediaDevices)
		assert.Equal(t, result.StatusFail, res.Status)
		assert.Equal(t, "permission denied", res.Message)
	})
}

func TestNetworkProbe(t *testing.T) {
	t.Run("5xx fails with status code", func(t *testing.T) {
		env := healthyEnv(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)
		env.healthURL = srv.URL + "/api/health"
		fx := newFixture(t, env)
		defer fx.finish(t)
		require.NoError(t, fx.RunAllTests(ctx))

		res := findResult(t, fx.Results(), ProbeNetwork)
		assert.Equal(t, result.StatusFail, res.Status)
		assert.Equal(t, 500, res.Details["statusCode"])
		assert.GreaterOrEqual(t, res.DurationMs, int64(0))
	})
	t.Run("unreachable fails with elapsed time", func(t *testing.T) {
		env := healthyEnv(t)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		env.healthURL = srv.URL + "/api/health"
		fx := newFixture(t, env)
		defer fx.finish(t)
		require.NoError(t, fx.RunAllTests(ctx))

		res := findResult(t, fx.Results(), ProbeNetwork)
		assert.Equal(t, result.StatusFail, res.Status)
		assert.NotEmpty(t, res.Message)
	})
}

func TestRunAllTests_Reentrancy(t *testing.T) {
	env := healthyEnv(t)
	block := make(chan struct{})
	entered := make(chan struct{})
	var enterOnce sync.Once
	env.dial = func(ctx context.Context, url string) (rtc.Socket, error) {
		enterOnce.Do(func() { close(entered) })
		<-block
		return &fakeSocket{}, nil
	}
	fx := newFixture(t, env)
	defer fx.finish(t)

	done := make(chan error, 1)
	go func() {
		done <- fx.RunAllTests(ctx)
	}()
	<-entered
	require.True(t, fx.IsRunning())

	// the in-flight run's log must not be reset by the rejected call
	before := len(fx.Results())
	require.Positive(t, before)
	require.ErrorIs(t, fx.RunAllTests(ctx), ErrRunInProgress)
	assert.GreaterOrEqual(t, len(fx.Results()), before)

	close(block)
	require.NoError(t, <-done)
	assert.False(t, fx.IsRunning())
	assert.Len(t, fx.Results(), 6)
}

func TestRunAllTests_MetricsMatchTally(t *testing.T) {
	fx := newFixture(t, healthyEnv(t))
	defer fx.finish(t)
	require.NoError(t, fx.RunAllTests(ctx))

	mfs, err := fx.metric.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "diagnostic_probe_results_total" {
			continue
		}
		for _, mm := range mf.GetMetric() {
			total += mm.GetCounter().GetValue()
		}
	}
	tally := fx.Tally()
	assert.Equal(t, float64(tally.Pass+tally.Fail+tally.Warning), total)
}

func TestRecorder_ObserverSeesRun(t *testing.T) {
	fx := newFixture(t, healthyEnv(t))
	defer fx.finish(t)

	q := fx.Subscribe()
	defer fx.Unsubscribe(q)
	require.NoError(t, fx.RunAllTests(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var last []result.TestResult
	// reset + 6x(running+terminal) = 13 notifications
	for i := 0; i < 13; i++ {
		snap, err := q.WaitOne(waitCtx)
		require.NoError(t, err)
		last = snap
	}
	require.Len(t, last, 6)
	for _, res := range last {
		assert.True(t, res.Status.Terminal())
	}
}

func findResult(t *testing.T, snap []result.TestResult, name string) result.TestResult {
	t.Helper()
	for _, res := range snap {
		if res.Test == name {
			return res
		}
	}
	t.Fatalf("no result for %q", name)
	return result.TestResult{}
}

// fixture

type fixture struct {
	*service
	a      *app.App
	env    *fakeEnv
	metric metric.Metric
}

func newFixture(t *testing.T, env *fakeEnv) *fixture {
	a := new(app.App)
	m := metric.New()
	a.Register(m).
		Register(env).
		Register(clientinfo.New()).
		Register(New())
	require.NoError(t, a.Start(ctx))
	return &fixture{
		service: a.MustComponent(CName).(*service),
		a:       a,
		env:     env,
		metric:  m,
	}
}

func (fx *fixture) finish(t *testing.T) {
	require.NoError(t, fx.a.Close(ctx))
}

// fake environment

const testIdent = "Mozilla/5.0 AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func healthyEnv(t *testing.T) *fakeEnv {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)
	return &fakeEnv{
		pair:   &fakePair{},
		media:  &fakeMedia{audio: true, video: true},
		screen: &fakeScreen{},
		dial: func(ctx context.Context, url string) (rtc.Socket, error) {
			return &fakeSocket{}, nil
		},
		healthURL: srv.URL + "/api/health",
	}
}

type fakeEnv struct {
	pair      *fakePair
	newConn   func() (rtc.Conn, error)
	media     *fakeMedia
	screen    *fakeScreen
	dial      func(ctx context.Context, url string) (rtc.Socket, error)
	healthURL string
	noSockets bool
}

func (f *fakeEnv) Init(a *app.App) error { return nil }
func (f *fakeEnv) Name() string          { return rtc.CName }

func (f *fakeEnv) SupportsConn() bool { return true }

func (f *fakeEnv) NewConn() (rtc.Conn, error) {
	if f.newConn != nil {
		return f.newConn()
	}
	return f.pair.NewConn()
}

func (f *fakeEnv) MediaDevices() rtc.MediaDevices {
	if f.media == nil {
		return nil
	}
	return f.media
}

func (f *fakeEnv) ScreenCapture() rtc.ScreenCapture {
	if f.screen == nil {
		return nil
	}
	return f.screen
}

func (f *fakeEnv) SupportsSockets() bool { return !f.noSockets }

func (f *fakeEnv) DialSocket(ctx context.Context, url string) (rtc.Socket, error) {
	return f.dial(ctx, url)
}

func (f *fakeEnv) HTTPClient() *http.Client { return http.DefaultClient }
func (f *fakeEnv) Identification() string   { return testIdent }
func (f *fakeEnv) StunURL() string          { return "stun:stun.test:3478" }
func (f *fakeEnv) SignalingURL() string     { return "wss://signal.test" }
func (f *fakeEnv) HealthURL() string        { return f.healthURL }

// fakePair coordinates two scripted endpoints: once both descriptions are
// exchanged (and, unless suppressed, each side received a candidate) the
// local side of the pair transitions to connected or failed.
type fakePair struct {
	mu                 sync.Mutex
	conns              []*fakeConn
	suppressCandidates bool
	failConnect        bool
	fired              bool
}

func (p *fakePair) NewConn() (rtc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &fakeConn{pair: p, idx: len(p.conns)}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *fakePair) maybeSettle() {
	p.mu.Lock()
	if p.fired || len(p.conns) < 2 {
		p.mu.Unlock()
		return
	}
	// the transport probe may have taken an earlier conn from the same
	// factory; the negotiating pair is always the two most recent ones
	pair := p.conns[len(p.conns)-2:]
	ready := true
	for _, c := range pair {
		if c.localDesc.SDP == "" || c.remoteDesc.SDP == "" {
			ready = false
		}
		if !p.suppressCandidates && !p.failConnect && len(c.received) == 0 {
			ready = false
		}
	}
	if !ready || p.suppressCandidates {
		p.mu.Unlock()
		return
	}
	p.fired = true
	local := pair[0]
	onState := local.onState
	state := rtc.StateConnected
	if p.failConnect {
		state = rtc.StateFailed
	}
	local.state = state
	p.mu.Unlock()
	if onState != nil {
		onState(state)
	}
}

type fakeConn struct {
	pair        *fakePair
	idx         int
	onCandidate func(rtc.Candidate)
	onState     func(rtc.ConnState)
	localDesc   rtc.Description
	remoteDesc  rtc.Description
	received    []rtc.Candidate
	state       rtc.ConnState
	closed      bool
}

func (c *fakeConn) OnCandidate(f func(rtc.Candidate)) {
	c.pair.mu.Lock()
	c.onCandidate = f
	c.pair.mu.Unlock()
}

func (c *fakeConn) AddCandidate(cand rtc.Candidate) error {
	c.pair.mu.Lock()
	c.received = append(c.received, cand)
	c.pair.mu.Unlock()
	c.pair.maybeSettle()
	return nil
}

func (c *fakeConn) CreateOffer(ctx context.Context) (rtc.Description, error) {
	return rtc.Description{Type: "offer", SDP: fmt.Sprintf("fake-offer-%d", c.idx)}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context) (rtc.Description, error) {
	return rtc.Description{Type: "answer", SDP: fmt.Sprintf("fake-answer-%d", c.idx)}, nil
}

func (c *fakeConn) SetLocalDescription(d rtc.Description) error {
	c.pair.mu.Lock()
	c.localDesc = d
	emit := c.onCandidate
	suppress := c.pair.suppressCandidates
	c.pair.mu.Unlock()
	if !suppress && emit != nil {
		emit(rtc.Candidate{Candidate: fmt.Sprintf("candidate:fake-%d", c.idx), SDPMid: "0"})
	}
	c.pair.maybeSettle()
	return nil
}

func (c *fakeConn) SetRemoteDescription(d rtc.Description) error {
	c.pair.mu.Lock()
	c.remoteDesc = d
	c.pair.mu.Unlock()
	c.pair.maybeSettle()
	return nil
}

func (c *fakeConn) OnStateChange(f func(rtc.ConnState)) {
	c.pair.mu.Lock()
	c.onState = f
	c.pair.mu.Unlock()
}

func (c *fakeConn) State() rtc.ConnState {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return c.state
}

func (c *fakeConn) ICEState() string { return "checking" }

func (c *fakeConn) Close() error {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.pair.mu.Lock()
	defer c.pair.mu.Unlock()
	return c.closed
}

type fakeSocket struct {
	closed atomic.Bool
}

func (s *fakeSocket) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeMedia struct {
	audio   bool
	video   bool
	err     error
	mu      sync.Mutex
	created []*fakeTrack
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, audio, video bool) (rtc.Stream, error) {
	if m.err != nil {
		return nil, m.err
	}
	st := &fakeStream{}
	m.mu.Lock()
	defer m.mu.Unlock()
	if video && m.video {
		track := &fakeTrack{id: "v0", kind: "video"}
		st.tracks = append(st.tracks, track)
		m.created = append(m.created, track)
	}
	if audio && m.audio {
		track := &fakeTrack{id: "a0", kind: "audio"}
		st.tracks = append(st.tracks, track)
		m.created = append(m.created, track)
	}
	if len(st.tracks) == 0 {
		return nil, errors.New("no devices found")
	}
	return st, nil
}

type fakeScreen struct {
	err error
}

func (s *fakeScreen) GetDisplayMedia(ctx context.Context) (rtc.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &fakeStream{tracks: []rtc.Track{&fakeTrack{id: "d0", kind: "video"}}}, nil
}

type fakeStream struct {
	tracks []rtc.Track
}

func (s *fakeStream) Tracks() []rtc.Track { return s.tracks }

func (s *fakeStream) VideoTracks() (res []rtc.Track) {
	for _, track := range s.tracks {
		if track.Kind() == "video" {
			res = append(res, track)
		}
	}
	return
}

func (s *fakeStream) AudioTracks() (res []rtc.Track) {
	for _, track := range s.tracks {
		if track.Kind() == "audio" {
			res = append(res, track)
		}
	}
	return
}

type fakeTrack struct {
	id      string
	kind    string
	stopped atomic.Bool
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Capabilities() map[string]any {
	return map[string]any{"mimeType": "fake/" + t.kind}
}

func (t *fakeTrack) Stop()         { t.stopped.Store(true) }
func (t *fakeTrack) Stopped() bool { return t.stopped.Load() }
