package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cheggaaa/mb/v3"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/app/logger"
	"github.com/anyproto/any-diag/clientinfo"
	"github.com/anyproto/any-diag/diagnostic/result"
	"github.com/anyproto/any-diag/metric"
	"github.com/anyproto/any-diag/rtc"
)

const CName = "diagnostic.runner"

var log = logger.NewNamed(CName)

var (
	// ErrRunInProgress is returned when RunAllTests is called while a run
	// is already in flight. The second call is a no-op, never queued.
	ErrRunInProgress = errors.New("diagnostic run already in progress")
	// ErrTimeout is the terminal message of any probe whose operation did
	// not settle within its bound.
	ErrTimeout = errors.New("timeout")

	errNegotiationFailed = errors.New("peer connection entered failed state")
)

const (
	defaultSignalingTimeout = time.Second * 5
	defaultPeerConnTimeout  = time.Second * 10
)

// Tally is the pass/fail/warning breakdown of a result snapshot.
type Tally struct {
	Pass    int
	Fail    int
	Warning int
}

type Service interface {
	// RunAllTests resets the log and executes the six probes strictly
	// sequentially. Returns ErrRunInProgress when called re-entrantly.
	RunAllTests(ctx context.Context) error
	// Results returns the current ordered result snapshot.
	Results() []result.TestResult
	// BrowserInfo returns the client info of the latest run, nil before the
	// first one.
	BrowserInfo() *clientinfo.BrowserInfo
	IsRunning() bool
	Tally() Tally
	// Subscribe returns a queue receiving a result snapshot after every
	// change; release it with Unsubscribe.
	Subscribe() *mb.MB[[]result.TestResult]
	Unsubscribe(q *mb.MB[[]result.TestResult])
	app.ComponentRunnable
}

func New() Service {
	return &service{
		rec:              result.NewRecorder(),
		running:          atomic.NewBool(false),
		signalingTimeout: defaultSignalingTimeout,
		peerConnTimeout:  defaultPeerConnTimeout,
	}
}

type service struct {
	env    rtc.Service
	info   clientinfo.Service
	metric metric.Metric

	rec              *result.Recorder
	running          *atomic.Bool
	signalingTimeout time.Duration
	peerConnTimeout  time.Duration

	mu          sync.Mutex
	browserInfo *clientinfo.BrowserInfo
	runCancel   context.CancelFunc
}

func (s *service) Init(a *app.App) (err error) {
	s.env = a.MustComponent(rtc.CName).(rtc.Service)
	s.info = a.MustComponent(clientinfo.CName).(clientinfo.Service)
	if c := a.Component(metric.CName); c != nil {
		s.metric = c.(metric.Metric)
	}
	return nil
}

func (s *service) Name() string {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	return nil
}

func (s *service) RunAllTests(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		log.Debug("run already in progress, ignoring")
		return ErrRunInProgress
	}
	defer s.running.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.runCancel = cancel
	s.mu.Unlock()

	runLog := log.With(zap.String("runId", uuid.NewString()))
	start := time.Now()

	s.rec.Reset()
	info := s.info.Detect()
	s.mu.Lock()
	s.browserInfo = &info
	s.mu.Unlock()
	runLog.Info("diagnostic run started",
		zap.String("client", info.Name),
		zap.String("clientVersion", info.Version))

	for _, p := range s.probes() {
		s.runProbe(runCtx, p, runLog)
	}

	spent := time.Since(start)
	if s.metric != nil {
		s.metric.ObserveRunDuration(spent)
	}
	tally := s.Tally()
	runLog.Info("diagnostic run finished",
		zap.Duration("spent", spent),
		zap.Int("pass", tally.Pass),
		zap.Int("fail", tally.Fail),
		zap.Int("warning", tally.Warning))
	return nil
}

// runProbe guarantees exactly one terminal record per probe: running on
// entry, the probe's single outcome on exit. Probe errors and panics never
// escape into the sequencing loop.
func (s *service) runProbe(ctx context.Context, p probe, runLog logger.CtxLogger) {
	s.rec.Record(p.name, result.StatusRunning, "", 0, nil)
	out := s.invoke(ctx, p)
	s.rec.Record(p.name, out.status, out.message, out.durationMs, out.details)
	if s.metric != nil {
		s.metric.ProbeResult(p.name, out.status.String())
	}
	runLog.Info("probe finished",
		zap.String("probe", p.name),
		zap.Stringer("status", out.status),
		zap.Int64("durationMs", out.durationMs),
		zap.String("message", out.message))
}

func (s *service) invoke(ctx context.Context, p probe) (out outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = outcome{status: result.StatusFail, message: fmt.Sprintf("probe panic: %v", rec)}
		}
	}()
	return p.fn(ctx)
}

func (s *service) Results() []result.TestResult {
	return s.rec.Snapshot()
}

func (s *service) BrowserInfo() *clientinfo.BrowserInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserInfo
}

func (s *service) IsRunning() bool {
	return s.running.Load()
}

func (s *service) Tally() (t Tally) {
	for _, res := range s.rec.Snapshot() {
		switch res.Status {
		case result.StatusPass:
			t.Pass++
		case result.StatusFail:
			t.Fail++
		case result.StatusWarning:
			t.Warning++
		}
	}
	return
}

func (s *service) Subscribe() *mb.MB[[]result.TestResult] {
	return s.rec.Subscribe()
}

func (s *service) Unsubscribe(q *mb.MB[[]result.TestResult]) {
	s.rec.Unsubscribe(q)
}

func (s *service) Close(ctx context.Context) (err error) {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
