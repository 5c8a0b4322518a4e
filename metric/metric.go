package metric

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/app/logger"
)

const CName = "common.metric"

var log = logger.NewNamed(CName)

type configSource interface {
	GetMetric() Config
}

type Config struct {
	Addr string `yaml:"addr"`
}

func New() Metric {
	return new(metric)
}

type Metric interface {
	Registry() *prometheus.Registry
	// ProbeResult counts one terminal probe outcome.
	ProbeResult(probe, status string)
	// ObserveRunDuration records the wall time of one full diagnostic run.
	ObserveRunDuration(d time.Duration)
	app.ComponentRunnable
}

type metric struct {
	registry     *prometheus.Registry
	config       Config
	probeResults *prometheus.CounterVec
	runDuration  prometheus.Histogram
	server       *http.Server
}

func (m *metric) Init(a *app.App) (err error) {
	m.registry = prometheus.NewRegistry()
	if cs, ok := a.Component("config").(configSource); ok {
		m.config = cs.GetMetric()
	}
	m.probeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diagnostic",
		Subsystem: "probe",
		Name:      "results_total",
		Help:      "terminal probe results by probe name and status",
	}, []string{"probe", "status"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "diagnostic",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "full diagnostic run duration",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	if err = m.registry.Register(m.probeResults); err != nil {
		return
	}
	return m.registry.Register(m.runDuration)
}

func (m *metric) Name() string {
	return CName
}

func (m *metric) Run(ctx context.Context) (err error) {
	if err = m.registry.Register(collectors.NewBuildInfoCollector()); err != nil {
		return err
	}
	if err = m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if m.config.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
		m.server = &http.Server{Addr: m.config.Addr, Handler: mux}
		var errCh = make(chan error)
		go func() {
			errCh <- m.server.ListenAndServe()
		}()
		select {
		case err = <-errCh:
		case <-time.After(time.Second / 5):
		}
		if err == nil {
			log.Info("metrics listener started", zap.String("addr", m.config.Addr))
		}
	}
	return
}

func (m *metric) Registry() *prometheus.Registry {
	return m.registry
}

func (m *metric) ProbeResult(probe, status string) {
	if m == nil {
		return
	}
	m.probeResults.WithLabelValues(probe, status).Inc()
}

func (m *metric) ObserveRunDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Observe(d.Seconds())
}

func (m *metric) Close(ctx context.Context) (err error) {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}
