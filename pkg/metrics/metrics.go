package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

const namespace = "svcmgr"

// Exit results recorded by ChildExited.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSignal  = "signal"
)

// Recorder holds the supervisor collectors. A nil *Recorder records nothing.
type Recorder struct {
	launches     prometheus.Counter
	exits        *prometheus.CounterVec
	restarts     prometheus.Counter
	terminations *prometheus.CounterVec
	currentWait  prometheus.Gauge
	attempts     prometheus.Gauge
	running      prometheus.Gauge
}

func NewRecorder() *Recorder {
	return &Recorder{
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "launches_total",
			Help:      "Number of times the child was started.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of child exits by result.",
		}, []string{"result"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "scheduled_total",
			Help:      "Number of restarts scheduled after a child exit.",
		}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Number of times supervision ended, by reason.",
		}, []string{"reason"}),
		currentWait: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "wait_seconds",
			Help:      "Delay the next restart would use.",
		}),
		attempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "attempts",
			Help:      "Restart attempts since the last stable run.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "child",
			Name:      "running",
			Help:      "1 while a child process is running.",
		}),
	}
}

// Register registers all collectors with r.
func (m *Recorder) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.launches, m.exits, m.restarts, m.terminations, m.currentWait, m.attempts, m.running} {
		if err := r.Register(c); err != nil {
			return errors.NewInternalError("failed to register metrics", err)
		}
	}
	return nil
}

func (m *Recorder) ChildStarted() {
	if m == nil {
		return
	}
	m.launches.Inc()
	m.running.Set(1)
}

func (m *Recorder) ChildExited(result string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(result).Inc()
	m.running.Set(0)
}

func (m *Recorder) RestartScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.restarts.Inc()
	m.currentWait.Set(delay.Seconds())
}

// Backoff publishes the policy state after it changed.
func (m *Recorder) Backoff(wait time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.currentWait.Set(wait.Seconds())
	m.attempts.Set(float64(attempts))
}

func (m *Recorder) Terminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

// Server serves the metrics of one registry over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	logger   logging.Logger
	done     chan struct{}
}

// Serve starts an HTTP server on addr exposing g at /metrics.
func Serve(addr string, g prometheus.Gatherer, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("failed to listen for metrics", err).WithContext("addr", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	s := &Server{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	logger.Debugf("Metrics listening on %s", listener.Addr())
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	<-s.done
	return err
}
