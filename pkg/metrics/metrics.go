package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ActiveSource reports the current number of Active sessions.
type ActiveSource interface {
	CountActive(ctx context.Context) (int, error)
}

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Accounting metrics
	acctEvents    *prometheus.CounterVec
	acctAnomalies *prometheus.CounterVec
	applyLatency  prometheus.Histogram

	// Session metrics
	sessionsActive prometheus.Gauge
	sessionsReaped prometheus.Counter

	// Authentication metrics
	authEvents *prometheus.CounterVec

	// RADIUS listener metrics
	radiusPackets *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	source ActiveSource
	logger *zap.Logger
}

// New creates the metric set. source may be nil.
func New(source ActiveSource, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{
		acctEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_accounting_events_total",
				Help: "Accounting events received, by status type",
			},
			[]string{"status_type"},
		),
		acctAnomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_accounting_anomalies_total",
				Help: "Accounting events absorbed as anomalies, by reason",
			},
			[]string{"reason"},
		),
		applyLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_accounting_apply_duration_seconds",
				Help:    "Time to apply one accounting event",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_sessions_active",
				Help: "Sessions currently in the Active state",
			},
		),
		sessionsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_sessions_reaped_total",
				Help: "Sessions closed by the reaper with an inferred stop",
			},
		),
		authEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_auth_events_total",
				Help: "Authentication attempts recorded, by result",
			},
			[]string{"result"},
		),
		radiusPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_radius_packets_total",
				Help: "RADIUS packets handled by the accounting listener",
			},
			[]string{"code", "outcome"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_http_requests_total",
				Help: "API requests, by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_http_request_duration_seconds",
				Help:    "API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		source: source,
		logger: logger,
	}
}

// Register registers all metrics with the default registerer.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.acctEvents,
		m.acctAnomalies,
		m.applyLatency,
		m.sessionsActive,
		m.sessionsReaped,
		m.authEvents,
		m.radiusPackets,
		m.httpRequests,
		m.httpLatency,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// RecordAccounting counts one received accounting event.
func (m *Metrics) RecordAccounting(statusType string) {
	if m == nil {
		return
	}
	m.acctEvents.WithLabelValues(statusType).Inc()
}

// RecordAnomaly counts one absorbed anomaly.
func (m *Metrics) RecordAnomaly(reason string) {
	if m == nil {
		return
	}
	m.acctAnomalies.WithLabelValues(reason).Inc()
}

// ObserveApply records state machine latency.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyLatency.Observe(d.Seconds())
}

// RecordReaped counts sessions closed by the reaper.
func (m *Metrics) RecordReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsReaped.Add(float64(n))
}

// SetActiveSessions sets the active session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordAuth counts one authentication attempt.
func (m *Metrics) RecordAuth(result string) {
	if m == nil {
		return
	}
	m.authEvents.WithLabelValues(result).Inc()
}

// RecordRADIUSPacket counts one packet seen by the UDP listener.
func (m *Metrics) RecordRADIUSPacket(code, outcome string) {
	if m == nil {
		return
	}
	m.radiusPackets.WithLabelValues(code, outcome).Inc()
}

// RecordHTTPRequest records one API request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Collect refreshes gauges from the active source.
func (m *Metrics) Collect(ctx context.Context) {
	if m == nil || m.source == nil {
		return
	}
	n, err := m.source.CountActive(ctx)
	if err != nil {
		m.logger.Warn("Failed to count active sessions", zap.Error(err))
		return
	}
	m.SetActiveSessions(n)
}

// StartCollector refreshes gauges every interval until stopCh is closed.
func (m *Metrics) StartCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			m.Collect(ctx)
			cancel()
		}
	}
}
