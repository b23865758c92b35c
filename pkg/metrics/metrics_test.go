package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	n   int
	err error
}

func (f fakeSource) CountActive(ctx context.Context) (int, error) {
	return f.n, f.err
}

func withRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
	})
	return reg
}

func TestRegisterTwice(t *testing.T) {
	withRegistry(t)
	m := New(nil, zap.NewNop())

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
}

func TestRecorders(t *testing.T) {
	m := New(nil, zap.NewNop())

	m.RecordAccounting("start")
	m.RecordAccounting("start")
	m.RecordAnomaly("duplicate_event")
	m.RecordAuth("Reject")
	m.RecordReaped(3)
	m.RecordReaped(0)
	m.RecordRADIUSPacket("Accounting-Request", "ok")
	m.RecordHTTPRequest("GET", "/monitoring/stats", 200, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.acctEvents.WithLabelValues("start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acctAnomalies.WithLabelValues("duplicate_event")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authEvents.WithLabelValues("Reject")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionsReaped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.radiusPackets.WithLabelValues("Accounting-Request", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/monitoring/stats", "200")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAccounting("stop")
		m.RecordAnomaly("x")
		m.ObserveApply(time.Millisecond)
		m.SetActiveSessions(1)
		m.Collect(context.Background())
	})
}

func TestCollectUsesSource(t *testing.T) {
	m := New(fakeSource{n: 42}, zap.NewNop())
	m.Collect(context.Background())
	assert.Equal(t, 42.0, testutil.ToFloat64(m.sessionsActive))

	failing := New(fakeSource{err: errors.New("redis down")}, zap.NewNop())
	failing.SetActiveSessions(7)
	failing.Collect(context.Background())
	assert.Equal(t, 7.0, testutil.ToFloat64(failing.sessionsActive))
}

func TestHandlerExposesMetrics(t *testing.T) {
	withRegistry(t)
	m := New(nil, zap.NewNop())
	require.NoError(t, m.Register())
	m.RecordAccounting("interim-update")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `ledger_accounting_events_total{status_type="interim-update"} 1`))
}
