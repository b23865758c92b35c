package load

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"layeh.com/radius"

	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	ledgerradius "github.com/codelaboratoryltd/radius-ledger/pkg/radius"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

const testSecret = "load-secret"

func startLedger(t *testing.T) (string, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore(zap.NewNop())
	engine := ledgerradius.NewEngine(store,
		audit.NewLogger(audit.Config{}, audit.NewMemoryStorage(), zap.NewNop()), zap.NewNop())

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := ledgerradius.NewAccountingServer(ledgerradius.ServerConfig{Addr: conn.LocalAddr().String()},
		engine, radius.StaticSecretSource([]byte(testSecret)), nil, zap.NewNop())
	go func() { _ = server.Serve(conn) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return conn.LocalAddr().String(), store
}

func TestBenchmarkAgainstLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	addr, store := startLedger(t)

	cfg := &BenchmarkConfig{
		Target:             addr,
		Secret:             testSecret,
		NASIdentifier:      "bench-nas",
		Concurrency:        4,
		Duration:           300 * time.Millisecond,
		InterimsPerSession: 2,
		RequestTimeout:     time.Second,
	}
	result, err := NewBenchmark(cfg, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.NotZero(t, result.Requests)
	assert.Equal(t, result.Requests, result.Responses)
	assert.Zero(t, result.Errors)
	assert.Zero(t, result.Timeouts)
	assert.NotZero(t, result.SessionsCompleted)
	assert.LessOrEqual(t, result.LatencyMin, result.LatencyP50)
	assert.LessOrEqual(t, result.LatencyP99, result.LatencyMax)

	all, err := state.Collect(store.List(context.Background()))
	require.NoError(t, err)

	var stopped, active uint64
	for _, s := range all {
		assert.Equal(t, "bench-nas", s.NASIdentifier)
		if s.Active() {
			active++
			continue
		}
		stopped++
		assert.Equal(t, uint64(3<<20), s.InputOctets)
		assert.Equal(t, uint64(12<<20), s.OutputOctets)
	}
	// A Stop applied as the run ended may not have been counted.
	assert.GreaterOrEqual(t, stopped, result.SessionsCompleted)
	assert.LessOrEqual(t, stopped, result.SessionsCompleted+uint64(cfg.Concurrency))
	assert.LessOrEqual(t, active, uint64(cfg.Concurrency))
}

func TestBenchmarkWrongSecretTimesOut(t *testing.T) {
	addr, store := startLedger(t)

	cfg := &BenchmarkConfig{
		Target:         addr,
		Secret:         "not-the-secret",
		Concurrency:    1,
		Duration:       250 * time.Millisecond,
		RequestTimeout: 100 * time.Millisecond,
	}
	result, err := NewBenchmark(cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Responses)
	assert.NotZero(t, result.Timeouts)
	assert.Equal(t, 1.0, result.ErrorRate())
	assert.False(t, result.MeetsTargets(DefaultTargets()))
	assert.Zero(t, store.Stats().Sessions)
}

func TestBenchmarkRequiresSecret(t *testing.T) {
	_, err := NewBenchmark(&BenchmarkConfig{Target: "127.0.0.1:1813"}, nil).Run(context.Background())
	assert.Error(t, err)
}

func TestPercentile(t *testing.T) {
	sorted := make([]time.Duration, 100)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 0.50))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 0.99))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.5))
}

func TestMeetsTargets(t *testing.T) {
	r := &BenchmarkResult{Requests: 10000, Responses: 10000, RequestsPerSecond: 8000, LatencyP99: 2 * time.Millisecond}
	assert.True(t, r.MeetsTargets(DefaultTargets()))

	r.Timeouts = 100
	assert.InDelta(t, 0.01, r.ErrorRate(), 1e-9)
	assert.False(t, r.MeetsTargets(DefaultTargets()))
}
