// Package load generates RADIUS accounting load against a running ledger.
//
// Each worker plays a NAS: it opens a session with Accounting-Start, sends
// a configurable number of Interim-Updates with growing octet counters and
// closes it with Accounting-Stop, then starts the next session. Every
// request waits for its Accounting-Response, so latency covers the full
// durable apply path.
package load

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"
)

// BenchmarkConfig configures the accounting load test.
type BenchmarkConfig struct {
	// Target is the ledger accounting address (e.g. "127.0.0.1:1813").
	Target string

	// Secret is the shared secret the ledger expects from this NAS.
	Secret string

	// NASIdentifier is sent on every request; sessions are keyed under it.
	NASIdentifier string

	// Concurrency is the number of simulated sessions in flight.
	Concurrency int

	Duration time.Duration

	// RequestsPerSecond caps the total request rate (0 for unlimited).
	RequestsPerSecond int

	// InterimsPerSession is the number of Interim-Updates between Start and
	// Stop.
	InterimsPerSession int

	// WarmupDuration runs load before measurement starts.
	WarmupDuration time.Duration

	// RequestTimeout bounds one request including retransmissions.
	RequestTimeout time.Duration

	// Retry is the retransmission interval; zero sends once.
	Retry time.Duration
}

// DefaultConfig returns a default benchmark configuration.
func DefaultConfig() *BenchmarkConfig {
	return &BenchmarkConfig{
		Target:             "127.0.0.1:1813",
		NASIdentifier:      "loadtest",
		Concurrency:        50,
		Duration:           30 * time.Second,
		InterimsPerSession: 3,
		WarmupDuration:     5 * time.Second,
		RequestTimeout:     2 * time.Second,
	}
}

// BenchmarkResult contains the results of a load test.
type BenchmarkResult struct {
	Config *BenchmarkConfig

	// Duration is the measured time, excluding warmup.
	Duration time.Duration

	Requests  uint64
	Responses uint64
	Errors    uint64
	Timeouts  uint64

	// SessionsCompleted counts sessions whose Stop was acknowledged.
	SessionsCompleted uint64

	RequestsPerSecond float64

	Latencies  []time.Duration
	LatencyMin time.Duration
	LatencyAvg time.Duration
	LatencyP50 time.Duration
	LatencyP95 time.Duration
	LatencyP99 time.Duration
	LatencyMax time.Duration
}

// Benchmark runs an accounting load test.
type Benchmark struct {
	config *BenchmarkConfig
	logger *zap.Logger
	client *radius.Client

	requests  atomic.Uint64
	responses atomic.Uint64
	errors    atomic.Uint64
	timeouts  atomic.Uint64
	completed atomic.Uint64

	latencies   []time.Duration
	latenciesMu sync.Mutex

	// sessionSeq makes session IDs unique across runs against one ledger.
	sessionSeq atomic.Uint64
	runID      string
}

// NewBenchmark creates a benchmark.
func NewBenchmark(config *BenchmarkConfig, logger *zap.Logger) *Benchmark {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.NASIdentifier == "" {
		config.NASIdentifier = defaults.NASIdentifier
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Benchmark{
		config: config,
		logger: logger,
		client: &radius.Client{Retry: config.Retry, MaxPacketErrors: 10},
		runID:  fmt.Sprintf("%x", time.Now().UnixNano()),
	}
}

// Run executes the benchmark.
func (b *Benchmark) Run(ctx context.Context) (*BenchmarkResult, error) {
	if b.config.Secret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if _, err := net.ResolveUDPAddr("udp", b.config.Target); err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}

	b.logger.Info("Starting accounting benchmark",
		zap.String("target", b.config.Target),
		zap.Int("concurrency", b.config.Concurrency),
		zap.Duration("duration", b.config.Duration),
		zap.Int("interims_per_session", b.config.InterimsPerSession),
	)

	ctx, cancel := context.WithTimeout(ctx, b.config.Duration+b.config.WarmupDuration+time.Minute)
	defer cancel()

	b.reset()

	var wg sync.WaitGroup
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()

	var rateLimiter <-chan time.Time
	if b.config.RequestsPerSecond > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(b.config.RequestsPerSecond))
		defer ticker.Stop()
		rateLimiter = ticker.C
	}

	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerCtx, workerID, rateLimiter)
		}(i)
	}

	if b.config.WarmupDuration > 0 {
		b.logger.Info("Warmup phase", zap.Duration("duration", b.config.WarmupDuration))
		select {
		case <-time.After(b.config.WarmupDuration):
		case <-ctx.Done():
			workerCancel()
			wg.Wait()
			return nil, ctx.Err()
		}
		b.reset()
		b.logger.Info("Warmup complete, starting measurement phase")
	}

	startTime := time.Now()
	select {
	case <-time.After(b.config.Duration):
	case <-ctx.Done():
	}

	workerCancel()
	wg.Wait()

	return b.calculateResults(time.Since(startTime)), nil
}

func (b *Benchmark) reset() {
	b.requests.Store(0)
	b.responses.Store(0)
	b.errors.Store(0)
	b.timeouts.Store(0)
	b.completed.Store(0)
	b.latenciesMu.Lock()
	b.latencies = make([]time.Duration, 0, 100000)
	b.latenciesMu.Unlock()
}

// worker runs sessions back to back until ctx is done.
func (b *Benchmark) worker(ctx context.Context, id int, rateLimiter <-chan time.Time) {
	for ctx.Err() == nil {
		sessionID := fmt.Sprintf("%s-%d-%d", b.runID, id, b.sessionSeq.Add(1))
		username := fmt.Sprintf("load%04d", id)

		var in, out uint64
		steps := make([]rfc2866.AcctStatusType, 0, b.config.InterimsPerSession+2)
		steps = append(steps, rfc2866.AcctStatusType_Value_Start)
		for range b.config.InterimsPerSession {
			steps = append(steps, rfc2866.AcctStatusType_Value_InterimUpdate)
		}
		steps = append(steps, rfc2866.AcctStatusType_Value_Stop)

		for _, status := range steps {
			if rateLimiter != nil {
				select {
				case <-rateLimiter:
				case <-ctx.Done():
					return
				}
			}
			if status != rfc2866.AcctStatusType_Value_Start {
				in += 1 << 20
				out += 4 << 20
			}
			if !b.send(ctx, status, sessionID, username, in, out) {
				// Abandon the session; the ledger reaper closes it.
				break
			}
			if status == rfc2866.AcctStatusType_Value_Stop {
				b.completed.Add(1)
			}
		}
	}
}

// send performs one exchange and records its outcome. It reports whether
// the request was acknowledged.
func (b *Benchmark) send(ctx context.Context, status rfc2866.AcctStatusType, sessionID, username string, in, out uint64) bool {
	packet, err := b.buildRequest(status, sessionID, username, in, out)
	if err != nil {
		b.errors.Add(1)
		b.logger.Error("Failed to build Accounting-Request", zap.Error(err))
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := b.client.Exchange(reqCtx, packet, b.config.Target)
	latency := time.Since(start)

	if ctx.Err() != nil {
		// Interrupted by the end of the run, not a ledger failure.
		return false
	}
	b.requests.Add(1)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		b.timeouts.Add(1)
		return false
	case err != nil:
		b.errors.Add(1)
		b.logger.Debug("Accounting exchange failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	case resp.Code != radius.CodeAccountingResponse:
		b.errors.Add(1)
		return false
	}

	b.responses.Add(1)
	b.latenciesMu.Lock()
	b.latencies = append(b.latencies, latency)
	b.latenciesMu.Unlock()
	return true
}

func (b *Benchmark) buildRequest(status rfc2866.AcctStatusType, sessionID, username string, in, out uint64) (*radius.Packet, error) {
	p := radius.New(radius.CodeAccountingRequest, []byte(b.config.Secret))
	if err := rfc2866.AcctStatusType_Set(p, status); err != nil {
		return nil, err
	}
	if err := rfc2866.AcctSessionID_SetString(p, sessionID); err != nil {
		return nil, err
	}
	if err := rfc2865.UserName_SetString(p, username); err != nil {
		return nil, err
	}
	if err := rfc2865.NASIdentifier_SetString(p, b.config.NASIdentifier); err != nil {
		return nil, err
	}
	if err := rfc2866.AcctInputOctets_Set(p, rfc2866.AcctInputOctets(uint32(in))); err != nil {
		return nil, err
	}
	if err := rfc2866.AcctOutputOctets_Set(p, rfc2866.AcctOutputOctets(uint32(out))); err != nil {
		return nil, err
	}
	if err := rfc2869.AcctInputGigawords_Set(p, rfc2869.AcctInputGigawords(in>>32)); err != nil {
		return nil, err
	}
	if err := rfc2869.AcctOutputGigawords_Set(p, rfc2869.AcctOutputGigawords(out>>32)); err != nil {
		return nil, err
	}
	return p, nil
}

func (b *Benchmark) calculateResults(duration time.Duration) *BenchmarkResult {
	requests := b.requests.Load()

	result := &BenchmarkResult{
		Config:            b.config,
		Duration:          duration,
		Requests:          requests,
		Responses:         b.responses.Load(),
		Errors:            b.errors.Load(),
		Timeouts:          b.timeouts.Load(),
		SessionsCompleted: b.completed.Load(),
		RequestsPerSecond: float64(requests) / duration.Seconds(),
	}

	b.latenciesMu.Lock()
	sorted := slices.Clone(b.latencies)
	b.latenciesMu.Unlock()
	if len(sorted) == 0 {
		return result
	}
	slices.Sort(sorted)

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	result.Latencies = sorted
	result.LatencyMin, result.LatencyMax = sorted[0], sorted[len(sorted)-1]
	result.LatencyAvg = sum / time.Duration(len(sorted))
	result.LatencyP50 = percentile(sorted, 0.50)
	result.LatencyP95 = percentile(sorted, 0.95)
	result.LatencyP99 = percentile(sorted, 0.99)
	return result
}

// percentile returns the pth percentile of sorted latencies.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Targets are the pass thresholds for a run.
type Targets struct {
	MinRequestsPerSecond float64
	MaxP99               time.Duration
	MaxErrorRate         float64
}

// DefaultTargets returns thresholds for an in-memory ledger on one host.
func DefaultTargets() Targets {
	return Targets{
		MinRequestsPerSecond: 5000,
		MaxP99:               10 * time.Millisecond,
		MaxErrorRate:         0.001,
	}
}

// ErrorRate is the fraction of requests that were not acknowledged.
func (r *BenchmarkResult) ErrorRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Errors+r.Timeouts) / float64(r.Requests)
}

// MeetsTargets checks the results against t.
func (r *BenchmarkResult) MeetsTargets(t Targets) bool {
	return r.RequestsPerSecond >= t.MinRequestsPerSecond &&
		r.LatencyP99 < t.MaxP99 &&
		r.ErrorRate() <= t.MaxErrorRate
}

// PrintReport prints a human-readable report of the results.
func (r *BenchmarkResult) PrintReport(t Targets) {
	fmt.Println("===========================================================")
	fmt.Println("RADIUS Accounting Load Test Results")
	fmt.Println("===========================================================")
	fmt.Println()
	fmt.Printf("Test Duration:      %s\n", r.Duration)
	fmt.Printf("Concurrency:        %d sessions\n", r.Config.Concurrency)
	fmt.Printf("Interims/session:   %d\n", r.Config.InterimsPerSession)
	fmt.Println()
	fmt.Println("--- Throughput ---")
	fmt.Printf("Total Requests:     %d\n", r.Requests)
	fmt.Printf("Acknowledged:       %d\n", r.Responses)
	fmt.Printf("Errors:             %d\n", r.Errors)
	fmt.Printf("Timeouts:           %d\n", r.Timeouts)
	fmt.Printf("Sessions completed: %d\n", r.SessionsCompleted)
	fmt.Printf("Requests/sec:       %.2f\n", r.RequestsPerSecond)
	fmt.Println()
	fmt.Println("--- Latency ---")
	fmt.Printf("Min:                %s\n", r.LatencyMin)
	fmt.Printf("Avg:                %s\n", r.LatencyAvg)
	fmt.Printf("P50 (median):       %s\n", r.LatencyP50)
	fmt.Printf("P95:                %s\n", r.LatencyP95)
	fmt.Printf("P99:                %s\n", r.LatencyP99)
	fmt.Printf("Max:                %s\n", r.LatencyMax)
	fmt.Println()
	fmt.Println("--- Target Validation ---")
	fmt.Printf("RPS >= %.0f:       %s (%.2f)\n", t.MinRequestsPerSecond,
		passFailStr(r.RequestsPerSecond >= t.MinRequestsPerSecond), r.RequestsPerSecond)
	fmt.Printf("P99 < %s:          %s (%s)\n", t.MaxP99, passFailStr(r.LatencyP99 < t.MaxP99), r.LatencyP99)
	fmt.Printf("Error rate <= %.2f%%: %s (%.3f%%)\n", t.MaxErrorRate*100,
		passFailStr(r.ErrorRate() <= t.MaxErrorRate), r.ErrorRate()*100)
	fmt.Println("===========================================================")
}

func passFailStr(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
