package api

import (
	"net/http"
	"sync"
	"time"
)

type bucket struct {
	second  int64
	count   int
	errors  int
	latency time.Duration
}

// requestTracker keeps per-second request counts over a sliding window
// for the realtime view.
type requestTracker struct {
	mu      sync.Mutex
	buckets []bucket
}

func newRequestTracker(window time.Duration) *requestTracker {
	n := int(window / time.Second)
	if n < 1 {
		n = 1
	}
	return &requestTracker{buckets: make([]bucket, n)}
}

// Observe records one finished request.
func (t *requestTracker) Observe(at time.Time, status int, d time.Duration) {
	sec := at.Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[int(sec%int64(len(t.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.count++
	b.latency += d
	if status >= http.StatusInternalServerError {
		b.errors++
	}
}

type windowStats struct {
	RequestsPerSecond float64
	AvgLatency        time.Duration
	ErrorRate         float64
}

// Snapshot summarizes the window ending at now.
func (t *requestTracker) Snapshot(now time.Time) windowStats {
	oldest := now.Unix() - int64(len(t.buckets)) + 1

	t.mu.Lock()
	defer t.mu.Unlock()

	var count, errs int
	var latency time.Duration
	for _, b := range t.buckets {
		if b.second < oldest || b.second > now.Unix() {
			continue
		}
		count += b.count
		errs += b.errors
		latency += b.latency
	}

	var ws windowStats
	if count == 0 {
		return ws
	}
	ws.RequestsPerSecond = float64(count) / float64(len(t.buckets))
	ws.AvgLatency = latency / time.Duration(count)
	ws.ErrorRate = float64(errs) * 100 / float64(count)
	return ws
}
