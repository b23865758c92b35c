package radius

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// ReaperConfig configures the orphaned session sweep.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration `json:"interval"`

	// SessionTimeout is how long an Active session may go without an
	// accounting update, typically three interim intervals.
	SessionTimeout time.Duration `json:"session_timeout"`
}

// DefaultReaperConfig returns sensible defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:       60 * time.Second,
		SessionTimeout: 15 * time.Minute,
	}
}

// Reaper closes Active sessions whose NAS stopped reporting. It runs on its
// own ticker and goes through Engine.Expire, the same serialized path as a
// real Stop.
type Reaper struct {
	config ReaperConfig
	engine *Engine
	store  state.Store
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running int32
}

// NewReaper creates a reaper.
func NewReaper(config ReaperConfig, engine *Engine, store state.Store, logger *zap.Logger) *Reaper {
	defaults := DefaultReaperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = defaults.SessionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		config: config,
		engine: engine,
		store:  store,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return fmt.Errorf("reaper already running")
	}

	r.logger.Info("Starting session reaper",
		zap.Duration("interval", r.config.Interval),
		zap.Duration("session_timeout", r.config.SessionTimeout),
	)

	r.wg.Add(1)
	go r.loop()
	return nil
}

// Stop halts the loop and waits for an in-flight sweep.
func (r *Reaper) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return nil
	}

	r.logger.Info("Stopping session reaper")
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Session reaper stopped")
	return nil
}

func (r *Reaper) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(r.ctx, r.now())
			if err != nil {
				r.logger.Warn("Reaper sweep failed", zap.Error(err), zap.Int("reaped", n))
				continue
			}
			if n > 0 {
				r.logger.Info("Reaper sweep closed stale sessions", zap.Int("reaped", n))
			}
		}
	}
}

// Sweep closes every Active session silent for longer than the timeout at
// now and returns how many were closed. Candidates come from a snapshot;
// each is re-checked under its key lock before closing.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) (int, error) {
	var stale []state.Key
	for s, err := range r.store.ListActive(ctx) {
		if err != nil {
			return 0, err
		}
		if now.Sub(s.LastUpdateTime) > r.config.SessionTimeout {
			stale = append(stale, s.Key())
		}
	}

	reaped := 0
	for _, key := range stale {
		out, err := r.engine.Expire(ctx, key, r.config.SessionTimeout, now)
		if err != nil {
			return reaped, err
		}
		if out.Transition == TransitionStopped {
			reaped++
		}
	}
	return reaped, nil
}
