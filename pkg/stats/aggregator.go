package stats

import (
	"cmp"
	"context"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// LogSource is the read side of the authentication log.
type LogSource interface {
	Scan(ctx context.Context, f audit.Filter) iter.Seq2[*audit.Entry, error]
}

// Config configures the aggregator.
type Config struct {
	// TTL memoizes results per function and range. Zero disables it.
	// Results are never older than the store snapshot they were computed
	// from plus TTL.
	TTL time.Duration `json:"ttl"`

	// TopFailedUsers caps the failed-authentication ranking.
	TopFailedUsers int `json:"top_failed_users"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TTL:            5 * time.Second,
		TopFailedUsers: 10,
	}
}

type memoEntry struct {
	value   any
	expires time.Time
}

// Aggregator derives dashboard statistics from the session store and the
// log. It only reads; every computation starts from a fresh snapshot of
// each store.
type Aggregator struct {
	config   Config
	sessions state.Store
	logs     LogSource
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	memo map[string]memoEntry
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator.
func NewAggregator(config Config, sessions state.Store, logs LogSource, logger *zap.Logger, opts ...Option) *Aggregator {
	if config.TopFailedUsers <= 0 {
		config.TopFailedUsers = DefaultConfig().TopFailedUsers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		config:   config,
		sessions: sessions,
		logs:     logs,
		logger:   logger,
		now:      time.Now,
		memo:     make(map[string]memoEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Now returns the aggregator clock, used to resolve named ranges.
func (a *Aggregator) Now() time.Time {
	return a.now()
}

// ComputeStats returns the dashboard summary for r. activeSessions is a
// point-in-time count regardless of r; request counters come from the log
// and include retransmissions.
func (a *Aggregator) ComputeStats(ctx context.Context, r TimeRange) (Stats, error) {
	return memoize(a, "stats|"+r.key(), func() (Stats, error) {
		var s Stats

		for e, err := range a.logs.Scan(ctx, audit.Filter{Since: r.Since, Until: r.Until}) {
			if err != nil {
				return Stats{}, err
			}
			switch e.Type {
			case audit.TypeAuth:
				switch e.Result {
				case audit.ResultAccept:
					s.AuthSuccess++
				case audit.ResultReject:
					s.AuthFailure++
				}
			case audit.TypeAcct:
				switch e.Action {
				case audit.ActionStart:
					s.AcctStart++
				case audit.ActionStop:
					s.AcctStop++
				case audit.ActionInterimUpdate:
					s.AcctUpdate++
				}
			}
		}
		s.TotalRequests = s.AuthSuccess + s.AuthFailure + s.AcctStart + s.AcctStop + s.AcctUpdate

		var intervals []Interval
		for sess, err := range a.sessions.List(ctx) {
			if err != nil {
				return Stats{}, err
			}
			if sess.Active() {
				s.ActiveSessions++
			}
			if !sess.Overlaps(r.Since, r.Until) {
				continue
			}
			s.DataTransferred += sess.TotalOctets()
			if iv, ok := clip(intervalOf(sess), r); ok {
				intervals = append(intervals, iv)
			}
		}
		s.PeakConcurrent = PeakConcurrent(intervals)

		a.logger.Debug("Computed stats",
			zap.String("range", r.key()),
			zap.Int("sessions_in_range", len(intervals)),
			zap.Int("requests", s.TotalRequests),
		)
		return s, nil
	})
}

// AuthStats ranks authentication outcomes in r. Failed users are ordered
// by failures descending, then username.
func (a *Aggregator) AuthStats(ctx context.Context, r TimeRange) (AuthStats, error) {
	out, err := memoize(a, "auth|"+r.key(), func() (AuthStats, error) {
		var s AuthStats
		failures := make(map[string]int)

		f := audit.Filter{Type: audit.TypeAuth, Since: r.Since, Until: r.Until}
		for e, err := range a.logs.Scan(ctx, f) {
			if err != nil {
				return AuthStats{}, err
			}
			switch e.Result {
			case audit.ResultAccept:
				s.SuccessCount++
			case audit.ResultReject:
				s.FailureCount++
				failures[e.Username]++
			}
		}
		s.TotalRequests = s.SuccessCount + s.FailureCount
		if s.TotalRequests > 0 {
			rate := float64(s.SuccessCount) / float64(s.TotalRequests) * 100
			s.SuccessRate = math.Round(rate*100) / 100
		}

		s.TopFailedUsers = make([]FailedUser, 0, len(failures))
		for username, n := range failures {
			s.TopFailedUsers = append(s.TopFailedUsers, FailedUser{Username: username, Failures: n})
		}
		slices.SortFunc(s.TopFailedUsers, func(x, y FailedUser) int {
			if c := cmp.Compare(y.Failures, x.Failures); c != 0 {
				return c
			}
			return cmp.Compare(x.Username, y.Username)
		})
		if len(s.TopFailedUsers) > a.config.TopFailedUsers {
			s.TopFailedUsers = s.TopFailedUsers[:a.config.TopFailedUsers]
		}
		return s, nil
	})
	out.TopFailedUsers = slices.Clone(out.TopFailedUsers)
	return out, err
}

// AccountingStats summarizes sessions in r. The average duration only
// covers sessions whose stop time falls in r; open sessions are left out.
func (a *Aggregator) AccountingStats(ctx context.Context, r TimeRange) (AccountingStats, error) {
	return memoize(a, "acct|"+r.key(), func() (AccountingStats, error) {
		var (
			s       AccountingStats
			total   time.Duration
			stopped int
		)

		for sess, err := range a.sessions.List(ctx) {
			if err != nil {
				return AccountingStats{}, err
			}
			if sess.Active() {
				s.ActiveSessions++
			}
			if !sess.Overlaps(r.Since, r.Until) {
				continue
			}
			s.DataTransferred += sess.TotalOctets()
			if r.Contains(sess.StartTime) {
				s.SessionsStarted++
			}
			if sess.StopTime != nil && r.Contains(*sess.StopTime) {
				s.SessionsStopped++
				total += sess.Duration()
				stopped++
			}
		}
		if stopped > 0 {
			avg := total.Seconds() / float64(stopped)
			s.AvgSessionDuration = math.Round(avg*100) / 100
		}
		return s, nil
	})
}

// CountActive returns the number of Active sessions.
func (a *Aggregator) CountActive(ctx context.Context) (int, error) {
	n := 0
	for _, err := range a.sessions.ListActive(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// ActiveByNAS counts Active sessions per NAS identifier.
func (a *Aggregator) ActiveByNAS(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for sess, err := range a.sessions.ListActive(ctx) {
		if err != nil {
			return nil, err
		}
		counts[sess.NASIdentifier]++
	}
	return counts, nil
}

// UserUsage sums session time and traffic for one subscriber. Open
// sessions count up to their last update.
func (a *Aggregator) UserUsage(ctx context.Context, username string) (Usage, error) {
	var u Usage
	for sess, err := range a.sessions.ListByUser(ctx, username, time.Time{}) {
		if err != nil {
			return Usage{}, err
		}
		d := sess.Duration()
		if sess.Active() {
			d = sess.LastUpdateTime.Sub(sess.StartTime)
		}
		u.SessionTime += int64(d.Seconds())
		u.DataUsage += sess.TotalOctets()
	}
	return u, nil
}

// Invalidate drops memoized results.
func (a *Aggregator) Invalidate() {
	a.mu.Lock()
	clear(a.memo)
	a.mu.Unlock()
}

func intervalOf(s *state.Session) Interval {
	iv := Interval{Start: s.StartTime}
	if s.StopTime != nil {
		iv.Stop = *s.StopTime
	}
	return iv
}

// memoize serves key from the memo while fresh, computing it otherwise.
// Errors are never memoized.
func memoize[T any](a *Aggregator, key string, compute func() (T, error)) (T, error) {
	if a.config.TTL <= 0 {
		return compute()
	}

	now := a.now()
	a.mu.Lock()
	if e, ok := a.memo[key]; ok && now.Before(e.expires) {
		a.mu.Unlock()
		return e.value.(T), nil
	}
	a.mu.Unlock()

	v, err := compute()
	if err != nil {
		return v, err
	}

	a.mu.Lock()
	a.memo[key] = memoEntry{value: v, expires: now.Add(a.config.TTL)}
	a.mu.Unlock()
	return v, nil
}
