package radius

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/metrics"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

// LoginRecorder is told about every accepted authentication.
type LoginRecorder interface {
	RecordLogin(ctx context.Context, username string, at time.Time) error
}

// NASTracker is told when a NAS sends accounting traffic.
type NASTracker interface {
	MarkSeen(ctx context.Context, nasIdentifier string, at time.Time)
}

// Outcome describes the result of one applied event.
type Outcome struct {
	Session    *state.Session
	Transition Transition
	Anomalies  []Anomaly
}

// EngineStats holds state machine counters.
type EngineStats struct {
	EventsApplied   uint64        `json:"events_applied"`
	EventsIgnored   uint64        `json:"events_ignored"`
	Anomalies       uint64        `json:"anomalies"`
	AuthRecorded    uint64        `json:"auth_recorded"`
	SessionsReaped  uint64        `json:"sessions_reaped"`
	AvgApplyLatency time.Duration `json:"avg_apply_latency"`
}

// Engine is the accounting state machine. It owns writes to the session
// store and the log; writes for one session key are serialized, writes for
// different keys run in parallel.
type Engine struct {
	store   state.Store
	log     *audit.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics
	logins  LoginRecorder
	nas     NASTracker
	now     func() time.Time

	locks *keyLocker

	applied    atomic.Uint64
	ignored    atomic.Uint64
	anomalies  atomic.Uint64
	auths      atomic.Uint64
	reaped     atomic.Uint64
	applyNanos atomic.Uint64
}

// EngineOption configures optional collaborators.
type EngineOption func(*Engine)

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithLoginRecorder refreshes user last-login times on Access-Accept.
func WithLoginRecorder(r LoginRecorder) EngineOption {
	return func(e *Engine) { e.logins = r }
}

// WithNASTracker refreshes NAS last-seen times on accounting traffic.
func WithNASTracker(t NASTracker) EngineOption {
	return func(e *Engine) { e.nas = t }
}

// WithClock replaces time.Now for events that carry no timestamp.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an accounting state machine.
func NewEngine(store state.Store, log *audit.Logger, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		store:  store,
		log:    log,
		logger: logger,
		now:    time.Now,
		locks:  newKeyLocker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply runs one accounting event through the transition table.
//
// Anomalies are logged and returned in the Outcome, never as an error.
// Errors are InvalidArgument for a malformed event and StorageUnavailable
// or Timeout from the stores. Once the writes start they run to completion
// even if ctx is cancelled, so an event is never half applied.
func (e *Engine) Apply(ctx context.Context, ev Event) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	e.metrics.RecordAccounting(ev.StatusType.String())

	start := time.Now()
	defer func() { e.observeApply(time.Since(start)) }()

	unlock := e.locks.Lock(ev.Key())
	defer unlock()

	cur, err := e.store.Get(ctx, ev.Key())
	if err != nil {
		return nil, err
	}
	next, tr, anomalies := Next(cur, ev)

	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	writeCtx := context.WithoutCancel(ctx)

	// The session is written before the log entry: a failed Put leaves no
	// trace, and a retransmit after a failed log write lands as a duplicate.
	if tr != TransitionIgnored {
		if err := e.store.Put(writeCtx, next); err != nil {
			return nil, err
		}
		e.applied.Add(1)
	} else {
		e.ignored.Add(1)
	}
	entry := e.accountingEntry(ev, tr, anomalies, cur == nil)
	if err := e.log.Record(writeCtx, entry); err != nil {
		return nil, err
	}

	e.reportAnomalies(ev, anomalies)
	if e.nas != nil {
		e.nas.MarkSeen(writeCtx, ev.NASIdentifier, ev.Timestamp)
	}

	if tr == TransitionCreated || tr == TransitionStopped {
		e.logger.Debug("Accounting session transition",
			zap.String("nas", ev.NASIdentifier),
			zap.String("session_id", ev.SessionID),
			zap.String("transition", string(tr)),
		)
	}

	return &Outcome{Session: next.Clone(), Transition: tr, Anomalies: anomalies}, nil
}

// Expire closes key if it is still Active and silent for longer than
// timeout at now. It takes the same per-key lock as Apply, so a real Stop
// racing the reaper is applied exactly once: whichever runs second sees a
// Stopped session.
func (e *Engine) Expire(ctx context.Context, key state.Key, timeout time.Duration, now time.Time) (*Outcome, error) {
	unlock := e.locks.Lock(key)
	defer unlock()

	cur, err := e.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	next, tr := expire(cur, timeout, now)
	if tr == TransitionIgnored {
		return &Outcome{Session: cur.Clone(), Transition: tr}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, apperr.FromContext(err)
	}
	writeCtx := context.WithoutCancel(ctx)

	entry := &audit.Entry{
		Timestamp:        *next.StopTime,
		Level:            audit.LevelWarning,
		Type:             audit.TypeAcct,
		Message:          fmt.Sprintf("Session %s closed after %s without accounting updates", key.SessionID, timeout),
		Username:         next.Username,
		CallingStationID: next.CallingStationID,
		NASIdentifier:    key.NASIdentifier,
		SessionID:        key.SessionID,
		Action:           audit.ActionReap,
	}
	if err := e.store.Put(writeCtx, next); err != nil {
		return nil, err
	}
	if err := e.log.Record(writeCtx, entry); err != nil {
		return nil, err
	}

	e.reaped.Add(1)
	e.metrics.RecordReaped(1)
	e.logger.Info("Reaped stale session",
		zap.String("nas", key.NASIdentifier),
		zap.String("session_id", key.SessionID),
		zap.Time("last_update", cur.LastUpdateTime),
		zap.Time("stop_time", *next.StopTime),
	)

	return &Outcome{Session: next.Clone(), Transition: tr}, nil
}

// RecordAuth appends an authentication outcome to the log.
func (e *Engine) RecordAuth(ctx context.Context, ev AuthEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	entry := &audit.Entry{
		Timestamp:        ev.Timestamp,
		Type:             audit.TypeAuth,
		Username:         ev.Username,
		CallingStationID: ev.CallingStationID,
		NASIdentifier:    ev.NASIdentifier,
		Result:           ev.Result,
		FailureReason:    ev.FailureReason,
	}
	if ev.Result == audit.ResultAccept {
		entry.Level = audit.LevelInfo
		entry.Message = fmt.Sprintf("Access-Accept for %s", ev.Username)
	} else {
		entry.Level = audit.LevelWarning
		entry.Message = fmt.Sprintf("Access-Reject for %s", ev.Username)
		if ev.FailureReason != "" {
			entry.Message += ": " + ev.FailureReason
		}
	}

	if err := e.log.Record(ctx, entry); err != nil {
		return err
	}
	e.auths.Add(1)
	e.metrics.RecordAuth(string(ev.Result))

	if ev.Result == audit.ResultAccept && e.logins != nil {
		if err := e.logins.RecordLogin(ctx, ev.Username, ev.Timestamp); err != nil {
			e.logger.Debug("Login not recorded for unknown user",
				zap.String("username", ev.Username),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Stats returns state machine counters.
func (e *Engine) Stats() EngineStats {
	applied := e.applied.Load()
	ignored := e.ignored.Load()
	stats := EngineStats{
		EventsApplied:  applied,
		EventsIgnored:  ignored,
		Anomalies:      e.anomalies.Load(),
		AuthRecorded:   e.auths.Load(),
		SessionsReaped: e.reaped.Load(),
	}
	if n := applied + ignored; n > 0 {
		stats.AvgApplyLatency = time.Duration(e.applyNanos.Load() / n)
	}
	return stats
}

func (e *Engine) observeApply(d time.Duration) {
	e.applyNanos.Add(uint64(d.Nanoseconds()))
	e.metrics.ObserveApply(d)
}

func (e *Engine) accountingEntry(ev Event, tr Transition, anomalies []Anomaly, isNew bool) *audit.Entry {
	entry := &audit.Entry{
		Timestamp:        ev.Timestamp,
		Level:            audit.LevelInfo,
		Type:             audit.TypeAcct,
		Username:         ev.Username,
		CallingStationID: ev.CallingStationID,
		NASIdentifier:    ev.NASIdentifier,
		SessionID:        ev.SessionID,
		Action:           ev.StatusType.String(),
	}

	switch tr {
	case TransitionIgnored:
		entry.Message = fmt.Sprintf("Ignored accounting %s for session %s", ev.StatusType, ev.SessionID)
	case TransitionStopped:
		entry.Message = fmt.Sprintf("Accounting stop for session %s (in=%d out=%d)", ev.SessionID, ev.InputOctets, ev.OutputOctets)
	case TransitionCreated:
		entry.Message = fmt.Sprintf("Accounting %s for session %s", ev.StatusType, ev.SessionID)
	default:
		entry.Message = fmt.Sprintf("Accounting interim-update for session %s (in=%d out=%d)", ev.SessionID, ev.InputOctets, ev.OutputOctets)
	}
	if isNew && len(anomalies) > 0 {
		entry.Message += " without prior start"
	}

	if len(anomalies) > 0 {
		entry.Level = audit.LevelWarning
		reasons := make([]string, len(anomalies))
		for i, a := range anomalies {
			reasons[i] = string(a)
		}
		entry.Anomaly = strings.Join(reasons, ",")
	}
	return entry
}

func (e *Engine) reportAnomalies(ev Event, anomalies []Anomaly) {
	for _, a := range anomalies {
		e.anomalies.Add(1)
		e.metrics.RecordAnomaly(string(a))
		e.logger.Warn("Anomalous accounting event",
			zap.String("nas", ev.NASIdentifier),
			zap.String("session_id", ev.SessionID),
			zap.String("status_type", ev.StatusType.String()),
			zap.String("reason", string(a)),
			zap.Error(apperr.ErrAnomalousAccounting),
		)
	}
}
