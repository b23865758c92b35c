package audit

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds log recorder configuration.
type Config struct {
	// MirrorToLogger also writes every entry to the process logger.
	MirrorToLogger bool

	// Now stamps entries recorded without a timestamp.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MirrorToLogger: true,
		Now:            time.Now,
	}
}

// LoggerStats holds recorder counters.
type LoggerStats struct {
	Recorded uint64 `json:"recorded"`
	Failed   uint64 `json:"failed"`
}

// Logger stamps entries and writes them synchronously to Storage, so a
// storage failure reaches the caller of Record.
type Logger struct {
	config  Config
	storage Storage
	logger  *zap.Logger

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// NewLogger creates a recorder on top of storage.
func NewLogger(config Config, storage Storage, logger *zap.Logger) *Logger {
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{
		config:  config,
		storage: storage,
		logger:  logger,
	}
}

// Record appends an entry.
func (l *Logger) Record(ctx context.Context, e *Entry) error {
	l.prepare(e)

	if err := l.storage.Append(ctx, e); err != nil {
		l.failed.Add(1)
		l.logger.Error("Failed to append log entry",
			zap.String("type", string(e.Type)),
			zap.String("entry_id", e.ID),
			zap.Error(err),
		)
		return err
	}
	l.recorded.Add(1)

	if l.config.MirrorToLogger {
		l.mirror(e)
	}
	return nil
}

// System records a system entry.
func (l *Logger) System(ctx context.Context, level Level, message string) error {
	return l.Record(ctx, &Entry{Level: level, Type: TypeSystem, Message: message})
}

// Query delegates to storage.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*Entry, int, error) {
	return l.storage.Query(ctx, f)
}

// Scan delegates to storage.
func (l *Logger) Scan(ctx context.Context, f Filter) iter.Seq2[*Entry, error] {
	return l.storage.Scan(ctx, f)
}

// Stats returns recorder counters.
func (l *Logger) Stats() LoggerStats {
	return LoggerStats{
		Recorded: l.recorded.Load(),
		Failed:   l.failed.Load(),
	}
}

func (l *Logger) prepare(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.config.Now()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Level == "" {
		e.Level = LevelInfo
	}
}

func (l *Logger) mirror(e *Entry) {
	lvl := zapcore.InfoLevel
	switch e.Level {
	case LevelWarning:
		lvl = zapcore.WarnLevel
	case LevelError:
		lvl = zapcore.ErrorLevel
	}
	if ce := l.logger.Check(lvl, e.Message); ce != nil {
		ce.Write(
			zap.String("type", string(e.Type)),
			zap.String("username", e.Username),
			zap.String("nas", e.NASIdentifier),
			zap.String("session_id", e.SessionID),
			zap.String("action", e.Action),
			zap.String("result", string(e.Result)),
			zap.String("anomaly", e.Anomaly),
		)
	}
}
