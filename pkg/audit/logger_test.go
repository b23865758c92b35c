package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

type failingStorage struct{ MemoryStorage }

func (f *failingStorage) Append(ctx context.Context, e *Entry) error {
	return apperr.Unavailable("append", errors.New("disk full"))
}

func TestLoggerStampsEntries(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	storage := NewMemoryStorage()
	l := NewLogger(Config{Now: func() time.Time { return fixed }}, storage, zap.NewNop())

	e := &Entry{Type: TypeSystem, Message: "Ledger started"}
	require.NoError(t, l.Record(context.Background(), e))

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, LevelInfo, e.Level)
	assert.True(t, e.Timestamp.Equal(fixed))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
	assert.Equal(t, uint64(1), l.Stats().Recorded)
}

func TestLoggerSurfacesStorageFailure(t *testing.T) {
	l := NewLogger(DefaultConfig(), &failingStorage{}, zap.NewNop())

	err := l.System(context.Background(), LevelError, "boom")
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Equal(t, uint64(1), l.Stats().Failed)
	assert.Zero(t, l.Stats().Recorded)
}

func TestLoggerMirrorsAtMatchingLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogger(DefaultConfig(), NewMemoryStorage(), zap.New(core))

	require.NoError(t, l.Record(context.Background(), &Entry{
		Level:    LevelWarning,
		Type:     TypeAcct,
		Message:  "Duplicate accounting event",
		Anomaly:  "duplicate_event",
		Username: "alice",
	}))

	require.Equal(t, 1, logs.Len())
	got := logs.All()[0]
	assert.Equal(t, zap.WarnLevel, got.Level)
	assert.Equal(t, "Duplicate accounting event", got.Message)
	assert.Equal(t, "duplicate_event", got.ContextMap()["anomaly"])
}
