package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func entry(offset time.Duration, typ Type, level Level, msg string) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		Timestamp: base.Add(offset),
		Type:      typ,
		Level:     level,
		Message:   msg,
	}
}

func messages(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func runStorageContract(t *testing.T, newStorage func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("orders newest first with insertion tie break", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Append(ctx, entry(time.Minute, TypeAuth, LevelInfo, "b1")))
		require.NoError(t, s.Append(ctx, entry(0, TypeAuth, LevelInfo, "a")))
		require.NoError(t, s.Append(ctx, entry(time.Minute, TypeAuth, LevelInfo, "b2")))
		require.NoError(t, s.Append(ctx, entry(2*time.Minute, TypeAuth, LevelInfo, "c")))

		got, total, err := s.Query(ctx, Filter{})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Equal(t, []string{"c", "b1", "b2", "a"}, messages(got))
	})

	t.Run("filters are conjunctive", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Append(ctx, entry(0, TypeAuth, LevelInfo, "auth-info")))
		require.NoError(t, s.Append(ctx, entry(time.Second, TypeAuth, LevelWarning, "auth-warn")))
		require.NoError(t, s.Append(ctx, entry(2*time.Second, TypeAcct, LevelWarning, "acct-warn")))
		require.NoError(t, s.Append(ctx, entry(time.Hour, TypeAuth, LevelWarning, "auth-warn-late")))

		got, total, err := s.Query(ctx, Filter{
			Type:  TypeAuth,
			Level: LevelWarning,
			Until: base.Add(time.Minute),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{"auth-warn"}, messages(got))

		got, total, err = s.Query(ctx, Filter{Level: LevelWarning, Since: base.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"auth-warn-late", "acct-warn", "auth-warn"}, messages(got))
	})

	t.Run("username and result filters", func(t *testing.T) {
		s := newStorage(t)
		a := entry(0, TypeAuth, LevelWarning, "alice rejected")
		a.Username, a.Result = "alice", ResultReject
		b := entry(time.Second, TypeAuth, LevelInfo, "alice accepted")
		b.Username, b.Result = "alice", ResultAccept
		c := entry(2*time.Second, TypeAuth, LevelWarning, "bob rejected")
		c.Username, c.Result = "bob", ResultReject
		for _, e := range []*Entry{a, b, c} {
			require.NoError(t, s.Append(ctx, e))
		}

		got, total, err := s.Query(ctx, Filter{Username: "alice", Result: ResultReject})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, []string{"alice rejected"}, messages(got))
	})

	t.Run("pages are disjoint and contiguous", func(t *testing.T) {
		s := newStorage(t)
		const n = 1203
		for i := 0; i < n; i++ {
			// Every third entry shares a timestamp with its neighbour.
			require.NoError(t, s.Append(ctx, entry(time.Duration(i/3)*time.Second, TypeAcct, LevelInfo, fmt.Sprintf("e%04d", i))))
		}

		full, total, err := s.Query(ctx, Filter{})
		require.NoError(t, err)
		require.Equal(t, n, total)
		require.Len(t, full, n)

		var paged []*Entry
		for offset := 0; offset < n; offset += 500 {
			page, pageTotal, err := s.Query(ctx, Filter{Limit: 500, Offset: offset})
			require.NoError(t, err)
			assert.Equal(t, n, pageTotal)
			paged = append(paged, page...)
		}
		assert.Equal(t, messages(full), messages(paged))

		beyond, beyondTotal, err := s.Query(ctx, Filter{Limit: 500, Offset: 5000})
		require.NoError(t, err)
		assert.Equal(t, n, beyondTotal)
		assert.Empty(t, beyond)
	})

	t.Run("scan yields insertion order", func(t *testing.T) {
		s := newStorage(t)
		require.NoError(t, s.Append(ctx, entry(time.Minute, TypeAuth, LevelInfo, "first")))
		require.NoError(t, s.Append(ctx, entry(0, TypeAcct, LevelInfo, "second")))
		require.NoError(t, s.Append(ctx, entry(0, TypeAuth, LevelInfo, "third")))

		var got []string
		for e, err := range s.Scan(ctx, Filter{Type: TypeAuth}) {
			require.NoError(t, err)
			got = append(got, e.Message)
		}
		assert.Equal(t, []string{"first", "third"}, got)
	})

	t.Run("invalid filter rejected", func(t *testing.T) {
		s := newStorage(t)
		_, _, err := s.Query(ctx, Filter{Offset: -1})
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		_, _, err = s.Query(ctx, Filter{Level: "debug"})
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		_, _, err = s.Query(ctx, Filter{Since: base.Add(time.Hour), Until: base})
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageContract(t, func(t *testing.T) Storage { return NewMemoryStorage() })
}

func TestMemoryStorageAppendCopies(t *testing.T) {
	s := NewMemoryStorage()
	e := entry(0, TypeAuth, LevelInfo, "original")
	require.NoError(t, s.Append(context.Background(), e))
	assert.Equal(t, uint64(1), e.Seq)

	e.Message = "mutated"
	got, _, err := s.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, "original", got[0].Message)
}

func TestMemoryStorageScanCancel(t *testing.T) {
	s := NewMemoryStorage()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(context.Background(), entry(0, TypeAuth, LevelInfo, "x")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	var scanErr error
	for _, err := range s.Scan(ctx, Filter{}) {
		if err != nil {
			scanErr = err
			break
		}
		seen++
		if seen == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, seen)
	assert.ErrorIs(t, scanErr, context.Canceled)
}
