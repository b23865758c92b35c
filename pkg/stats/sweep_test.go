package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radius-ledger/pkg/apperr"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func sec(n int) time.Time { return t0.Add(time.Duration(n) * time.Second) }

func TestPeakConcurrent(t *testing.T) {
	tests := []struct {
		name      string
		intervals []Interval
		want      int
	}{
		{"empty", nil, 0},
		{"single", []Interval{{sec(0), sec(10)}}, 1},
		{"chain", []Interval{{sec(0), sec(100)}, {sec(50), sec(150)}, {sec(120), sec(200)}}, 2},
		{"nested", []Interval{{sec(0), sec(100)}, {sec(10), sec(90)}, {sec(20), sec(30)}}, 3},
		{"disjoint", []Interval{{sec(0), sec(10)}, {sec(20), sec(30)}}, 1},
		{"touching counts as overlap", []Interval{{sec(0), sec(100)}, {sec(100), sec(200)}}, 2},
		{"open sessions", []Interval{{sec(0), time.Time{}}, {sec(500), time.Time{}}, {sec(10), sec(20)}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PeakConcurrent(tt.intervals))
		})
	}
}

func TestClip(t *testing.T) {
	r := TimeRange{Since: sec(50), Until: sec(150)}

	iv, ok := clip(Interval{sec(0), sec(100)}, r)
	require.True(t, ok)
	assert.Equal(t, Interval{sec(50), sec(100)}, iv)

	iv, ok = clip(Interval{sec(120), time.Time{}}, r)
	require.True(t, ok)
	assert.Equal(t, Interval{sec(120), sec(150)}, iv)

	_, ok = clip(Interval{sec(0), sec(10)}, r)
	assert.False(t, ok)

	iv, ok = clip(Interval{sec(0), time.Time{}}, TimeRange{})
	require.True(t, ok)
	assert.True(t, iv.Stop.IsZero())
}

func TestParseRange(t *testing.T) {
	now := sec(1_000_000)

	r, err := ParseRange("", now)
	require.NoError(t, err)
	assert.Equal(t, TimeRange{}, r)

	for name, d := range map[string]time.Duration{
		"1h":  time.Hour,
		"24h": 24 * time.Hour,
		"7d":  7 * 24 * time.Hour,
		"30d": 30 * 24 * time.Hour,
	} {
		r, err := ParseRange(name, now)
		require.NoError(t, err, name)
		assert.Equal(t, now.Add(-d), r.Since, name)
		assert.Equal(t, now, r.Until, name)
		assert.Equal(t, name, r.key())
	}

	for _, bad := range []string{"2h", "1d", "week", "-1h"} {
		_, err := ParseRange(bad, now)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument, bad)
	}
}

func TestTimeRangeContains(t *testing.T) {
	r := TimeRange{Since: sec(10), Until: sec(20)}
	assert.True(t, r.Contains(sec(10)))
	assert.True(t, r.Contains(sec(20)))
	assert.False(t, r.Contains(sec(9)))
	assert.False(t, r.Contains(sec(21)))
	assert.True(t, TimeRange{}.Contains(sec(-1000)))
}
