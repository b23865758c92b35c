package radius

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

var base = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func event(status AcctStatusType, sec int, in, out uint64) Event {
	return Event{
		StatusType:    status,
		NASIdentifier: "nas1",
		SessionID:     "s1",
		Username:      "alice",
		Timestamp:     base.Add(time.Duration(sec) * time.Second),
		InputOctets:   in,
		OutputOctets:  out,
	}
}

func TestNextFromNothing(t *testing.T) {
	tests := []struct {
		name          string
		status        AcctStatusType
		wantStatus    state.Status
		wantTr        Transition
		wantInferred  bool
		wantAnomalies []Anomaly
	}{
		{"start", AcctStatusStart, state.StatusActive, TransitionCreated, false, nil},
		{"interim", AcctStatusInterimUpdate, state.StatusActive, TransitionCreated, true, []Anomaly{AnomalyMissingStart}},
		{"stop", AcctStatusStop, state.StatusStopped, TransitionStopped, true, []Anomaly{AnomalyMissingStart}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, tr, anomalies := Next(nil, event(tt.status, 10, 7, 3))

			require.NotNil(t, next)
			assert.Equal(t, tt.wantTr, tr)
			assert.Equal(t, tt.wantStatus, next.Status)
			assert.Equal(t, tt.wantInferred, next.InferredStart)
			assert.Equal(t, tt.wantAnomalies, anomalies)
			assert.NoError(t, next.Validate())
		})
	}
}

func TestNextStartIgnoresOctets(t *testing.T) {
	next, _, _ := Next(nil, event(AcctStatusStart, 0, 99, 99))
	assert.Zero(t, next.InputOctets)
	assert.Zero(t, next.OutputOctets)
}

func TestNextDoesNotMutateCurrent(t *testing.T) {
	cur, _, _ := Next(nil, event(AcctStatusStart, 0, 0, 0))
	snapshot := cur.Clone()

	Next(cur, event(AcctStatusInterimUpdate, 60, 100, 100))
	Next(cur, event(AcctStatusStop, 120, 200, 200))

	assert.Equal(t, snapshot, cur)
}

func TestNextStopWithDecreasingOctetsKeepsMax(t *testing.T) {
	cur, _, _ := Next(nil, event(AcctStatusStart, 0, 0, 0))
	cur, _, _ = Next(cur, event(AcctStatusInterimUpdate, 60, 1000, 500))

	next, tr, anomalies := Next(cur, event(AcctStatusStop, 120, 800, 900))

	assert.Equal(t, TransitionStopped, tr)
	assert.Equal(t, []Anomaly{AnomalyDecreasingOctets}, anomalies)
	assert.Equal(t, uint64(1000), next.InputOctets)
	assert.Equal(t, uint64(900), next.OutputOctets)
}

func TestNextFillsMissingAttributes(t *testing.T) {
	ev := event(AcctStatusStart, 0, 0, 0)
	ev.Username = ""
	cur, _, _ := Next(nil, ev)

	update := event(AcctStatusInterimUpdate, 60, 1, 1)
	update.FramedIPAddress = "10.0.0.5"
	next, _, _ := Next(cur, update)

	assert.Equal(t, "alice", next.Username)
	assert.Equal(t, "10.0.0.5", next.FramedIPAddress)
}

// TestNextRandomSequences drives random event streams through Next and
// checks the properties every stream must hold.
func TestNextRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	statuses := []AcctStatusType{AcctStatusStart, AcctStatusInterimUpdate, AcctStatusStop}

	for run := 0; run < 500; run++ {
		var cur *state.Session
		var stopped *state.Session

		for i := 0; i < 20; i++ {
			ev := event(
				statuses[rng.IntN(len(statuses))],
				rng.IntN(600),
				uint64(rng.IntN(10_000)),
				uint64(rng.IntN(10_000)),
			)
			next, tr, _ := Next(cur, ev)
			require.NoError(t, next.Validate())

			if stopped != nil {
				assert.Equal(t, TransitionIgnored, tr, "run %d step %d", run, i)
				assert.Equal(t, stopped, next, "stopped session changed in run %d step %d", run, i)
			}
			if cur != nil && cur.Active() {
				assert.GreaterOrEqual(t, next.InputOctets, cur.InputOctets)
				assert.GreaterOrEqual(t, next.OutputOctets, cur.OutputOctets)
				assert.False(t, next.LastUpdateTime.Before(cur.LastUpdateTime))
			}
			if !next.Active() && stopped == nil {
				stopped = next.Clone()

				again, tr, _ := Next(next, ev)
				assert.Equal(t, TransitionIgnored, tr)
				assert.Equal(t, next, again)
			}
			cur = next
		}
	}
}

func TestExpire(t *testing.T) {
	cur, _, _ := Next(nil, event(AcctStatusStart, 0, 0, 0))
	timeout := 90 * time.Second

	t.Run("within timeout", func(t *testing.T) {
		_, tr := expire(cur, timeout, base.Add(90*time.Second))
		assert.Equal(t, TransitionIgnored, tr)
	})

	t.Run("past timeout", func(t *testing.T) {
		next, tr := expire(cur, timeout, base.Add(200*time.Second))
		require.Equal(t, TransitionStopped, tr)
		assert.True(t, next.InferredStop)
		assert.Equal(t, base.Add(90*time.Second), *next.StopTime)
		assert.Equal(t, cur.LastUpdateTime, next.LastUpdateTime)
		assert.True(t, cur.Active())
	})

	t.Run("already stopped", func(t *testing.T) {
		stopped, _, _ := Next(cur, event(AcctStatusStop, 30, 1, 1))
		_, tr := expire(stopped, timeout, base.Add(time.Hour))
		assert.Equal(t, TransitionIgnored, tr)
	})

	t.Run("missing", func(t *testing.T) {
		next, tr := expire(nil, timeout, base)
		assert.Nil(t, next)
		assert.Equal(t, TransitionIgnored, tr)
	})
}
