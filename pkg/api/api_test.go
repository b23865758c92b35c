package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radius-ledger/pkg/api"
	"github.com/codelaboratoryltd/radius-ledger/pkg/audit"
	"github.com/codelaboratoryltd/radius-ledger/pkg/nas"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radconfig"
	"github.com/codelaboratoryltd/radius-ledger/pkg/radius"
	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
	"github.com/codelaboratoryltd/radius-ledger/pkg/stats"
	"github.com/codelaboratoryltd/radius-ledger/pkg/subscriber"
)

const base = "/api/radius"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *api.Server
	engine   *radius.Engine
	store    *state.MemoryStore
	logs     *audit.Logger
	users    *subscriber.Manager
	registry *nas.Registry
	config   *radconfig.Store
}

func newFixture(t *testing.T, config api.Config, opts ...api.Option) *fixture {
	t.Helper()
	logger := zap.NewNop()

	store := state.NewMemoryStore(logger)
	logs := audit.NewLogger(audit.Config{}, audit.NewMemoryStorage(), logger)
	users := subscriber.NewManager(subscriber.DefaultManagerConfig(), logger)
	registry := nas.NewRegistry(nas.RegistryConfig{}, logger)
	engine := radius.NewEngine(store, logs, logger,
		radius.WithLoginRecorder(users),
		radius.WithNASTracker(registry),
	)
	agg := stats.NewAggregator(stats.Config{}, store, logs, logger)

	f := &fixture{
		engine:   engine,
		store:    store,
		logs:     logs,
		users:    users,
		registry: registry,
		config:   radconfig.NewStore(radconfig.DefaultConfig(), "", logger),
	}
	f.server = api.NewServer(config, api.Deps{
		Engine:     engine,
		Logs:       logs,
		Aggregator: agg,
		Users:      users,
		NAS:        registry,
		Config:     f.config,
		Prober:     radius.NewProber(radius.ProberConfig{Timeout: 200 * time.Millisecond}, logger),
	}, logger, opts...)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, base+path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	return decode[map[string]any](t, rec)["message"].(string)
}

func token(t *testing.T, secret string, role api.Role, ttl time.Duration) string {
	t.Helper()
	claims := api.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func acct(statusType, nasID, sessionID, username string, at time.Time, in, out uint64) map[string]any {
	return map[string]any{
		"statusType":    statusType,
		"nasIdentifier": nasID,
		"acctSessionId": sessionID,
		"username":      username,
		"timestamp":     at,
		"inputOctets":   in,
		"outputOctets":  out,
	}
}

func TestAccountingIngest(t *testing.T) {
	f := newFixture(t, api.Config{})
	t0 := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)

	rec := f.do(t, http.MethodPost, "/events/accounting", acct("Start", "nas1", "s1", "alice", t0, 0, 0), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "created", decode[map[string]any](t, rec)["transition"])

	rec = f.do(t, http.MethodPost, "/events/accounting", acct("Interim-Update", "nas1", "s1", "alice", t0.Add(60*time.Second), 1000, 500), "")
	require.Equal(t, http.StatusOK, rec.Code)

	stop := acct("Stop", "nas1", "s1", "alice", t0.Add(120*time.Second), 2000, 1000)
	rec = f.do(t, http.MethodPost, "/events/accounting", stop, "")
	require.Equal(t, http.StatusOK, rec.Code)

	type response struct {
		Transition string         `json:"transition"`
		Anomalies  []string       `json:"anomalies"`
		Session    *state.Session `json:"session"`
	}
	first := decode[response](t, rec)
	assert.Equal(t, "stopped", first.Transition)
	assert.Empty(t, first.Anomalies)
	assert.Equal(t, state.StatusStopped, first.Session.Status)
	assert.Equal(t, uint64(2000), first.Session.InputOctets)
	assert.Equal(t, uint64(1000), first.Session.OutputOctets)
	assert.True(t, first.Session.StopTime.Equal(t0.Add(120*time.Second)))

	// A retransmitted Stop is absorbed, not an error.
	rec = f.do(t, http.MethodPost, "/events/accounting", stop, "")
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[response](t, rec)
	assert.Equal(t, "ignored", again.Transition)
	assert.Equal(t, []string{"duplicate_event"}, again.Anomalies)
	assert.Equal(t, first.Session, again.Session)

	rec = f.do(t, http.MethodGet, "/monitoring/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[stats.Stats](t, rec)
	assert.Equal(t, 0, st.ActiveSessions)
	assert.Equal(t, 1, st.AcctStart)
	assert.Equal(t, 1, st.AcctUpdate)
	assert.Equal(t, 2, st.AcctStop)
	assert.Equal(t, 1, st.PeakConcurrent)
	assert.Equal(t, uint64(3000), st.DataTransferred)
	assert.Equal(t, "0d 0h 0m", st.ServerUptime)
}

func TestAccountingIngestValidation(t *testing.T) {
	f := newFixture(t, api.Config{})

	tests := []struct {
		name string
		body map[string]any
	}{
		{"unknown status type", map[string]any{"statusType": "Reboot", "nasIdentifier": "nas1", "acctSessionId": "s1"}},
		{"missing session id", map[string]any{"statusType": "Start", "nasIdentifier": "nas1"}},
		{"missing nas", map[string]any{"statusType": "Start", "acctSessionId": "s1"}},
		{"bad framed ip", map[string]any{"statusType": "Start", "nasIdentifier": "nas1", "acctSessionId": "s1", "framedIpAddress": "not-an-ip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/events/accounting", tt.body, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, message(t, rec))
		})
	}

	s, err := f.store.Get(context.Background(), state.Key{NASIdentifier: "nas1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGigawordsExtendOctets(t *testing.T) {
	f := newFixture(t, api.Config{})
	body := acct("Interim-Update", "nas1", "s1", "alice", time.Now(), 10, 20)
	body["inputGigawords"] = 1
	body["outputGigawords"] = 2

	rec := f.do(t, http.MethodPost, "/events/accounting", body, "")
	require.Equal(t, http.StatusOK, rec.Code)

	s, err := f.store.Get(context.Background(), state.Key{NASIdentifier: "nas1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<32+10, s.InputOctets)
	assert.Equal(t, uint64(2)<<32+20, s.OutputOctets)
	assert.True(t, s.InferredStart)
}

func TestAuthEventsAndStats(t *testing.T) {
	f := newFixture(t, api.Config{})

	_, err := f.users.CreateUser(context.Background(), subscriber.UserInput{Username: "alice", Password: "secret-1"})
	require.NoError(t, err)

	events := []map[string]any{
		{"username": "alice", "result": "Accept", "nasIdentifier": "nas1"},
		{"username": "alice", "result": "Accept"},
		{"username": "bob", "result": "Reject", "failureReason": "bad password"},
		{"username": "carol", "result": "Reject"},
		{"username": "bob", "result": "Reject"},
	}
	for _, ev := range events {
		rec := f.do(t, http.MethodPost, "/events/auth", ev, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/events/auth", map[string]any{"username": "dave", "result": "Maybe"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/monitoring/auth-stats?range=1h", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	as := decode[stats.AuthStats](t, rec)
	assert.Equal(t, 5, as.TotalRequests)
	assert.Equal(t, 2, as.SuccessCount)
	assert.Equal(t, 3, as.FailureCount)
	assert.InDelta(t, 40.0, as.SuccessRate, 0.001)
	assert.Equal(t, []stats.FailedUser{{Username: "bob", Failures: 2}, {Username: "carol", Failures: 1}}, as.TopFailedUsers)

	rec = f.do(t, http.MethodGet, "/monitoring/auth-stats?range=2w", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, message(t, rec), "range")

	// Access-Accept refreshed the user's last login.
	u, err := f.users.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)
}

func TestAccountingStatsEndpoint(t *testing.T) {
	f := newFixture(t, api.Config{})
	t0 := time.Now().Add(-30 * time.Minute).UTC()

	post := func(body map[string]any) {
		rec := f.do(t, http.MethodPost, "/events/accounting", body, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	post(acct("Start", "nas1", "a", "alice", t0, 0, 0))
	post(acct("Stop", "nas1", "a", "alice", t0.Add(100*time.Second), 100, 100))
	post(acct("Start", "nas1", "b", "bob", t0, 0, 0))
	post(acct("Stop", "nas1", "b", "bob", t0.Add(300*time.Second), 50, 50))
	post(acct("Start", "nas2", "c", "carol", t0, 0, 0))

	rec := f.do(t, http.MethodGet, "/monitoring/accounting-stats?range=24h", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	as := decode[stats.AccountingStats](t, rec)
	assert.Equal(t, 1, as.ActiveSessions)
	assert.Equal(t, 3, as.SessionsStarted)
	assert.Equal(t, 2, as.SessionsStopped)
	assert.Equal(t, uint64(300), as.DataTransferred)
	assert.InDelta(t, 200.0, as.AvgSessionDuration, 0.001)
}

func TestStatusAndRealtime(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	f := newFixture(t, api.Config{Version: "1.2.3"}, api.WithClock(clock))

	now = now.Add(26*time.Hour + 5*time.Minute + 30*time.Second)

	rec := f.do(t, http.MethodGet, "/monitoring/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, "running", status["status"])
	assert.Equal(t, "1d 2h 5m", status["uptime"])
	assert.Equal(t, "1.2.3", status["version"])
	assert.Equal(t, "2024-03-01T12:00:00Z", status["lastRestart"])

	for range 5 {
		f.do(t, http.MethodGet, "/nas/types", nil, "")
	}
	f.do(t, http.MethodPost, "/events/accounting", acct("Start", "nas1", "s1", "alice", time.Now(), 0, 0), "")

	rec = f.do(t, http.MethodGet, "/monitoring/realtime", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rt := decode[map[string]float64](t, rec)
	assert.Equal(t, 1.0, rt["activeSessions"])
	assert.Greater(t, rt["requestsPerSecond"], 0.0)
	assert.Equal(t, 0.0, rt["errorRate"])
	assert.Equal(t, 0.0, rt["cpuUsage"])
	assert.GreaterOrEqual(t, rt["memoryUsage"], 0.0)
	assert.LessOrEqual(t, rt["memoryUsage"], 100.0)
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, api.Config{})
	rec := f.do(t, http.MethodGet, "/billing/invoices", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "route not found", message(t, rec))
}
