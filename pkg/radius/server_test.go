package radius

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radius-ledger/pkg/state"
)

const testSecret = "testing123"

func startTestServer(t *testing.T) (string, *state.MemoryStore) {
	t.Helper()
	engine, store, _ := newTestEngine(t)

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewAccountingServer(ServerConfig{Addr: conn.LocalAddr().String()}, engine,
		radius.StaticSecretSource([]byte(testSecret)), nil, zap.NewNop())
	go func() { _ = server.Serve(conn) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return conn.LocalAddr().String(), store
}

func accountingRequest(t *testing.T, secret string, status rfc2866.AcctStatusType, sessionID string) *radius.Packet {
	t.Helper()
	p := radius.New(radius.CodeAccountingRequest, []byte(secret))
	require.NoError(t, rfc2866.AcctStatusType_Set(p, status))
	require.NoError(t, rfc2866.AcctSessionID_SetString(p, sessionID))
	require.NoError(t, rfc2865.UserName_SetString(p, "alice"))
	require.NoError(t, rfc2865.NASIdentifier_SetString(p, "nas1"))
	return p
}

func TestAccountingServerAppliesRequests(t *testing.T) {
	addr, store := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := radius.Exchange(ctx, accountingRequest(t, testSecret, rfc2866.AcctStatusType_Value_Start, "abc"), addr)
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccountingResponse, resp.Code)

	stop := accountingRequest(t, testSecret, rfc2866.AcctStatusType_Value_Stop, "abc")
	require.NoError(t, rfc2866.AcctInputOctets_Set(stop, 4096))
	require.NoError(t, rfc2866.AcctOutputOctets_Set(stop, 1024))
	resp, err = radius.Exchange(ctx, stop, addr)
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccountingResponse, resp.Code)

	s, err := store.Get(ctx, state.Key{NASIdentifier: "nas1", SessionID: "abc"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, state.StatusStopped, s.Status)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, uint64(4096), s.InputOctets)
	assert.Equal(t, uint64(1024), s.OutputOctets)
}

func TestAccountingServerDropsWrongSecret(t *testing.T) {
	addr, store := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := radius.Exchange(ctx, accountingRequest(t, "wrong", rfc2866.AcctStatusType_Value_Start, "abc"), addr)
	require.Error(t, err)

	s, err := store.Get(context.Background(), state.Key{NASIdentifier: "nas1", SessionID: "abc"})
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestAccountingServerAcknowledgesAccountingOn(t *testing.T) {
	addr, store := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
	require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_AccountingOn))
	require.NoError(t, rfc2865.NASIdentifier_SetString(p, "nas1"))

	resp, err := radius.Exchange(ctx, p, addr)
	require.NoError(t, err)
	assert.Equal(t, radius.CodeAccountingResponse, resp.Code)
	assert.Zero(t, store.Stats().Sessions)
}

func TestAccountingServerDropsInvalidEvents(t *testing.T) {
	addr, _ := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	// No Acct-Session-Id: never acknowledged.
	p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
	require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Start))
	require.NoError(t, rfc2865.NASIdentifier_SetString(p, "nas1"))

	_, err := radius.Exchange(ctx, p, addr)
	assert.Error(t, err)
}

func TestProberStatusServer(t *testing.T) {
	addr, _ := startTestServer(t)
	prober := NewProber(ProberConfig{Timeout: 300 * time.Millisecond}, zap.NewNop())

	result := prober.Probe(context.Background(), addr, testSecret)
	assert.True(t, result.Success, result.Message)
	require.NotNil(t, result.ResponseTime)
	assert.GreaterOrEqual(t, *result.ResponseTime, int64(0))

	result = prober.Probe(context.Background(), addr, "wrong")
	assert.False(t, result.Success)
	assert.Nil(t, result.ResponseTime)
	assert.Contains(t, result.Message, "no response")
}

func TestProberRequiresSecret(t *testing.T) {
	prober := NewProber(ProberConfig{}, zap.NewNop())
	result := prober.Probe(context.Background(), "127.0.0.1", "")
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "shared secret")
}

func TestMessageAuthenticator(t *testing.T) {
	p := radius.New(radius.CodeStatusServer, []byte(testSecret))
	require.NoError(t, addMessageAuthenticator(p, []byte(testSecret)))

	assert.True(t, verifyMessageAuthenticator(p, []byte(testSecret)))
	assert.False(t, verifyMessageAuthenticator(p, []byte("other")))
	assert.True(t, verifyMessageAuthenticator(p, []byte(testSecret)), "verification must not alter the packet")

	bare := radius.New(radius.CodeStatusServer, []byte(testSecret))
	assert.False(t, verifyMessageAuthenticator(bare, []byte(testSecret)))
}

func TestEventFromPacket(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	remote := &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 40000}

	t.Run("attributes", func(t *testing.T) {
		p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
		require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_InterimUpdate))
		require.NoError(t, rfc2866.AcctSessionID_SetString(p, "abc"))
		require.NoError(t, rfc2865.NASIdentifier_SetString(p, "edge-1"))
		require.NoError(t, rfc2865.FramedIPAddress_Set(p, net.ParseIP("10.0.0.9")))
		require.NoError(t, rfc2865.CallingStationID_SetString(p, "AA-BB-CC-DD-EE-FF"))
		require.NoError(t, rfc2866.AcctInputOctets_Set(p, 5))
		require.NoError(t, rfc2869.AcctInputGigawords_Set(p, 1))
		require.NoError(t, rfc2866.AcctOutputOctets_Set(p, 6))
		require.NoError(t, rfc2869.EventTimestamp_Set(p, now.Add(-time.Minute)))
		require.NoError(t, rfc2866.AcctDelayTime_Set(p, 10))

		ev := EventFromPacket(p, remote, now)

		assert.Equal(t, AcctStatusInterimUpdate, ev.StatusType)
		assert.Equal(t, "abc", ev.SessionID)
		assert.Equal(t, "edge-1", ev.NASIdentifier)
		assert.Equal(t, "10.0.0.9", ev.FramedIPAddress)
		assert.Equal(t, "AA-BB-CC-DD-EE-FF", ev.CallingStationID)
		assert.Equal(t, uint64(1)<<32+5, ev.InputOctets)
		assert.Equal(t, uint64(6), ev.OutputOctets)
		assert.True(t, ev.Timestamp.Equal(now.Add(-time.Minute)), "got %s", ev.Timestamp)
	})

	t.Run("retransmit keeps event timestamp", func(t *testing.T) {
		eventTime := now.Add(-time.Minute)
		var times []time.Time
		for _, delay := range []uint32{0, 30, 60} {
			p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
			require.NoError(t, rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Stop))
			require.NoError(t, rfc2869.EventTimestamp_Set(p, eventTime))
			require.NoError(t, rfc2866.AcctDelayTime_Set(p, rfc2866.AcctDelayTime(delay)))
			times = append(times, EventFromPacket(p, remote, now.Add(time.Duration(delay)*time.Second)).Timestamp)
		}
		for _, ts := range times {
			assert.True(t, ts.Equal(eventTime), "got %s", ts)
		}
	})

	t.Run("delay without event timestamp", func(t *testing.T) {
		p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
		require.NoError(t, rfc2866.AcctDelayTime_Set(p, 15))

		ev := EventFromPacket(p, remote, now)
		assert.True(t, ev.Timestamp.Equal(now.Add(-15*time.Second)), "got %s", ev.Timestamp)
	})

	t.Run("nas ip fallback", func(t *testing.T) {
		p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
		require.NoError(t, rfc2865.NASIPAddress_Set(p, net.ParseIP("198.51.100.1")))

		ev := EventFromPacket(p, remote, now)
		assert.Equal(t, "198.51.100.1", ev.NASIdentifier)
		assert.Equal(t, now, ev.Timestamp)
	})

	t.Run("source address fallback", func(t *testing.T) {
		p := radius.New(radius.CodeAccountingRequest, []byte(testSecret))
		ev := EventFromPacket(p, remote, now)
		assert.Equal(t, "192.0.2.7", ev.NASIdentifier)
	})
}
