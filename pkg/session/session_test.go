package session

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, srv *testServer) (*Session, *recorder) {
	rec := &recorder{}
	s := New(testConfig(srv.wsURL()), rec, WithLogger(testLogger))
	t.Cleanup(s.Disconnect)
	return s, rec
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, baseTimeout, tick,
		"timeout waiting for state %s", want)
}

func typingEvent(user string) wire.Event {
	return wire.MustNew(wire.TypingStart, wire.Typing{RoomID: wire.Direct("bob"), UserID: user})
}

func TestSession_ConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t)
	s, rec := newTestSession(t, srv)

	s.Connect("token-a", "alice")
	s.Connect("token-a", "alice")
	waitState(t, s, Connected)
	s.Connect("token-a", "alice")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.upgrades.Load())
	assert.Equal(t, []wire.Kind{wire.SessionConnecting, wire.SessionConnected}, rec.kinds())
	assert.Equal(t, "alice", srv.lastUser())
	srv.mu.Lock()
	assert.Equal(t, "Bearer token-a", srv.auth[0])
	srv.mu.Unlock()
	assert.Equal(t, Identity{UserID: "alice", Token: "token-a"}, s.Identity())
}

func TestSession_AuthRejectionIsTerminal(t *testing.T) {
	for name, setup := range map[string]func(*testServer){
		"http 401":   func(srv *testServer) { srv.reject.Store(401) },
		"http 403":   func(srv *testServer) { srv.reject.Store(403) },
		"close 4401": func(srv *testServer) { srv.closeCode.Store(CloseUnauthorized) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := newTestServer(t)
			setup(srv)
			s, rec := newTestSession(t, srv)

			s.Connect("expired", "alice")
			require.Eventually(t, func() bool {
				return rec.count(wire.SessionDisconnected) == 1
			}, baseTimeout, tick)

			var p wire.Lifecycle
			require.NoError(t, rec.last().Decode(&p))
			assert.True(t, p.Terminal)
			assert.NotEmpty(t, p.Error)

			time.Sleep(100 * time.Millisecond)
			assert.Equal(t, int32(1), srv.requests.Load(), "no retry after rejection")
			assert.Equal(t, Disconnected, s.State())

			// a fresh connect starts a new cycle
			srv.reject.Store(0)
			srv.closeCode.Store(0)
			s.Connect("fresh", "alice")
			waitState(t, s, Connected)
		})
	}
}

func TestSession_ReconnectsAfterDrop(t *testing.T) {
	srv := newTestServer(t)
	s, rec := newTestSession(t, srv)

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)

	srv.dropAll()
	require.Eventually(t, func() bool {
		return srv.upgrades.Load() == 2 && s.State() == Connected
	}, baseTimeout, tick)

	assert.Equal(t, []wire.Kind{
		wire.SessionConnecting,
		wire.SessionConnected,
		wire.SessionDisconnected,
		wire.SessionConnecting,
		wire.SessionConnected,
	}, rec.kinds())
	assert.Equal(t, 0, s.Retries())
}

func TestSession_FlappingServerBacksOff(t *testing.T) {
	srv := newTestServer(t)
	srv.flap.Store(true)
	rec := &recorder{}
	cfg := testConfig(srv.wsURL())
	cfg.BackoffCap = 80 * time.Millisecond
	s := New(cfg, rec, WithLogger(testLogger))
	t.Cleanup(s.Disconnect)

	s.Connect("token-a", "alice")
	require.Eventually(t, func() bool { return srv.upgrades.Load() >= 5 }, baseTimeout, tick)

	// delays between drops grow 10ms, 20ms, 40ms, 80ms
	gaps := srv.upgradeGaps()
	require.GreaterOrEqual(t, len(gaps), 4)
	assert.GreaterOrEqual(t, gaps[2], 35*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[3], 70*time.Millisecond)

}

func TestSession_StableConnectionResetsBackoff(t *testing.T) {
	srv := newTestServer(t)
	rec := &recorder{}
	cfg := testConfig(srv.wsURL())
	cfg.StableAfter = 20 * time.Millisecond
	s := New(cfg, rec, WithLogger(testLogger))
	t.Cleanup(s.Disconnect)

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)

	// without a reset the third redial would wait 40ms
	for i := int32(2); i <= 4; i++ {
		time.Sleep(50 * time.Millisecond)
		dropped := time.Now()
		srv.dropAll()
		require.Eventually(t, func() bool {
			return srv.upgrades.Load() == i && s.State() == Connected
		}, baseTimeout, time.Millisecond)
		srv.mu.Lock()
		took := srv.upgraded[len(srv.upgraded)-1].Sub(dropped)
		srv.mu.Unlock()
		assert.Less(t, took, 35*time.Millisecond, "redial %d", i)
	}
}

func TestSession_RetriesWithBackoff(t *testing.T) {
	srv := newTestServer(t)
	srv.reject.Store(503)
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	s := New(testConfig(srv.wsURL()), rec, WithLogger(testLogger), WithMetrics(NewMetrics(reg)))
	t.Cleanup(s.Disconnect)

	s.Connect("token-a", "alice")
	require.Eventually(t, func() bool { return s.Retries() >= 3 }, baseTimeout, tick)

	kinds := rec.kinds()
	for i := 1; i < len(kinds); i++ {
		assert.NotEqual(t, kinds[i-1], kinds[i], "duplicate lifecycle notification at %d", i)
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.DialErrors), float64(3))

	srv.reject.Store(0)
	waitState(t, s, Connected)
	assert.Equal(t, 0, s.Retries())
}

func TestSession_MaxRetries(t *testing.T) {
	srv := newTestServer(t)
	srv.reject.Store(503)
	rec := &recorder{}
	cfg := testConfig(srv.wsURL())
	cfg.MaxRetries = 2
	s := New(cfg, rec, WithLogger(testLogger))
	t.Cleanup(s.Disconnect)

	s.Connect("token-a", "alice")
	require.Eventually(t, func() bool { return srv.requests.Load() == 3 }, baseTimeout, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), srv.requests.Load())
	assert.Equal(t, Disconnected, s.State())
	assert.Equal(t, 3, s.Retries())

	// retries exhausted ends the cycle, so the same identity may connect again
	srv.reject.Store(0)
	s.Connect("token-a", "alice")
	waitState(t, s, Connected)
}

func TestSession_Send(t *testing.T) {
	srv := newTestServer(t)
	s, _ := newTestSession(t, srv)

	s.Send(typingEvent("alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Dropped))

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)
	s.Send(typingEvent("alice"))

	select {
	case e := <-srv.received:
		assert.Equal(t, wire.TypingStart, e.Kind)
	case <-time.After(baseTimeout):
		t.Fatal("timeout waiting for frame")
	}
	assert.Empty(t, srv.received, "dropped send must not be replayed")

	s.Send(wire.MustNew(wire.SessionConnected, wire.Lifecycle{}))
	select {
	case e := <-srv.received:
		t.Fatalf("lifecycle event sent: %v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_DisconnectStopsDispatch(t *testing.T) {
	srv := newTestServer(t)
	s, rec := newTestSession(t, srv)

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)

	srv.broadcastEvent(typingEvent("bob"))
	require.Eventually(t, func() bool { return rec.count(wire.TypingStart) == 1 }, baseTimeout, tick)

	s.Disconnect()
	n := len(rec.kinds())
	assert.Equal(t, wire.SessionDisconnected, rec.last().Kind)
	assert.Equal(t, Disconnected, s.State())

	srv.broadcastEvent(typingEvent("bob"))
	s.Disconnect()
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, rec.kinds(), n)
	assert.Equal(t, int32(1), srv.upgrades.Load(), "no reconnect after disconnect")
}

func TestSession_DropsMalformedFrames(t *testing.T) {
	srv := newTestServer(t)
	s, rec := newTestSession(t, srv)

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)

	srv.broadcast(`{"kind":"typing:start","payload":{"room_id":"nope"}}`)
	srv.broadcast(`not json`)
	srv.broadcast(`{"kind":"session:connected","payload":{}}`)
	srv.broadcastEvent(typingEvent("bob"))

	require.Eventually(t, func() bool { return rec.count(wire.TypingStart) == 1 }, baseTimeout, tick)
	assert.Equal(t, Connected, s.State())
	assert.Equal(t, 1, rec.count(wire.SessionConnected))
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.Malformed))
}

func TestSession_SwitchIdentity(t *testing.T) {
	srv := newTestServer(t)
	s, rec := newTestSession(t, srv)

	s.Connect("token-a", "alice")
	waitState(t, s, Connected)

	s.Connect("token-b", "bob")
	require.Eventually(t, func() bool {
		return s.State() == Connected && srv.lastUser() == "bob"
	}, baseTimeout, tick)

	assert.Equal(t, []wire.Kind{
		wire.SessionConnecting,
		wire.SessionConnected,
		wire.SessionDisconnected,
		wire.SessionConnecting,
		wire.SessionConnected,
	}, rec.kinds())
}
