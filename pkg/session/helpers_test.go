package session

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/require"
)

const (
	baseTimeout = 2 * time.Second
	tick        = 10 * time.Millisecond
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(url string) Config {
	cfg := DefaultConfig
	cfg.URL = url
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffCap = 40 * time.Millisecond
	cfg.BackoffJitter = 0
	cfg.PingPeriod = time.Second
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []wire.Event
}

func (r *recorder) Emit(e wire.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []wire.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]wire.Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (r *recorder) last() wire.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return wire.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) count(kind wire.Kind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type testServer struct {
	*httptest.Server
	t        *testing.T
	requests atomic.Int32
	upgrades atomic.Int32
	reject   atomic.Int32
	// closeCode, when set, is sent right after the upgrade.
	closeCode atomic.Int32
	// flap closes every connection right after the upgrade.
	flap atomic.Bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	upgraded []time.Time
	users    []string
	auth     []string
	received chan wire.Event
}

func newTestServer(t *testing.T) *testServer {
	s := &testServer{t: t, received: make(chan wire.Event, 100)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		if code := s.reject.Load(); code != 0 {
			http.Error(w, http.StatusText(int(code)), int(code))
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.upgrades.Add(1)
		s.mu.Lock()
		s.upgraded = append(s.upgraded, time.Now())
		if s.flap.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.users = append(s.users, r.URL.Query().Get("user_id"))
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		s.mu.Unlock()

		if code := s.closeCode.Load(); code != 0 {
			s.mu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(int(code), "token expired"))
			s.mu.Unlock()
		}

		go func() {
			for {
				_, r, err := conn.NextReader()
				if err != nil {
					return
				}
				if e, err := wire.Decode(r); err == nil {
					s.received <- e
				}
			}
		}()
	}))
	t.Cleanup(func() {
		s.dropAll()
		s.Server.Close()
	})
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) broadcast(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.WriteMessage(websocket.TextMessage, []byte(frame))
	}
}

func (s *testServer) broadcastEvent(e wire.Event) {
	var b strings.Builder
	require.NoError(s.t, wire.Encode(&b, e))
	s.broadcast(b.String())
}

// dropAll closes every connection without a close frame.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// upgradeGaps returns the time between consecutive upgrades.
func (s *testServer) upgradeGaps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var gaps []time.Duration
	for i := 1; i < len(s.upgraded); i++ {
		gaps = append(gaps, s.upgraded[i].Sub(s.upgraded[i-1]))
	}
	return gaps
}

func (s *testServer) lastUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.users) == 0 {
		return ""
	}
	return s.users[len(s.users)-1]
}
