// Package session owns the single realtime socket of one identity: it dials,
// authenticates, reconnects with backoff and hands validated inbound events
// to an Emitter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/sethvargo/go-retry"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

func (s State) kind() wire.Kind {
	switch s {
	case Connecting:
		return wire.SessionConnecting
	case Connected:
		return wire.SessionConnected
	}
	return wire.SessionDisconnected
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	errSuperseded   = errors.New("connection superseded")
)

// Emitter receives inbound events and lifecycle notifications. Calls are
// serialized.
type Emitter interface {
	Emit(wire.Event)
}

type Identity struct {
	UserID string
	Token  string
}

type Session struct {
	cfg     Config
	emitter Emitter
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *Metrics

	// emitMu serializes every call into the emitter. Lock order is emitMu
	// then mu.
	emitMu sync.Mutex

	mu       sync.Mutex
	state    State
	identity Identity
	gen      uint64
	retries  int
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *websocket.Conn
	out      chan wire.Event
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

func New(cfg Config, emitter Emitter, opts ...Option) *Session {
	s := &Session{
		cfg:     cfg,
		emitter: emitter,
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
		metrics: NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Retries returns the number of consecutive failed dials since the last
// successful connection.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Connect starts the connection cycle for the identity in the background.
// It is a no-op while a cycle for the same identity is running. A different
// identity tears the current connection down first. Connect must not be
// called synchronously from an event handler.
func (s *Session) Connect(token, userID string) {
	id := Identity{UserID: userID, Token: token}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.cancel != nil && s.identity == id {
		s.mu.Unlock()
		s.logger.Debug("connect ignored, already running", "user", userID)
		return
	}
	old := s.identity
	prev, _ := s.stopLocked()
	s.identity = id
	s.retries = 0
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	gen, done := s.gen, s.done
	s.mu.Unlock()

	// the superseded cycle exits on its own once it sees its generation
	// is stale
	if prev != Disconnected {
		s.emitter.Emit(lifecycle(Disconnected, wire.Lifecycle{UserID: old.UserID}, nil))
	}

	s.logger.Info("connecting", "user", userID)
	go s.run(ctx, gen, id, done)
}

// Disconnect closes the connection and cancels any pending reconnect. No
// event is emitted after it returns, other than by a later Connect. It is
// idempotent and must not be called synchronously from an event handler.
func (s *Session) Disconnect() {
	s.emitMu.Lock()
	s.mu.Lock()
	p := wire.Lifecycle{UserID: s.identity.UserID, Retries: s.retries}
	prev, done := s.stopLocked()
	s.mu.Unlock()
	if prev != Disconnected {
		s.emitter.Emit(lifecycle(Disconnected, p, nil))
	}
	s.emitMu.Unlock()

	if done != nil {
		<-done
		s.logger.Info("disconnected")
	}
}

// stopLocked invalidates the running cycle and returns the state it left
// and a channel closed when its goroutine has exited.
func (s *Session) stopLocked() (State, chan struct{}) {
	prev := s.state
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline(s.cfg.WriteWait))
		s.conn.Close()
		s.conn = nil
		s.out = nil
	}
	s.state = Disconnected
	s.metrics.State.Set(float64(Disconnected))
	done := s.done
	s.done = nil
	return prev, done
}

// Send queues e for transmission. When the session is not connected, or
// the send buffer is full, e is dropped and logged.
func (s *Session) Send(e wire.Event) {
	if e.Kind.Lifecycle() {
		s.logger.Warn("refusing to send lifecycle event", "kind", e.Kind)
		return
	}
	s.mu.Lock()
	out, state := s.out, s.state
	s.mu.Unlock()

	if state != Connected || out == nil {
		s.logger.Warn("not connected, dropping event", "kind", e.Kind)
		s.metrics.Dropped.Inc()
		return
	}
	select {
	case out <- e:
		s.metrics.FramesOut.WithLabelValues(string(e.Kind)).Inc()
	default:
		s.logger.Warn("send buffer full, dropping event", "kind", e.Kind)
		s.metrics.Dropped.Inc()
	}
}

func (s *Session) run(ctx context.Context, gen uint64, id Identity, done chan struct{}) {
	defer close(done)
	logger := s.logger.With(slog.String("user", id.UserID))

	// drops share one delay sequence so a server that accepts and then
	// closes at once is redialed ever more slowly
	redial := s.cfg.redialBackoff()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay, _ := redial.Next()
			if !sleep(ctx, delay) {
				return
			}
		}

		conn, err := s.dial(ctx, gen, id, logger)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errSuperseded) {
				logger.Error(fmt.Sprintf("giving up: %v", err))
				s.terminate(gen, err)
			}
			return
		}
		if attempt > 0 {
			s.metrics.Reconnects.Inc()
		}

		up := time.Now()
		err = s.serve(ctx, gen, conn, logger)
		if time.Since(up) >= s.cfg.StableAfter {
			redial = s.cfg.redialBackoff()
		}
		if ctx.Err() != nil || errors.Is(err, errSuperseded) {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			logger.Error(fmt.Sprintf("rejected by server: %v", err))
			s.terminate(gen, err)
			return
		}
		logger.Warn(fmt.Sprintf("connection lost: %v", err))
		s.transition(gen, Disconnected, err, false)
	}
}

// dial retries with backoff until a connection is established, the context
// is cancelled, the server rejects the credentials or retries run out.
func (s *Session) dial(ctx context.Context, gen uint64, id Identity, logger *slog.Logger) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", id.UserID)
	u.RawQuery = q.Encode()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)

	var conn *websocket.Conn
	err = retry.Do(ctx, s.cfg.backoff(), func(ctx context.Context) error {
		s.transition(gen, Connecting, nil, false)
		if !s.isState(gen, Connecting) {
			return errSuperseded
		}
		s.metrics.Dials.Inc()
		c, res, err := s.dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			s.metrics.DialErrors.Inc()
			if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: %s", ErrUnauthorized, res.Status)
			}
			s.failed(gen, err)
			logger.Warn(fmt.Sprintf("dial: %v", err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) isState(gen uint64, st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state == st
}

func (s *Session) failed(gen uint64, err error) {
	s.mu.Lock()
	if s.gen == gen {
		s.retries++
	}
	s.mu.Unlock()
	s.transition(gen, Disconnected, err, false)
}

// terminate ends the cycle for gen without scheduling a reconnect.
func (s *Session) terminate(gen uint64, err error) {
	s.transition(gen, Disconnected, err, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen && s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.done = nil
	}
}

// transition moves the session of generation gen to state to and emits the
// matching lifecycle event. It reports false when gen is stale or the
// session is already in that state.
func (s *Session) transition(gen uint64, to State, cause error, terminal bool) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || s.state == to {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = to
	if to == Connected {
		s.retries = 0
	}
	p := wire.Lifecycle{UserID: s.identity.UserID, Retries: s.retries, Terminal: terminal}
	s.mu.Unlock()

	s.metrics.State.Set(float64(to))
	s.logger.Debug("state", "from", prev.String(), "to", to.String())
	s.emitter.Emit(lifecycle(to, p, cause))
	return true
}

func lifecycle(to State, p wire.Lifecycle, cause error) wire.Event {
	if cause != nil {
		p.Error = cause.Error()
	}
	return wire.MustNew(to.kind(), p)
}

// deliver hands e to the emitter unless gen has been superseded.
func (s *Session) deliver(gen uint64, e wire.Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	live := s.gen == gen && s.state == Connected
	s.mu.Unlock()
	if !live {
		s.metrics.Stale.Inc()
		return false
	}
	s.metrics.FramesIn.WithLabelValues(string(e.Kind)).Inc()
	s.emitter.Emit(e)
	return true
}
