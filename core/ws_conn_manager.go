package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/realtime/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16
)

type ConnManager struct {
	conns   map[string][]*Conn
	nextID  int
	mu      sync.RWMutex
	connWg  sync.WaitGroup
	context context.Context
	logger  *slog.Logger
	metrics *Metrics

	onUserConnected    func(string)
	onUserDisconnected func(string)

	onConnectionOpened func(string, int)
	onConnectionClosed func(string, int)

	receivedEvent chan Envelope

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *ConnManager) {
		m.metrics = metrics
	}
}

// WithStreamSizes sets the shared read queue and per socket write queue
// capacities.
func WithStreamSizes(read, write int) ManagerOption {
	return func(m *ConnManager) {
		m.ReadStreamSize = read
		m.WriteStreamSize = write
	}
}

// NewConnManager returns a manager whose sockets live until ctx is done.
func NewConnManager(ctx context.Context, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:   make(map[string][]*Conn),
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
		metrics: NewMetrics(nil),
		context: ctx,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ReadStreamSize:     100,
		WriteStreamSize:    100,
		onUserConnected:    func(string) {},
		onUserDisconnected: func(string) {},
		onConnectionOpened: func(string, int) {},
		onConnectionClosed: func(string, int) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan Envelope, m.ReadStreamSize)
	return m
}

func (m *ConnManager) Receive() <-chan Envelope {
	return m.receivedEvent
}

// OnUserConnected is called when a user opens their first socket.
func (m *ConnManager) OnUserConnected(f func(string)) {
	m.onUserConnected = f
}

// OnUserDisconnected is called when a user's last socket closes.
func (m *ConnManager) OnUserDisconnected(f func(string)) {
	m.onUserDisconnected = f
}

func (m *ConnManager) OnConnectionOpened(f func(string, int)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(string, int)) {
	m.onConnectionClosed = f
}

func (m *ConnManager) IsUserConnected(username string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[username]
	return ok
}

// ConnectedUsers returns the users with at least one open socket, sorted.
func (m *ConnManager) ConnectedUsers() []string {
	m.mu.RLock()
	users := make([]string, 0, len(m.conns))
	for u := range m.conns {
		users = append(users, u)
	}
	m.mu.RUnlock()
	slices.Sort(users)
	return users
}

// Connect upgrades the request and serves the socket for username until
// the peer goes away, the token expires at expiresAt or the manager's
// context is done.
func (m *ConnManager) Connect(username string, expiresAt time.Time, w http.ResponseWriter, r *http.Request) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		return fmt.Errorf("upgrade: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	conns := m.conns[username]
	first := len(conns) == 0
	wsConn := &Conn{
		username:    username,
		id:          id,
		conn:        conn,
		context:     m.context,
		expiresAt:   expiresAt,
		writeStream: make(chan wire.Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		metrics:     m.metrics,
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%s:%d", username, id))),
		notifyDisconnect: func() {
			m.disconnect(username, id)
		},
	}
	m.conns[username] = append(conns, wsConn)
	m.mu.Unlock()

	m.metrics.Connections.Inc()
	if first {
		m.metrics.Users.Inc()
	}

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	if first {
		m.onUserConnected(username)
	}
	m.onConnectionOpened(username, id)
	return nil
}

// Disconnect closes every socket of username.
func (m *ConnManager) Disconnect(username string) {
	m.disconnect(username)
}

func (m *ConnManager) disconnect(username string, ids ...int) {
	m.mu.Lock()
	conns, ok := m.conns[username]
	if !ok {
		m.mu.Unlock()
		return
	}

	var closed []int
	kept := conns[:0:0]
	for _, c := range conns {
		if len(ids) == 0 || slices.Contains(ids, c.id) {
			c.close()
			closed = append(closed, c.id)
			continue
		}
		kept = append(kept, c)
	}
	userDisconnected := len(kept) == 0
	if userDisconnected {
		delete(m.conns, username)
	} else {
		m.conns[username] = kept
	}
	m.mu.Unlock()

	m.metrics.Connections.Sub(float64(len(closed)))
	if userDisconnected {
		m.metrics.Users.Dec()
	}
	for _, id := range closed {
		m.onConnectionClosed(username, id)
	}
	if userDisconnected {
		m.onUserDisconnected(username)
	}
}

// Wait blocks until every socket goroutine has exited.
func (m *ConnManager) Wait() {
	m.connWg.Wait()
}

// enqueue never blocks; a full write queue drops the event.
func (m *ConnManager) enqueue(c *Conn, e wire.Event) {
	select {
	case c.writeStream <- e:
		m.metrics.EventsOut.WithLabelValues(string(e.Kind)).Inc()
	default:
		m.metrics.Dropped.Inc()
		c.logger.Warn(fmt.Sprintf("write queue full, dropping %s", e.Kind))
	}
}

func (m *ConnManager) Send(e wire.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conns := range m.conns {
		for _, conn := range conns {
			m.enqueue(conn, e)
		}
	}
}

func (m *ConnManager) SendToUsers(e wire.Event, usernames ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range usernames {
		for _, conn := range m.conns[u] {
			m.enqueue(conn, e)
		}
	}
}

func (m *ConnManager) SendToConn(e wire.Event, username string, id int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.conns[username] {
		if conn.id == id {
			m.enqueue(conn, e)
		}
	}
}
