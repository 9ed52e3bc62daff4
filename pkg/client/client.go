// Package client composes the realtime building blocks for one signed in
// user: the socket session, event dispatcher, conversation store, presence
// tracker and badge counts, plus the REST calls that seed and write them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/putto11262002/realtime/pkg/conversation"
	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/notify"
	"github.com/putto11262002/realtime/pkg/prefs"
	"github.com/putto11262002/realtime/pkg/presence"
	"github.com/putto11262002/realtime/pkg/restapi"
	"github.com/putto11262002/realtime/pkg/session"
	"github.com/putto11262002/realtime/pkg/wire"
)

var ErrLoggedOut = errors.New("not logged in")

type Client struct {
	cfg      Config
	logger   *slog.Logger
	api      *restapi.Client
	prefs    *prefs.Store
	notifier conversation.Notifier
	visible  func() bool
	metrics  *session.Metrics
	counts   *notify.Aggregator

	// loginMu serializes Login and Logout; mu guards user and listeners.
	loginMu   sync.Mutex
	mu        sync.Mutex
	user      *user
	listeners map[int]listener
	nextID    int
}

type listener struct {
	kind    wire.Kind
	handler dispatch.Handler
}

// user is everything built for one identity and torn down on logout.
type user struct {
	id         string
	token      string
	cancel     context.CancelFunc
	api        *restapi.Client
	dispatcher *dispatch.Dispatcher
	session    *session.Session
	store      *conversation.Store
	presence   *presence.Tracker
	subs       []dispatch.Subscription
	unfollow   func()
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRegisterer registers the session metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Client) {
		c.metrics = session.NewMetrics(reg)
	}
}

// WithNotifier replaces the log notifier. visible reports whether the
// conversation view is in the foreground; nil means never.
func WithNotifier(n conversation.Notifier, visible func() bool) Option {
	return func(c *Client) {
		c.notifier = n
		c.visible = visible
	}
}

// New builds a logged out client. It opens the preferences file when one
// is configured.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
		metrics: session.NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.counts = notify.New(notify.WithLogger(c.logger))

	api, err := restapi.New(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	c.api = api
	if c.cfg.Session.URL == "" {
		c.cfg.Session.URL = api.SocketURL()
	}

	if cfg.PrefsFile != "" {
		if c.prefs, err = prefs.Open(cfg.PrefsFile); err != nil {
			return nil, err
		}
	}
	if c.notifier == nil {
		c.notifier = NewLogNotifier(c.logger.WithGroup("notify"), c.SoundEnabled)
	}
	return c, nil
}

// SignIn exchanges credentials for a token and logs in with it.
func (c *Client) SignIn(ctx context.Context, username, password string) error {
	s, err := c.api.SignIn(ctx, username, password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	c.Login(s.Token, s.Username)
	return nil
}

// Login builds the per identity state and starts connecting. Logging in
// again as the same user is a no-op; a different user replaces the
// current one.
func (c *Client) Login(token, userID string) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.Lock()
	cur := c.user
	if cur != nil && cur.id == userID && cur.token == token {
		c.mu.Unlock()
		return
	}
	c.user = nil
	c.mu.Unlock()
	if cur != nil {
		c.teardown(cur)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := c.logger.With(slog.String("user", userID))
	u := &user{
		id:     userID,
		token:  token,
		cancel: cancel,
		api:    c.api.Authorized(token),
	}
	u.dispatcher = dispatch.New(ctx, dispatch.WithLogger(logger))
	u.session = session.New(c.cfg.Session, u.dispatcher,
		session.WithLogger(logger.WithGroup("session")),
		session.WithMetrics(c.metrics))
	u.store = conversation.New(userID,
		conversation.WithLogger(logger.WithGroup("conversation")),
		conversation.WithSender(u.session),
		conversation.WithNotifier(c.notifier, c.visible),
		conversation.WithTypingTTL(c.cfg.TypingTTL))
	u.presence = presence.New(
		presence.WithLogger(logger.WithGroup("presence")),
		presence.WithSender(u.session))

	u.subs = append(u.subs, u.store.Bind(u.dispatcher)...)
	u.subs = append(u.subs, u.presence.Bind(u.dispatcher)...)
	u.subs = append(u.subs, c.counts.Bind(u.dispatcher)...)
	u.subs = append(u.subs, u.dispatcher.On(wire.SessionConnected, func(ctx context.Context, _ wire.Event) error {
		// handlers must not block the emitter
		go c.resync(ctx, u)
		return nil
	}))
	u.unfollow = c.counts.Follow(u.store)

	c.mu.Lock()
	for _, id := range slices.Sorted(maps.Keys(c.listeners)) {
		l := c.listeners[id]
		u.subs = append(u.subs, u.dispatcher.On(l.kind, l.handler))
	}
	c.user = u
	c.mu.Unlock()
	u.session.Connect(token, userID)
}

// resync seeds unread counts, the latest message and presence of every
// conversation after each (re)connect.
func (c *Client) resync(ctx context.Context, u *user) {
	convs, err := u.api.Conversations(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn(fmt.Sprintf("resync conversations: %v", err))
		}
		return
	}
	peers := make([]string, 0, len(convs))
	for _, conv := range convs {
		room := wire.Direct(conv.Peer)
		u.store.LoadHistory(room, []wire.Message{conv.Last})
		u.store.SetUnread(room, conv.Unread)
		peers = append(peers, conv.Peer)
	}
	u.presence.RequestStatus(peers...)
}

// Logout disconnects and drops all per user state. Badge counts reset.
func (c *Client) Logout() {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	c.mu.Lock()
	u := c.user
	c.user = nil
	c.mu.Unlock()
	if u != nil {
		c.teardown(u)
	}
}

// teardown runs without mu so lifecycle handlers may call back into c.
func (c *Client) teardown(u *user) {
	u.session.Disconnect()
	for _, sub := range u.subs {
		sub.Cancel()
	}
	u.unfollow()
	u.store.Close()
	u.cancel()
	c.counts.Reset()
}

// Close logs out and closes the preferences file.
func (c *Client) Close() error {
	c.Logout()
	if c.prefs != nil {
		return c.prefs.Close()
	}
	return nil
}

func (c *Client) current() (*user, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil, ErrLoggedOut
	}
	return c.user, nil
}

// On subscribes to events of the current user, lifecycle events included.
func (c *Client) On(kind wire.Kind, h dispatch.Handler) (dispatch.Subscription, error) {
	u, err := c.current()
	if err != nil {
		return dispatch.Subscription{}, err
	}
	return u.dispatcher.On(kind, h), nil
}

// Listen subscribes h to kind for every login, including ones not yet made.
// Handlers attach before the session dials, so the first lifecycle events
// are never missed. The returned func stops future logins from attaching h;
// the current login keeps it until logout.
func (c *Client) Listen(kind wire.Kind, h dispatch.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners == nil {
		c.listeners = make(map[int]listener)
	}
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener{kind: kind, handler: h}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) State() session.State {
	u, err := c.current()
	if err != nil {
		return session.Disconnected
	}
	return u.session.State()
}

// Conversations is the current user's store, nil when logged out.
func (c *Client) Conversations() *conversation.Store {
	u, err := c.current()
	if err != nil {
		return nil
	}
	return u.store
}

// Presence is the current user's tracker, nil when logged out.
func (c *Client) Presence() *presence.Tracker {
	u, err := c.current()
	if err != nil {
		return nil
	}
	return u.presence
}

// Counts outlives logins; it is reset on logout.
func (c *Client) Counts() *notify.Aggregator {
	return c.counts
}

// OpenConversation loads the latest page of history with peer and returns
// the room's messages.
func (c *Client) OpenConversation(ctx context.Context, peer string) ([]wire.Message, error) {
	u, err := c.current()
	if err != nil {
		return nil, err
	}
	msgs, err := u.api.History(ctx, peer, time.Time{}, c.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", peer, err)
	}
	room := wire.Direct(peer)
	u.store.LoadHistory(room, msgs)
	u.presence.RequestStatus(peer)
	return u.store.Messages(room), nil
}

// SendText inserts an optimistic entry, writes the message over REST and
// echoes the stored copy on the socket. A failed write removes the
// optimistic entry.
func (c *Client) SendText(ctx context.Context, peer, text string) (wire.Message, error) {
	return c.send(ctx, peer, wire.Message{Content: text, ContentType: wire.ContentText},
		func(u *user, ref string) (wire.Message, error) {
			return u.api.SendText(ctx, peer, text, ref)
		})
}

// SendAttachment sends a reference to content already uploaded elsewhere.
func (c *Client) SendAttachment(ctx context.Context, peer string, ct wire.ContentType, att wire.Attachment, caption string) (wire.Message, error) {
	return c.send(ctx, peer, wire.Message{Content: caption, ContentType: ct, Attachment: &att},
		func(u *user, ref string) (wire.Message, error) {
			return u.api.SendAttachment(ctx, peer, restapi.AttachmentRequest{
				ContentType: ct,
				Attachment:  att,
				Caption:     caption,
				ClientRef:   ref,
			})
		})
}

func (c *Client) send(ctx context.Context, peer string, m wire.Message, write func(*user, string) (wire.Message, error)) (wire.Message, error) {
	u, err := c.current()
	if err != nil {
		return wire.Message{}, err
	}
	ref := uuid.NewString()
	m.ID = ref
	m.ClientRef = ref
	m.SenderID = u.id
	m.RecipientID = peer
	m.CreatedAt = time.Now().UTC()
	if err := wire.ValidateMessage(m); err != nil {
		return wire.Message{}, err
	}
	u.store.ApplyNew(m)

	stored, err := write(u, ref)
	if err != nil {
		u.store.ApplyDelete(ref)
		return wire.Message{}, fmt.Errorf("send to %s: %w", peer, err)
	}
	if stored.ClientRef == "" {
		stored.ClientRef = ref
	}
	u.store.ApplyNew(stored)

	echo, err := wire.New(wire.MessageNew, stored)
	if err != nil {
		return stored, err
	}
	u.session.Send(echo)
	return stored, nil
}

// MarkRead zeroes the unread count of the conversation with peer, sends
// receipts and persists the read state.
func (c *Client) MarkRead(ctx context.Context, peer string) error {
	u, err := c.current()
	if err != nil {
		return err
	}
	u.store.MarkRead(wire.Direct(peer))
	if _, err := u.api.MarkRead(ctx, peer); err != nil {
		return fmt.Errorf("mark read %s: %w", peer, err)
	}
	return nil
}

// SetTyping reports the local user typing, or no longer typing, to peer.
func (c *Client) SetTyping(peer string, typing bool) error {
	u, err := c.current()
	if err != nil {
		return err
	}
	kind := wire.TypingStop
	if typing {
		kind = wire.TypingStart
	}
	e, err := wire.New(kind, wire.Typing{RoomID: wire.Direct(peer), UserID: u.id})
	if err != nil {
		return err
	}
	u.session.Send(e)
	return nil
}

// SoundEnabled defaults to true without a preferences file.
func (c *Client) SoundEnabled() bool {
	if c.prefs == nil {
		return true
	}
	enabled, err := c.prefs.SoundEnabled()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("read sound preference: %v", err))
	}
	return enabled
}

func (c *Client) SetSoundEnabled(enabled bool) error {
	if c.prefs == nil {
		return nil
	}
	return c.prefs.SetSoundEnabled(enabled)
}

// LastSection is the notification section shown last, messages by default.
func (c *Client) LastSection() notify.Section {
	if c.prefs == nil {
		return notify.Messages
	}
	s, err := c.prefs.LastSection()
	if err != nil || s == "" {
		return notify.Messages
	}
	return notify.Section(s)
}

func (c *Client) SetLastSection(s notify.Section) error {
	if c.prefs == nil {
		return nil
	}
	return c.prefs.SetLastSection(string(s))
}
