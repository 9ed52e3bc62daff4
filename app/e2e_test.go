package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/putto11262002/realtime/pkg/client"
	"github.com/putto11262002/realtime/pkg/notify"
	"github.com/putto11262002/realtime/pkg/presence"
	"github.com/putto11262002/realtime/pkg/session"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// recorder collects events delivered to a client handler.
type recorder struct {
	mu     sync.Mutex
	events []wire.Event
}

func (r *recorder) handle(_ context.Context, e wire.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []wire.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]wire.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func (r *recorder) all() []wire.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Event{}, r.events...)
}

// connect registers username and logs a client in as them, waiting until
// the relay has the socket.
func (f *relayFixture) connect(t *testing.T, username string) *client.Client {
	t.Helper()
	f.signIn(t, username)

	cfg := client.DefaultConfig()
	cfg.BaseURL = f.server.URL
	cfg.PrefsFile = filepath.Join(t.TempDir(), "prefs.db")
	cfg.Session.BackoffBase = 10 * time.Millisecond
	cfg.Session.BackoffCap = 50 * time.Millisecond
	cfg.Session.BackoffJitter = 0

	c, err := client.New(cfg, client.WithLogger(testLogger))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.SignIn(context.Background(), username, "password"))
	require.Eventually(t, func() bool {
		return c.State() == session.Connected && f.app.wsManager.IsUserConnected(username)
	}, waitFor, tick)
	return c
}

func TestE2E_TextToOnlineRecipient(t *testing.T) {
	f := newRelay(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	var bobInbox recorder
	_, err := bob.On(wire.MessageNew, bobInbox.handle)
	require.NoError(t, err)

	sent, err := alice.SendText(ctx, "bob", "hello bob")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ClientRef)
	assert.NotEqual(t, sent.ClientRef, sent.ID)

	// the optimistic entry was replaced, not duplicated
	msgs := alice.Conversations().Messages(wire.Direct("bob"))
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, sent.ClientRef, msgs[0].ClientRef)

	// the recorder runs after the store's own handler for the same event
	require.Eventually(t, func() bool {
		return len(bobInbox.all()) == 1
	}, waitFor, tick)
	_, ok := bob.Conversations().Message(sent.ID)
	require.True(t, ok)
	events := bobInbox.all()
	var received wire.Message
	require.NoError(t, events[0].Decode(&received))
	assert.Equal(t, wire.StatusSent, received.Status)
	assert.Equal(t, "Alice", received.SenderName)
	assert.Equal(t, 1, bob.Conversations().Unread(wire.Direct("alice")))
	assert.Equal(t, 1, bob.Counts().Count(notify.Messages))

	require.Eventually(t, func() bool {
		m, ok := alice.Conversations().Message(sent.ID)
		return ok && m.Status == wire.StatusDelivered
	}, waitFor, tick)

	require.NoError(t, bob.MarkRead(ctx, "alice"))
	assert.Zero(t, bob.Conversations().Unread(wire.Direct("alice")))
	assert.Zero(t, bob.Counts().Count(notify.Messages))

	require.Eventually(t, func() bool {
		m, ok := alice.Conversations().Message(sent.ID)
		return ok && m.Status == wire.StatusRead
	}, waitFor, tick)
}

func TestE2E_ReconnectAfterNetworkLoss(t *testing.T) {
	f := newRelay(t)
	bob := f.connect(t, "bob")

	var lifecycle recorder
	for _, kind := range []wire.Kind{wire.SessionConnecting, wire.SessionConnected, wire.SessionDisconnected} {
		_, err := bob.On(kind, lifecycle.handle)
		require.NoError(t, err)
	}

	// the relay drops every socket of bob without a handshake error
	f.app.wsManager.Disconnect("bob")

	require.Eventually(t, func() bool {
		return len(lifecycle.kinds()) >= 3 && bob.State() == session.Connected
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.app.wsManager.IsUserConnected("bob")
	}, waitFor, tick)

	assert.Equal(t, []wire.Kind{
		wire.SessionDisconnected,
		wire.SessionConnecting,
		wire.SessionConnected,
	}, lifecycle.kinds())

	var p wire.Lifecycle
	require.NoError(t, lifecycle.all()[0].Decode(&p))
	assert.False(t, p.Terminal)
	assert.Equal(t, "bob", p.UserID)

	// the session works again
	alice := f.connect(t, "alice")
	require.NoError(t, alice.SetTyping("bob", true))
	require.Eventually(t, func() bool {
		return len(bob.Conversations().Typing(wire.Direct("alice"))) == 1
	}, waitFor, tick)
}

func TestE2E_Presence(t *testing.T) {
	f := newRelay(t)
	ctx := context.Background()
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	_, err := alice.SendText(ctx, "bob", "ping")
	require.NoError(t, err)

	_, err = alice.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return alice.Presence().IsOnline("bob") == presence.Online
	}, waitFor, tick)

	bob.Logout()
	require.Eventually(t, func() bool {
		return alice.Presence().IsOnline("bob") == presence.Offline
	}, waitFor, tick)
	rec, ok := alice.Presence().Record("bob")
	require.True(t, ok)
	assert.False(t, rec.LastSeen.IsZero())
}

func TestE2E_Broadcast(t *testing.T) {
	f := newRelay(t)
	alice := f.connect(t, "alice")
	admin := f.signIn(t, "admin")

	b, err := admin.Broadcast(context.Background(), string(notify.Friends), "New friend", "carol accepted")
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)

	require.Eventually(t, func() bool {
		return alice.Counts().Count(notify.Friends) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, alice.Counts().Total())
}
