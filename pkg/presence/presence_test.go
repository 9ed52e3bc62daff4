package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSender struct{ events []wire.Event }

func (f *fakeSender) Send(e wire.Event) { f.events = append(f.events, e) }

func TestTracker_UnknownIsNotOffline(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := New(WithLogger(testLogger), WithClock(func() time.Time { return now }))

	assert.Equal(t, Unknown, tr.IsOnline("bob"))
	_, ok := tr.Record("bob")
	assert.False(t, ok)

	tr.MarkOnline("bob")
	assert.Equal(t, Online, tr.IsOnline("bob"))

	tr.MarkOffline("bob")
	assert.Equal(t, Offline, tr.IsOnline("bob"))
	r, ok := tr.Record("bob")
	require.True(t, ok)
	assert.Equal(t, now, r.LastSeen)

	tr.MarkOnline("bob")
	r, _ = tr.Record("bob")
	assert.Equal(t, now, r.LastSeen, "last seen survives coming back online")
}

func TestTracker_RequestStatus(t *testing.T) {
	sender := &fakeSender{}
	tr := New(WithLogger(testLogger), WithSender(sender))

	tr.RequestStatus()
	tr.RequestStatus("", "")
	assert.Empty(t, sender.events)

	tr.RequestStatus("bob", "carol", "bob")
	require.Len(t, sender.events, 1)
	assert.Equal(t, wire.PresenceQuery, sender.events[0].Kind)
	var q wire.Query
	require.NoError(t, sender.events[0].Decode(&q))
	assert.Equal(t, []string{"bob", "carol"}, q.UserIDs)
}

func TestTracker_Bind(t *testing.T) {
	d := dispatch.New(context.Background(), dispatch.WithLogger(testLogger))
	tr := New(WithLogger(testLogger))
	tr.Bind(d)

	seen := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)
	d.Emit(wire.MustNew(wire.UserOnline, wire.Presence{UserID: "bob"}))
	d.Emit(wire.MustNew(wire.UserOffline, wire.Presence{UserID: "carol", LastSeen: seen}))
	d.Emit(wire.MustNew(wire.PresenceStatus, wire.StatusReport{Users: []wire.PresenceEntry{
		{UserID: "dave", Online: true},
		{UserID: "erin", Online: false, LastSeen: seen},
	}}))

	assert.Equal(t, Online, tr.IsOnline("bob"))
	assert.Equal(t, Offline, tr.IsOnline("carol"))
	r, _ := tr.Record("carol")
	assert.Equal(t, seen, r.LastSeen)
	assert.Equal(t, Offline, tr.IsOnline("erin"))
	assert.Equal(t, []string{"bob", "dave"}, tr.Online())
	assert.Equal(t, Unknown, tr.IsOnline("frank"))
}
