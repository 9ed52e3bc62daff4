package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	total int
	subs  []func(int)
}

func (f *fakeSource) UnreadTotal() int { return f.total }

func (f *fakeSource) OnUnreadTotal(fn func(int)) func() {
	f.subs = append(f.subs, fn)
	i := len(f.subs) - 1
	return func() { f.subs[i] = nil }
}

func (f *fakeSource) set(n int) {
	f.total = n
	for _, fn := range f.subs {
		if fn != nil {
			fn(n)
		}
	}
}

func TestAggregator_Clamping(t *testing.T) {
	a := New(WithLogger(testLogger))

	require.NoError(t, a.Increment(Friends))
	require.NoError(t, a.Decrement(Friends, 5))
	assert.Equal(t, 0, a.Count(Friends))

	require.NoError(t, a.SetCount(Reports, -3))
	assert.Equal(t, 0, a.Count(Reports))

	require.NoError(t, a.SetCount(Approvals, 4))
	require.NoError(t, a.Decrement(Approvals, 1))
	assert.Equal(t, 3, a.Count(Approvals))

	for _, n := range a.Counts() {
		assert.GreaterOrEqual(t, n, 0)
	}
}

func TestAggregator_Errors(t *testing.T) {
	a := New(WithLogger(testLogger))

	assert.ErrorIs(t, a.SetCount(Messages, 3), ErrDerivedSection)
	assert.ErrorIs(t, a.Increment(Messages), ErrDerivedSection)
	assert.ErrorIs(t, a.Clear(Messages), ErrDerivedSection)
	assert.ErrorIs(t, a.Increment("jackpots"), ErrUnknownSection)
	assert.ErrorIs(t, a.Decrement("", 1), ErrUnknownSection)

	require.NoError(t, a.SetCount(Reports, 2))
	assert.ErrorIs(t, a.Decrement(Reports, -3), ErrNegativeAmount)
	assert.Equal(t, 2, a.Count(Reports))
}

func TestAggregator_TotalAndFollow(t *testing.T) {
	a := New(WithLogger(testLogger))
	src := &fakeSource{total: 2}
	stop := a.Follow(src)

	require.NoError(t, a.SetCount(Promotions, 3))
	assert.Equal(t, 2, a.Count(Messages))
	assert.Equal(t, 5, a.Total())

	src.set(7)
	assert.Equal(t, 7, a.Count(Messages))
	assert.Equal(t, 10, a.Total())

	stop()
	src.set(1)
	assert.Equal(t, 7, a.Count(Messages))
}

func TestAggregator_ResetAndOnChange(t *testing.T) {
	a := New(WithLogger(testLogger))
	var snaps []Counts
	a.OnChange(func(c Counts) { snaps = append(snaps, c) })

	require.NoError(t, a.Increment(Friends))
	require.NoError(t, a.Decrement(Reports, 1))
	a.Reset()
	a.Reset()

	require.Len(t, snaps, 2)
	assert.Equal(t, 1, snaps[0][Friends])
	assert.Equal(t, 0, snaps[1].Total())
	assert.Equal(t, 0, a.Total())
	assert.Len(t, a.Counts(), len(Sections))
}

func TestAggregator_Bind(t *testing.T) {
	d := dispatch.New(context.Background(), dispatch.WithLogger(testLogger))
	a := New(WithLogger(testLogger))
	a.Bind(d)

	d.Emit(wire.MustNew(wire.BroadcastNew, wire.Broadcast{ID: "b1", Title: "Free spins"}))
	d.Emit(wire.MustNew(wire.BroadcastNew, wire.Broadcast{ID: "b2", Section: "friends"}))
	d.Emit(wire.MustNew(wire.BroadcastNew, wire.Broadcast{ID: "b3", Section: "messages"}))

	assert.Equal(t, 2, a.Count(Promotions))
	assert.Equal(t, 1, a.Count(Friends))
	assert.Equal(t, 0, a.Count(Messages))
}
