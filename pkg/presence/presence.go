// Package presence tracks the online state of other users.
package presence

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/wire"
)

// Status distinguishes a user never heard of from one known to be offline.
type Status int8

const (
	Unknown Status = iota
	Offline
	Online
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	}
	return "unknown"
}

type Record struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

type Sender interface {
	Send(wire.Event)
}

type Tracker struct {
	mu      sync.RWMutex
	records map[string]Record
	sender  Sender
	now     func() time.Time
	logger  *slog.Logger
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func WithSender(s Sender) Option {
	return func(t *Tracker) {
		t.sender = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[string]Record),
		now:     time.Now,
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) MarkOnline(userID string) {
	t.set(userID, true, time.Time{})
}

// MarkOffline records userID as offline, last seen now.
func (t *Tracker) MarkOffline(userID string) {
	t.set(userID, false, time.Time{})
}

func (t *Tracker) set(userID string, online bool, lastSeen time.Time) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[userID]
	r.UserID = userID
	r.Online = online
	switch {
	case !lastSeen.IsZero():
		r.LastSeen = lastSeen
	case !online:
		r.LastSeen = t.now()
	}
	t.records[userID] = r
}

// RequestStatus asks the server for the presence of userIDs. Answers
// arrive as presence:status events.
func (t *Tracker) RequestStatus(userIDs ...string) {
	ids := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || t.sender == nil {
		return
	}
	t.sender.Send(wire.MustNew(wire.PresenceQuery, wire.Query{UserIDs: ids}))
}

func (t *Tracker) IsOnline(userID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	switch {
	case !ok:
		return Unknown
	case r.Online:
		return Online
	}
	return Offline
}

func (t *Tracker) Record(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[userID]
	return r, ok
}

// Online returns the users currently known to be online, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for id, r := range t.records {
		if r.Online {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) Bind(d *dispatch.Dispatcher) []dispatch.Subscription {
	return []dispatch.Subscription{
		d.On(wire.UserOnline, func(_ context.Context, e wire.Event) error {
			var p wire.Presence
			if err := e.Decode(&p); err != nil {
				return err
			}
			t.MarkOnline(p.UserID)
			return nil
		}),
		d.On(wire.UserOffline, func(_ context.Context, e wire.Event) error {
			var p wire.Presence
			if err := e.Decode(&p); err != nil {
				return err
			}
			t.set(p.UserID, false, p.LastSeen)
			return nil
		}),
		d.On(wire.PresenceStatus, func(_ context.Context, e wire.Event) error {
			var report wire.StatusReport
			if err := e.Decode(&report); err != nil {
				return err
			}
			for _, u := range report.Users {
				t.set(u.UserID, u.Online, u.LastSeen)
			}
			t.logger.Debug("presence status", "users", len(report.Users))
			return nil
		}),
	}
}
