// Package conversation holds the client side view of rooms: messages in
// arrival order, unread counts and typing indicators, reconciled from REST
// history and live wire events.
package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/putto11262002/realtime/pkg/wire"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh.
const DefaultTypingTTL = 3 * time.Second

// Sender transmits outbound events, typically a *session.Session.
type Sender interface {
	Send(wire.Event)
}

// Notifier shows a desktop notification.
type Notifier interface {
	Notify(title, body string) error
}

type indicator struct {
	timer   *time.Timer
	expires time.Time
}

type room struct {
	messages []wire.Message
	unread   int
	typing   map[string]*indicator
}

type Store struct {
	localID string

	mu    sync.Mutex
	rooms map[wire.RoomID]*room
	order []wire.RoomID
	// index maps a message id to the room holding it.
	index map[string]wire.RoomID

	sender    Sender
	notifier  Notifier
	visible   func() bool
	typingTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger

	// notifyMu guards the subscriber set and the publishing state.
	notifyMu  sync.Mutex
	lastTotal int
	subs      map[int]func(int)
	nextSub   int
	closed    bool
	// Only one caller delivers at a time, so subscribers never observe
	// totals out of order. Other callers, including subscribers calling
	// back into the store, mark dirty and the deliverer picks it up.
	publishing bool
	dirty      bool
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithSender(sender Sender) Option {
	return func(s *Store) {
		s.sender = sender
	}
}

// WithNotifier enables desktop notifications for incoming messages while
// visible reports false.
func WithNotifier(n Notifier, visible func() bool) Option {
	return func(s *Store) {
		s.notifier = n
		s.visible = visible
	}
}

func WithTypingTTL(d time.Duration) Option {
	return func(s *Store) {
		s.typingTTL = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a store for the user localID.
func New(localID string, opts ...Option) *Store {
	s := &Store{
		localID:   localID,
		rooms:     make(map[wire.RoomID]*room),
		index:     make(map[string]wire.RoomID),
		subs:      make(map[int]func(int)),
		visible:   func() bool { return true },
		typingTTL: DefaultTypingTTL,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) LocalID() string { return s.localID }

func (s *Store) roomLocked(id wire.RoomID) *room {
	r, ok := s.rooms[id]
	if !ok {
		r = &room{typing: make(map[string]*indicator)}
		s.rooms[id] = r
		s.order = append(s.order, id)
	}
	return r
}

// roomFor returns the room a message belongs to. Messages without a room
// belong to the direct room of the counterparty.
func (s *Store) roomFor(m wire.Message) (wire.RoomID, error) {
	if !m.RoomID.IsZero() {
		return m.RoomID, nil
	}
	peer := m.SenderID
	if peer == s.localID {
		peer = m.RecipientID
	}
	if peer == "" || peer == s.localID {
		return wire.RoomID{}, fmt.Errorf("message %s: no counterparty", m.ID)
	}
	return wire.Direct(peer), nil
}

// findLocked locates a message by id, falling back to the client reference
// of an optimistic entry.
func (s *Store) findLocked(id, clientRef string) (wire.RoomID, int, bool) {
	if roomID, ok := s.index[id]; ok {
		if i := slices.IndexFunc(s.rooms[roomID].messages, func(m wire.Message) bool { return m.ID == id }); i >= 0 {
			return roomID, i, true
		}
	}
	if clientRef == "" {
		return wire.RoomID{}, 0, false
	}
	for _, roomID := range s.order {
		msgs := s.rooms[roomID].messages
		if i := slices.IndexFunc(msgs, func(m wire.Message) bool { return m.ClientRef == clientRef }); i >= 0 {
			return roomID, i, true
		}
	}
	return wire.RoomID{}, 0, false
}

// replaceLocked overwrites the entry at (roomID, i) with m, never lowering
// the delivery status.
func (s *Store) replaceLocked(roomID wire.RoomID, i int, m wire.Message) {
	r := s.rooms[roomID]
	old := r.messages[i]
	m.Status = old.Status.Max(m.Status)
	m.RoomID = roomID
	if m.ClientRef == "" {
		m.ClientRef = old.ClientRef
	}
	r.messages[i] = m
	if old.ID != m.ID {
		delete(s.index, old.ID)
	}
	s.index[m.ID] = roomID
}

func (s *Store) valid(m wire.Message) bool {
	if err := wire.ValidateMessage(m); err != nil {
		s.logger.Warn(fmt.Sprintf("dropping message: %v", err))
		return false
	}
	return true
}

// LoadHistory merges messages fetched over REST into roomID. Entries whose
// id is already present are replaced, keeping the more advanced status.
// History does not change unread counts.
func (s *Store) LoadHistory(roomID wire.RoomID, msgs []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID)
	for _, m := range msgs {
		if !s.valid(m) {
			continue
		}
		if m.Status == wire.StatusUnknown {
			m.Status = wire.StatusSent
		}
		if at, i, ok := s.findLocked(m.ID, m.ClientRef); ok {
			s.replaceLocked(at, i, m)
			continue
		}
		m.RoomID = roomID
		r.messages = append(r.messages, m)
		s.index[m.ID] = roomID
	}
}

// ApplyNew appends a live message. A message already present by id or
// client reference replaces the existing entry and does not count as
// unread again.
func (s *Store) ApplyNew(m wire.Message) {
	if !s.valid(m) {
		return
	}
	s.mu.Lock()
	roomID, err := s.roomFor(m)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn(fmt.Sprintf("dropping message: %v", err))
		return
	}
	if m.Status == wire.StatusUnknown {
		m.Status = wire.StatusSent
	}
	if at, i, ok := s.findLocked(m.ID, m.ClientRef); ok {
		s.replaceLocked(at, i, m)
		s.mu.Unlock()
		return
	}

	r := s.roomLocked(roomID)
	m.RoomID = roomID
	r.messages = append(r.messages, m)
	s.index[m.ID] = roomID
	incoming := m.SenderID != s.localID
	if incoming {
		r.unread++
		// a message ends the sender's typing indicator
		if ind, ok := r.typing[m.SenderID]; ok {
			ind.timer.Stop()
			delete(r.typing, m.SenderID)
		}
	}
	s.mu.Unlock()

	if incoming {
		s.publishTotal()
		s.notify(m)
	}
}

func (s *Store) notify(m wire.Message) {
	if s.notifier == nil || s.visible() {
		return
	}
	if err := s.notifier.Notify(m.Sender(), m.Preview()); err != nil {
		s.logger.Error(fmt.Sprintf("notify: %v", err))
	}
}

// ApplyUpdate replaces the content of a known message. Unknown ids are
// ignored.
func (s *Store) ApplyUpdate(m wire.Message) {
	if !s.valid(m) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, i, ok := s.findLocked(m.ID, "")
	if !ok {
		s.logger.Debug("update for unknown message", "id", m.ID)
		return
	}
	s.replaceLocked(at, i, m)
}

// ApplyDelete removes a message from whichever room holds it. Deleting an
// unread incoming message lowers the room's unread count.
func (s *Store) ApplyDelete(id string) {
	s.mu.Lock()
	at, i, ok := s.findLocked(id, "")
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("delete for unknown message", "id", id)
		return
	}
	r := s.rooms[at]
	m := r.messages[i]
	changed := false
	if m.SenderID != s.localID && m.Status < wire.StatusRead && r.unread > 0 {
		r.unread--
		changed = true
	}
	r.messages = slices.Delete(r.messages, i, i+1)
	delete(s.index, id)
	s.mu.Unlock()

	if changed {
		s.publishTotal()
	}
}

// ApplyDeliveryStatus advances the status of a message. Regressions and
// unknown ids are ignored.
func (s *Store) ApplyDeliveryStatus(id string, status wire.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, i, ok := s.findLocked(id, "")
	if !ok {
		s.logger.Debug("status for unknown message", "id", id, "status", status.String())
		return
	}
	m := &s.rooms[at].messages[i]
	m.Status = m.Status.Max(status)
}

// SetUnread seeds a room's unread count, typically from the conversation
// list.
func (s *Store) SetUnread(roomID wire.RoomID, n int) {
	s.mu.Lock()
	s.roomLocked(roomID).unread = max(n, 0)
	s.mu.Unlock()
	s.publishTotal()
}

// MarkRead zeroes the unread count of each room and sends a message:read
// receipt for every incoming message not yet read.
func (s *Store) MarkRead(roomIDs ...wire.RoomID) {
	var receipts []wire.Event
	s.mu.Lock()
	for _, roomID := range roomIDs {
		r, ok := s.rooms[roomID]
		if !ok {
			continue
		}
		r.unread = 0
		for i := range r.messages {
			m := &r.messages[i]
			if m.SenderID == s.localID || m.Status >= wire.StatusRead {
				continue
			}
			m.Status = wire.StatusRead
			receipts = append(receipts, wire.MustNew(wire.MessageRead, wire.Receipt{
				MessageID: m.ID,
				RoomID:    roomID,
				UserID:    s.localID,
				At:        s.now(),
			}))
		}
	}
	s.mu.Unlock()

	s.publishTotal()
	if s.sender == nil {
		return
	}
	for _, e := range receipts {
		s.sender.Send(e)
	}
}

// Messages returns a copy of the messages of roomID in arrival order.
// Arrival order can differ from timestamp order; see SortByTime.
func (s *Store) Messages(roomID wire.RoomID) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return slices.Clone(r.messages)
}

func (s *Store) Message(id string) (wire.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, i, ok := s.findLocked(id, "")
	if !ok {
		return wire.Message{}, false
	}
	return s.rooms[at].messages[i], true
}

func (s *Store) Unread(roomID wire.RoomID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.unread
	}
	return 0
}

func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked()
}

func (s *Store) totalLocked() int {
	total := 0
	for _, r := range s.rooms {
		total += r.unread
	}
	return total
}

// Rooms returns known rooms in the order they were first seen.
func (s *Store) Rooms() []wire.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// OnUnreadTotal registers f to be called with the new unread total each
// time it changes. f runs without any store lock held and may call back
// into the store. The returned func unregisters it.
func (s *Store) OnUnreadTotal(f func(int)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = f
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publishTotal() {
	s.notifyMu.Lock()
	if s.publishing {
		s.dirty = true
		s.notifyMu.Unlock()
		return
	}
	s.publishing = true
	for {
		s.dirty = false
		total := s.UnreadTotal()
		if total == s.lastTotal || s.closed {
			s.publishing = false
			s.notifyMu.Unlock()
			return
		}
		s.lastTotal = total
		ids := make([]int, 0, len(s.subs))
		for id := range s.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		subs := make([]func(int), len(ids))
		for i, id := range ids {
			subs[i] = s.subs[id]
		}
		s.notifyMu.Unlock()

		for _, f := range subs {
			f(total)
		}

		s.notifyMu.Lock()
		if !s.dirty {
			s.publishing = false
			s.notifyMu.Unlock()
			return
		}
	}
}

// Close stops all typing timers and drops subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	for _, r := range s.rooms {
		for user, ind := range r.typing {
			ind.timer.Stop()
			delete(r.typing, user)
		}
	}
	s.mu.Unlock()

	s.notifyMu.Lock()
	s.closed = true
	clear(s.subs)
	s.notifyMu.Unlock()
}

// SortByTime returns a copy of msgs ordered by creation time, keeping
// arrival order for equal timestamps.
func SortByTime(msgs []wire.Message) []wire.Message {
	out := slices.Clone(msgs)
	slices.SortStableFunc(out, func(a, b wire.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}
