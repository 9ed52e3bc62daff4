// Package notify aggregates badge counts per notification section.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"sync"

	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/wire"
)

type Section string

const (
	Messages   Section = "messages"
	Promotions Section = "promotions"
	Friends    Section = "friends"
	Reports    Section = "reports"
	Approvals  Section = "approvals"
)

// Sections lists every section in display order.
var Sections = []Section{Messages, Promotions, Friends, Reports, Approvals}

var (
	ErrUnknownSection = errors.New("unknown section")
	// ErrDerivedSection is returned when writing the messages section,
	// which follows the unread total of the conversation store.
	ErrDerivedSection = errors.New("section is derived")
	ErrNegativeAmount = errors.New("negative amount")
)

type Counts map[Section]int

func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// UnreadSource is the conversation store side of the messages section.
type UnreadSource interface {
	UnreadTotal() int
	OnUnreadTotal(func(int)) func()
}

type Aggregator struct {
	mu     sync.Mutex
	counts Counts
	subs   []func(Counts)
	logger *slog.Logger
}

type Option func(*Aggregator)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		counts: make(Counts, len(Sections)),
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, s := range Sections {
		a.counts[s] = 0
	}
	return a
}

func writable(s Section) error {
	if s == Messages {
		return fmt.Errorf("%w: %s", ErrDerivedSection, s)
	}
	for _, known := range Sections {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownSection, s)
}

// update applies f to the count of s, clamping at zero, and notifies
// subscribers when the value changed.
func (a *Aggregator) update(s Section, f func(int) int) {
	a.mu.Lock()
	old := a.counts[s]
	n := max(f(old), 0)
	a.counts[s] = n
	var snap Counts
	var subs []func(Counts)
	if n != old {
		snap = maps.Clone(a.counts)
		subs = append(subs, a.subs...)
	}
	a.mu.Unlock()

	for _, f := range subs {
		f(snap)
	}
}

func (a *Aggregator) SetCount(s Section, n int) error {
	if err := writable(s); err != nil {
		return err
	}
	a.update(s, func(int) int { return n })
	return nil
}

func (a *Aggregator) Increment(s Section) error {
	if err := writable(s); err != nil {
		return err
	}
	a.update(s, func(c int) int { return c + 1 })
	return nil
}

// Decrement lowers the count of s by n, never below zero.
func (a *Aggregator) Decrement(s Section, n int) error {
	if err := writable(s); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("decrement %s by %d: %w", s, n, ErrNegativeAmount)
	}
	a.update(s, func(c int) int { return c - n })
	return nil
}

func (a *Aggregator) Clear(s Section) error {
	return a.SetCount(s, 0)
}

func (a *Aggregator) Count(s Section) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[s]
}

func (a *Aggregator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.counts)
}

func (a *Aggregator) Total() int {
	return a.Counts().Total()
}

// Reset zeroes every section.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	changed := false
	for s, n := range a.counts {
		if n != 0 {
			a.counts[s] = 0
			changed = true
		}
	}
	snap := maps.Clone(a.counts)
	subs := append([]func(Counts){}, a.subs...)
	a.mu.Unlock()

	if changed {
		for _, f := range subs {
			f(snap)
		}
	}
}

// OnChange registers f to receive a snapshot whenever a count changes. f is
// called with no aggregator lock held.
func (a *Aggregator) OnChange(f func(Counts)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, f)
}

// Follow derives the messages section from src. The returned func stops
// following.
func (a *Aggregator) Follow(src UnreadSource) func() {
	stop := src.OnUnreadTotal(func(n int) {
		a.update(Messages, func(int) int { return n })
	})
	a.update(Messages, func(int) int { return src.UnreadTotal() })
	return stop
}

// Bind counts broadcast:new events against the section they name,
// promotions when none is given.
func (a *Aggregator) Bind(d *dispatch.Dispatcher) []dispatch.Subscription {
	return []dispatch.Subscription{
		d.On(wire.BroadcastNew, func(_ context.Context, e wire.Event) error {
			var b wire.Broadcast
			if err := e.Decode(&b); err != nil {
				return err
			}
			s := Section(b.Section)
			if s == "" {
				s = Promotions
			}
			if err := a.Increment(s); err != nil {
				a.logger.Warn(fmt.Sprintf("broadcast %s: %v", b.ID, err))
				return a.Increment(Promotions)
			}
			return nil
		}),
	}
}
