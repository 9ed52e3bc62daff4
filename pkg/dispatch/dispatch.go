// Package dispatch fans validated wire events out to registered handlers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/putto11262002/realtime/pkg/wire"
)

type Handler func(context.Context, wire.Event) error

type entry struct {
	id      uint64
	handler Handler
	removed atomic.Bool
}

// Subscription identifies one registered handler.
type Subscription struct {
	d    *Dispatcher
	kind wire.Kind
	id   uint64
}

// Cancel removes the handler. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.d != nil {
		s.d.Off(s)
	}
}

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.Kind][]*entry
	nextID   uint64
	ctx      context.Context
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func New(ctx context.Context, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[wire.Kind][]*entry),
		ctx:      ctx,
		logger:   slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// On registers handler for kind. Handlers of the same kind run in
// registration order.
func (d *Dispatcher) On(kind wire.Kind, handler Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.handlers[kind] = append(d.handlers[kind], &entry{id: d.nextID, handler: handler})
	return Subscription{d: d, kind: kind, id: d.nextID}
}

func (d *Dispatcher) Off(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[sub.kind]
	for i, e := range entries {
		if e.id != sub.id {
			continue
		}
		e.removed.Store(true)
		next := make([]*entry, 0, len(entries)-1)
		next = append(next, entries[:i]...)
		next = append(next, entries[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, sub.kind)
		} else {
			d.handlers[sub.kind] = next
		}
		return
	}
}

// Handlers returns the number of handlers registered for kind.
func (d *Dispatcher) Handlers(kind wire.Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Emit delivers e to the handlers registered for e.Kind at the time of the
// call. A handler removed while the emission is in progress is skipped.
func (d *Dispatcher) Emit(e wire.Event) {
	d.mu.RLock()
	entries := d.handlers[e.Kind]
	d.mu.RUnlock()

	if len(entries) == 0 {
		d.logger.Debug("no handler", "kind", e.Kind)
		return
	}
	for _, en := range entries {
		if en.removed.Load() {
			continue
		}
		if err := d.call(en.handler, e); err != nil {
			d.logger.Error(fmt.Sprintf("%s handler: %s", e.Kind, err))
		}
	}
}

func (d *Dispatcher) call(h Handler, e wire.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(d.ctx, e)
}
