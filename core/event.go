package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/putto11262002/realtime/pkg/wire"
)

type EventTransport interface {
	Send(e wire.Event)
	SendToUsers(e wire.Event, usernames ...string)
	SendToConn(e wire.Event, username string, id int)
	Receive() <-chan Envelope
}

type EventHandler func(context.Context, Envelope) error

// EventRouter routes socket events to handlers by kind. Events are
// handled one at a time in arrival order.
type EventRouter struct {
	listeners map[wire.Kind]EventHandler
	transport EventTransport
	logger    *slog.Logger
}

func NewEventRouter(transport EventTransport, logger *slog.Logger) *EventRouter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	return &EventRouter{
		listeners: make(map[wire.Kind]EventHandler),
		transport: transport,
		logger:    logger,
	}
}

// On registers handler for kind, replacing any previous one. It must be
// called before Listen.
func (er *EventRouter) On(kind wire.Kind, handler EventHandler) {
	er.listeners[kind] = handler
}

// Listen dispatches received events until ctx is done.
func (er *EventRouter) Listen(ctx context.Context) {
	for {
		select {
		case env := <-er.transport.Receive():
			handler, ok := er.listeners[env.Event.Kind]
			if !ok {
				er.logger.Debug(fmt.Sprintf("no handler for %s from %s", env.Event.Kind, env.From))
				continue
			}
			if err := handler(ctx, env); err != nil {
				er.logger.Error(fmt.Sprintf("%s handler: %s", env.Event.Kind, err),
					slog.String("from", env.From))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (er *EventRouter) Emit(kind wire.Kind, payload any) error {
	e, err := wire.New(kind, payload)
	if err != nil {
		return err
	}
	er.transport.Send(e)
	return nil
}

func (er *EventRouter) EmitTo(kind wire.Kind, payload any, usernames ...string) error {
	e, err := wire.New(kind, payload)
	if err != nil {
		return err
	}
	er.transport.SendToUsers(e, usernames...)
	return nil
}

func (er *EventRouter) EmitToConn(kind wire.Kind, payload any, username string, id int) error {
	e, err := wire.New(kind, payload)
	if err != nil {
		return err
	}
	er.transport.SendToConn(e, username, id)
	return nil
}
