package conversation

import (
	"context"

	"github.com/putto11262002/realtime/pkg/dispatch"
	"github.com/putto11262002/realtime/pkg/wire"
)

// Bind registers the store's handlers for message and typing events.
func (s *Store) Bind(d *dispatch.Dispatcher) []dispatch.Subscription {
	return []dispatch.Subscription{
		d.On(wire.MessageNew, func(_ context.Context, e wire.Event) error {
			var m wire.Message
			if err := e.Decode(&m); err != nil {
				return err
			}
			s.ApplyNew(m)
			return nil
		}),
		d.On(wire.MessageUpdated, func(_ context.Context, e wire.Event) error {
			var m wire.Message
			if err := e.Decode(&m); err != nil {
				return err
			}
			s.ApplyUpdate(m)
			return nil
		}),
		d.On(wire.MessageDeleted, func(_ context.Context, e wire.Event) error {
			var ref wire.MessageRef
			if err := e.Decode(&ref); err != nil {
				return err
			}
			s.ApplyDelete(ref.ID)
			return nil
		}),
		d.On(wire.MessageDelivered, s.receiptHandler(wire.StatusDelivered)),
		d.On(wire.MessageRead, s.receiptHandler(wire.StatusRead)),
		d.On(wire.TypingStart, func(_ context.Context, e wire.Event) error {
			var ty wire.Typing
			if err := e.Decode(&ty); err != nil {
				return err
			}
			s.SetTyping(ty.RoomID, ty.UserID)
			return nil
		}),
		d.On(wire.TypingStop, func(_ context.Context, e wire.Event) error {
			var ty wire.Typing
			if err := e.Decode(&ty); err != nil {
				return err
			}
			s.ClearTyping(ty.RoomID, ty.UserID)
			return nil
		}),
	}
}

func (s *Store) receiptHandler(status wire.Status) dispatch.Handler {
	return func(_ context.Context, e wire.Event) error {
		var r wire.Receipt
		if err := e.Decode(&r); err != nil {
			return err
		}
		s.ApplyDeliveryStatus(r.MessageID, status)
		return nil
	}
}
