package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/putto11262002/realtime/core"
	"github.com/putto11262002/realtime/pkg/router"
	"github.com/putto11262002/realtime/pkg/wire"
)

var errGroupRoom = errors.New("named rooms are not relayed")

// directPeer returns the counterparty of a direct room.
func directPeer(room wire.RoomID) (string, error) {
	peer, ok := room.Peer()
	if !ok {
		return "", fmt.Errorf("%w: %s", errGroupRoom, room)
	}
	return peer, nil
}

// MessageEventHandler fans a persisted message out to both parties and,
// when the recipient is online, marks it delivered. The sender must be the
// author; the payload is only used to find the stored copy.
func (app *App) MessageEventHandler(ctx context.Context, env core.Envelope) error {
	var in wire.Message
	if err := env.Event.Decode(&in); err != nil {
		return err
	}
	m, err := app.messageStore.GetMessage(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("GetMessage %s: %w", in.ID, err)
	}
	if m.SenderID != env.From {
		return fmt.Errorf("%w: %s echoed %s", core.ErrNotParticipant, env.From, m.ID)
	}
	if sender, err := app.userStore.GetUserByUsername(ctx, m.SenderID); err == nil && sender != nil {
		m.SenderName = sender.Name
	}

	if err := app.eventRouter.EmitTo(wire.MessageNew, m, m.RecipientID, m.SenderID); err != nil {
		return err
	}
	if !app.wsManager.IsUserConnected(m.RecipientID) {
		return nil
	}
	changed, err := app.messageStore.AdvanceStatus(ctx, m.ID, wire.StatusDelivered)
	if err != nil {
		return fmt.Errorf("AdvanceStatus: %w", err)
	}
	if changed {
		return app.emitReceipt(wire.MessageDelivered, *m, m.RecipientID)
	}
	return nil
}

// emitReceipt tells the author of m that by advanced it. The room id is
// the direct room as seen by the author.
func (app *App) emitReceipt(kind wire.Kind, m wire.Message, by string) error {
	return app.eventRouter.EmitTo(kind, wire.Receipt{
		MessageID: m.ID,
		RoomID:    wire.Direct(by),
		UserID:    by,
		At:        app.now(),
	}, m.SenderID)
}

// ReceiptHandler advances a message the sending socket received and tells
// the author when the stored status actually changed.
func (app *App) ReceiptHandler(status wire.Status) core.EventHandler {
	return func(ctx context.Context, env core.Envelope) error {
		var r wire.Receipt
		if err := env.Event.Decode(&r); err != nil {
			return err
		}
		m, err := app.messageStore.GetMessage(ctx, r.MessageID)
		if err != nil {
			return fmt.Errorf("GetMessage %s: %w", r.MessageID, err)
		}
		if m.RecipientID != env.From {
			return fmt.Errorf("%w: %s acked %s", core.ErrNotParticipant, env.From, m.ID)
		}
		changed, err := app.messageStore.AdvanceStatus(ctx, m.ID, status)
		if err != nil {
			return fmt.Errorf("AdvanceStatus: %w", err)
		}
		if !changed {
			return nil
		}
		return app.emitReceipt(env.Event.Kind, *m, env.From)
	}
}

// TypingHandler forwards typing:start and typing:stop to the peer with the
// room id rewritten to the peer's view.
func (app *App) TypingHandler(ctx context.Context, env core.Envelope) error {
	var t wire.Typing
	if err := env.Event.Decode(&t); err != nil {
		return err
	}
	peer, err := directPeer(t.RoomID)
	if err != nil {
		return err
	}
	return app.eventRouter.EmitTo(env.Event.Kind, wire.Typing{
		RoomID: wire.Direct(env.From),
		UserID: env.From,
	}, peer)
}

// PresenceQueryHandler answers the asking socket with the status of each
// requested user.
func (app *App) PresenceQueryHandler(ctx context.Context, env core.Envelope) error {
	var q wire.Query
	if err := env.Event.Decode(&q); err != nil {
		return err
	}
	report := wire.StatusReport{Users: make([]wire.PresenceEntry, 0, len(q.UserIDs))}
	for _, id := range q.UserIDs {
		lastSeen, _ := app.lastSeen.Load(id)
		report.Users = append(report.Users, wire.PresenceEntry{
			UserID:   id,
			Online:   app.wsManager.IsUserConnected(id),
			LastSeen: lastSeen,
		})
	}
	return app.eventRouter.EmitToConn(wire.PresenceStatus, report, env.From, env.Conn)
}

type BroadcastPayload struct {
	Section string `json:"section" validate:"omitempty,oneof=promotions friends reports approvals"`
	Title   string `json:"title" validate:"required,max=256"`
	Body    string `json:"body" validate:"max=4096"`
}

// BroadcastHandler pushes a broadcast:new event to every connected socket.
func (app *App) BroadcastHandler(w http.ResponseWriter, r *http.Request) error {
	var payload BroadcastPayload
	if err := bind(r, &payload); err != nil {
		return err
	}
	b := wire.Broadcast{
		ID:        uuid.NewString(),
		Section:   payload.Section,
		Title:     payload.Title,
		Body:      payload.Body,
		CreatedAt: app.now().UTC(),
	}
	if err := app.eventRouter.Emit(wire.BroadcastNew, b); err != nil {
		return err
	}
	return router.JSON(w, http.StatusAccepted, b)
}
