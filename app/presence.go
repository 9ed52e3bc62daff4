package app

import (
	"context"
	"fmt"

	"github.com/putto11262002/realtime/pkg/wire"
)

// onUserConnect runs when a user opens their first socket: peers learn the
// user is online and messages waiting for the user become delivered.
func (app *App) onUserConnect(username string) {
	ctx := app.callbackContext()
	peers, err := app.messageStore.Peers(ctx, username)
	if err != nil {
		app.logger.Error(fmt.Sprintf("Peers %s: %v", username, err))
		return
	}
	app.eventRouter.EmitTo(wire.UserOnline, wire.Presence{UserID: username, LastSeen: app.now().UTC()}, peers...)

	delivered, err := app.messageStore.MarkDelivered(ctx, username)
	if err != nil {
		app.logger.Error(fmt.Sprintf("MarkDelivered %s: %v", username, err))
		return
	}
	for _, m := range delivered {
		if err := app.emitReceipt(wire.MessageDelivered, m, username); err != nil {
			app.logger.Error(err.Error())
		}
	}
}

// onConnectionOpen tells a new socket which of the user's peers are online.
func (app *App) onConnectionOpen(username string, id int) {
	peers, err := app.messageStore.Peers(app.callbackContext(), username)
	if err != nil {
		app.logger.Error(fmt.Sprintf("Peers %s: %v", username, err))
		return
	}
	for _, peer := range peers {
		if app.wsManager.IsUserConnected(peer) {
			app.eventRouter.EmitToConn(wire.UserOnline, wire.Presence{UserID: peer}, username, id)
		}
	}
}

func (app *App) onUserDisconnect(username string) {
	now := app.now().UTC()
	app.lastSeen.Store(username, now)

	peers, err := app.messageStore.Peers(app.callbackContext(), username)
	if err != nil {
		app.logger.Error(fmt.Sprintf("Peers %s: %v", username, err))
		return
	}
	app.eventRouter.EmitTo(wire.UserOffline, wire.Presence{UserID: username, LastSeen: now}, peers...)
}

// callbackContext outlives shutdown so sockets closed by it still notify
// their peers.
func (app *App) callbackContext() context.Context {
	return context.WithoutCancel(app.context)
}
