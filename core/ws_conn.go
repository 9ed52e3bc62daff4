package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/realtime/pkg/wire"
)

// CloseUnauthorized is sent when a socket's token expires.
const CloseUnauthorized = 4401

// Envelope is an event read from a user's socket.
type Envelope struct {
	From  string
	Conn  int
	Event wire.Event
}

type Conn struct {
	conn             *websocket.Conn
	context          context.Context
	username         string
	id               int
	expiresAt        time.Time
	writeStream      chan wire.Event
	readStream       chan<- Envelope
	notifyDisconnect func()
	logger           *slog.Logger
	metrics          *Metrics
}

func (c *Conn) close() {
	close(c.writeStream)
}

func (c *Conn) readLoop() {
	c.logger.Debug("read loop started")
	defer func() {
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Warn(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.metrics.Malformed.Inc()
			c.logger.Warn(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		e, err := wire.Decode(r)
		if err != nil {
			c.metrics.Malformed.Inc()
			c.logger.Warn(err.Error())
			continue
		}
		c.metrics.EventsIn.WithLabelValues(string(e.Kind)).Inc()

		select {
		case c.readStream <- Envelope{From: c.username, Conn: c.id, Event: e}:
		case <-c.context.Done():
			return
		}
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	var expired <-chan time.Time
	if !c.expiresAt.IsZero() {
		expiry := time.NewTimer(time.Until(c.expiresAt))
		defer expiry.Stop()
		expired = expiry.C
	}
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	closeWith := func(code int, text string) {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	}

	for {
		select {
		case e, ok := <-c.writeStream:
			if !ok {
				closeWith(websocket.CloseNormalClosure, "")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug(fmt.Sprintf("NextWriter: %v", err))
				return
			}
			if err := wire.Encode(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Debug(fmt.Sprintf("flush: %v", err))
				return
			}
		case <-expired:
			c.logger.Info("token expired")
			closeWith(CloseUnauthorized, "token expired")
			return
		case <-c.context.Done():
			closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				}
				return
			}
		}
	}
}
