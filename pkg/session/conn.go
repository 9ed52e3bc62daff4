package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/realtime/pkg/wire"
)

// serve attaches conn to generation gen and pumps frames until the
// connection fails or the generation is superseded.
func (s *Session) serve(ctx context.Context, gen uint64, conn *websocket.Conn, logger *slog.Logger) error {
	out := make(chan wire.Event, s.cfg.SendBuffer)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return errSuperseded
	}
	s.conn = conn
	s.out = out
	s.mu.Unlock()

	if !s.transition(gen, Connected, nil, false) {
		conn.Close()
		return errSuperseded
	}
	logger.Info("connected")

	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		s.writeLoop(ctx, conn, out, stop, logger)
	}()

	err := s.readLoop(gen, conn, logger)

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.out = nil
	}
	s.mu.Unlock()
	close(stop)
	conn.Close()
	<-writeDone
	return err
}

func (s *Session) readLoop(gen uint64, conn *websocket.Conn, logger *slog.Logger) error {
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	conn.SetReadDeadline(deadline(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(deadline(s.cfg.PongWait))
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(deadline(s.cfg.PongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), deadline(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		format, r, err := conn.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == CloseUnauthorized || ce.Code == websocket.ClosePolicyViolation) {
				return fmt.Errorf("%w: close %d %s", ErrUnauthorized, ce.Code, ce.Text)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info(fmt.Sprintf("expected close: %v", err))
				return err
			}
			return fmt.Errorf("next reader: %w", err)
		}
		conn.SetReadDeadline(deadline(s.cfg.PongWait))

		if format != websocket.TextMessage {
			logger.Warn(fmt.Sprintf("unexpected frame format: %v", format))
			s.metrics.Malformed.Inc()
			continue
		}

		e, err := wire.Decode(r)
		if err != nil {
			logger.Warn(fmt.Sprintf("dropping frame: %v", err))
			s.metrics.Malformed.Inc()
			continue
		}
		if !s.deliver(gen, e) {
			return errSuperseded
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan wire.Event, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case e := <-out:
			conn.SetWriteDeadline(deadline(s.cfg.WriteWait))
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				logger.Error(fmt.Sprintf("next writer: %v", err))
				conn.Close()
				return
			}
			if err := wire.Encode(w, e); err != nil {
				logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				logger.Error(fmt.Sprintf("flush frame: %v", err))
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(deadline(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Error(fmt.Sprintf("writing ping: %v", err))
				conn.Close()
				return
			}
		}
	}
}

func deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

// sleep waits for d and reports false if ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
