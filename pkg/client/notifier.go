package client

import (
	"log/slog"
)

// LogNotifier renders desktop notifications as log records. Sound follows
// the sound preference at the time of each notification.
type LogNotifier struct {
	logger *slog.Logger
	sound  func() bool
}

func NewLogNotifier(logger *slog.Logger, sound func() bool) *LogNotifier {
	if sound == nil {
		sound = func() bool { return true }
	}
	return &LogNotifier{logger: logger, sound: sound}
}

func (n *LogNotifier) Notify(title, body string) error {
	n.logger.Info("notification",
		slog.String("title", title),
		slog.String("body", body),
		slog.Bool("sound", n.sound()))
	return nil
}
