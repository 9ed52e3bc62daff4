package session

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Close code the server uses to reject credentials on an open socket.
	CloseUnauthorized = 4401
)

type Config struct {
	// URL of the socket endpoint, ws:// or wss://.
	URL string `mapstructure:"url" validate:"required,url"`

	BackoffBase   time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap" validate:"gtefield=BackoffBase"`
	BackoffJitter uint64        `mapstructure:"backoff_jitter" validate:"lte=100"`
	// MaxRetries bounds consecutive failed dials. Zero retries forever.
	MaxRetries uint64 `mapstructure:"max_retries"`
	// StableAfter is how long a connection must stay up before a later
	// drop redials from BackoffBase again.
	StableAfter time.Duration `mapstructure:"stable_after" validate:"gt=0"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" validate:"gt=0"`
	WriteWait        time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	PongWait         time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	PingPeriod       time.Duration `mapstructure:"ping_period" validate:"gt=0,ltfield=PongWait"`
	SendBuffer       int           `mapstructure:"send_buffer" validate:"gt=0"`
	MaxFrameBytes    int64         `mapstructure:"max_frame_bytes" validate:"gt=0"`
}

var DefaultConfig = Config{
	BackoffBase:      500 * time.Millisecond,
	BackoffCap:       30 * time.Second,
	BackoffJitter:    20,
	StableAfter:      10 * time.Second,
	HandshakeTimeout: 10 * time.Second,
	WriteWait:        writeWait,
	PongWait:         pongWait,
	PingPeriod:       pingPeriod,
	SendBuffer:       64,
	MaxFrameBytes:    1 << 20,
}

// redialBackoff builds a fresh unbounded delay sequence: exponential from
// BackoffBase with jitter, never above BackoffCap.
func (c Config) redialBackoff() retry.Backoff {
	b := retry.NewExponential(c.BackoffBase)
	if c.BackoffJitter > 0 {
		b = retry.WithJitterPercent(c.BackoffJitter, b)
	}
	return retry.WithCappedDuration(c.BackoffCap, b)
}

// backoff is redialBackoff bounded by MaxRetries.
func (c Config) backoff() retry.Backoff {
	b := c.redialBackoff()
	if c.MaxRetries > 0 {
		b = retry.WithMaxRetries(c.MaxRetries, b)
	}
	return b
}
