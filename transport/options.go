package transport

import (
	"time"

	"github.com/Mmx233/tsproto/protocol"
)

const (
	DefaultResendTimeout       = time.Second
	DefaultPingInterval        = time.Second
	DefaultReceiveWindow       = 128
	DefaultMaxDecompressedSize = 1024 * 1024
)

// Options configures a Handler. Zero values select the defaults.
type Options struct {
	// Direction of outgoing packets; a client sends ClientToServer.
	Direction protocol.Direction

	ResendTimeout time.Duration
	// MaxRetries caps resends per packet, 0 resends forever.
	MaxRetries int
	// Backoff multiplies the resend interval after each attempt. Values
	// below 1 keep the interval fixed.
	Backoff float64
	// MaxResendInterval caps the backed-off interval, 0 means no cap.
	MaxResendInterval time.Duration

	// PingInterval is used by PingLoop; a negative value disables pings.
	PingInterval time.Duration
	// IdleTimeout ends Run when nothing was received for this long, 0 disables it.
	IdleTimeout time.Duration

	ReceiveWindow       int
	MaxDecompressedSize int
}

func (o *Options) applyDefaults() {
	if o.ResendTimeout <= 0 {
		o.ResendTimeout = DefaultResendTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff < 1 {
		o.Backoff = 1
	}
	if o.PingInterval == 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReceiveWindow <= 0 || o.ReceiveWindow >= idSpace {
		o.ReceiveWindow = DefaultReceiveWindow
	}
	if o.MaxDecompressedSize <= 0 {
		o.MaxDecompressedSize = DefaultMaxDecompressedSize
	}
}

// nextInterval returns the resend interval after one more attempt
func (o *Options) nextInterval(current time.Duration) time.Duration {
	if o.Backoff <= 1 {
		return current
	}
	next := time.Duration(float64(current) * o.Backoff)
	if o.MaxResendInterval > 0 && next > o.MaxResendInterval {
		next = o.MaxResendInterval
	}
	return next
}
