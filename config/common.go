package config

import (
	"fmt"
	"time"

	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/transport"
)

const (
	EnvPrefix = "TSPROTO_"
)

// Reliability tunes retransmission and keepalive of a connection
type Reliability struct {
	ResendTimeout     time.Duration `yaml:"resend_timeout"`      // default 1s
	MaxRetries        int           `yaml:"max_retries"`         // 0 retries forever
	Backoff           float64       `yaml:"backoff"`             // interval multiplier per retry, default 1
	MaxResendInterval time.Duration `yaml:"max_resend_interval"` // backoff cap, 0 for none
	PingInterval      time.Duration `yaml:"ping_interval"`       // default 1s, negative disables
	IdleTimeout       time.Duration `yaml:"idle_timeout"`        // default 20s, negative disables
	ReceiveWindow     int           `yaml:"receive_window"`      // default 128
}

func (r *Reliability) ApplyDefaults() {
	if r.ResendTimeout == 0 {
		r.ResendTimeout = DefaultResendTimeout
	}
	if r.Backoff == 0 {
		r.Backoff = DefaultBackoff
	}
	if r.PingInterval == 0 {
		r.PingInterval = DefaultPingInterval
	}
	if r.IdleTimeout == 0 {
		r.IdleTimeout = DefaultIdleTimeout
	}
	if r.ReceiveWindow == 0 {
		r.ReceiveWindow = DefaultReceiveWindow
	}
}

func (r *Reliability) Validate() error {
	if r.ResendTimeout < 0 {
		return fmt.Errorf("resend_timeout must not be negative, got %s", r.ResendTimeout)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", r.MaxRetries)
	}
	if r.Backoff < 1 {
		return fmt.Errorf("backoff must be at least 1, got %g", r.Backoff)
	}
	if r.MaxResendInterval < 0 {
		return fmt.Errorf("max_resend_interval must not be negative, got %s", r.MaxResendInterval)
	}
	if r.ReceiveWindow < 1 || r.ReceiveWindow >= 1<<15 {
		return fmt.Errorf("receive_window must be between 1 and %d, got %d", 1<<15-1, r.ReceiveWindow)
	}
	return nil
}

// TransportOptions converts the block into handler options for one side.
func (r Reliability) TransportOptions(dir protocol.Direction) transport.Options {
	opts := transport.Options{
		Direction:         dir,
		ResendTimeout:     r.ResendTimeout,
		MaxRetries:        r.MaxRetries,
		Backoff:           r.Backoff,
		MaxResendInterval: r.MaxResendInterval,
		PingInterval:      r.PingInterval,
		ReceiveWindow:     r.ReceiveWindow,
	}
	if r.IdleTimeout > 0 {
		opts.IdleTimeout = r.IdleTimeout
	}
	return opts
}
