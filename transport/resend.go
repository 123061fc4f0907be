package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mmx233/tsproto/protocol"
)

// ResendLoop retransmits unacknowledged packets. It sleeps until the
// earliest resend deadline and wakes early when new packets are queued.
func (h *Handler) ResendLoop(ctx context.Context) error {
	timer := time.NewTimer(h.opts.ResendTimeout)
	defer timer.Stop()

	for {
		wait, due, err := h.collectResends(time.Now())
		for _, p := range due {
			if werr := h.writePacket(p); werr != nil {
				if errors.Is(werr, ErrClosed) {
					return nil
				}
				h.logger.Debug().Err(werr).Stringer("packet", p).Msg("resend failed")
				continue
			}
			h.stats.logResend()
			h.logger.Debug().Stringer("packet", p).Msg("packet resent")
		}
		if err != nil {
			h.logger.Warn().Err(err).Msg("giving up on connection")
			return err
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-h.wake:
		case <-timer.C:
		}
	}
}

// collectResends marks due packets as resent and returns them together with
// the time until the next deadline.
func (h *Handler) collectResends(now time.Time) (time.Duration, []*protocol.Packet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	wait := h.opts.ResendTimeout
	if h.opts.IdleTimeout > 0 {
		idle := now.Sub(time.Unix(0, h.lastRecv.Load()))
		if idle > h.opts.IdleTimeout {
			return 0, nil, fmt.Errorf("%w for %s", ErrIdleTimeout, idle.Truncate(time.Millisecond))
		}
		wait = min(wait, h.opts.IdleTimeout-idle)
	}

	var due []*protocol.Packet
	check := func(pp *pendingPacket) error {
		deadline := pp.lastSend.Add(pp.interval)
		if !now.Before(deadline) {
			if h.opts.MaxRetries > 0 && pp.retries >= h.opts.MaxRetries {
				return fmt.Errorf("%w: %s after %d retries in %s",
					ErrRetriesExceeded, pp.packet, pp.retries, now.Sub(pp.firstSend).Truncate(time.Millisecond))
			}
			pp.retries++
			pp.lastSend = now
			pp.interval = h.opts.nextInterval(pp.interval)
			deadline = now.Add(pp.interval)
			due = append(due, pp.packet)
		}
		wait = min(wait, deadline.Sub(now))
		return nil
	}

	for _, pp := range h.pending {
		if err := check(pp); err != nil {
			return 0, due, err
		}
	}
	if h.init1 != nil {
		if err := check(h.init1); err != nil {
			return 0, due, err
		}
	}
	return max(wait, time.Millisecond), due, nil
}

// PingLoop sends a ping every PingInterval once the session is keyed.
func (h *Handler) PingLoop(ctx context.Context) error {
	if h.opts.PingInterval < 0 {
		return nil
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case <-ticker.C:
		}
		if !h.engine.Keyed() {
			continue
		}
		if err := h.Send(protocol.Ping, nil); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			h.logger.Debug().Err(err).Msg("send ping failed")
		}
	}
}
