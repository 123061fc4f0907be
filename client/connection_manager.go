package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
)

// Default backoff configuration
const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 60 * time.Second
	BackoffFactor  = 2
)

// SessionFunc consumes one established connection. Returning ends the
// session; the connection is closed afterwards.
type SessionFunc func(ctx context.Context, c *Connection) error

// ConnectionManager keeps a connection to one server alive, reconnecting
// with exponential backoff whenever the handshake fails or the session ends.
type ConnectionManager struct {
	config   *config.Client
	identity *tscrypt.Identity
	logger   zerolog.Logger
	opts     []Option

	backoff  func(attempt int) time.Duration
	attempts atomic.Uint64
	current  atomic.Pointer[Connection]
}

// NewConnectionManager creates a manager. cfg must have defaults applied.
func NewConnectionManager(cfg *config.Client, identity *tscrypt.Identity, logger zerolog.Logger, opts ...Option) *ConnectionManager {
	return &ConnectionManager{
		config:   cfg,
		identity: identity,
		logger:   logger,
		opts:     opts,
		backoff:  CalculateBackoff,
	}
}

// CalculateBackoff calculates the backoff duration for a given attempt number.
// The backoff follows: 5s, 10s, 20s, 40s, 60s (max)
func CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return InitialBackoff
	}

	backoff := InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= BackoffFactor
		if backoff > MaxBackoff {
			return MaxBackoff
		}
	}
	return backoff
}

// Attempts returns how many connections have been started
func (cm *ConnectionManager) Attempts() uint64 {
	return cm.attempts.Load()
}

// Current returns the established connection, nil while reconnecting
func (cm *ConnectionManager) Current() *Connection {
	return cm.current.Load()
}

// Run connects and hands every established connection to session until
// ctx is done. It only returns an error for failures retrying cannot fix.
func (cm *ConnectionManager) Run(ctx context.Context, session SessionFunc) error {
	logger := cm.logger.With().Str("com", "connection-manager").Str("server", cm.config.Address).Logger()
	if cm.identity == nil {
		return tscrypt.ErrNoIdentity
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		cm.attempts.Add(1)
		c := New(cm.config, cm.identity, cm.logger, cm.opts...)
		err := c.Connect(ctx)
		if err == nil {
			attempt = 0
			logger.Info().Str("conn_id", c.ConnID()).Uint16("client_id", c.ClientID()).Msg("connected")
			err = cm.serve(ctx, c, session)
		}
		if ctx.Err() != nil {
			return nil
		}

		backoff := cm.backoff(attempt)
		attempt++
		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("connection lost, scheduling reconnection")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (cm *ConnectionManager) serve(ctx context.Context, c *Connection, session SessionFunc) error {
	cm.current.Store(c)
	defer cm.current.Store(nil)

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	err := session(ctx, c)
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = c.Err()
	}
	if err == nil {
		err = errSessionEnded
	}
	return err
}

var errSessionEnded = errors.New("session ended")
