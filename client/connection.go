package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/transport"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
)

var (
	ErrConnectFailed = errors.New("connect failed")
	ErrNotConnected  = errors.New("not connected")

	errConnectionUsed = errors.New("connection already used")
)

const packetQueueSize = 256

// Payload is a packet delivered after the handshake completed
type Payload struct {
	Type protocol.PacketType
	ID   uint16
	Data []byte
}

// Option configures a Connection
type Option func(*Connection)

// WithEngineOptions passes options to the crypto engine of every Connect.
func WithEngineOptions(opts ...tscrypt.Option) Option {
	return func(c *Connection) {
		c.engineOpts = append(c.engineOpts, opts...)
	}
}

// Connection is a single client session with a voice server. It is not
// reusable: create a new Connection to reconnect.
type Connection struct {
	config     *config.Client
	identity   *tscrypt.Identity
	version    tscrypt.VersionSign
	engineOpts []tscrypt.Option
	connID     string
	logger     zerolog.Logger

	state    atomic.Int32
	clientID atomic.Uint32
	packets  chan Payload

	connected     chan struct{}
	connectedOnce sync.Once
	failed        chan error

	mu      sync.Mutex
	handler *transport.Handler
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// New creates a disconnected client connection. cfg must have defaults applied.
func New(cfg *config.Client, identity *tscrypt.Identity, logger zerolog.Logger, opts ...Option) *Connection {
	connID := config.GenerateConnID()
	c := &Connection{
		config:   cfg,
		identity: identity,
		version:  cfg.VersionSign(),
		connID:   connID,
		logger: logger.With().
			Str("com", "client").
			Str("conn_id", connID).
			Str("addr", cfg.Address).
			Logger(),
		packets:   make(chan Payload, packetQueueSize),
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) ConnID() string { return c.connID }

// State returns the current handshake state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	old := ConnectionState(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug().Stringer("from", old).Stringer("to", s).Msg("state changed")
	}
}

// Connect dials the server and performs the handshake up to sending
// clientinit. It returns ErrConnectFailed wrapping the cause on any failure.
func (c *Connection) Connect(ctx context.Context) error {
	if err := c.start(); err != nil {
		if !errors.Is(err, errConnectionUsed) {
			c.Close()
		}
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	timeout := time.NewTimer(c.config.HandshakeTimeout)
	defer timeout.Stop()

	select {
	case <-c.connected:
		c.logger.Info().Str("uid", c.identity.UID()).Msg("connected to server")
		return nil
	case err := <-c.failed:
		c.Close()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	case <-timeout.C:
		c.Close()
		return fmt.Errorf("%w: handshake timed out after %s in state %s", ErrConnectFailed, c.config.HandshakeTimeout, c.State())
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("%w: %w", ErrConnectFailed, ctx.Err())
	}
}

func (c *Connection) start() error {
	if c.identity == nil {
		return tscrypt.ErrNoIdentity
	}

	c.mu.Lock()
	if c.handler != nil || c.State() == StateClosed {
		c.mu.Unlock()
		return errConnectionUsed
	}
	h, data, err := c.newHandler()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.handler = h
	c.cancel = cancel
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	go c.run(runCtx, h)
	c.setState(StateInit1)
	return h.Send(protocol.Init1, data)
}

// newHandler opens the socket and prepares the first Init1 payload
func (c *Connection) newHandler() (*transport.Handler, []byte, error) {
	raddr, err := net.ResolveUDPAddr("udp", c.config.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", c.config.Address, err)
	}
	network := "udp6"
	if raddr.IP == nil || raddr.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp: %w", err)
	}
	c.logger.Info().Str("local", conn.LocalAddr().String()).Msg("connecting to server")

	engine := tscrypt.NewEngine(tscrypt.RoleClient, c.identity, c.engineOpts...)
	h := transport.New(conn, raddr, engine, c.config.Reliability.TransportOptions(protocol.ClientToServer), c.logger)
	h.SetDispatcher(transport.DispatcherFunc(c.handlePacket))

	// the first command id belongs to the handshake
	h.IncPacketCounter(protocol.Command)
	data, err := engine.ProcessInit1(nil)
	if err != nil {
		_ = h.Close()
		return nil, nil, err
	}
	return h, data, nil
}

func (c *Connection) run(ctx context.Context, h *transport.Handler) {
	err := h.Run(ctx)

	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Msg("connection lost")
		c.fail(err)
	} else {
		c.fail(transport.ErrClosed)
	}
	if c.State() != StateClosed {
		c.setState(StateDisconnected)
	}
	// no dispatch happens after Run returns
	close(c.packets)
	close(c.runDone)
}

// fail reports a terminal handshake error to Connect
func (c *Connection) fail(err error) {
	select {
	case c.failed <- err:
	default:
	}
}

func (c *Connection) handlePacket(p *protocol.Packet) {
	switch p.Type {
	case protocol.Init1:
		c.handleInit1(p.Data)
	case protocol.Command:
		if c.State() == StateAwaitIvExpand {
			c.handleIVExpand(p.Data)
			return
		}
		c.handleInitServer(p.Data)
		c.deliver(p)
	default:
		c.deliver(p)
	}
}

func (c *Connection) handleInit1(data []byte) {
	state := c.State()
	if len(data) == 0 || !state.handshaking() {
		c.logger.Debug().Stringer("state", state).Msg("drop init1 outside handshake")
		return
	}

	var next ConnectionState
	switch {
	case data[0] == tscrypt.Init1StepCookie && (state == StateInit1 || state == StatePuzzle):
		next = StatePuzzle
	case data[0] == tscrypt.Init1StepPuzzle && (state == StatePuzzle || state == StateAwaitIvExpand):
		next = StateAwaitIvExpand
	case data[0] == tscrypt.Init1StepRestart:
		next = StateInit1
	default:
		c.logger.Debug().Uint8("step", data[0]).Stringer("state", state).Msg("drop unexpected init1 step")
		return
	}

	h := c.currentHandler()
	reply, err := h.Engine().ProcessInit1(data)
	if err != nil {
		c.logger.Warn().Err(err).Stringer("state", state).Msg("init1 handshake failed")
		c.fail(err)
		return
	}
	c.setState(next)
	if err := h.Send(protocol.Init1, reply); err != nil {
		c.fail(err)
	}
}

func (c *Connection) handleIVExpand(data []byte) {
	cmd, err := protocol.ParseCommand(string(data))
	if err != nil || cmd.Name != protocol.CmdInitIVExpand {
		c.logger.Debug().Err(err).Msg("drop command while waiting for initivexpand")
		return
	}

	h := c.currentHandler()
	if err := h.Engine().ExpandIV(cmd); err != nil {
		c.fail(fmt.Errorf("expand iv: %w", err))
		return
	}
	h.ClearInit1()

	line := ClientInit(c.config, c.identity, c.version)
	if err := h.Send(protocol.Command, line.Bytes()); err != nil {
		c.fail(fmt.Errorf("send clientinit: %w", err))
		return
	}
	c.setState(StateConnected)
	c.connectedOnce.Do(func() { close(c.connected) })
}

// handleInitServer picks up the client id the server assigned
func (c *Connection) handleInitServer(data []byte) {
	if !bytes.HasPrefix(data, []byte(protocol.CmdInitServer+" ")) {
		return
	}
	cmd, err := protocol.ParseCommand(string(data))
	if err != nil {
		return
	}
	aclid, _ := cmd.Get("aclid")
	id, err := strconv.ParseUint(aclid, 10, 16)
	if err != nil {
		c.logger.Debug().Str("aclid", aclid).Msg("initserver without client id")
		return
	}
	c.currentHandler().SetClientID(uint16(id))
	c.clientID.Store(uint32(id))
	c.logger.Info().Uint64("client_id", id).Msg("server assigned client id")
}

// ClientID returns the id assigned by initserver, 0 before that
func (c *Connection) ClientID() uint16 {
	return uint16(c.clientID.Load())
}

func (c *Connection) deliver(p *protocol.Packet) {
	if c.State() != StateConnected {
		c.logger.Debug().Stringer("packet", p).Msg("drop packet before handshake completed")
		return
	}
	h := c.currentHandler()
	select {
	case c.packets <- Payload{Type: p.Type, ID: p.ID, Data: p.Data}:
	case <-h.Done():
	}
}

func (c *Connection) currentHandler() *transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// Packets returns the payloads received after the handshake. The channel is
// closed when the connection ends. Not draining it stalls the receive loop.
func (c *Connection) Packets() <-chan Payload {
	return c.packets
}

// Send transmits data once the connection is established
func (c *Connection) Send(t protocol.PacketType, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	h := c.currentHandler()
	if h == nil {
		return ErrNotConnected
	}
	return h.Send(t, data)
}

// Stats returns the traffic counters of the current session
func (c *Connection) Stats() transport.Stats {
	h := c.currentHandler()
	if h == nil {
		return transport.Stats{}
	}
	return h.Stats()
}

// Engine returns the crypto engine of the current session, nil before Connect
func (c *Connection) Engine() *tscrypt.Engine {
	h := c.currentHandler()
	if h == nil {
		return nil
	}
	return h.Engine()
}

// Done is closed once the connection has ended for any reason
func (c *Connection) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runDone == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return c.runDone
}

// Err returns the error that ended the connection, nil after a clean Close
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

// Close ends the session and waits for its loops to exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	h, cancel, done := c.handler, c.cancel, c.runDone
	c.mu.Unlock()

	c.setState(StateClosed)
	if h == nil {
		return nil
	}
	cancel()
	err := h.Close()
	<-done
	c.logger.Info().Msg("connection closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
