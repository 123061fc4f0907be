package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/transport"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
)

var ErrAlreadyServing = errors.New("server already serving")

const commandQueueSize = 256

// Option configures a Server
type Option func(*Server)

// WithEngineOptions passes options to the crypto engine.
func WithEngineOptions(opts ...tscrypt.Option) Option {
	return func(s *Server) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// Server is a single peer handshake server. It answers the low level
// handshake, keys the session and hands the client's commands to Commands.
type Server struct {
	config     *config.Server
	identity   *tscrypt.Identity
	engineOpts []tscrypt.Option
	logger     zerolog.Logger

	commands chan *protocol.TextCommand

	mu       sync.Mutex
	handler  *transport.Handler
	engine   *tscrypt.Engine
	expanded bool
	clientID uint16
}

// New creates a server. cfg must have defaults applied.
func New(cfg *config.Server, identity *tscrypt.Identity, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		identity: identity,
		logger:   logger.With().Str("com", "server").Logger(),
		commands: make(chan *protocol.TextCommand, commandQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen opens the configured UDP address and serves it until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: setSocketOptions}
	conn, err := lc.ListenPacket(ctx, "udp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen UDP: %w", err)
	}
	return s.Serve(ctx, conn)
}

// Serve runs the handshake server on conn until ctx is done or the session
// fails. It takes ownership of conn and may only be called once.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	if s.identity == nil {
		_ = conn.Close()
		return tscrypt.ErrNoIdentity
	}

	s.mu.Lock()
	if s.handler != nil {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrAlreadyServing
	}
	engine := tscrypt.NewEngine(tscrypt.RoleServer, s.identity, s.engineOpts...)
	engine.SetPuzzleLevel(s.config.PuzzleLevel)

	opts := s.config.Reliability.TransportOptions(protocol.ServerToClient)
	// waiting for the first peer is not idling
	opts.IdleTimeout = 0
	h := transport.New(conn, nil, engine, opts, s.logger)
	h.SetDispatcher(transport.DispatcherFunc(s.handlePacket))
	s.handler, s.engine = h, engine
	s.mu.Unlock()

	s.logger.Info().
		Str("listen", conn.LocalAddr().String()).
		Str("uid", s.identity.UID()).
		Int("puzzle_level", s.config.PuzzleLevel).
		Msg("server started")

	err := h.Run(ctx)
	// no dispatch happens after Run returns
	close(s.commands)
	s.logger.Info().Err(err).Msg("server stopped")
	return err
}

// Commands returns the commands received from the client after keying.
// The channel is closed when Serve returns.
func (s *Server) Commands() <-chan *protocol.TextCommand {
	return s.commands
}

// Engine returns the crypto engine of the running session, nil before Serve
func (s *Server) Engine() *tscrypt.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Stats returns the traffic counters of the running session
func (s *Server) Stats() transport.Stats {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return transport.Stats{}
	}
	return h.Stats()
}

// Send transmits data to the connected peer
func (s *Server) Send(t protocol.PacketType, data []byte) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return transport.ErrNoRemote
	}
	return h.Send(t, data)
}

func (s *Server) handlePacket(p *protocol.Packet) {
	switch p.Type {
	case protocol.Init1:
		s.handleInit1(p.Data)
	case protocol.Command, protocol.CommandLow:
		s.handleCommand(p)
	default:
		s.logger.Trace().Stringer("packet", p).Msg("ignoring packet")
	}
}

func (s *Server) handleInit1(data []byte) {
	s.mu.Lock()
	h, engine, expanded := s.handler, s.engine, s.expanded
	s.mu.Unlock()

	reply, clientInitIV, err := engine.ProcessClientInit1(data)
	if err != nil {
		s.logger.Debug().Err(err).Msg("drop init1 packet")
		return
	}
	if reply != nil {
		if err := h.Send(protocol.Init1, reply); err != nil {
			s.logger.Warn().Err(err).Msg("send init1 reply failed")
		}
		return
	}
	if expanded {
		// the client resends its solution until initivexpand arrives
		return
	}

	if err := s.expandIV(h, engine, clientInitIV); err != nil {
		s.logger.Warn().Err(err).Msg("key exchange failed")
		return
	}
	s.mu.Lock()
	s.expanded = true
	s.mu.Unlock()
}

// expandIV answers clientinitiv and keys the session. initivexpand still
// goes out with the dummy key, as the client is not keyed yet.
func (s *Server) expandIV(h *transport.Handler, engine *tscrypt.Engine, clientInitIV []byte) error {
	cmd, err := protocol.ParseCommand(string(clientInitIV))
	if err != nil {
		return fmt.Errorf("parse clientinitiv: %w", err)
	}
	expand, beta, err := engine.BuildIVExpand(cmd)
	if err != nil {
		return err
	}

	// the client numbered clientinitiv as its first command
	h.SkipIncoming(protocol.Command)
	if err := h.Send(protocol.Command, expand.Bytes()); err != nil {
		return fmt.Errorf("send initivexpand: %w", err)
	}

	alpha, _ := cmd.Get("alpha")
	omega, _ := cmd.Get("omega")
	if err := engine.CryptoInit(alpha, beta, omega); err != nil {
		return err
	}
	s.logger.Info().Str("client_uid", tscrypt.UIDFromPublicKey(omega)).Msg("session keyed")
	return nil
}

func (s *Server) handleCommand(p *protocol.Packet) {
	cmd, err := protocol.ParseCommand(string(p.Data))
	if err != nil {
		s.logger.Debug().Err(err).Stringer("packet", p).Msg("drop malformed command")
		return
	}
	s.logger.Debug().Str("command", cmd.Name).Msg("command received")

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()

	if cmd.Name == protocol.CmdClientInit {
		s.initServer(h, cmd)
	}

	select {
	case s.commands <- cmd:
	case <-h.Done():
	}
}

// initServer assigns the client id and announces the server
func (s *Server) initServer(h *transport.Handler, clientInit *protocol.TextCommand) {
	s.mu.Lock()
	s.clientID++
	id := s.clientID
	s.mu.Unlock()

	nickname, _ := clientInit.Get("client_nickname")
	reply := protocol.NewCommand(protocol.CmdInitServer).
		Add("virtualserver_name", s.config.Name).
		Add("aclid", strconv.Itoa(int(id)))
	if err := h.Send(protocol.Command, reply.Bytes()); err != nil {
		s.logger.Warn().Err(err).Msg("send initserver failed")
		return
	}
	s.logger.Info().Str("nickname", nickname).Uint16("client_id", id).Msg("client initialized")
}
