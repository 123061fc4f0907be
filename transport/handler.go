package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// idSpace is the size of the 16 bit packet id space
const idSpace = 1 << 16

var (
	ErrClosed          = errors.New("handler closed")
	ErrVoiceTooLarge   = errors.New("voice packet too large")
	ErrRetriesExceeded = errors.New("packet not acknowledged")
	ErrIdleTimeout     = errors.New("no packets received from peer")
	ErrNoRemote        = errors.New("remote address unknown")
)

// Dispatcher receives packets after decryption. Commands arrive in order,
// merged and decompressed. It is called from the receive loop and must not
// block for long.
type Dispatcher interface {
	HandlePacket(p *protocol.Packet)
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(p *protocol.Packet)

func (f DispatcherFunc) HandlePacket(p *protocol.Packet) { f(p) }

type pendingKey struct {
	t  protocol.PacketType
	id uint16
}

// pendingPacket is a sent packet waiting for its acknowledgement
type pendingPacket struct {
	packet    *protocol.Packet
	firstSend time.Time
	lastSend  time.Time
	interval  time.Duration
	retries   int
}

// Handler drives one protocol connection over a datagram socket: it numbers,
// compresses, splits and encrypts outgoing packets, retransmits unacknowledged
// commands, and orders incoming commands before dispatching them.
type Handler struct {
	conn   net.PacketConn
	engine *tscrypt.Engine
	opts   Options
	logger zerolog.Logger
	stats  NetworkStats

	// Send state
	mu          sync.Mutex
	remote      net.Addr
	clientID    uint16
	counters    [protocol.PacketTypeCount]uint16
	generations [protocol.PacketTypeCount]uint32
	pending     map[pendingKey]*pendingPacket
	init1       *pendingPacket
	sendScratch *protocol.Scratch
	lastPingID  uint16
	pingSent    time.Time
	dispatcher  Dispatcher

	// Receive state, owned by the receive loop
	commandQueues [2]*protocol.RingQueue[*protocol.Packet]
	windows       [protocol.PacketTypeCount]*protocol.GenerationWindow
	recvScratch   *protocol.Scratch
	lastPingRecv  uint16
	lastRecv      atomic.Int64

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates a handler that owns conn. A nil remote makes the handler lock
// onto the first peer it receives a packet from.
func New(conn net.PacketConn, remote net.Addr, engine *tscrypt.Engine, opts Options, logger zerolog.Logger) *Handler {
	opts.applyDefaults()

	h := &Handler{
		conn:        conn,
		engine:      engine,
		opts:        opts,
		remote:      remote,
		logger:      logger.With().Str("com", "transport").Str("role", engine.Role().String()).Logger(),
		pending:     make(map[pendingKey]*pendingPacket),
		sendScratch: protocol.NewScratch(),
		recvScratch: protocol.NewScratch(),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for i := range h.commandQueues {
		h.commandQueues[i] = protocol.NewRingQueue[*protocol.Packet](opts.ReceiveWindow, idSpace)
	}
	for i := range h.windows {
		h.windows[i] = protocol.NewGenerationWindow(idSpace, 0)
	}
	h.lastRecv.Store(time.Now().UnixNano())
	return h
}

// SetDispatcher installs the receiver of incoming packets
func (h *Handler) SetDispatcher(d Dispatcher) {
	h.mu.Lock()
	h.dispatcher = d
	h.mu.Unlock()
}

// SetClientID sets the id written into client to server headers
func (h *Handler) SetClientID(id uint16) {
	h.mu.Lock()
	h.clientID = id
	h.mu.Unlock()
}

// Remote returns the peer address, nil while a listening handler has no peer yet.
func (h *Handler) Remote() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remote
}

func (h *Handler) Engine() *tscrypt.Engine { return h.engine }

// Stats returns a snapshot of the traffic counters
func (h *Handler) Stats() Stats {
	return h.stats.Snapshot()
}

// IncPacketCounter skips one outgoing packet id of type t as if a packet had been sent.
func (h *Handler) IncPacketCounter(t protocol.PacketType) {
	h.mu.Lock()
	h.incLocked(t)
	h.mu.Unlock()
}

func (h *Handler) incLocked(t protocol.PacketType) {
	h.counters[t]++
	if h.counters[t] == 0 {
		h.generations[t]++
	}
}

// SkipIncoming marks the next incoming id of a command type as consumed, for
// peers that number a command the handler never receives.
// It must be called from the dispatcher.
func (h *Handler) SkipIncoming(t protocol.PacketType) {
	if !t.IsReliable() {
		return
	}
	q := h.commandQueues[t-protocol.Command]
	start := q.Start()
	if err := q.Set(start, nil); err == nil {
		q.TryDequeue()
	}
}

// ClearInit1 stops resending the pending handshake packet.
func (h *Handler) ClearInit1() {
	h.mu.Lock()
	h.init1 = nil
	h.mu.Unlock()
}

// PendingCount returns the number of packets waiting for acknowledgement
func (h *Handler) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.pending)
	if h.init1 != nil {
		n++
	}
	return n
}

// Send transmits data as packets of type t. Reliable packets are registered
// for retransmission before they are written.
func (h *Handler) Send(t protocol.PacketType, data []byte) error {
	if t >= protocol.PacketTypeCount {
		return fmt.Errorf("%w: %d", protocol.ErrUnknownPacketType, t)
	}
	packets, err := h.prepare(t, data)
	if err != nil {
		return err
	}
	if t.IsReliable() || t == protocol.Init1 {
		h.signalWake()
	}
	for _, p := range packets {
		if err := h.writePacket(p); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) prepare(t protocol.PacketType, data []byte) ([]*protocol.Packet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed() {
		return nil, ErrClosed
	}

	flags := protocol.FlagNone
	switch {
	case t.IsVoice():
		// whisper frames get the same limit; an oversized one could never
		// be sent since voice is neither split nor compressed
		if protocol.NeedsSplitting(len(data) + 2) {
			return nil, fmt.Errorf("%w: %d bytes", ErrVoiceTooLarge, len(data))
		}
	case t.IsReliable() && protocol.NeedsSplitting(len(data)):
		compressed, err := protocol.Compress(data, 1, h.sendScratch)
		if err == nil && len(compressed) < len(data) {
			data = compressed
			flags |= protocol.FlagCompressed
		}
		if protocol.NeedsSplitting(len(data)) {
			return h.splitLocked(t, data, flags)
		}
	}

	p, err := h.buildLocked(t, data, flags)
	if err != nil {
		return nil, err
	}
	return []*protocol.Packet{p}, nil
}

// splitLocked cuts data into frames. Only the first and the last frame carry
// the Fragmented flag; extra flags go on the first frame.
func (h *Handler) splitLocked(t protocol.PacketType, data []byte, flags protocol.Flags) ([]*protocol.Packet, error) {
	packets := make([]*protocol.Packet, 0, len(data)/protocol.MaxPayloadSize+1)
	for pos := 0; pos < len(data); {
		end := min(pos+protocol.MaxPayloadSize, len(data))
		first, last := pos == 0, end == len(data)

		f := protocol.FlagNone
		if first != last {
			f |= protocol.FlagFragmented
		}
		if first {
			f |= flags
		}
		p, err := h.buildLocked(t, data[pos:end], f)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
		pos = end
	}
	return packets, nil
}

func (h *Handler) buildLocked(t protocol.PacketType, data []byte, flags protocol.Flags) (*protocol.Packet, error) {
	p := protocol.NewPacket(h.opts.Direction, t, data)
	p.Flags = flags
	if t == protocol.Init1 {
		p.ID = protocol.Init1PacketID
	} else {
		p.ID, p.GenerationID = h.counters[t], h.generations[t]
		h.incLocked(t)
	}
	if h.opts.Direction == protocol.ClientToServer {
		p.ClientID = h.clientID
	}

	now := time.Now()
	switch t {
	case protocol.Voice, protocol.VoiceWhisper:
		p.Flags |= protocol.FlagUnencrypted
		prefixed := make([]byte, 2+len(data))
		binary.BigEndian.PutUint16(prefixed, p.ID)
		copy(prefixed[2:], data)
		p.Data = prefixed
	case protocol.Command, protocol.CommandLow:
		p.Flags |= protocol.FlagNewProtocol
	case protocol.Ping:
		p.Flags |= protocol.FlagUnencrypted
		h.lastPingID = p.ID
		h.pingSent = now
	case protocol.Pong, protocol.AckLow, protocol.Init1:
		p.Flags |= protocol.FlagUnencrypted
	}

	if err := h.engine.Encrypt(p); err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", t, err)
	}

	entry := &pendingPacket{packet: p, firstSend: now, lastSend: now, interval: h.opts.ResendTimeout}
	switch {
	case t.IsReliable():
		h.pending[pendingKey{t: t, id: p.ID}] = entry
	case t == protocol.Init1 && h.engine.Role() == tscrypt.RoleClient:
		// only the latest handshake step is kept
		h.init1 = entry
	}
	return p, nil
}

func (h *Handler) writePacket(p *protocol.Packet) error {
	remote := h.Remote()
	if remote == nil {
		return ErrNoRemote
	}
	if _, err := h.conn.WriteTo(p.Raw, remote); err != nil {
		if h.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("write %s: %w", p.Type, err)
	}
	h.stats.logOut(p.Type, len(p.Raw))
	h.logger.Trace().Stringer("packet", p).Msg("packet sent")
	return nil
}

func (h *Handler) signalWake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) isClosed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the handler is closed
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Run starts the receive, resend and (client side) ping loops and blocks
// until ctx is done, Close is called or a loop fails.
func (h *Handler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.ReceiveLoop(gctx) })
	g.Go(func() error { return h.ResendLoop(gctx) })
	if h.engine.Role() == tscrypt.RoleClient {
		g.Go(func() error { return h.PingLoop(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-h.done:
		}
		// unblocks the receive loop
		_ = h.Close()
		return nil
	})
	return g.Wait()
}

// Close stops all loops and closes the socket. It is safe to call more than once.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.closeErr = h.conn.Close()
		h.logger.Debug().Msg("handler closed")
	})
	return h.closeErr
}
