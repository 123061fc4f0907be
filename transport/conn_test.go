package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// memConn is one end of an in-memory datagram pipe. Writes never block;
// datagrams are dropped when the peer queue is full.
type memConn struct {
	local memAddr
	peer  *memConn
	in    chan []byte
	done  chan struct{}
	once  sync.Once

	mu   sync.Mutex
	drop func(raw []byte) bool
	sent [][]byte
}

func newMemPipe() (a, b *memConn) {
	a = &memConn{local: "client", in: make(chan []byte, 1024), done: make(chan struct{})}
	b = &memConn{local: "server", in: make(chan []byte, 1024), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case d := <-c.in:
		return copy(b, d), c.peer.local, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	c.sent = append(c.sent, bytes.Clone(b))
	drop := c.drop != nil && c.drop(b)
	c.mu.Unlock()
	if drop {
		return len(b), nil
	}

	select {
	case c.peer.in <- bytes.Clone(b):
	default:
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr              { return c.local }
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

func (c *memConn) setDrop(f func(raw []byte) bool) {
	c.mu.Lock()
	c.drop = f
	c.mu.Unlock()
}

func (c *memConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func dropAll([]byte) bool { return true }

// collector records dispatched packets
type collector struct {
	ch chan *protocol.Packet
}

func newCollector() *collector {
	return &collector{ch: make(chan *protocol.Packet, 1024)}
}

func (c *collector) HandlePacket(p *protocol.Packet) {
	c.ch <- p
}

func (c *collector) next(t *testing.T) *protocol.Packet {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no packet dispatched")
		return nil
	}
}

func (c *collector) empty() bool {
	return len(c.ch) == 0
}

type testPair struct {
	client, server         *Handler
	clientConn, serverConn *memConn
	received               *collector
	clientReceived         *collector
}

// newTestPair connects an unkeyed client and server handler. Both sides use
// the dummy key, which is enough to exercise the packet pipeline.
func newTestPair(t *testing.T, clientOpts, serverOpts Options) *testPair {
	t.Helper()
	cc, sc := newMemPipe()
	clientOpts.Direction = protocol.ClientToServer
	serverOpts.Direction = protocol.ServerToClient

	p := &testPair{
		client:         New(cc, sc.local, tscrypt.NewEngine(tscrypt.RoleClient, nil), clientOpts, zerolog.Nop()),
		server:         New(sc, cc.local, tscrypt.NewEngine(tscrypt.RoleServer, nil), serverOpts, zerolog.Nop()),
		clientConn:     cc,
		serverConn:     sc,
		received:       newCollector(),
		clientReceived: newCollector(),
	}
	p.server.SetDispatcher(p.received)
	p.client.SetDispatcher(p.clientReceived)
	return p
}

func runHandler(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
}

func parseC2S(t *testing.T, raw []byte) *protocol.Packet {
	t.Helper()
	p, err := protocol.ParsePacket(raw, protocol.ClientToServer)
	require.NoError(t, err)
	return p
}
