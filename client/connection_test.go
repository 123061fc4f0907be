package client

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Mmx233/tsproto/config"
	"github.com/Mmx233/tsproto/protocol"
	"github.com/Mmx233/tsproto/server"
	"github.com/Mmx233/tsproto/transport"
	"github.com/Mmx233/tsproto/tscrypt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T) *tscrypt.Identity {
	t.Helper()
	id, err := tscrypt.GenerateIdentity(context.Background(), 0)
	require.NoError(t, err)
	return id
}

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	return conn
}

func clientConfig(addr string) *config.Client {
	cfg := &config.Client{
		Address:          addr,
		Nickname:         "tester",
		ServerPassword:   "secret",
		HandshakeTimeout: 5 * time.Second,
		Reliability:      config.Reliability{ResendTimeout: 100 * time.Millisecond},
	}
	cfg.ApplyDefaults()
	return cfg
}

// startServer runs the handshake server on a loopback socket
func startServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	conn := listenLoopback(t)
	cfg := &config.Server{PuzzleLevel: 1, Reliability: config.Reliability{ResendTimeout: 100 * time.Millisecond}}
	cfg.ApplyDefaults()
	srv := server.New(cfg, newIdentity(t), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return srv, conn.LocalAddr().String()
}

// startFakeServer answers every client Init1 packet with reply
func startFakeServer(t *testing.T, reply []byte) string {
	t.Helper()
	conn := listenLoopback(t)
	opts := transport.Options{Direction: protocol.ServerToClient, PingInterval: -1}

	var h *transport.Handler
	h = transport.New(conn, nil, tscrypt.NewEngine(tscrypt.RoleServer, nil), opts, zerolog.Nop())
	h.SetDispatcher(transport.DispatcherFunc(func(p *protocol.Packet) {
		if p.Type == protocol.Init1 {
			_ = h.Send(protocol.Init1, reply)
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return conn.LocalAddr().String()
}

func nextCommand(t *testing.T, ch <-chan *protocol.TextCommand) *protocol.TextCommand {
	t.Helper()
	select {
	case cmd, ok := <-ch:
		require.True(t, ok, "command channel closed")
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("no command received")
		return nil
	}
}

func nextPayload(t *testing.T, ch <-chan Payload) Payload {
	t.Helper()
	select {
	case p, ok := <-ch:
		require.True(t, ok, "packet channel closed")
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet received")
		return Payload{}
	}
}

func TestConnect_Handshake(t *testing.T) {
	srv, addr := startServer(t)
	identity := newIdentity(t)
	c := New(clientConfig(addr), identity, zerolog.Nop())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()
	assert.Equal(t, StateConnected, c.State())
	assert.NotEmpty(t, c.ConnID())

	clientInit := nextCommand(t, srv.Commands())
	assert.Equal(t, protocol.CmdClientInit, clientInit.Name)
	nickname, _ := clientInit.Get("client_nickname")
	assert.Equal(t, "tester", nickname)
	password, _ := clientInit.Get("client_server_password")
	assert.Equal(t, tscrypt.HashPassword("secret"), password)
	offset, _ := clientInit.Get("client_key_offset")
	assert.Equal(t, strconv.FormatUint(identity.ValidKeyOffset, 10), offset)

	initServer := nextPayload(t, c.Packets())
	assert.Equal(t, protocol.Command, initServer.Type)
	cmd, err := protocol.ParseCommand(string(initServer.Data))
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdInitServer, cmd.Name)
	assert.Equal(t, uint16(1), c.ClientID())

	require.NoError(t, c.Send(protocol.Command, []byte("sendtextmessage msg=hello\\sworld")))
	msg := nextCommand(t, srv.Commands())
	text, _ := msg.Get("msg")
	assert.Equal(t, "hello world", text)

	// large commands are compressed on the wire
	large := protocol.NewCommand("blob").Add("data", string(make([]byte, 4000)))
	require.NoError(t, c.Send(protocol.Command, large.Bytes()))
	blob := nextCommand(t, srv.Commands())
	assert.Equal(t, "blob", blob.Name)

	assert.True(t, srv.Engine().Keyed())
	assert.GreaterOrEqual(t, c.Stats().Out[transport.KindControl].Packets, uint64(4))

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	<-c.Done()
	assert.NoError(t, c.Err())
	_, open := <-c.Packets()
	assert.False(t, open)
}

func TestConnect_Rejected(t *testing.T) {
	addr := startFakeServer(t, []byte{tscrypt.Init1StepCookie, 0, 0, 0, 7})
	c := New(clientConfig(addr), newIdentity(t), zerolog.Nop())

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	require.ErrorIs(t, err, tscrypt.ErrInit1Rejected)
	assert.Contains(t, err.Error(), "code 7")
	assert.Equal(t, StateClosed, c.State())
}

func TestConnect_Timeout(t *testing.T) {
	silent := listenLoopback(t)
	defer silent.Close()

	cfg := clientConfig(silent.LocalAddr().String())
	cfg.HandshakeTimeout = 300 * time.Millisecond
	c := New(cfg, newIdentity(t), zerolog.Nop())

	start := time.Now()
	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectFailed)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
	<-c.Done()
}

func TestConnect_ContextCancelled(t *testing.T) {
	silent := listenLoopback(t)
	defer silent.Close()

	c := New(clientConfig(silent.LocalAddr().String()), newIdentity(t), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, ErrConnectFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnect_Errors(t *testing.T) {
	t.Run("no identity", func(t *testing.T) {
		c := New(clientConfig("127.0.0.1:9"), nil, zerolog.Nop())
		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrConnectFailed)
		require.ErrorIs(t, err, tscrypt.ErrNoIdentity)
	})

	t.Run("unresolvable address", func(t *testing.T) {
		c := New(clientConfig("127.0.0.1:notaport"), newIdentity(t), zerolog.Nop())
		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrConnectFailed)
	})

	t.Run("reuse after close", func(t *testing.T) {
		c := New(clientConfig("127.0.0.1:9"), newIdentity(t), zerolog.Nop())
		require.NoError(t, c.Close())
		err := c.Connect(context.Background())
		require.ErrorIs(t, err, ErrConnectFailed)
		require.ErrorIs(t, err, errConnectionUsed)
	})
}

func TestSend_NotConnected(t *testing.T) {
	c := New(clientConfig("127.0.0.1:9"), newIdentity(t), zerolog.Nop())
	assert.ErrorIs(t, c.Send(protocol.Command, []byte("x")), ErrNotConnected)
	assert.Equal(t, transport.Stats{}, c.Stats())
	assert.Equal(t, StateDisconnected, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done to be closed for a connection that never started")
	}
}

func TestClientInit(t *testing.T) {
	cfg := clientConfig("127.0.0.1:9987")
	cfg.DefaultChannel = "/Lobby"
	cfg.DefaultChannelPassword = "chan"
	cfg.PhoneticNickname = "tes ter"
	identity := newIdentity(t)

	cmd := ClientInit(cfg, identity, tscrypt.VersionWindows)
	parsed, err := protocol.ParseCommand(cmd.String())
	require.NoError(t, err)

	want := map[string]string{
		"client_nickname":                 "tester",
		"client_version":                  tscrypt.VersionWindows.Name,
		"client_platform":                 "Windows",
		"client_input_hardware":           "1",
		"client_output_hardware":          "1",
		"client_default_channel":          "/Lobby",
		"client_default_channel_password": tscrypt.HashPassword("chan"),
		"client_server_password":          tscrypt.HashPassword("secret"),
		"client_meta_data":                "",
		"client_version_sign":             tscrypt.VersionWindows.Sign,
		"client_key_offset":               strconv.FormatUint(identity.ValidKeyOffset, 10),
		"client_nickname_phonetic":        "tes ter",
		"client_default_token":            "",
		"hwid":                            HardwareID,
	}
	assert.Equal(t, protocol.CmdClientInit, parsed.Name)
	assert.Len(t, parsed.Params, len(want))
	for key, value := range want {
		got, ok := parsed.Get(key)
		assert.True(t, ok, key)
		assert.Equal(t, value, got, key)
	}
}

func TestConnectionState_String(t *testing.T) {
	states := map[ConnectionState]string{
		StateDisconnected:   "disconnected",
		StateInit1:          "init1",
		StatePuzzle:         "puzzle",
		StateAwaitIvExpand:  "await-ivexpand",
		StateConnected:      "connected",
		StateClosed:         "closed",
		ConnectionState(42): "unknown",
	}
	for s, want := range states {
		assert.Equal(t, want, s.String())
	}
	assert.False(t, StateDisconnected.handshaking())
	assert.True(t, StatePuzzle.handshaking())
	assert.False(t, StateConnected.handshaking())
}

func TestHandleInit1_IgnoresOutOfOrderSteps(t *testing.T) {
	c := New(clientConfig("127.0.0.1:9"), newIdentity(t), zerolog.Nop())
	c.setState(StateInit1)

	// a puzzle before the cookie is dropped without touching the engine
	c.handleInit1(append([]byte{tscrypt.Init1StepPuzzle}, make([]byte, tscrypt.PuzzleBlockLen)...))
	assert.Equal(t, StateInit1, c.State())

	select {
	case err := <-c.failed:
		t.Fatalf("unexpected failure: %v", err)
	default:
	}
}
