package tscrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/Mmx233/tsproto/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testIdentity(t testing.TB) *Identity {
	t.Helper()
	id, err := GenerateIdentity(context.Background(), 0)
	require.NoError(t, err)
	return id
}

func keyedPair(t testing.TB) (client, server *Engine) {
	t.Helper()
	cid, sid := testIdentity(t), testIdentity(t)
	client = NewEngine(RoleClient, cid)
	server = NewEngine(RoleServer, sid)

	alpha := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10})
	beta := base64.StdEncoding.EncodeToString([]byte{10, 9, 8, 7, 6, 5, 4, 3, 2, 1})
	require.NoError(t, client.CryptoInit(alpha, beta, sid.PublicKeyString))
	require.NoError(t, server.CryptoInit(alpha, beta, cid.PublicKeyString))
	return client, server
}

// transfer encrypts p on from and decrypts the wire bytes on to
func transfer(from, to *Engine, p *protocol.Packet) (*protocol.Packet, error) {
	if err := from.Encrypt(p); err != nil {
		return nil, err
	}
	got, err := protocol.ParsePacket(bytes.Clone(p.Raw), p.Direction)
	if err != nil {
		return nil, err
	}
	got.GenerationID = p.GenerationID
	return got, to.Decrypt(got)
}

func TestCryptoInit_BothSidesAgree(t *testing.T) {
	client, server := keyedPair(t)

	assert.True(t, client.Keyed())
	assert.True(t, server.Keyed())
	assert.Equal(t, client.FakeSignature(), server.FakeSignature())

	ck, cn := client.DeriveKeyNonce(false, 0, 0, protocol.Command)
	sk, sn := server.DeriveKeyNonce(false, 0, 0, protocol.Command)
	assert.Equal(t, ck, sk)
	assert.Equal(t, cn, sn)
}

func TestCryptoInit_Errors(t *testing.T) {
	e := NewEngine(RoleClient, nil)
	err := e.CryptoInit("AAAAAAAAAAAAAA==", "AAAAAAAAAAAAAA==", "x")
	assert.ErrorIs(t, err, ErrNoIdentity)

	e.SetIdentity(testIdentity(t))
	err = e.CryptoInit("AAAAAAAAAAAAAA==", "AAAAAAAAAAAAAA==", "bm90IGEga2V5")
	assert.ErrorIs(t, err, ErrInvalidKey)
	err = e.CryptoInit("AAAA", "AAAAAAAAAAAAAA==", e.Identity().PublicKeyString)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.False(t, e.Keyed())
}

func TestDeriveKeyNonce_PacketIDMixing(t *testing.T) {
	client, _ := keyedPair(t)

	k0, n0 := client.DeriveKeyNonce(true, 0, 0, protocol.Command)
	k1, n1 := client.DeriveKeyNonce(true, 0x0102, 0, protocol.Command)
	assert.Equal(t, n0, n1)
	assert.Equal(t, k0[0]^0x01, k1[0])
	assert.Equal(t, k0[1]^0x02, k1[1])
	assert.Equal(t, k0[2:], k1[2:])

	// direction, type and generation each change the derivation
	k2, _ := client.DeriveKeyNonce(false, 0, 0, protocol.Command)
	k3, _ := client.DeriveKeyNonce(true, 0, 0, protocol.CommandLow)
	k4, _ := client.DeriveKeyNonce(true, 0, 1, protocol.Command)
	assert.NotEqual(t, k0, k2)
	assert.NotEqual(t, k0, k3)
	assert.NotEqual(t, k0, k4)

	// the cache is refreshed after a generation change
	k5, _ := client.DeriveKeyNonce(true, 0, 0, protocol.Command)
	assert.Equal(t, k0, k5)
}

func TestEncrypt_Init1UsesFixedMAC(t *testing.T) {
	e := NewEngine(RoleClient, nil)
	p := protocol.NewPacket(protocol.ClientToServer, protocol.Init1, []byte{1, 2, 3})
	p.ID = protocol.Init1PacketID
	p.Flags = protocol.FlagUnencrypted
	require.NoError(t, e.Encrypt(p))

	assert.Equal(t, []byte("TS3INIT1"), p.Raw[:8])
	assert.Equal(t, []byte{0x00, 0x65, 0x00, 0x00, 0x88, 1, 2, 3}, p.Raw[8:])
}

func TestDecrypt_UnkeyedDummyKey(t *testing.T) {
	client := NewEngine(RoleClient, nil)
	server := NewEngine(RoleServer, nil)

	p := protocol.NewPacket(protocol.ServerToClient, protocol.Command, []byte("initivexpand alpha=x"))
	got, err := transfer(server, client, p)
	require.NoError(t, err)
	assert.Equal(t, p.Data, got.Data)
	assert.NotEqual(t, p.Data, p.Raw[11:], "body is encrypted even with the dummy key")
}

func TestDecrypt_Tampered(t *testing.T) {
	client, server := keyedPair(t)

	p := protocol.NewPacket(protocol.ClientToServer, protocol.Command, []byte("clientinit"))
	p.ID = 5
	require.NoError(t, client.Encrypt(p))
	p.Raw[len(p.Raw)-1] ^= 0xFF

	got, err := protocol.ParsePacket(p.Raw, protocol.ClientToServer)
	require.NoError(t, err)
	assert.ErrorIs(t, server.Decrypt(got), ErrAuthFailed)

	// unencrypted packets are checked against the fake signature
	v := protocol.NewPacket(protocol.ClientToServer, protocol.Ping, nil)
	v.Flags = protocol.FlagUnencrypted
	require.NoError(t, client.Encrypt(v))
	v.Raw[0] ^= 0xFF
	got, err = protocol.ParsePacket(v.Raw, protocol.ClientToServer)
	require.NoError(t, err)
	assert.ErrorIs(t, server.Decrypt(got), ErrAuthFailed)
}

func TestDecrypt_EarlyAckFallsBackToDummyKey(t *testing.T) {
	_, server := keyedPair(t)
	unkeyedClient := NewEngine(RoleClient, nil)

	ack := protocol.NewPacket(protocol.ClientToServer, protocol.Ack, []byte{0, 0})
	got, err := transfer(unkeyedClient, server, ack)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, got.Data)

	late := protocol.NewPacket(protocol.ClientToServer, protocol.Ack, []byte{0, 9})
	late.ID = 9
	_, err = transfer(unkeyedClient, server, late)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestReset(t *testing.T) {
	client, _ := keyedPair(t)
	client.Reset()
	assert.False(t, client.Keyed())
	assert.Equal(t, [protocol.MACLen]byte{}, client.FakeSignature())
	assert.NotNil(t, client.Identity())
}

// Property: identical inputs derive identical key/nonce pairs
func TestKeyNonceDeterminism_Property(t *testing.T) {
	client, server := keyedPair(t)
	rapid.Check(t, func(t *rapid.T) {
		fromServer := rapid.Bool().Draw(t, "fromServer")
		id := rapid.Uint16().Draw(t, "id")
		gen := rapid.Uint32().Draw(t, "gen")
		typ := protocol.PacketType(rapid.IntRange(0, protocol.PacketTypeCount-1).Draw(t, "type"))

		k1, n1 := client.DeriveKeyNonce(fromServer, id, gen, typ)
		k2, n2 := client.DeriveKeyNonce(fromServer, id, gen, typ)
		k3, n3 := server.DeriveKeyNonce(fromServer, id, gen, typ)
		if k1 != k2 || n1 != n2 || k1 != k3 || n1 != n3 {
			t.Fatalf("derivation not deterministic")
		}

		other := id ^ uint16(rapid.IntRange(1, 0xFFFF).Draw(t, "flip"))
		k4, _ := client.DeriveKeyNonce(fromServer, other, gen, typ)
		if k4 == k1 {
			t.Fatalf("packet ids %d and %d share a key", id, other)
		}
	})
}

// Property: decrypt(encrypt(p)) returns the body for every type, direction and flag mode
func TestEncryptDecryptRoundTrip_Property(t *testing.T) {
	client, server := keyedPair(t)
	rapid.Check(t, func(t *rapid.T) {
		typ := protocol.PacketType(rapid.IntRange(0, protocol.PacketTypeCount-1).Draw(t, "type"))
		c2s := rapid.Bool().Draw(t, "c2s")
		data := rapid.SliceOfN(rapid.Byte(), 0, protocol.MaxPayloadSize).Draw(t, "data")

		dir, from, to := protocol.ServerToClient, server, client
		if c2s {
			dir, from, to = protocol.ClientToServer, client, server
		}
		p := protocol.NewPacket(dir, typ, data)
		p.ID = rapid.Uint16().Draw(t, "id")
		p.GenerationID = rapid.Uint32Range(0, 3).Draw(t, "gen")
		if rapid.Bool().Draw(t, "unencrypted") {
			p.Flags |= protocol.FlagUnencrypted
		}

		got, err := transfer(from, to, p)
		if err != nil {
			t.Fatalf("transfer %s: %v", p, err)
		}
		if !bytes.Equal(got.Data, data) {
			t.Fatalf("body mismatch for %s", p)
		}
	})
}
