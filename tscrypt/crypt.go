package tscrypt

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Mmx233/tsproto/protocol"
)

// Keys used before the session secret is established. They are public and
// only stop accidental corruption, not an attacker.
var (
	dummyKey   = []byte("c:\\windows\\syste")
	dummyNonce = []byte("m\\firewall32.cpl")
	init1MAC   = [protocol.MACLen]byte{'T', 'S', '3', 'I', 'N', 'I', 'T', '1'}
)

const (
	ivStructLen = 20
	ivPartLen   = 10

	dirServerByte = 0x30
	dirClientByte = 0x31
)

var ErrNoIdentity = errors.New("no identity loaded")

// Role selects which side of the connection an engine is on
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type keyNonce struct {
	key, nonce [16]byte
	generation uint32
	valid      bool
}

// Engine owns the session secrets of one connection. Encrypt and Decrypt
// may be called concurrently.
type Engine struct {
	role     Role
	identity *Identity
	rand     io.Reader

	mu            sync.Mutex
	keyed         bool
	ivStruct      [ivStructLen]byte
	fakeSignature [protocol.MACLen]byte
	cache         [protocol.PacketTypeCount * 2]keyNonce

	handshake handshakeState
}

// Option configures an Engine
type Option func(*Engine)

// WithRand replaces the randomness source used for handshake nonces, cookies and puzzles.
func WithRand(r io.Reader) Option {
	return func(e *Engine) {
		e.rand = r
	}
}

// NewEngine creates an unkeyed engine. identity may be nil until CryptoInit.
func NewEngine(role Role, identity *Identity, opts ...Option) *Engine {
	e := &Engine{
		role:     role,
		identity: identity,
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Role() Role { return e.role }

func (e *Engine) Identity() *Identity { return e.identity }

// SetIdentity replaces the identity; only meaningful before CryptoInit.
func (e *Engine) SetIdentity(id *Identity) {
	e.mu.Lock()
	e.identity = id
	e.mu.Unlock()
}

// Keyed reports whether CryptoInit completed
func (e *Engine) Keyed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keyed
}

// FakeSignature returns the MAC used for unencrypted packets
func (e *Engine) FakeSignature() [protocol.MACLen]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fakeSignature
}

// Reset drops all session state. The identity is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyed = false
	e.ivStruct = [ivStructLen]byte{}
	e.fakeSignature = [protocol.MACLen]byte{}
	e.cache = [protocol.PacketTypeCount * 2]keyNonce{}
	e.handshake = handshakeState{}
}

// CryptoInit derives the session secret from the exchanged alpha and beta
// nonces and the peer's public key (omega).
func (e *Engine) CryptoInit(alpha, beta, omega string) error {
	if e.identity == nil {
		return ErrNoIdentity
	}

	alphaBytes, err := base64.StdEncoding.DecodeString(alpha)
	if err != nil || len(alphaBytes) < ivPartLen {
		return fmt.Errorf("%w: alpha", ErrInvalidKey)
	}
	betaBytes, err := base64.StdEncoding.DecodeString(beta)
	if err != nil || len(betaBytes) < ivPartLen {
		return fmt.Errorf("%w: beta", ErrInvalidKey)
	}
	peer, err := ImportPublicKeyString(omega)
	if err != nil {
		return fmt.Errorf("import omega: %w", err)
	}

	// ECDH yields the 32 byte big-endian X coordinate of the shared point
	shared, err := e.identity.PrivateKey.ECDH(peer)
	if err != nil {
		return fmt.Errorf("ecdh: %w", err)
	}
	sharedHash := sha1.Sum(shared)

	e.mu.Lock()
	defer e.mu.Unlock()
	copy(e.ivStruct[:ivPartLen], alphaBytes)
	copy(e.ivStruct[ivPartLen:], betaBytes)
	for i := range e.ivStruct {
		e.ivStruct[i] ^= sharedHash[i]
	}
	sigHash := sha1.Sum(e.ivStruct[:])
	copy(e.fakeSignature[:], sigHash[:protocol.MACLen])
	e.cache = [protocol.PacketTypeCount * 2]keyNonce{}
	e.keyed = true
	return nil
}

// DeriveKeyNonce returns the key and nonce for a packet. The (type,
// direction) pair is cached per generation; the packet id is mixed into the
// first two key bytes of the returned copy only.
func (e *Engine) DeriveKeyNonce(fromServer bool, packetID uint16, generation uint32, t protocol.PacketType) (key, nonce [16]byte) {
	slot := int(t) * 2
	if !fromServer {
		slot++
	}

	e.mu.Lock()
	entry := &e.cache[slot]
	if !entry.valid || entry.generation != generation {
		var input [2 + 4 + ivStructLen]byte
		if fromServer {
			input[0] = dirServerByte
		} else {
			input[0] = dirClientByte
		}
		input[1] = byte(t)
		binary.BigEndian.PutUint32(input[2:6], generation)
		copy(input[6:], e.ivStruct[:])

		sum := sha256.Sum256(input[:])
		copy(entry.key[:], sum[:16])
		copy(entry.nonce[:], sum[16:])
		entry.generation = generation
		entry.valid = true
	}
	key, nonce = entry.key, entry.nonce
	e.mu.Unlock()

	key[0] ^= byte(packetID >> 8)
	key[1] ^= byte(packetID)
	return key, nonce
}

// outgoingFromServer reports the direction flag for packets this engine sends
func (e *Engine) outgoingFromServer() bool {
	return e.role == RoleServer
}

// Encrypt builds the packet header and fills p.MAC and p.Raw.
func (e *Engine) Encrypt(p *protocol.Packet) error {
	header := p.BuildHeader()

	switch {
	case p.Type == protocol.Init1:
		p.MAC = init1MAC
		p.Raw = assembleRaw(p.MAC[:], header, p.Data)
		return nil
	case p.Flags.Has(protocol.FlagUnencrypted):
		p.MAC = e.FakeSignature()
		p.Raw = assembleRaw(p.MAC[:], header, p.Data)
		return nil
	}

	key, nonce := e.packetKey(e.outgoingFromServer(), p)
	aead, err := NewEAX(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	ciphertext, tag := aead.Seal(nonce, header, p.Data)
	p.MAC = tag
	p.Raw = assembleRaw(tag[:], header, ciphertext)
	return nil
}

func (e *Engine) packetKey(fromServer bool, p *protocol.Packet) ([]byte, []byte) {
	if !e.Keyed() {
		return dummyKey, dummyNonce
	}
	key, nonce := e.DeriveKeyNonce(fromServer, p.ID, p.GenerationID, p.Type)
	return key[:], nonce[:]
}

// Decrypt authenticates a parsed packet and replaces p.Data with the plaintext.
// p.GenerationID must be set by the caller.
func (e *Engine) Decrypt(p *protocol.Packet) error {
	switch {
	case p.Type == protocol.Init1:
		if p.MAC != init1MAC {
			return fmt.Errorf("%w: bad init1 mac", ErrAuthFailed)
		}
		return nil
	case p.Flags.Has(protocol.FlagUnencrypted):
		sig := e.FakeSignature()
		if subtle.ConstantTimeCompare(p.MAC[:], sig[:]) != 1 {
			return fmt.Errorf("%w: bad fake signature", ErrAuthFailed)
		}
		return nil
	}

	fromServer := !e.outgoingFromServer()
	key, nonce := e.packetKey(fromServer, p)
	plaintext, err := openWith(key, nonce, p)
	if err != nil && e.Keyed() && dummyFallback(p) {
		// The peer may have sent this before it learned the session secret.
		plaintext, err = openWith(dummyKey, dummyNonce, p)
	}
	if err != nil {
		return err
	}
	p.Data = plaintext
	return nil
}

// dummyFallback selects packets that can legitimately cross the keying point
// still protected by the dummy key.
func dummyFallback(p *protocol.Packet) bool {
	switch p.Type {
	case protocol.Ack, protocol.AckLow:
		return p.ID <= 2 && p.GenerationID == 0
	case protocol.Command:
		return p.ID == 0 && p.GenerationID == 0
	}
	return false
}

func openWith(key, nonce []byte, p *protocol.Packet) ([]byte, error) {
	aead, err := NewEAX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Open(nonce, p.Header, p.Data, p.MAC[:])
}

func assembleRaw(mac, header, body []byte) []byte {
	raw := make([]byte, 0, len(mac)+len(header)+len(body))
	raw = append(raw, mac...)
	raw = append(raw, header...)
	return append(raw, body...)
}
