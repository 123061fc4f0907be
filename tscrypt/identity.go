package tscrypt

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
)

// DefaultSecurityLevel is the level new identities are brought to when none is given.
const DefaultSecurityLevel = 8

// improveCheckEvery controls how often ImproveSecurity looks at ctx
const improveCheckEvery = 4096

// Identity is a client's long-lived key pair plus its hashcash progress.
// LastCheckedKeyOffset is always >= ValidKeyOffset.
type Identity struct {
	PrivateKey *ecdh.PrivateKey
	PublicKey  *ecdh.PublicKey

	PublicKeyString  string
	PrivateKeyString string

	ValidKeyOffset       uint64
	LastCheckedKeyOffset uint64
}

func newIdentity(priv *ecdh.PrivateKey, keyOffset, lastChecked uint64) *Identity {
	return &Identity{
		PrivateKey:           priv,
		PublicKey:            priv.PublicKey(),
		PublicKeyString:      base64.StdEncoding.EncodeToString(ExportPublicKey(priv.PublicKey())),
		PrivateKeyString:     base64.StdEncoding.EncodeToString(ExportPrivateKey(priv)),
		ValidKeyOffset:       keyOffset,
		LastCheckedKeyOffset: max(keyOffset, lastChecked),
	}
}

// LoadIdentity restores an identity from its base64 private key export.
func LoadIdentity(privateKey string, keyOffset, lastChecked uint64) (*Identity, error) {
	der, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	priv, err := ImportPrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("import identity: %w", err)
	}
	return newIdentity(priv, keyOffset, lastChecked), nil
}

// GenerateIdentity creates a new key pair and raises it to at least level.
// A negative level selects DefaultSecurityLevel.
func GenerateIdentity(ctx context.Context, level int) (*Identity, error) {
	if level < 0 {
		level = DefaultSecurityLevel
	}
	priv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id := newIdentity(priv, 0, 0)
	if err := ImproveSecurity(ctx, id, level); err != nil {
		return nil, err
	}
	return id, nil
}

// UID returns the public unique id of the identity
func (id *Identity) UID() string {
	return UIDFromPublicKey(id.PublicKeyString)
}

// Level returns the security level reached by ValidKeyOffset
func (id *Identity) Level() int {
	return SecurityLevel(id.PublicKeyString, id.ValidKeyOffset)
}

// ImproveSecurity searches offsets until the identity reaches toLevel.
// Progress is kept in LastCheckedKeyOffset, so a cancelled search can be resumed.
func ImproveSecurity(ctx context.Context, id *Identity, toLevel int) error {
	buf := make([]byte, 0, len(id.PublicKeyString)+20)
	buf = append(buf, id.PublicKeyString...)
	prefix := len(buf)

	id.LastCheckedKeyOffset = max(id.ValidKeyOffset, id.LastCheckedKeyOffset)
	best := offsetLevel(buf, prefix, id.ValidKeyOffset)
	for i := 0; ; i++ {
		if best >= toLevel {
			return nil
		}
		if i%improveCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("improve security: %w", err)
			}
		}

		curr := offsetLevel(buf, prefix, id.LastCheckedKeyOffset)
		if curr > best {
			id.ValidKeyOffset = id.LastCheckedKeyOffset
			best = curr
		}
		id.LastCheckedKeyOffset++
	}
}

// SecurityLevel computes the level of a public key string at offset.
func SecurityLevel(publicKey string, offset uint64) int {
	buf := []byte(publicKey)
	return offsetLevel(buf, len(buf), offset)
}

func offsetLevel(buf []byte, prefix int, offset uint64) int {
	buf = strconv.AppendUint(buf[:prefix], offset, 10)
	sum := sha1.Sum(buf)
	return leadingZeroBits(sum[:])
}

// leadingZeroBits counts whole zero bytes, then the zero bits of the first
// non-zero byte starting from its least significant bit.
func leadingZeroBits(data []byte) int {
	n := 0
	i := 0
	for ; i < len(data); i++ {
		if data[i] != 0 {
			break
		}
		n += 8
	}
	if i < len(data) {
		for bit := 0; bit < 8; bit++ {
			if data[i]&(1<<bit) != 0 {
				break
			}
			n++
		}
	}
	return n
}
