package tscrypt

import (
	"crypto/ecdh"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Keys are exchanged in the libtomcrypt ECC export format:
// SEQUENCE { BIT STRING (7 unused bits, 0x00 public / 0x80 private), INTEGER 32, INTEGER x, INTEGER y [, INTEGER d] }
const (
	keySize         = 32
	keyFlagPublic   = 0x00
	keyFlagPrivate  = 0x80
	keyUnusedBits   = 7
	uncompressedTag = 0x04
)

var (
	ErrInvalidKey = errors.New("invalid key encoding")
	ErrNotOnCurve = errors.New("point not on curve")
)

// Curve is the named curve every identity lives on
var Curve = ecdh.P256()

func pointCoords(pub *ecdh.PublicKey) (x, y *big.Int) {
	raw := pub.Bytes() // 0x04 || X || Y
	x = new(big.Int).SetBytes(raw[1 : 1+keySize])
	y = new(big.Int).SetBytes(raw[1+keySize:])
	return x, y
}

func marshalKey(flag byte, pub *ecdh.PublicKey, d *big.Int) []byte {
	x, y := pointCoords(pub)

	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1(asn1.BIT_STRING, func(b *cryptobyte.Builder) {
			b.AddUint8(keyUnusedBits)
			b.AddUint8(flag)
		})
		b.AddASN1Int64(keySize)
		b.AddASN1BigInt(x)
		b.AddASN1BigInt(y)
		if d != nil {
			b.AddASN1BigInt(d)
		}
	})
	return b.BytesOrPanic()
}

// ExportPublicKey encodes pub in the libtomcrypt DER layout
func ExportPublicKey(pub *ecdh.PublicKey) []byte {
	return marshalKey(keyFlagPublic, pub, nil)
}

// ExportPrivateKey encodes the public point together with the private scalar
func ExportPrivateKey(priv *ecdh.PrivateKey) []byte {
	d := new(big.Int).SetBytes(priv.Bytes())
	return marshalKey(keyFlagPrivate, priv.PublicKey(), d)
}

type parsedKey struct {
	flag byte
	x, y *big.Int
	d    *big.Int
}

func parseKey(der []byte) (*parsedKey, error) {
	input := cryptobyte.String(der)
	var seq, bits cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: not a sequence", ErrInvalidKey)
	}

	k := &parsedKey{x: new(big.Int), y: new(big.Int)}
	var unused uint8
	var size int64
	if !seq.ReadASN1(&bits, asn1.BIT_STRING) || !bits.ReadUint8(&unused) || !bits.ReadUint8(&k.flag) {
		return nil, fmt.Errorf("%w: bad flag bits", ErrInvalidKey)
	}
	if !seq.ReadASN1Integer(&size) || !seq.ReadASN1Integer(k.x) || !seq.ReadASN1Integer(k.y) {
		return nil, fmt.Errorf("%w: bad coordinates", ErrInvalidKey)
	}
	if !seq.Empty() {
		k.d = new(big.Int)
		if !seq.ReadASN1Integer(k.d) {
			return nil, fmt.Errorf("%w: bad private scalar", ErrInvalidKey)
		}
	}
	if size != keySize {
		return nil, fmt.Errorf("%w: key size %d", ErrInvalidKey, size)
	}
	return k, nil
}

func publicFromCoords(x, y *big.Int) (*ecdh.PublicKey, error) {
	if x.Sign() < 0 || y.Sign() < 0 || x.BitLen() > keySize*8 || y.BitLen() > keySize*8 {
		return nil, ErrNotOnCurve
	}
	raw := make([]byte, 1+2*keySize)
	raw[0] = uncompressedTag
	x.FillBytes(raw[1 : 1+keySize])
	y.FillBytes(raw[1+keySize:])

	pub, err := Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotOnCurve, err)
	}
	return pub, nil
}

// ImportPublicKey decodes a libtomcrypt public (or private) key and returns its public point.
func ImportPublicKey(der []byte) (*ecdh.PublicKey, error) {
	k, err := parseKey(der)
	if err != nil {
		return nil, err
	}
	return publicFromCoords(k.x, k.y)
}

// ImportPrivateKey decodes a libtomcrypt private key export.
func ImportPrivateKey(der []byte) (*ecdh.PrivateKey, error) {
	k, err := parseKey(der)
	if err != nil {
		return nil, err
	}
	if k.d == nil || k.d.Sign() <= 0 || k.d.BitLen() > keySize*8 {
		return nil, fmt.Errorf("%w: missing private scalar", ErrInvalidKey)
	}

	priv, err := Curve.NewPrivateKey(k.d.FillBytes(make([]byte, keySize)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}

// ImportPublicKeyString decodes a base64 public key as sent in handshake commands.
func ImportPublicKeyString(s string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return ImportPublicKey(der)
}

// UIDFromPublicKey returns the unique id derived from a base64 public key string.
func UIDFromPublicKey(publicKey string) string {
	sum := sha1.Sum([]byte(publicKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HashPassword hashes a server or channel password the way it is sent in commands.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha1.Sum([]byte(password))
	return base64.StdEncoding.EncodeToString(sum[:])
}
