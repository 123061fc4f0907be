package tscrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

// TagLen is the truncated EAX authentication tag length used on the wire.
const TagLen = 8

var ErrAuthFailed = errors.New("message authentication failed")

// EAX implements EAX mode over AES-128 with an 8 byte tag.
type EAX struct {
	block  cipher.Block
	k1, k2 [aes.BlockSize]byte
}

// NewEAX creates an EAX instance for a 16 byte key
func NewEAX(key []byte) (*EAX, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	e := &EAX{block: block}

	var l [aes.BlockSize]byte
	block.Encrypt(l[:], l[:])
	e.k1 = gfDouble(l)
	e.k2 = gfDouble(e.k1)
	return e, nil
}

// gfDouble multiplies by x in GF(2^128)
func gfDouble(in [aes.BlockSize]byte) [aes.BlockSize]byte {
	var out [aes.BlockSize]byte
	carry := in[0] >> 7
	for i := 0; i < aes.BlockSize-1; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[aes.BlockSize-1] = in[aes.BlockSize-1] << 1
	out[aes.BlockSize-1] ^= 0x87 * carry
	return out
}

// omac computes CMAC over [0..0 t] || data
func (e *EAX) omac(t byte, data []byte) [aes.BlockSize]byte {
	var mac [aes.BlockSize]byte
	mac[aes.BlockSize-1] = t

	if len(data) == 0 {
		// the tweak block is the last block and complete
		xorBlock(&mac, e.k1[:])
		e.block.Encrypt(mac[:], mac[:])
		return mac
	}

	e.block.Encrypt(mac[:], mac[:])
	for len(data) > aes.BlockSize {
		xorBlock(&mac, data[:aes.BlockSize])
		e.block.Encrypt(mac[:], mac[:])
		data = data[aes.BlockSize:]
	}

	if len(data) == aes.BlockSize {
		xorBlock(&mac, data)
		xorBlock(&mac, e.k1[:])
	} else {
		var last [aes.BlockSize]byte
		copy(last[:], data)
		last[len(data)] = 0x80
		xorBlock(&mac, last[:])
		xorBlock(&mac, e.k2[:])
	}
	e.block.Encrypt(mac[:], mac[:])
	return mac
}

func xorBlock(dst *[aes.BlockSize]byte, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// Seal encrypts plaintext and returns the ciphertext with its truncated tag.
func (e *EAX) Seal(nonce, header, plaintext []byte) ([]byte, [TagLen]byte) {
	n := e.omac(0, nonce)
	h := e.omac(1, header)

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(e.block, n[:]).XORKeyStream(ciphertext, plaintext)

	c := e.omac(2, ciphertext)
	var tag [TagLen]byte
	for i := range tag {
		tag[i] = n[i] ^ h[i] ^ c[i]
	}
	return ciphertext, tag
}

// Open verifies the tag and decrypts ciphertext.
func (e *EAX) Open(nonce, header, ciphertext []byte, tag []byte) ([]byte, error) {
	n := e.omac(0, nonce)
	h := e.omac(1, header)
	c := e.omac(2, ciphertext)

	var expected [TagLen]byte
	for i := range expected {
		expected[i] = n[i] ^ h[i] ^ c[i]
	}
	if len(tag) != TagLen || subtle.ConstantTimeCompare(expected[:], tag) != 1 {
		return nil, ErrAuthFailed
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(e.block, n[:]).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
