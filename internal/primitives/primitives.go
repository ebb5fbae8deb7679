// Package primitives provides the pure cryptographic building blocks used
// by the archive envelope, the key-file codec, and the KDF: SHA-256,
// HMAC-SHA-256, Curve25519 scalar arithmetic, and ChaCha20 keystream
// generation. Nothing here touches disk or the network.
package primitives

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
)

const (
	// ScalarSize is the size in bytes of a Curve25519 scalar or point.
	ScalarSize = 32

	// ivSize is the ChaCha20 IV size used throughout this codebase: the
	// legacy 8-byte nonce length, not XChaCha20's 24-byte nonce.
	// ChaCha20XORKeyStream places it in a 12-byte IETF nonce.
	ivSize = 8
)

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Hmac wraps crypto/hmac for incremental use: the envelope codec feeds it
// plaintext as it streams rather than buffering the whole message.
type Hmac struct {
	h hash.Hash
}

// NewHmac returns an HMAC-SHA-256 instance keyed by key.
func NewHmac(key []byte) *Hmac {
	return &Hmac{h: hmac.New(sha256.New, key)}
}

// Write feeds more data into the running MAC. It never returns an error.
func (m *Hmac) Write(p []byte) {
	m.h.Write(p)
}

// Sum finalizes and returns the 32-byte MAC. The Hmac must not be reused
// afterward.
func (m *Hmac) Sum() [32]byte {
	var out [32]byte
	copy(out[:], m.h.Sum(nil))
	return out
}

// ClampScalar applies the standard Curve25519 private-scalar normalization
// in place: byte 0 AND 248, byte 31 AND 127 OR 64.
func ClampScalar(s *[ScalarSize]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// ScalarBaseMult computes scalar * basepoint(9).
func ScalarBaseMult(scalar [ScalarSize]byte) [ScalarSize]byte {
	var out [ScalarSize]byte
	curve25519.ScalarBaseMult(&out, &scalar)
	return out
}

// ScalarMult computes scalar * point.
func ScalarMult(scalar, point [ScalarSize]byte) [ScalarSize]byte {
	var out [ScalarSize]byte
	curve25519.ScalarMult(&out, &scalar, &point)
	return out
}

// ChaCha20XORKeyStream returns a stream cipher keyed by key with an 8-byte
// IV and counter 0, matching the archive format's §4.1 construction.
// golang.org/x/crypto/chacha20 only accepts the IETF 12-byte nonce (32-bit
// counter) or the XChaCha20 24-byte nonce, not the original 8-byte
// nonce/64-bit counter layout; the 8-byte ArchiveIV is placed in the low
// 8 bytes of a 12-byte IETF nonce with the counter left at its default of
// zero, which reproduces the same deterministic keystream for a given
// (key, IV) pair on every call. The returned cipher has no authentication
// of its own; callers are expected to pair it with an independent HMAC as
// the envelope codec does.
func ChaCha20XORKeyStream(key [32]byte, iv [ivSize]byte) (*chacha20.Cipher, error) {
	nonce := make([]byte, chacha20.NonceSize)
	copy(nonce[chacha20.NonceSize-ivSize:], iv[:])
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("init chacha20: %w", err)
	}
	return c, nil
}

// ConstantTimeEqual reports whether a and b are identical using a
// constant-time comparison, for use on ProtectionTag and MAC checks where a
// data-dependent short circuit would leak timing information.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroBytes overwrites b with zeros. Call this on any buffer that held a
// SecretScalar, ProtectionKey, passphrase, or KDF scratch memory before
// releasing it.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
