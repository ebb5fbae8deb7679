// Package entropy wraps the OS-backed cryptographically secure random byte
// supply used to draw fresh ephemeral scalars and key-file salts.
package entropy

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/enchive-go/enchive/internal/primitives"
)

// Source reads cryptographically secure random bytes. It is an interface so
// tests can substitute a deterministic source without touching the real
// OS entropy pool.
type Source interface {
	Read(b []byte) error
}

// OS is the production Source, backed by crypto/rand.
type OS struct{}

// Read fills b with cryptographically secure random bytes using the
// "full read" discipline: a short read from crypto/rand is treated as a
// fatal IO error rather than silently returning partial entropy.
func (OS) Read(b []byte) error {
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("entropy: read: %w", err)
	}
	return nil
}

// NewScalar draws a fresh, clamped Curve25519 scalar from src.
func NewScalar(src Source) ([primitives.ScalarSize]byte, error) {
	var s [primitives.ScalarSize]byte
	if err := src.Read(s[:]); err != nil {
		return s, err
	}
	primitives.ClampScalar(&s)
	return s, nil
}

// NewSalt draws a fresh 8-byte salt/IV from src.
func NewSalt(src Source) ([8]byte, error) {
	var s [8]byte
	if err := src.Read(s[:]); err != nil {
		return s, err
	}
	return s, nil
}
