//go:build !linux && !darwin

package agent

import (
	"errors"
	"time"
)

// ErrUnsupported is returned by Spawn on platforms where spec.md §4.4
// explicitly does not require a key agent (Windows and anything else
// without a Unix domain socket).
var ErrUnsupported = errors.New("agent: key agent is not supported on this platform")

// Spawn always fails on this platform; callers fall back to prompting for
// a passphrase on every extract, which is the documented behavior here.
func Spawn(binary, addr string, key [KeySize]byte, timeout time.Duration) error {
	return ErrUnsupported
}

// ReadKeyFromStdin always fails on this platform.
func ReadKeyFromStdin() ([KeySize]byte, error) {
	var key [KeySize]byte
	return key, ErrUnsupported
}
