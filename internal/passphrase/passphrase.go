// Package passphrase reads archive passphrases from a terminal, following
// the same term.ReadPassword + confirm-on-write idiom the teacher's "hash"
// command uses for its bcrypt passwords.
package passphrase

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrMismatch is returned by ReadNew when the two entered passphrases
// don't match.
var ErrMismatch = errors.New("passphrase: entered passphrases do not match")

// Provider reads a passphrase for an existing operation (unlock, extract) —
// entered once, no confirmation.
type Provider interface {
	Read(prompt string) ([]byte, error)
}

// NewProvider reads a passphrase for a new secret key (keygen) — entered
// twice, rejected on mismatch.
type NewProvider interface {
	ReadNew(prompt string) ([]byte, error)
}

// Terminal implements Provider and NewProvider against the process's
// controlling terminal when stdin is a TTY, falling back to a single
// unechoed line read otherwise (e.g. when stdin is piped, for scripted use).
type Terminal struct {
	In  *os.File
	Out io.Writer
}

// NewTerminal returns a Terminal wired to os.Stdin/os.Stderr.
func NewTerminal() *Terminal {
	return &Terminal{In: os.Stdin, Out: os.Stderr}
}

// Read prompts once and returns the entered bytes, without a trailing
// newline.
func (t *Terminal) Read(prompt string) ([]byte, error) {
	fmt.Fprint(t.Out, prompt)
	pw, err := t.readLine()
	fmt.Fprintln(t.Out)
	if err != nil {
		return nil, fmt.Errorf("passphrase: read: %w", err)
	}
	return pw, nil
}

// ReadNew prompts twice (entry and confirmation) and returns the entered
// bytes only if both match.
func (t *Terminal) ReadNew(prompt string) ([]byte, error) {
	fmt.Fprint(t.Out, prompt)
	pw, err := t.readLine()
	fmt.Fprintln(t.Out)
	if err != nil {
		return nil, fmt.Errorf("passphrase: read: %w", err)
	}

	fmt.Fprint(t.Out, "Confirm passphrase: ")
	confirm, err := t.readLine()
	fmt.Fprintln(t.Out)
	if err != nil {
		return nil, fmt.Errorf("passphrase: read confirmation: %w", err)
	}

	if string(pw) != string(confirm) {
		return nil, ErrMismatch
	}
	return pw, nil
}

func (t *Terminal) readLine() ([]byte, error) {
	if term.IsTerminal(int(t.In.Fd())) {
		return term.ReadPassword(int(t.In.Fd()))
	}

	// Read one byte at a time so nothing past the newline is consumed and a
	// following readLine (ReadNew's confirmation) sees the next line. The
	// result is truncated at the first CR or LF.
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := t.In.Read(b)
		if n == 1 && b[0] != '\n' {
			line = append(line, b[0])
			continue
		}
		if n == 1 || err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if i := bytes.IndexByte(line, '\r'); i >= 0 {
		line = line[:i]
	}
	return line, nil
}
