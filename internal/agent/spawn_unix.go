//go:build linux || darwin

package agent

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Spawn launches binary as a detached child running the serve protocol for
// addr/key with the given idle timeout, per spec.md §4.4's "agent launch":
// the parent returns immediately after the child is started, and a spawn
// failure is non-fatal to the caller. The child is re-exec'd as
// "<binary> --serve <addr> --timeout <duration>" (the timeout in Go duration
// syntax, e.g. "30s") with KeySize bytes of key
// piped to its stdin, rather than on argv or the environment, so the key
// never appears in a process listing.
func Spawn(binary, addr string, key [KeySize]byte, timeout time.Duration) error {
	cmd := exec.Command(binary, "--serve", addr, "--timeout", timeout.String())

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent: spawn: stdin pipe: %w", err)
	}
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: spawn: %w", err)
	}

	go func() {
		stdin.Write(key[:])
		stdin.Close()
		cmd.Process.Release()
	}()

	return nil
}

// ReadKeyFromStdin reads exactly KeySize bytes from os.Stdin, the transport
// Spawn uses to hand the freshly-unwrapped ProtectionKey to the detached
// agent process.
func ReadKeyFromStdin() ([KeySize]byte, error) {
	var key [KeySize]byte
	n, err := readUpTo(os.Stdin, key[:])
	if err != nil && n != KeySize {
		return key, fmt.Errorf("agent: read key from stdin: %w", err)
	}
	if n != KeySize {
		return key, fmt.Errorf("agent: expected %d key bytes on stdin, got %d", KeySize, n)
	}
	return key, nil
}
