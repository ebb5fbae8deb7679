//go:build linux || darwin

package config

import "golang.org/x/sys/unix"

// withOwnerOnlyUmask runs fn with the process umask tightened to 0077 so
// that a brief window between mkdir and chmod never exposes key material
// to other local users, following the teacher's per-OS service_linux.go /
// service_darwin.go / service_windows.go split.
func withOwnerOnlyUmask(fn func() error) error {
	old := unix.Umask(0077)
	defer unix.Umask(old)
	return fn()
}
