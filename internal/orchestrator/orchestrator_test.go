package orchestrator

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/enchive-go/enchive/internal/entropy"
)

type fixedSource struct{ b byte }

func (f *fixedSource) Read(buf []byte) error {
	for i := range buf {
		buf[i] = f.b
		f.b++
	}
	return nil
}

type scriptedPassphrase struct {
	reads []string
	i     int
}

func (s *scriptedPassphrase) Read(prompt string) ([]byte, error) {
	v := s.reads[s.i]
	s.i++
	return []byte(v), nil
}

func (s *scriptedPassphrase) ReadNew(prompt string) ([]byte, error) {
	return s.Read(prompt)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T, pass *scriptedPassphrase) Context {
	dir := t.TempDir()
	return Context{
		PubKeyPath: filepath.Join(dir, "enchive.pub"),
		SecKeyPath: filepath.Join(dir, "enchive.sec"),
		Logger:     nopLogger(),
		Entropy:    &fixedSource{b: 7},
		Passphrase: pass,
		NewPass:    pass,
	}
}

func TestKeygenPlainThenFingerprint(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})

	if err := Keygen(ctx, KeygenOptions{Plain: true}); err != nil {
		t.Fatalf("Keygen: %v", err)
	}

	if _, err := os.Stat(ctx.SecKeyPath); err != nil {
		t.Fatalf("secret key not written: %v", err)
	}
	if _, err := os.Stat(ctx.PubKeyPath); err != nil {
		t.Fatalf("public key not written: %v", err)
	}

	fp, err := Fingerprint(ctx)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if len(fp) != 8*4+3 {
		t.Errorf("unexpected fingerprint shape: %q", fp)
	}
}

func TestKeygenRefusesToClobberWithoutForce(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})

	if err := Keygen(ctx, KeygenOptions{Plain: true}); err != nil {
		t.Fatalf("first Keygen: %v", err)
	}

	err := Keygen(ctx, KeygenOptions{Plain: true})
	if err == nil {
		t.Fatalf("expected clobber error on second keygen")
	}
}

func TestKeygenRefusesToClobberStalePubKeyWithoutForce(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})

	if err := Keygen(ctx, KeygenOptions{Plain: true}); err != nil {
		t.Fatalf("first Keygen: %v", err)
	}
	if err := os.Remove(ctx.SecKeyPath); err != nil {
		t.Fatalf("remove secret key: %v", err)
	}

	err := Keygen(ctx, KeygenOptions{Plain: true})
	if !errors.Is(err, ErrClobber) {
		t.Fatalf("expected ErrClobber for stale public key, got %v", err)
	}
}

func TestKeygenForceOverwrites(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})

	if err := Keygen(ctx, KeygenOptions{Plain: true}); err != nil {
		t.Fatalf("first Keygen: %v", err)
	}
	if err := Keygen(ctx, KeygenOptions{Plain: true, Force: true}); err != nil {
		t.Fatalf("second Keygen with Force: %v", err)
	}
}

func TestKeygenProtectedRoundTripViaExtract(t *testing.T) {
	pass := &scriptedPassphrase{reads: []string{"hunter2", "hunter2", "hunter2"}}
	ctx := testContext(t, pass)
	ctx.Entropy = &fixedSource{b: 11}

	if err := Keygen(ctx, KeygenOptions{Iterations: 5}); err != nil {
		t.Fatalf("Keygen: %v", err)
	}

	plaintext := []byte("a small archived secret")
	srcFile := filepath.Join(t.TempDir(), "plain.txt")
	if err := os.WriteFile(srcFile, plaintext, 0600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	archiveFile := srcFile + ".enchive"
	if err := Archive(ctx, ArchiveOptions{InFile: srcFile}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(archiveFile); err != nil {
		t.Fatalf("archive not written: %v", err)
	}

	outFile := filepath.Join(t.TempDir(), "roundtrip.txt")
	if err := Extract(ctx, ExtractOptions{InFile: archiveFile, OutFile: outFile}); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	got, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read extracted: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestExtractWrongPassphraseFails(t *testing.T) {
	pass := &scriptedPassphrase{reads: []string{"hunter2", "hunter2"}}
	ctx := testContext(t, pass)
	ctx.Entropy = &fixedSource{b: 21}

	if err := Keygen(ctx, KeygenOptions{Iterations: 5}); err != nil {
		t.Fatalf("Keygen: %v", err)
	}

	srcFile := filepath.Join(t.TempDir(), "plain.txt")
	os.WriteFile(srcFile, []byte("data"), 0600)
	if err := Archive(ctx, ArchiveOptions{InFile: srcFile}); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	wrongCtx := ctx
	wrongCtx.Passphrase = &scriptedPassphrase{reads: []string{"totally wrong"}}
	outFile := filepath.Join(t.TempDir(), "out.txt")
	err := Extract(wrongCtx, ExtractOptions{InFile: srcFile + ".enchive", OutFile: outFile})
	if err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
	if _, statErr := os.Stat(outFile); !os.IsNotExist(statErr) {
		t.Errorf("expected output file to be cleaned up on failure")
	}
}

func TestArchiveDeleteRemovesInput(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})
	if err := Keygen(ctx, KeygenOptions{Plain: true}); err != nil {
		t.Fatalf("Keygen: %v", err)
	}

	srcFile := filepath.Join(t.TempDir(), "plain.txt")
	os.WriteFile(srcFile, []byte("data"), 0600)

	if err := Archive(ctx, ArchiveOptions{InFile: srcFile, Delete: true}); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(srcFile); !os.IsNotExist(err) {
		t.Errorf("expected input to be deleted after archive --delete")
	}
}

func TestKeygenDeriveIsDeterministic(t *testing.T) {
	ctx1 := testContext(t, &scriptedPassphrase{reads: []string{"derive-me"}})
	ctx2 := testContext(t, &scriptedPassphrase{reads: []string{"derive-me"}})

	if err := Keygen(ctx1, KeygenOptions{Derive: true, DeriveIterations: 5}); err != nil {
		t.Fatalf("Keygen ctx1: %v", err)
	}
	if err := Keygen(ctx2, KeygenOptions{Derive: true, DeriveIterations: 5}); err != nil {
		t.Fatalf("Keygen ctx2: %v", err)
	}

	pub1, err := os.ReadFile(ctx1.PubKeyPath)
	if err != nil {
		t.Fatalf("read pub1: %v", err)
	}
	pub2, err := os.ReadFile(ctx2.PubKeyPath)
	if err != nil {
		t.Fatalf("read pub2: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("same derive passphrase produced different public keys")
	}
}

func TestKeygenDeriveAndEditAreMutuallyExclusive(t *testing.T) {
	ctx := testContext(t, &scriptedPassphrase{})
	err := Keygen(ctx, KeygenOptions{Derive: true, Edit: true})
	if err == nil {
		t.Fatalf("expected error for --derive with --edit")
	}
}

func TestKeygenEditRewrapsUnderNewPassphrase(t *testing.T) {
	pass := &scriptedPassphrase{reads: []string{"old-pass"}}
	ctx := testContext(t, pass)
	ctx.Entropy = &fixedSource{b: 31}

	if err := Keygen(ctx, KeygenOptions{Iterations: 5}); err != nil {
		t.Fatalf("initial Keygen: %v", err)
	}
	oldSecretBytes, err := os.ReadFile(ctx.SecKeyPath)
	if err != nil {
		t.Fatalf("read original secret key: %v", err)
	}

	pub1, err := os.ReadFile(ctx.PubKeyPath)
	if err != nil {
		t.Fatalf("read pub1: %v", err)
	}

	editPass := &scriptedPassphrase{reads: []string{"old-pass", "new-pass"}}
	editCtx := ctx
	editCtx.Passphrase = editPass
	editCtx.NewPass = editPass

	if err := Keygen(editCtx, KeygenOptions{Edit: true, Iterations: 5}); err != nil {
		t.Fatalf("edit Keygen: %v", err)
	}

	newSecretBytes, err := os.ReadFile(ctx.SecKeyPath)
	if err != nil {
		t.Fatalf("read rewrapped secret key: %v", err)
	}
	if bytes.Equal(oldSecretBytes, newSecretBytes) {
		t.Fatalf("expected rewrap to change the secret key file (new Salt/IV), got identical bytes")
	}

	pub2, err := os.ReadFile(ctx.PubKeyPath)
	if err != nil {
		t.Fatalf("read pub2: %v", err)
	}
	if !bytes.Equal(pub1, pub2) {
		t.Fatalf("edit must preserve the public key / secret scalar")
	}

	oldPassCtx := ctx
	oldPassCtx.Passphrase = &scriptedPassphrase{reads: []string{"old-pass"}}
	if _, err := loadSecretKey(oldPassCtx, oldPassCtx.SecKeyPath); err == nil {
		t.Fatalf("expected the old passphrase to be rejected after --edit")
	}

	newPassCtx := ctx
	newPassCtx.Passphrase = &scriptedPassphrase{reads: []string{"new-pass"}}
	if _, err := loadSecretKey(newPassCtx, newPassCtx.SecKeyPath); err != nil {
		t.Fatalf("expected the new passphrase to unlock the rewrapped key: %v", err)
	}
}
