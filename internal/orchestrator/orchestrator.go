// Package orchestrator implements the four user-facing commands — keygen,
// fingerprint, archive, extract — as pure functions over an explicit
// Context value, replacing the process-global mutables (key paths, agent
// timeout, cleanup targets) the teacher's cobra commands close over
// directly. Every operation threads a cleanup.Stack so a fatal error at any
// point unlinks whatever it has written so far.
package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/enchive-go/enchive/internal/agent"
	"github.com/enchive-go/enchive/internal/cleanup"
	"github.com/enchive-go/enchive/internal/config"
	"github.com/enchive-go/enchive/internal/entropy"
	"github.com/enchive-go/enchive/internal/envelope"
	"github.com/enchive-go/enchive/internal/kdf"
	"github.com/enchive-go/enchive/internal/keyfile"
	"github.com/enchive-go/enchive/internal/passphrase"
	"github.com/enchive-go/enchive/internal/primitives"
)

// ErrClobber is returned when a command would overwrite an existing file
// without --force.
var ErrClobber = errors.New("orchestrator: target file already exists, use --force to overwrite")

// DefaultIterations is the storage wrap cost exponent used when
// --iterations is not supplied, with or without --derive.
const DefaultIterations = 10

// Context carries everything a command needs that the teacher's source
// kept as package-level mutables: key file locations, agent policy,
// logging, entropy, and passphrase entry.
type Context struct {
	PubKeyPath string
	SecKeyPath string

	// AgentTimeout is the idle timeout passed to a spawned agent. Zero
	// disables the agent entirely (--no-agent).
	AgentTimeout time.Duration

	// AgentBinary is the path to the enchive-agent executable used to
	// spawn a detached agent after a fresh passphrase unwrap. Empty
	// disables spawning (agent lookups still happen, spawning just never
	// does), which is useful in tests.
	AgentBinary string

	Logger     *slog.Logger
	Entropy    entropy.Source
	Passphrase passphrase.Provider
	NewPass    passphrase.NewProvider
}

func (c Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// passphraseAdapter lets a passphrase.Provider (or NewProvider) satisfy
// keyfile.PassphraseProvider, which asks a bare question with no prompt
// text of its own.
type passphraseAdapter struct {
	prompt string
	read   func(string) ([]byte, error)
}

func (a passphraseAdapter) Passphrase() ([]byte, error) {
	return a.read(a.prompt)
}

// KeygenOptions configures the keygen command.
type KeygenOptions struct {
	// Derive, if true, derives SecretScalar deterministically from a
	// passphrase via the KDF instead of drawing it from entropy.
	// DeriveIterations is the KDF cost exponent used for that derivation.
	Derive           bool
	DeriveIterations uint8

	// Edit loads the existing secret key (agent → passphrase) and
	// rewraps it under a freshly entered passphrase/iterations.
	Edit bool

	Force       bool
	Fingerprint bool

	// Iterations is the storage wrap cost exponent. Ignored (treated as
	// 0, i.e. unprotected) if the entered passphrase is empty.
	Iterations uint8

	// Plain stores the secret key unwrapped regardless of any passphrase
	// entered.
	Plain bool
}

// Keygen generates or edits a secret key and its paired public key.
func Keygen(ctx Context, opts KeygenOptions) (err error) {
	if opts.Derive && opts.Edit {
		return fmt.Errorf("orchestrator: --derive and --edit are mutually exclusive")
	}

	var stack cleanup.Stack
	defer func() {
		if err != nil {
			stack.Run()
		}
	}()

	var scalar [primitives.ScalarSize]byte
	var wrapPassphrase []byte

	switch {
	case opts.Edit:
		existing, loadErr := loadSecretKey(ctx, ctx.SecKeyPath)
		if loadErr != nil {
			return fmt.Errorf("orchestrator: keygen --edit: %w", loadErr)
		}
		defer existing.Zero()
		scalar = existing.Scalar

	case opts.Derive:
		if err := kdf.ValidateCostExponent(int(opts.DeriveIterations)); err != nil {
			return err
		}
		if ctx.NewPass == nil {
			return fmt.Errorf("orchestrator: keygen --derive requires a passphrase provider")
		}
		pass, perr := ctx.NewPass.ReadNew("Passphrase: ")
		if perr != nil {
			return fmt.Errorf("orchestrator: read derivation passphrase: %w", perr)
		}
		defer primitives.ZeroBytes(pass)
		wrapPassphrase = pass

		var zeroSalt [8]byte
		derived, derr := kdf.Derive(pass, opts.DeriveIterations, zeroSalt)
		if derr != nil {
			return fmt.Errorf("orchestrator: derive secret scalar: %w", derr)
		}
		scalar = derived
		primitives.ClampScalar(&scalar)

	default:
		fresh, serr := entropy.NewScalar(ctx.Entropy)
		if serr != nil {
			return fmt.Errorf("orchestrator: draw secret scalar: %w", serr)
		}
		scalar = fresh
	}
	defer primitives.ZeroBytes(scalar[:])

	if !opts.Edit && !opts.Force {
		if _, statErr := os.Stat(ctx.SecKeyPath); statErr == nil {
			return fmt.Errorf("%w: %s", ErrClobber, ctx.SecKeyPath)
		}
		if _, statErr := os.Stat(ctx.PubKeyPath); statErr == nil {
			return fmt.Errorf("%w: %s", ErrClobber, ctx.PubKeyPath)
		}
	}

	wrapIterations := opts.Iterations
	if wrapIterations == 0 {
		wrapIterations = DefaultIterations
	}

	// A fresh or edited key without a --derive passphrase still needs one
	// prompt for the storage wrap; --derive reuses the passphrase it
	// already collected so the user isn't asked twice for what is, in
	// effect, the same secret.
	if !opts.Plain && wrapPassphrase == nil {
		if ctx.NewPass == nil {
			return fmt.Errorf("orchestrator: keygen requires a passphrase provider unless --plain is set")
		}
		p, perr := ctx.NewPass.ReadNew("Passphrase for secret key (empty for none): ")
		if perr != nil {
			return fmt.Errorf("orchestrator: read storage passphrase: %w", perr)
		}
		defer primitives.ZeroBytes(p)
		wrapPassphrase = p
	}
	if opts.Plain {
		wrapPassphrase = nil
	}
	if len(wrapPassphrase) == 0 {
		wrapIterations = 0
	}

	stack.Register(ctx.SecKeyPath)
	if werr := keyfile.WriteSecretKey(ctx.SecKeyPath, scalar, wrapIterations, wrapPassphrase, ctx.Entropy); werr != nil {
		return fmt.Errorf("orchestrator: write secret key: %w", werr)
	}

	pub := primitives.ScalarBaseMult(scalar)
	stack.Register(ctx.PubKeyPath)
	if werr := keyfile.WritePublicKey(ctx.PubKeyPath, pub); werr != nil {
		return fmt.Errorf("orchestrator: write public key: %w", werr)
	}

	stack.Commit()

	if opts.Fingerprint {
		fmt.Println(keyfile.Fingerprint(pub))
	}
	ctx.logger().Info("secret key generated", "path", ctx.SecKeyPath)
	return nil
}

// Fingerprint loads the public key and returns its fingerprint string.
func Fingerprint(ctx Context) (string, error) {
	pub, err := keyfile.LoadPublicKey(ctx.PubKeyPath)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load public key: %w", err)
	}
	return keyfile.Fingerprint(pub), nil
}

// ArchiveOptions configures the archive command.
type ArchiveOptions struct {
	InFile  string // empty means stdin
	OutFile string // empty means derive from InFile, or stdout if InFile is also empty
	Delete  bool
}

// Archive encrypts InFile (or stdin) to OutFile (or a derived/default name)
// under the recipient public key.
func Archive(ctx Context, opts ArchiveOptions) (err error) {
	pub, err := keyfile.LoadPublicKey(ctx.PubKeyPath)
	if err != nil {
		return fmt.Errorf("orchestrator: load public key: %w", err)
	}

	in, closeIn, err := openInput(opts.InFile)
	if err != nil {
		return err
	}
	defer closeIn()

	outPath := opts.OutFile
	if outPath == "" && opts.InFile != "" {
		outPath = opts.InFile + ".enchive"
	}

	out, closeOut, stack, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer func() {
		closeOut()
		if err != nil {
			stack.Run()
		} else {
			stack.Commit()
		}
	}()

	counted := &countingWriter{w: out}
	if err := envelope.Encrypt(counted, in, pub, envelope.Version, ctx.Entropy); err != nil {
		return fmt.Errorf("orchestrator: archive: %w", err)
	}

	if opts.Delete && opts.InFile != "" {
		if rerr := os.Remove(opts.InFile); rerr != nil {
			return fmt.Errorf("orchestrator: delete input after archive: %w", rerr)
		}
	}
	ctx.logger().Info("archive written", "path", outPath, "size", humanize.Bytes(counted.n))
	return nil
}

// countingWriter tracks the number of bytes written through it, for the
// human-readable size reported in the post-archive/extract log line.
type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// ExtractOptions configures the extract command.
type ExtractOptions struct {
	InFile  string // empty means stdin
	OutFile string // empty means derive from InFile, or stdout
	Delete  bool
}

// Extract loads the secret key (agent, falling back to a passphrase
// prompt), decrypts InFile (or stdin) to OutFile (or a derived/default
// name), and spawns an agent to cache the protection key on a fresh
// passphrase unwrap.
func Extract(ctx Context, opts ExtractOptions) (err error) {
	sk, err := loadSecretKey(ctx, ctx.SecKeyPath)
	if err != nil {
		return fmt.Errorf("orchestrator: load secret key: %w", err)
	}
	defer sk.Zero()

	in, closeIn, err := openInput(opts.InFile)
	if err != nil {
		return err
	}
	defer closeIn()

	outPath := opts.OutFile
	if outPath == "" && opts.InFile != "" {
		outPath = strings.TrimSuffix(opts.InFile, ".enchive")
	}

	out, closeOut, stack, err := openOutput(outPath)
	if err != nil {
		return err
	}
	defer func() {
		closeOut()
		if err != nil {
			stack.Run()
		} else {
			stack.Commit()
		}
	}()

	counted := &countingWriter{w: out}
	if err := envelope.Decrypt(counted, in, sk.Scalar); err != nil {
		return fmt.Errorf("orchestrator: extract: %w", err)
	}

	if opts.Delete && opts.InFile != "" {
		if rerr := os.Remove(opts.InFile); rerr != nil {
			return fmt.Errorf("orchestrator: delete input after extract: %w", rerr)
		}
	}
	ctx.logger().Info("archive extracted", "path", outPath, "size", humanize.Bytes(counted.n))
	return nil
}

// loadSecretKey implements spec.md §4.4's "agent → passphrase" policy: it
// first tries the key agent for a cached ProtectionKey (skipping the KDF
// entirely), and only prompts for a passphrase on any agent-read failure.
// A freshly-unwrapped protection key is handed to a newly spawned agent so
// later commands in the session don't re-prompt.
func loadSecretKey(ctx Context, path string) (keyfile.SecretKey, error) {
	meta, err := keyfile.Peek(path)
	if err != nil {
		return keyfile.SecretKey{}, err
	}

	if meta.Iterations == 0 {
		return keyfile.LoadSecretKey(path, nil)
	}

	addr := agent.Address(config.RuntimeDir(), meta.Salt)

	if ctx.AgentTimeout > 0 {
		if cached, aerr := agent.Read(addr, meta.Tag); aerr == nil {
			buf, rerr := os.ReadFile(path)
			if rerr != nil {
				primitives.ZeroBytes(cached[:])
				return keyfile.SecretKey{}, fmt.Errorf("orchestrator: read %s: %w", path, rerr)
			}
			sk, derr := keyfile.DecodeSecretKeyWithProtectionKey(buf, cached)
			primitives.ZeroBytes(cached[:])
			if derr == nil {
				ctx.logger().Info("protection key served from agent cache", "address", addr)
				return sk, nil
			}
		}
	}

	if ctx.Passphrase == nil {
		return keyfile.SecretKey{}, fmt.Errorf("orchestrator: secret key is passphrase-protected but no passphrase provider was supplied")
	}

	// Capture the passphrase as it is entered so a successful unwrap can
	// re-derive the same ProtectionKey for the agent, without adding a
	// second output parameter to keyfile's public LoadSecretKey.
	var captured []byte
	capture := passphraseAdapter{prompt: "Passphrase: ", read: func(prompt string) ([]byte, error) {
		p, perr := ctx.Passphrase.Read(prompt)
		if perr != nil {
			return nil, perr
		}
		captured = append([]byte(nil), p...)
		return p, nil
	}}

	sk, err := keyfile.LoadSecretKey(path, capture)
	defer primitives.ZeroBytes(captured)
	if err != nil {
		return keyfile.SecretKey{}, err
	}

	if ctx.AgentTimeout > 0 && ctx.AgentBinary != "" && len(captured) > 0 {
		protKey, derr := kdf.Derive(captured, meta.Iterations, meta.Salt)
		if derr == nil {
			if serr := agent.Spawn(ctx.AgentBinary, addr, protKey, ctx.AgentTimeout); serr != nil {
				ctx.logger().Warn("failed to spawn key agent", "error", serr)
			} else {
				ctx.logger().Info("key agent spawned", "address", addr, "timeout", ctx.AgentTimeout)
			}
			primitives.ZeroBytes(protKey[:])
		}
	}

	return sk, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: open %s: %w", path, err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func(), *cleanup.Stack, error) {
	stack := &cleanup.Stack{}
	if path == "" {
		return os.Stdout, func() {}, stack, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("orchestrator: create %s: %w", path, err)
	}
	stack.Register(path)
	return f, func() { f.Close() }, stack, nil
}
