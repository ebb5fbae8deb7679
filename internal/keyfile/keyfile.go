// Package keyfile encodes and decodes the on-disk secret-key and
// public-key files: the 88-byte (optionally passphrase-wrapped) secret-key
// format of spec.md §4.3, and the bare 32-byte public-key file. Both files
// are written atomically (temp file + rename) and created with owner-only
// permissions, following the teacher's identity.AgentID.Store idiom.
package keyfile

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/enchive-go/enchive/internal/entropy"
	"github.com/enchive-go/enchive/internal/kdf"
	"github.com/enchive-go/enchive/internal/primitives"
)

const (
	// FormatVersion is the only secret-key-file format byte this codec
	// accepts or writes.
	FormatVersion byte = 1

	secretFileSize  = 88
	publicFileSize  = primitives.ScalarSize
	protectionTagSz = 20
)

var (
	// ErrVersionMismatch is returned when a secret-key file's format byte
	// (offset 9) disagrees with FormatVersion.
	ErrVersionMismatch = errors.New("keyfile: unsupported secret-key file version")

	// ErrMalformed is returned for any secret-key or public-key file that
	// is not exactly the expected length.
	ErrMalformed = errors.New("keyfile: malformed key file")

	// ErrWrongPassphrase is returned when the supplied passphrase's
	// derived ProtectionKey does not match the stored ProtectionTag.
	// It deliberately carries the same message regardless of whether the
	// passphrase or the key file itself is at fault, per spec.md §7.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// SecretKey is the decoded, in-memory form of a secret-key file.
type SecretKey struct {
	Scalar     [primitives.ScalarSize]byte
	Salt       [8]byte
	Iterations uint8 // 0 means unprotected
}

// Zero overwrites the secret scalar. Call this on every exit path once the
// scalar is no longer needed.
func (s *SecretKey) Zero() {
	primitives.ZeroBytes(s.Scalar[:])
}

// PassphraseProvider supplies a passphrase for unwrapping a protected
// secret-key file. The orchestrator implements it with an adapter around an
// internal/passphrase Provider.
type PassphraseProvider interface {
	Passphrase() ([]byte, error)
}

// WriteSecretKey encodes scalar to path. If iexp is 0 the key is stored
// unprotected (Salt/IV is the zero value, ProtectionTag is all zero). A
// nil or empty passphrase with iexp != 0 is treated identically to iexp
// == 0 (spec.md §7's "empty passphrase means no protection").
func WriteSecretKey(path string, scalar [primitives.ScalarSize]byte, iexp uint8, passphrase []byte, src entropy.Source) error {
	if len(passphrase) == 0 {
		iexp = 0
	}

	buf := make([]byte, secretFileSize)
	buf[9] = FormatVersion

	if iexp == 0 {
		copy(buf[32:64], scalar[:])
		return atomicWriteOwnerOnly(path, buf)
	}

	salt, err := entropy.NewSalt(src)
	if err != nil {
		return fmt.Errorf("keyfile: generate salt: %w", err)
	}

	protKey, err := kdf.Derive(passphrase, iexp, salt)
	if err != nil {
		return fmt.Errorf("keyfile: derive protection key: %w", err)
	}
	defer primitives.ZeroBytes(protKey[:])

	tag := primitives.Sha256(protKey[:])

	wrapped, err := wrapScalar(scalar, protKey, salt)
	if err != nil {
		return err
	}

	copy(buf[0:8], salt[:])
	buf[8] = iexp
	copy(buf[12:32], tag[:protectionTagSz])
	copy(buf[32:64], wrapped[:])

	return atomicWriteOwnerOnly(path, buf)
}

// LoadSecretKey decodes the secret-key file at path. If the file is
// protected, provider is consulted for the passphrase; LoadSecretKey
// returns ErrWrongPassphrase if the derived key does not validate against
// the stored ProtectionTag.
func LoadSecretKey(path string, provider PassphraseProvider) (SecretKey, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return SecretKey{}, fmt.Errorf("keyfile: read %s: %w", path, err)
	}
	return DecodeSecretKey(buf, provider)
}

// DecodeSecretKey parses an in-memory secret-key file, consulting provider
// only if the file is passphrase-protected. It is split out from
// LoadSecretKey so tests can exercise parsing without touching disk; the
// agent's cached-key fast path uses DecodeSecretKeyWithProtectionKey
// instead.
func DecodeSecretKey(buf []byte, provider PassphraseProvider) (SecretKey, error) {
	if len(buf) != secretFileSize {
		return SecretKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, secretFileSize, len(buf))
	}
	if buf[9] != FormatVersion {
		return SecretKey{}, fmt.Errorf("%w: got version byte %d, want %d", ErrVersionMismatch, buf[9], FormatVersion)
	}

	var sk SecretKey
	sk.Iterations = buf[8]
	copy(sk.Salt[:], buf[0:8])

	if sk.Iterations == 0 {
		copy(sk.Scalar[:], buf[32:64])
		return sk, nil
	}

	if provider == nil {
		return SecretKey{}, fmt.Errorf("keyfile: secret key is passphrase-protected but no provider was supplied")
	}

	passphrase, err := provider.Passphrase()
	if err != nil {
		return SecretKey{}, fmt.Errorf("keyfile: obtain passphrase: %w", err)
	}
	defer primitives.ZeroBytes(passphrase)

	protKey, err := kdf.Derive(passphrase, sk.Iterations, sk.Salt)
	if err != nil {
		return SecretKey{}, fmt.Errorf("keyfile: derive protection key: %w", err)
	}
	defer primitives.ZeroBytes(protKey[:])

	wantTag := buf[12:32]
	gotTag := primitives.Sha256(protKey[:])
	if !primitives.ConstantTimeEqual(gotTag[:protectionTagSz], wantTag) {
		return SecretKey{}, ErrWrongPassphrase
	}

	var wrapped [32]byte
	copy(wrapped[:], buf[32:64])
	scalar, err := unwrapScalar(wrapped, protKey, sk.Salt)
	if err != nil {
		return SecretKey{}, err
	}
	sk.Scalar = scalar
	return sk, nil
}

// Metadata is the header portion of a secret-key file that can be read
// without knowing the passphrase: enough to look up a cached ProtectionKey
// in the key agent before deciding whether a prompt is needed at all.
type Metadata struct {
	Salt       [8]byte
	Iterations uint8
	Tag        [protectionTagSz]byte
}

// Peek reads path and returns its header metadata without unwrapping the
// secret scalar. Used by the orchestrator's extract path to compute the
// agent socket address and ProtectionTag before deciding whether an agent
// lookup can skip the passphrase prompt entirely.
func Peek(path string) (Metadata, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("keyfile: read %s: %w", path, err)
	}
	if len(buf) != secretFileSize {
		return Metadata{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, secretFileSize, len(buf))
	}
	if buf[9] != FormatVersion {
		return Metadata{}, fmt.Errorf("%w: got version byte %d, want %d", ErrVersionMismatch, buf[9], FormatVersion)
	}

	var m Metadata
	copy(m.Salt[:], buf[0:8])
	m.Iterations = buf[8]
	copy(m.Tag[:], buf[12:32])
	return m, nil
}

// DecodeSecretKeyWithProtectionKey unwraps buf using an already-known
// ProtectionKey (e.g. one handed back by the key agent), skipping the
// expensive KDF re-derivation a PassphraseProvider path would require. It
// still verifies protKey against the stored ProtectionTag before trusting
// it.
func DecodeSecretKeyWithProtectionKey(buf []byte, protKey [32]byte) (SecretKey, error) {
	if len(buf) != secretFileSize {
		return SecretKey{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, secretFileSize, len(buf))
	}
	if buf[9] != FormatVersion {
		return SecretKey{}, fmt.Errorf("%w: got version byte %d, want %d", ErrVersionMismatch, buf[9], FormatVersion)
	}

	var sk SecretKey
	sk.Iterations = buf[8]
	copy(sk.Salt[:], buf[0:8])

	if sk.Iterations == 0 {
		copy(sk.Scalar[:], buf[32:64])
		return sk, nil
	}

	wantTag := buf[12:32]
	gotTag := primitives.Sha256(protKey[:])
	if !primitives.ConstantTimeEqual(gotTag[:protectionTagSz], wantTag) {
		return SecretKey{}, ErrWrongPassphrase
	}

	var wrapped [32]byte
	copy(wrapped[:], buf[32:64])
	scalar, err := unwrapScalar(wrapped, protKey, sk.Salt)
	if err != nil {
		return SecretKey{}, err
	}
	sk.Scalar = scalar
	return sk, nil
}

// ProtectionTagFor derives the ProtectionKey for passphrase against the
// parameters stored in a secret-key file and returns its ProtectionTag,
// without decrypting the wrapped scalar. The result is comparable with the
// Tag field that Peek returns.
func ProtectionTagFor(passphrase []byte, iexp uint8, salt [8]byte) ([protectionTagSz]byte, error) {
	var tag [protectionTagSz]byte
	protKey, err := kdf.Derive(passphrase, iexp, salt)
	if err != nil {
		return tag, err
	}
	defer primitives.ZeroBytes(protKey[:])
	full := primitives.Sha256(protKey[:])
	copy(tag[:], full[:protectionTagSz])
	return tag, nil
}

func wrapScalar(scalar [32]byte, protKey [32]byte, salt [8]byte) ([32]byte, error) {
	var wrapped [32]byte
	stream, err := primitives.ChaCha20XORKeyStream(protKey, salt)
	if err != nil {
		return wrapped, fmt.Errorf("keyfile: wrap: %w", err)
	}
	stream.XORKeyStream(wrapped[:], scalar[:])
	return wrapped, nil
}

func unwrapScalar(wrapped [32]byte, protKey [32]byte, salt [8]byte) ([32]byte, error) {
	var scalar [32]byte
	stream, err := primitives.ChaCha20XORKeyStream(protKey, salt)
	if err != nil {
		return scalar, fmt.Errorf("keyfile: unwrap: %w", err)
	}
	stream.XORKeyStream(scalar[:], wrapped[:])
	return scalar, nil
}

// WritePublicKey writes the bare 32-byte public-key file, owner-only.
func WritePublicKey(path string, pub [primitives.ScalarSize]byte) error {
	return atomicWriteOwnerOnly(path, pub[:])
}

// LoadPublicKey reads and validates the 32-byte public-key file.
func LoadPublicKey(path string) ([primitives.ScalarSize]byte, error) {
	var pub [primitives.ScalarSize]byte
	buf, err := os.ReadFile(path)
	if err != nil {
		return pub, fmt.Errorf("keyfile: read %s: %w", path, err)
	}
	if len(buf) != publicFileSize {
		return pub, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, publicFileSize, len(buf))
	}
	copy(pub[:], buf)
	return pub, nil
}

// Fingerprint renders the first 16 bytes of SHA-256(pub) as four
// 8-hex-digit groups joined by '-'.
func Fingerprint(pub [primitives.ScalarSize]byte) string {
	digest := primitives.Sha256(pub[:])
	h := hex.EncodeToString(digest[:16])
	return h[0:8] + "-" + h[8:16] + "-" + h[16:24] + "-" + h[24:32]
}

// atomicWriteOwnerOnly writes data to path via a temp-file-then-rename, with
// 0600 permissions, matching the teacher's identity.AgentID.Store pattern.
func atomicWriteOwnerOnly(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("keyfile: create directory %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keyfile: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("keyfile: persist %s: %w", path, err)
	}
	return nil
}
