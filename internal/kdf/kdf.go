// Package kdf implements the memory-hard passphrase-to-key derivation used
// to protect a secret-key file. It is a deterministic, sequential-fill,
// pointer-chasing construction over a buffer of 2^iexp bytes: the same
// (passphrase, iexp, salt) triple always yields the same 32-byte output.
package kdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/enchive-go/enchive/internal/primitives"
)

const (
	// MinCostExponent and MaxCostExponent bound the accepted iexp range.
	MinCostExponent = 5
	MaxCostExponent = 31

	saltBlockSize = 64
	blockSize     = 32
)

// Derive runs the KDF over passphrase with cost exponent iexp and an
// optional 8-byte salt (the zero value is a valid, if weak, salt). iexp
// must already be validated to [MinCostExponent, MaxCostExponent]; Derive
// returns a BadArgument-shaped error if it is not, so that callers who skip
// validation still fail safely rather than allocating an unbounded buffer.
//
// A buffer of memlen+32 bytes (memlen = 1 << iexp) is allocated and zeroed
// before return.
func Derive(passphrase []byte, iexp uint8, salt [8]byte) ([32]byte, error) {
	var out [32]byte
	if iexp < MinCostExponent || iexp > MaxCostExponent {
		return out, fmt.Errorf("kdf: cost exponent %d out of range [%d,%d]", iexp, MinCostExponent, MaxCostExponent)
	}

	memlen := uint64(1) << iexp
	mask := memlen - 1
	iterations := uint64(1) << (iexp - 5)

	// Step 1: seed = HMAC-SHA-256(key=salt_block, msg=passphrase), where
	// salt_block is the 8-byte salt followed by 56 zero bytes (a 64-byte
	// HMAC block).
	var saltBlock [saltBlockSize]byte
	copy(saltBlock[:8], salt[:])
	mac := hmac.New(sha256.New, saltBlock[:])
	mac.Write(passphrase)
	seed := mac.Sum(nil)

	// Step 2-3: sequential fill. B has memlen+32 bytes; B[p:p+32] =
	// SHA-256(B[p-32:p]) for p = 32, 64, ..., memlen.
	b := make([]byte, memlen+blockSize)
	defer primitives.ZeroBytes(b)
	copy(b[0:blockSize], seed)
	for p := uint64(blockSize); p <= memlen; p += blockSize {
		h := primitives.Sha256(b[p-blockSize : p])
		copy(b[p:p+blockSize], h[:])
	}

	// Step 4-5: pointer-chasing mix.
	ptr := memlen - blockSize
	for i := uint64(0); i < iterations; i++ {
		h := primitives.Sha256(b[ptr : ptr+blockSize])
		copy(b[ptr:ptr+blockSize], h[:])

		offset := uint32(b[ptr]) | uint32(b[ptr+1])<<8 | uint32(b[ptr+2])<<16 | uint32(b[ptr+3])<<24
		ptr = uint64(offset) & mask
	}

	copy(out[:], b[ptr:ptr+blockSize])
	return out, nil
}

// MemorySize returns a human-readable rendering of the working-set size a
// given cost exponent allocates (2^iexp bytes), for use in flag help text.
func MemorySize(iexp int) string {
	return humanize.IBytes(uint64(1) << uint(iexp))
}

// ValidateCostExponent reports a BadArgument-shaped error for any iexp
// outside [MinCostExponent, MaxCostExponent], for use by callers (the CLI
// flag parser) before they touch passphrase material or allocate memory.
func ValidateCostExponent(iexp int) error {
	if iexp < MinCostExponent || iexp > MaxCostExponent {
		return fmt.Errorf("kdf: iteration exponent must be between %d and %d, got %d", MinCostExponent, MaxCostExponent, iexp)
	}
	return nil
}
