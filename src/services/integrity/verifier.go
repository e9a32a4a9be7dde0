package integrity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
)

// DigestSize is the length of a SHA-256 digest in bytes
const DigestSize = sha256.Size

// ErrIntegrityMismatch is returned when a reconstructed file does not hash to the original digest.
var ErrIntegrityMismatch = errors.New("integrity check failed: digest mismatch")

// Digest is a SHA-256 content digest.
type Digest []byte

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != DigestSize {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	return raw, nil
}

// Result describes the outcome of a verification.
type Result struct {
	Expected Digest `json:"expected"`
	Actual   Digest `json:"actual"`
	Match    bool   `json:"match"`
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, n, fmt.Errorf("hash stream: %w", err)
	}
	return h.Sum(nil), n, nil
}

// Hasher accumulates a digest over everything written to it, for hashing a
// stream that is being consumed by something else.
type Hasher struct {
	h hash.Hash
	n int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, _ := h.h.Write(p)
	h.n += int64(n)
	return n, nil
}

// Sum returns the digest of the bytes written so far
func (h *Hasher) Sum() Digest {
	return h.h.Sum(nil)
}

// Count returns the number of bytes written
func (h *Hasher) Count() int64 {
	return h.n
}

// HashFile streams the file at path through SHA-256.
func HashFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashBytes hashes an in-memory buffer.
func HashBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return sum[:]
}

// Equal compares two digests in constant time.
func Equal(a, b Digest) bool {
	if len(a) != DigestSize || len(b) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Verify compares expected with actual.
func Verify(expected, actual Digest) Result {
	return Result{
		Expected: expected,
		Actual:   actual,
		Match:    Equal(expected, actual),
	}
}
