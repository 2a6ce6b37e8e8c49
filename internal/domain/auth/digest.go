package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// DigestSize is the length of a credential digest in bytes.
const DigestSize = sha256.Size

// Digest is the one-way hash of a credential. Raw credentials are never
// stored or compared; only their digests are.
type Digest [DigestSize]byte

// ParseDigest decodes the hex form produced by Digest.String.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, errors.Wrap(err, "decode digest")
	}
	if len(b) != DigestSize {
		return d, errors.Errorf("digest must be %d bytes, got %d", DigestSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// String returns the lowercase hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal compares two digests in constant time.
func (d Digest) Equal(other Digest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Hasher computes credential digests. Without a pepper it produces plain
// SHA-256, otherwise HMAC-SHA256 keyed with the pepper.
type Hasher struct {
	pepper []byte
}

// NewHasher returns a Hasher using the given pepper. A nil or empty pepper
// selects plain SHA-256.
func NewHasher(pepper []byte) *Hasher {
	return &Hasher{pepper: append([]byte(nil), pepper...)}
}

// Digest hashes secret. An empty secret is valid input and yields the digest
// of the empty string.
func (h *Hasher) Digest(secret []byte) Digest {
	if h == nil || len(h.pepper) == 0 {
		return sha256.Sum256(secret)
	}

	var d Digest
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write(secret)
	copy(d[:], mac.Sum(nil))
	return d
}
