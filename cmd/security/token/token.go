// Package token hashes opaque bearer tokens for server-side lookup, so a dump of the dev
// broker token tables does not leak usable credentials.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// MinKeyBytes is the shortest accepted HMAC key.
const MinKeyBytes = 32

// Hasher maps tokens to stable 64-char hex digests: HMAC-SHA256 when keyed, SHA-256 otherwise.
type Hasher struct {
	key []byte
}

// NewHasher returns a keyed hasher. A nil or empty key selects plain SHA-256.
func NewHasher(key []byte) (*Hasher, error) {
	if len(key) == 0 {
		return &Hasher{}, nil
	}
	if len(key) < MinKeyBytes {
		return nil, ErrKeyTooShort
	}
	return &Hasher{key: append([]byte(nil), key...)}, nil
}

// Keyed reports whether digests are HMACs.
func (h *Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the digest of tok.
func (h *Hasher) Hash(tok string) string {
	if len(h.key) == 0 {
		sum := sha256.Sum256([]byte(tok))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(tok))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Random returns a URL-safe opaque token carrying n random bytes.
func Random(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never fails since go1.24
	return base64.RawURLEncoding.EncodeToString(b)
}
