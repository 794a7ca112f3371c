package broker

import (
	"errors"
	"sync"
	"time"

	sectoken "tuitui/cmd/security/token"
	v1 "tuitui/shared/contracts/chat/v1"
)

const tokenBytes = 32

// ErrInvalidRefreshToken is returned when a refresh token is unknown or already rotated.
var ErrInvalidRefreshToken = errors.New("invalid refresh token")

// TokenIssuer hands out opaque dev tokens and rotates them on refresh.
// A refresh token is valid exactly once. Only token digests are kept.
type TokenIssuer struct {
	ttl  time.Duration
	now  func() time.Time
	hash *sectoken.Hasher

	mu      sync.Mutex
	access  map[string]time.Time // digest -> expiry
	refresh map[string]struct{}  // digest
}

// NewTokenIssuer constructs an issuer whose access tokens live for ttl (0 = forever).
// A nil hasher stores plain SHA-256 digests.
func NewTokenIssuer(ttl time.Duration, hasher *sectoken.Hasher) *TokenIssuer {
	if hasher == nil {
		hasher, _ = sectoken.NewHasher(nil)
	}
	return &TokenIssuer{
		ttl:     ttl,
		now:     time.Now,
		hash:    hasher,
		access:  make(map[string]time.Time),
		refresh: make(map[string]struct{}),
	}
}

// Issue creates a fresh token pair.
func (t *TokenIssuer) Issue() v1.TokenPair {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.issueLocked()
}

func (t *TokenIssuer) issueLocked() v1.TokenPair {
	p := v1.TokenPair{AccessToken: sectoken.Random(tokenBytes), RefreshToken: sectoken.Random(tokenBytes)}
	var exp time.Time
	if t.ttl > 0 {
		exp = t.now().Add(t.ttl)
	}
	t.access[t.hash.Hash(p.AccessToken)] = exp
	t.refresh[t.hash.Hash(p.RefreshToken)] = struct{}{}
	return p
}

// Refresh consumes refreshToken and returns a rotated pair.
func (t *TokenIssuer) Refresh(refreshToken string) (v1.TokenPair, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.hash.Hash(refreshToken)
	if _, ok := t.refresh[key]; !ok {
		return v1.TokenPair{}, ErrInvalidRefreshToken
	}
	delete(t.refresh, key)
	return t.issueLocked(), nil
}

// Valid reports whether access is a live access token.
func (t *TokenIssuer) Valid(access string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.hash.Hash(access)
	exp, ok := t.access[key]
	if !ok {
		return false
	}
	if !exp.IsZero() && !t.now().Before(exp) {
		delete(t.access, key)
		return false
	}
	return true
}

// Revoke invalidates an access token.
func (t *TokenIssuer) Revoke(access string) {
	t.mu.Lock()
	delete(t.access, t.hash.Hash(access))
	t.mu.Unlock()
}
