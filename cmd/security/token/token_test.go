package token

import (
	"errors"
	"strings"
	"testing"
)

func TestHasher(t *testing.T) {
	t.Parallel()

	plain, err := NewHasher(nil)
	if err != nil {
		t.Fatalf("NewHasher(nil): %v", err)
	}
	keyed, err := NewHasher([]byte(strings.Repeat("k", MinKeyBytes)))
	if err != nil {
		t.Fatalf("NewHasher(key): %v", err)
	}
	if plain.Keyed() || !keyed.Keyed() {
		t.Fatalf("Keyed: plain=%v keyed=%v", plain.Keyed(), keyed.Keyed())
	}

	// sha256("abc")
	const abc = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := plain.Hash("abc"); got != abc {
		t.Fatalf("plain Hash=%s", got)
	}
	h := keyed.Hash("abc")
	if len(h) != 64 || h == abc {
		t.Fatalf("keyed Hash=%s", h)
	}
	if !Equal(h, keyed.Hash("abc")) || Equal(h, keyed.Hash("abd")) {
		t.Fatalf("keyed hash not stable or not distinct")
	}
}

func TestNewHasherRejectsShortKey(t *testing.T) {
	t.Parallel()

	if _, err := NewHasher([]byte("short")); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("err=%v want ErrKeyTooShort", err)
	}
}

func TestRandom(t *testing.T) {
	t.Parallel()

	a, b := Random(32), Random(32)
	if a == b || len(a) != 43 || strings.ContainsAny(a, "+/=") {
		t.Fatalf("Random: a=%q b=%q", a, b)
	}
}
