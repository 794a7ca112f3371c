package token

import "errors"

// ErrKeyTooShort is returned by NewHasher for keys below MinKeyBytes.
var ErrKeyTooShort = errors.New("token hmac key too short")
