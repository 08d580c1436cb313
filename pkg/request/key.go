package request

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// KeySize is the width of a cache key in bytes.
const KeySize = sha256.Size

// Key is the SHA-256 of a descriptor's canonical form.
type Key [KeySize]byte

// KeyOf hashes a canonical descriptor string.
func KeyOf(canonical string) Key {
	return Key(sha256.Sum256([]byte(canonical)))
}

// String returns the lowercase hex form of the key (64 characters).
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// ParseKey decodes the hex form produced by Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) != hex.EncodedLen(KeySize) {
		return k, &ValidationError{Field: "key", Reason: fmt.Sprintf("expected %d hex characters, got %d", hex.EncodedLen(KeySize), len(s))}
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return Key{}, &ValidationError{Field: "key", Reason: err.Error()}
	}
	return k, nil
}
