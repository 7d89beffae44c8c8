// Package crypto provides the key-derivation primitives that turn raw BB84
// secrets into session keys.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyLen is the derived session key length in bytes.
const KeyLen = 32

// ErrEmptySecret indicates derivation was attempted over no input material.
var ErrEmptySecret = errors.New("empty secret material")

// DeriveSessionKey expands a raw shared secret into a KeyLen-byte session key
// using HKDF-SHA256 (RFC 5869), with label as the info parameter for domain
// separation. The function is deterministic: identical secret and label
// always yield the identical key.
func DeriveSessionKey(rawSecret []byte, label string) ([]byte, error) {
	if len(rawSecret) == 0 {
		return nil, ErrEmptySecret
	}
	r := hkdf.New(sha256.New, rawSecret, nil, []byte(label))
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// HybridSecret concatenates BB84 material with supplemental keying material
// ahead of derivation. Callers derive the result under a distinct label so a
// hybrid key can never collide with a plain BB84 key from the same exchange.
func HybridSecret(raw, supplemental []byte) []byte {
	out := make([]byte, 0, len(raw)+len(supplemental))
	out = append(out, raw...)
	return append(out, supplemental...)
}
