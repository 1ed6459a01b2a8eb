// Package idgen generates opaque random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars, e.g. "req_a1b2...".
// Prefixes make identifiers self-describing in logs.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string covering numBytes of entropy.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
