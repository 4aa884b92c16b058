// Package idgen generates random identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars from 12 random bytes. Used for
// externally visible IDs such as "wh_..." subscriptions and "evt_..." events.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns a random hex string of numBytes random bytes. Doubles as a
// secret generator for webhook signing keys.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
