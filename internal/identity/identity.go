// Package identity implements the device identity hasher: a
// pure, deterministic, one-way transform from plaintext serial/MAC to the
// hashes the registry indexes devices by. No salting — the point is a
// stable identifier that can be indexed, not a password hash.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns hex(SHA-256(utf8(s))).
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashComposite returns Hash(serial + "|" + mac), the registry's unique
// device key.
func HashComposite(serial, mac string) string {
	return Hash(serial + "|" + mac)
}
