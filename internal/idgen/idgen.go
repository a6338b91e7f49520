// Package idgen provides cryptographically random identifiers and tokens.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"math/big"
)

const upperAlnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// WithPrefix generates a random ID with a prefix (e.g. "chl_", "brk_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}

// Token returns a URL-safe bearer token carrying numBytes of entropy.
func Token(numBytes int) string {
	return base64.RawURLEncoding.EncodeToString(randomBytes(numBytes))
}

// Alphanumeric returns n characters drawn uniformly from [A-Z0-9].
func Alphanumeric(n int) string {
	out := make([]byte, n)
	max := big.NewInt(int64(len(upperAlnum)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		out[i] = upperAlnum[v.Int64()]
	}
	return string(out)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
