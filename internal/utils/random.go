package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// TokenAlphabet is the character set of opaque bearer tokens.
const TokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_"

// RandomString returns n characters drawn uniformly from TokenAlphabet using
// crypto/rand. Bytes >= 252 are rejected so every symbol has the same
// probability (252 = 4 * 63).
func RandomString(n int) (string, error) {
	const limit = 256 - 256%len(TokenAlphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4+8)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, TokenAlphabet[int(b)%len(TokenAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// HashToken returns the SHA-256 hex digest of an opaque token. Tokens are
// stored hashed so a leaked table cannot be replayed.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
