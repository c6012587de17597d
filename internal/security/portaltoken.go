// Package security provides the portal capability token codec and the one-way
// digests used to store and compare secrets without persisting plaintext.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

// TokenVersion is the current token format tag. Stored alongside the digest so
// a future algorithm change can coexist with outstanding links.
const TokenVersion = "v1"

// tokenEntropyBytes is the random payload size. 32 bytes keeps the birthday
// bound at 2^256 so collisions are implausible at any realistic volume.
const tokenEntropyBytes = 32

// minPayloadLen is the minimum encoded payload length accepted by
// TokenWellFormed. 32 random bytes encode to 43 base64url characters.
const minPayloadLen = 40

// ErrEntropy is returned when the OS random source fails.
var ErrEntropy = errors.New("security: random source unavailable")

// GenerateToken mints a new capability token: "<version>.<base64url payload>".
// The caller must hand the plaintext to the customer channel and persist only
// DigestToken of it.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrEntropy
	}
	return TokenVersion + "." + base64.RawURLEncoding.EncodeToString(buf), nil
}

// GenerateStateToken mints a random correlation token for processor redirects.
// Same entropy as the capability token, no version tag.
func GenerateStateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", ErrEntropy
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DigestToken returns the sha256 hex digest of the full token string.
// Deterministic; used both to index and to verify tokens.
func DigestToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// DigestString hashes an arbitrary secret (idempotency key, IP, user agent)
// the same way tokens are hashed.
func DigestString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// DigestEqual performs a constant-time comparison of two hex digests.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TokenWellFormed checks the token structure without touching storage:
// exactly two dot-separated segments, the first equal to TokenVersion, the
// second at least minPayloadLen URL-safe base64 characters. Malformed input
// is rejected before any lookup so the store cannot be probed.
func TokenWellFormed(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}
	if parts[0] != TokenVersion {
		return false
	}
	payload := parts[1]
	if len(payload) < minPayloadLen {
		return false
	}
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
