package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from the Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// TokenGuard admits API requests carrying the configured bearer token.
// Tokens are compared as SHA-256 digests so the comparison is
// constant-time regardless of length. A guard built from an empty
// token reports Enabled() == false and the API runs open.
type TokenGuard struct {
	digest  []byte
	enabled bool
}

// NewTokenGuard builds a guard for the configured token. An empty
// token disables the guard.
func NewTokenGuard(token string) *TokenGuard {
	g := &TokenGuard{}
	if token != "" {
		sum := sha256.Sum256([]byte(token))
		g.digest = sum[:]
		g.enabled = true
	}
	return g
}

// Enabled reports whether a token is configured.
func (g *TokenGuard) Enabled() bool { return g.enabled }

// Allow reports whether the presented token matches the configured
// one. Always false when the guard is disabled; callers skip the check
// entirely in that mode.
func (g *TokenGuard) Allow(presented string) bool {
	if !g.enabled {
		return false
	}
	sum := sha256.Sum256([]byte(presented))
	return hmac.Equal(g.digest, sum[:])
}
