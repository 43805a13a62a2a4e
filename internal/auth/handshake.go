package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/opswire/opswire/internal/clock"
)

// Handshake failure reasons returned to the agent in the auth result.
const (
	ReasonExpired       = "expired"
	ReasonNonceMismatch = "nonce_mismatch"
	ReasonBadMAC        = "bad_mac"
)

// MaxClockSkew bounds how far a handshake response timestamp may sit
// from the server clock in either direction.
const MaxClockSkew = 30 * time.Second

const nonceBytes = 16

// NewNonce returns a fresh hex-encoded 16-byte challenge nonce.
func NewNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ComputeMAC returns the hex HMAC-SHA256 of "agent_id:nonce:ts" under
// the shared secret. The agent calls this to answer a challenge, the
// server calls it to check the answer.
func ComputeMAC(secret, agentID, nonce string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(agentID + ":" + nonce + ":" + strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks handshake responses on the server side.
type Verifier struct {
	secret string
	clk    clock.Clock
}

// NewVerifier builds a verifier over the shared secret. A nil clock
// falls back to wall time.
func NewVerifier(secret string, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Verifier{secret: secret, clk: clk}
}

// Verify checks one handshake response against the nonce issued on this
// connection. The MAC comparison is constant-time. On failure the
// returned reason is the wire string for the auth result.
func (v *Verifier) Verify(agentID, issuedNonce, nonce, mac string, ts int64) (bool, string) {
	skew := v.clk.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(MaxClockSkew/time.Second) {
		return false, ReasonExpired
	}
	if nonce != issuedNonce {
		return false, ReasonNonceMismatch
	}
	want := ComputeMAC(v.secret, agentID, nonce, ts)
	if !hmac.Equal([]byte(want), []byte(mac)) {
		return false, ReasonBadMAC
	}
	return true, ""
}
