package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// Challenge is the PKCE material for one login attempt. The verifier stays with
// the browser in a cookie and is only ever sent back to us; the challenge and
// state travel to the identity provider.
type Challenge struct {
	Verifier  string
	Challenge string
	State     string
}

// NewChallenge draws a fresh verifier, derives its S256 challenge, and draws an
// independent state value. The verifier is 32 random bytes base64url-encoded
// without padding (43 chars, within RFC 7636's 43-128 window).
func NewChallenge() Challenge {
	verifier := base64.RawURLEncoding.EncodeToString(randomBytes(32))
	sum := sha256.Sum256([]byte(verifier))
	return Challenge{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		State:     hex.EncodeToString(randomBytes(16)),
	}
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// A broken system random source cannot be handled per-call; secrets
		// derived from anything weaker would be guessable.
		panic("gateway: secure random source unavailable: " + err.Error())
	}
	return buf
}
