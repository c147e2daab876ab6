// Package token issues and verifies opaque, HMAC-signed session tokens for
// REST and WebSocket callers. It reuses the canonicalize-then-sign shape
// of internal/envelope but carries its own claim set and secret, since
// session tokens authenticate users rather than agent task envelopes.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/ctlplane/internal/envelope"
)

// Claims is the payload carried inside a session token.
type Claims struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue canonicalizes claims and returns "<base64url(claims)>.<hex HMAC>",
// signed with secret.
func Issue(secret string, claims Claims) (string, error) {
	canonical, err := envelope.Canonicalize(claims)
	if err != nil {
		return "", fmt.Errorf("token: canonicalize: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(canonical)
	sig := sign(secret, []byte(payload))
	return payload + "." + sig, nil
}

// Parse verifies the signature on tok against secret and returns its
// claims. It does not check expiry; callers compare ExpiresAt against
// time.Now() themselves so revocation and expiry can be reported
// distinctly.
func Parse(secret, tok string) (Claims, error) {
	payload, sig, ok := splitToken(tok)
	if !ok {
		return Claims{}, fmt.Errorf("token: malformed")
	}
	want := sign(secret, []byte(payload))
	if subtle.ConstantTimeCompare([]byte(sig), []byte(want)) != 1 {
		return Claims{}, fmt.Errorf("token: bad signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, fmt.Errorf("token: decode payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return Claims{}, fmt.Errorf("token: unmarshal claims: %w", err)
	}
	return claims, nil
}

// IssueKeyed is Issue with a kid prefix so the verifier can pick the right
// secret out of a key set before checking the signature: "<kid>.<payload>.<sig>".
// The kid is not itself covered by the HMAC; tampering with it only ever
// points verification at the wrong (or an attacker-unknown) secret, so it
// cannot be used to forge a signature.
func IssueKeyed(kid, secret string, claims Claims) (string, error) {
	tok, err := Issue(secret, claims)
	if err != nil {
		return "", err
	}
	return kid + "." + tok, nil
}

// PeekKid extracts the kid prefix from a token minted by IssueKeyed without
// verifying anything.
func PeekKid(tok string) (kid, rest string, ok bool) {
	for i := 0; i < len(tok); i++ {
		if tok[i] == '.' {
			return tok[:i], tok[i+1:], true
		}
	}
	return "", "", false
}

// ParseKeyed splits the kid prefix off tok and verifies the remainder
// against secret.
func ParseKeyed(secret, tok string) (kid string, claims Claims, err error) {
	kid, rest, ok := PeekKid(tok)
	if !ok {
		return "", Claims{}, fmt.Errorf("token: malformed keyed token")
	}
	claims, err = Parse(secret, rest)
	return kid, claims, err
}

func splitToken(tok string) (payload, sig string, ok bool) {
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == '.' {
			return tok[:i], tok[i+1:], true
		}
	}
	return "", "", false
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
