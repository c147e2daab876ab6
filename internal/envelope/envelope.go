// Package envelope canonicalizes and HMAC-signs task envelopes exchanged
// between the control plane and agents, and verifies inbound signatures.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Task is the wire form of a task instruction sent to an agent.
type Task struct {
	Type      string          `json:"type"` // "task.exec"
	TaskID    string          `json:"task_id"`
	IssuedAt  string          `json:"issued_at"` // RFC 3339 UTC
	Actions   json.RawMessage `json:"actions"`
	Signature string          `json:"signature,omitempty"`
}

// KeySet is the agent key set {active_kid, keys: kid -> secret} from
// configuration.
type KeySet struct {
	ActiveKid string
	Keys      map[string]string
}

// Signer canonicalizes a task envelope (sorted keys, no signature field)
// and signs it with HMAC-SHA256 keyed by the active secret, and verifies
// inbound envelopes by the kid carried alongside them.
type Signer struct {
	keys KeySet
}

func NewSigner(keys KeySet) *Signer {
	return &Signer{keys: keys}
}

// Sign canonicalizes env (with Signature cleared) and sets Signature to
// HMAC_SHA256(active_secret, canonical). It returns the kid used, so the
// caller can thread it alongside the envelope for verification.
func (s *Signer) Sign(env Task) (signed Task, kid string, err error) {
	secret, ok := s.keys.Keys[s.keys.ActiveKid]
	if !ok {
		return Task{}, "", fmt.Errorf("envelope: no secret for active kid %q", s.keys.ActiveKid)
	}
	env.Signature = ""
	canonical, err := canonicalize(env)
	if err != nil {
		return Task{}, "", err
	}
	env.Signature = sign(secret, canonical)
	return env, s.keys.ActiveKid, nil
}

// Verify recomputes the HMAC over env (with Signature cleared) using the
// secret indexed by kid and compares it, in constant time, against the
// signature the envelope carries.
func (s *Signer) Verify(env Task, kid string) bool {
	secret, ok := s.keys.Keys[kid]
	if !ok {
		return false
	}
	got := env.Signature
	env.Signature = ""
	canonical, err := canonicalize(env)
	if err != nil {
		return false
	}
	want := sign(secret, canonical)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func sign(secret string, canonical []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonicalize marshals v as JSON with object keys sorted, matching the
// wire contract's "sorted keys, no extraneous whitespace" rule. Exported
// for callers outside this package that need to canonicalize a payload
// before signing it with WebhookSignature (the webhook fan-out).
func Canonicalize(v any) ([]byte, error) {
	return canonicalize(v)
}

func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("envelope: unmarshal for canonicalization: %w", err)
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// WebhookSignature computes the X-Webhook-Signature header value for a
// canonicalized webhook payload: "sha256=<hex HMAC>".
func WebhookSignature(secret string, canonicalPayload []byte) string {
	return "sha256=" + sign(secret, canonicalPayload)
}
