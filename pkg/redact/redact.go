// Package redact strips credential-bearing keys from request and response
// bodies and produces canonical SHA-256 hashes over the redacted form.
// Everything the pipeline persists about params and outputs goes through
// this package first.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Redacted replaces the value of every denylisted key.
const Redacted = "[REDACTED]"

// denylist holds the lowercase key names whose values are never stored,
// hashed raw, or logged. Matching is case-insensitive after NFKC folding so
// width and compatibility variants of a key cannot smuggle a secret past
// the filter.
var denylist = map[string]struct{}{
	"authorization": {},
	"api_key":       {},
	"api-key":       {},
	"token":         {},
	"password":      {},
	"secret":        {},
	"credential":    {},
	"credentials":   {},
	"access_token":  {},
	"refresh_token": {},
	"client_secret": {},
	"private_key":   {},
	"x-api-key":     {},
	"x_api_key":     {},
	"bearer":        {},
	"session_token": {},
	"signing_key":   {},
}

func foldKey(key string) string {
	return strings.ToLower(norm.NFKC.String(key))
}

// Sensitive reports whether a key is on the denylist.
func Sensitive(key string) bool {
	_, hit := denylist[foldKey(key)]
	return hit
}

// Map returns a deep copy of m with every denylisted key's value replaced
// by the Redacted sentinel. The input is never mutated.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if Sensitive(k) {
			out[k] = Redacted
			continue
		}
		out[k] = Value(v)
	}
	return out
}

// Value redacts nested maps and slices; scalars pass through unchanged.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Value(e)
		}
		return out
	default:
		return v
	}
}

// Canonical serializes v as RFC 8785 canonical JSON.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal for canonicalization: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("redact: canonicalize: %w", err)
	}
	return canon, nil
}

// CanonicalHash returns "sha256:<hex>" over the canonical JSON form of v.
// v must already be redacted when hashing anything caller-supplied.
func CanonicalHash(v any) (string, error) {
	canon, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HashParams redacts params and hashes the result. This is the only
// input-hash path the pipeline uses.
func HashParams(params map[string]any) (string, error) {
	return CanonicalHash(Map(params))
}

// DeriveKey produces a deterministic idempotency key for callers that want
// one derived from the request identity rather than minted client-side.
func DeriveKey(capabilityID, tenantID string, params map[string]any) (string, error) {
	canon, err := Canonical(map[string]any{
		"capability_id": capabilityID,
		"tenant_id":     tenantID,
		"params":        params,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
