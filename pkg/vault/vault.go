// Package vault resolves secret references to provider credentials.
//
// Raw credential material exists in memory only for the duration of
// one adapter call. It is never cached, logged, hashed, or persisted
// in cleartext; Credential's formatting methods enforce that for the
// accidental cases.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when a secret reference resolves to nothing.
	ErrNotFound = errors.New("vault: secret not found")

	// ErrNoResolver is returned by Mux for an unregistered scheme.
	ErrNoResolver = errors.New("vault: no resolver for scheme")
)

// Credential is resolved secret material. The token is excluded from
// JSON and from fmt verbs so it cannot leak through logging paths.
type Credential struct {
	Ref   string `json:"ref"`
	Token string `json:"-"`
}

// String identifies the credential without exposing the token.
func (c Credential) String() string {
	return "vault.Credential(" + c.Ref + ")"
}

// GoString keeps %#v output as opaque as %v.
func (c Credential) GoString() string {
	return c.String()
}

// Resolver turns a secret_ref from a policy bundle into a credential.
type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (*Credential, error)
}

// EnvResolver resolves "NAME" from the process environment. Useful for
// CI and single-node deployments where an external vault is overkill.
type EnvResolver struct{}

func (EnvResolver) Resolve(_ context.Context, secretRef string) (*Credential, error) {
	v, ok := os.LookupEnv(secretRef)
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: env %s", ErrNotFound, secretRef)
	}
	return &Credential{Ref: secretRef, Token: v}, nil
}

// Mux routes secret references by scheme prefix ("env:NAME",
// "local:name"). References without a scheme go to the fallback.
type Mux struct {
	mu       sync.RWMutex
	schemes  map[string]Resolver
	fallback Resolver
}

// NewMux returns a Mux with the given fallback resolver. A nil
// fallback makes schemeless references fail with ErrNoResolver.
func NewMux(fallback Resolver) *Mux {
	return &Mux{schemes: make(map[string]Resolver), fallback: fallback}
}

// Register binds a scheme (without the colon) to a resolver.
func (m *Mux) Register(scheme string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[scheme] = r
}

func (m *Mux) Resolve(ctx context.Context, secretRef string) (*Credential, error) {
	scheme, rest, ok := strings.Cut(secretRef, ":")
	if !ok {
		m.mu.RLock()
		fb := m.fallback
		m.mu.RUnlock()
		if fb == nil {
			return nil, fmt.Errorf("%w: %q has no scheme and no fallback is set", ErrNoResolver, secretRef)
		}
		return fb.Resolve(ctx, secretRef)
	}

	m.mu.RLock()
	r := m.schemes[scheme]
	m.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoResolver, scheme)
	}
	cred, err := r.Resolve(ctx, rest)
	if err != nil {
		return nil, err
	}
	// Report the full reference, not the scheme-stripped one.
	cred.Ref = secretRef
	return cred, nil
}
