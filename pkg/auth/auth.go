// Package auth establishes the caller's identity. The transport layer
// authenticates a bearer token, attaches the resulting Principal to the
// request context, and the pipeline's identity guard compares it against
// the tenant the request claims to act for.
package auth

import "context"

// Principal is an authenticated caller. In-process subsystems such as
// the synthetic prober mint their own.
type Principal struct {
	TenantID string
}

type principalKey struct{}

// WithPrincipal attaches p to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the context's principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// TenantFrom returns the authenticated tenant id, if any.
func TenantFrom(ctx context.Context) (string, bool) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "", false
	}
	return p.TenantID, true
}
