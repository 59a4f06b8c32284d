// Package adapters dispatches capability executions to provider
// integrations. Adapters share a set of enforcement obligations: hosts
// must sit on the manifest allowlist, resolved addresses must be
// public, only ports 80 and 443 are dialed, output is capped, and the
// raw credential never reaches a log line.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/vault"
)

// Call is one adapter invocation. Params are already schema-validated;
// Credential may be nil for capabilities without a secret_ref.
type Call struct {
	Manifest   *contracts.CapabilityManifest
	Params     map[string]any
	Credential *vault.Credential
}

// Result is a successful provider response.
type Result struct {
	Output map[string]any
}

// Error is a classified adapter failure. HTTPStatus is the upstream
// status when one was received, zero otherwise.
type Error struct {
	Code       contracts.ErrorCode
	HTTPStatus int
	Detail     string
}

func (e *Error) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("adapter: %s (http %d): %s", e.Code, e.HTTPStatus, e.Detail)
	}
	return fmt.Sprintf("adapter: %s: %s", e.Code, e.Detail)
}

// Errorf builds an *Error with a formatted detail message.
func Errorf(code contracts.ErrorCode, httpStatus int, format string, args ...any) *Error {
	return &Error{Code: code, HTTPStatus: httpStatus, Detail: fmt.Sprintf(format, args...)}
}

// Adapter executes a capability against one upstream provider.
type Adapter interface {
	Execute(ctx context.Context, call Call) (*Result, error)
}

// Registry maps provider names to adapters, with the stub as the
// development fallback for unregistered providers.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	stub     Adapter
}

// NewRegistry returns a Registry whose fallback is stub. A nil stub
// makes GetOrStub behave like Get.
func NewRegistry(stub Adapter) *Registry {
	return &Registry{adapters: make(map[string]Adapter), stub: stub}
}

// Register binds provider to a. Re-registering replaces silently so
// tests can hot-swap adapters.
func (r *Registry) Register(provider string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = a
}

// Get returns the adapter registered for provider.
func (r *Registry) Get(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// GetOrStub returns the provider's adapter, or the stub fallback. The
// second return reports whether the fallback was used; the pipeline
// annotates the receipt with it.
func (r *Registry) GetOrStub(provider string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[provider]; ok {
		return a, false
	}
	return r.stub, r.stub != nil
}

// Providers lists registered provider names, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Classify maps an adapter failure onto the error taxonomy. Guard
// violations become DOMAIN_NOT_ALLOWLISTED even when they surface from
// inside the dialer, cancellation and deadlines become TIMEOUT, and
// everything else at this layer is a NETWORK_ERROR.
func Classify(err error) (contracts.ErrorCode, int, string) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code, ae.HTTPStatus, ae.Detail
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return contracts.CodeTimeout, 0, err.Error()
	case errors.Is(err, ErrHostNotAllowlisted), errors.Is(err, ErrPrivateAddress), errors.Is(err, ErrPortBlocked), errors.Is(err, ErrSchemeBlocked):
		return contracts.CodeDomainNotAllowlisted, 0, err.Error()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return contracts.CodeTimeout, 0, err.Error()
	}
	return contracts.CodeNetworkError, 0, err.Error()
}
