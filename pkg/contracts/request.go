package contracts

import (
	"errors"
	"fmt"
)

const maxIdempotencyKeyBytes = 256

var (
	ErrEmptyTenantID       = errors.New("contracts: tenant_id must not be empty")
	ErrEmptyIdempotencyKey = errors.New("contracts: idempotency_key must not be empty")
	ErrIdempotencyKeyTooLong = fmt.Errorf(
		"contracts: idempotency_key must not exceed %d bytes", maxIdempotencyKeyBytes)
)

// ExecuteRequest is one capability invocation as delivered by the transport
// layer. The transport authenticates the tenant separately; TenantID here is
// the caller's claim and is cross-checked by the pipeline's identity guard.
type ExecuteRequest struct {
	CapabilityID      string         `json:"capability_id"`
	CapabilityVersion string         `json:"capability_version,omitempty"` // empty = latest published
	TenantID          string         `json:"tenant_id"`
	Params            map[string]any `json:"params,omitempty"`
	IdempotencyKey    string         `json:"idempotency_key"`
	ApprovalToken     string         `json:"approval_token,omitempty"`
	IsSynthetic       bool           `json:"is_synthetic,omitempty"`
	RequestID         string         `json:"request_id"`
}

// Validate checks the request's structural invariants before it enters the
// pipeline.
func (r *ExecuteRequest) Validate() error {
	if !capabilityIDPattern.MatchString(r.CapabilityID) {
		return fmt.Errorf("%w: %q", ErrInvalidCapabilityID, r.CapabilityID)
	}
	if r.TenantID == "" {
		return ErrEmptyTenantID
	}
	if r.IdempotencyKey == "" {
		return ErrEmptyIdempotencyKey
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyBytes {
		return ErrIdempotencyKeyTooLong
	}
	return nil
}

// RequiredScope is the scope a request needs from its bundle: the
// capability id itself acts as the method-level scope name.
func (r *ExecuteRequest) RequiredScope() string { return r.CapabilityID }
