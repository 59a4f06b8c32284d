// Package tenants is the gateway-local control plane for callers: the
// tenant directory and the policy bundles that grant tenants access to
// capability versions.
//
// Bundles are keyed by (tenant, capability, version). A bundle stored
// with an empty version applies to every version of the capability;
// an exact version match always wins over the versionless row. A
// suspended tenant resolves no bundles at all, so every execution it
// attempts denies with NO_POLICY_BUNDLE until it is reactivated.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Tenant is one registered caller of the gateway.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	// ErrTenantNotFound is returned when no tenant record matches the id.
	ErrTenantNotFound = errors.New("tenants: tenant not found")

	// ErrNoBundle is returned when no policy bundle applies to the
	// (tenant, capability, version) triple, including when the tenant
	// is suspended.
	ErrNoBundle = errors.New("tenants: no policy bundle")
)

// Store holds tenant records and their policy bundles. PutBundle
// satisfies registry.BundleSink so seed files load straight into it.
type Store interface {
	// PutTenant inserts or updates a tenant record. An empty status
	// defaults to active; a zero CreatedAt is stamped on first insert.
	PutTenant(ctx context.Context, t *Tenant) error

	// GetTenant returns the tenant record for id.
	GetTenant(ctx context.Context, id string) (*Tenant, error)

	// SetStatus flips a tenant between active and suspended.
	SetStatus(ctx context.Context, id string, status Status) error

	// PutBundle inserts or replaces the bundle at its
	// (tenant, capability, version) key.
	PutBundle(ctx context.Context, b *contracts.PolicyBundle) error

	// GetBundle resolves the effective bundle for the triple: the
	// exact version row if present, else the versionless row, else
	// ErrNoBundle. Suspended tenants always get ErrNoBundle.
	GetBundle(ctx context.Context, tenantID, capabilityID, version string) (*contracts.PolicyBundle, error)
}

// MemoryStore is a map-backed Store for tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	bundles map[string]*contracts.PolicyBundle // key: tenant/capability@version
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		bundles: make(map[string]*contracts.PolicyBundle),
	}
}

func (s *MemoryStore) PutTenant(_ context.Context, t *Tenant) error {
	cp := *t
	if err := normalizeTenant(&cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tenants[cp.ID]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = prev.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tenants[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status Status) error {
	if !validStatus(status) {
		return fmt.Errorf("tenants: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	t.Status = status
	return nil
}

func (s *MemoryStore) PutBundle(_ context.Context, b *contracts.PolicyBundle) error {
	if err := validateBundle(b); err != nil {
		return err
	}
	cp := *b
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[bundleKey(cp.TenantID, cp.CapabilityID, cp.CapabilityVersion)] = &cp
	return nil
}

func (s *MemoryStore) GetBundle(_ context.Context, tenantID, capabilityID, version string) (*contracts.PolicyBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tenants[tenantID]; ok && t.Status == StatusSuspended {
		return nil, fmt.Errorf("%w: tenant %s is suspended", ErrNoBundle, tenantID)
	}

	if b, ok := s.bundles[bundleKey(tenantID, capabilityID, version)]; ok {
		cp := *b
		return &cp, nil
	}
	if version != "" {
		if b, ok := s.bundles[bundleKey(tenantID, capabilityID, "")]; ok {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s@%s", ErrNoBundle, tenantID, capabilityID, version)
}

func bundleKey(tenantID, capabilityID, version string) string {
	return tenantID + "/" + capabilityID + "@" + version
}

func normalizeTenant(t *Tenant) error {
	if t.ID == "" {
		return errors.New("tenants: tenant id must not be empty")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if !validStatus(t.Status) {
		return fmt.Errorf("tenants: invalid status %q", t.Status)
	}
	return nil
}

func validStatus(s Status) bool {
	return s == StatusActive || s == StatusSuspended
}

func validateBundle(b *contracts.PolicyBundle) error {
	if b.TenantID == "" {
		return errors.New("tenants: bundle tenant_id must not be empty")
	}
	if b.CapabilityID == "" {
		return errors.New("tenants: bundle capability_id must not be empty")
	}
	return nil
}
