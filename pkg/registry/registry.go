// Package registry stores capability manifests and resolves versions.
//
// Manifests are immutable once published: Publish accepts a new
// (id, version) pair or overwrites a draft, never a published or
// deprecated row. Version resolution follows semver; an empty version
// asks for the latest published one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/moatlabs/moat/pkg/contracts"
)

var (
	// ErrManifestNotFound is returned when no manifest matches the
	// requested id and version, or when an id has no published version.
	ErrManifestNotFound = errors.New("registry: manifest not found")

	// ErrManifestImmutable is returned by Publish when the target
	// (id, version) already exists with a status other than draft.
	ErrManifestImmutable = errors.New("registry: published manifests are immutable")
)

// Registry is the manifest control plane consumed by the catalog and
// the routing advisor.
type Registry interface {
	// Publish validates and stores a manifest. Existing drafts are
	// overwritten; any other existing status fails with
	// ErrManifestImmutable.
	Publish(ctx context.Context, m *contracts.CapabilityManifest) error

	// GetManifest returns the manifest for id at the given version.
	// An empty version resolves to the highest published semver.
	GetManifest(ctx context.Context, id, version string) (*contracts.CapabilityManifest, error)

	// SetRoutingStatus updates the routing status of one manifest
	// version. It is the only mutation allowed after publication.
	SetRoutingStatus(ctx context.Context, id, version string, rs contracts.RoutingStatus) error

	// ListVersions returns every stored version of id, newest first.
	ListVersions(ctx context.Context, id string) ([]*contracts.CapabilityManifest, error)

	// List returns the latest published manifest per capability id.
	List(ctx context.Context) ([]*contracts.CapabilityManifest, error)
}

// MemoryRegistry is a map-backed Registry for tests and single-node
// deployments.
type MemoryRegistry struct {
	mu        sync.RWMutex
	manifests map[string]*contracts.CapabilityManifest // key: id@version
}

// NewMemoryRegistry returns an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{manifests: make(map[string]*contracts.CapabilityManifest)}
}

func (r *MemoryRegistry) Publish(_ context.Context, m *contracts.CapabilityManifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	cp := *m
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.manifests[cp.Key()]; ok && prev.Status != contracts.StatusDraft {
		return fmt.Errorf("%w: %s", ErrManifestImmutable, cp.Key())
	}
	r.manifests[cp.Key()] = &cp
	return nil
}

func (r *MemoryRegistry) GetManifest(_ context.Context, id, version string) (*contracts.CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version != "" {
		m, ok := r.manifests[id+"@"+version]
		if !ok {
			return nil, fmt.Errorf("%w: %s@%s", ErrManifestNotFound, id, version)
		}
		cp := *m
		return &cp, nil
	}

	var published []*contracts.CapabilityManifest
	for _, m := range r.manifests {
		if m.ID == id && m.Status == contracts.StatusPublished {
			published = append(published, m)
		}
	}
	latest := latestByVersion(published)
	if latest == nil {
		return nil, fmt.Errorf("%w: %s (no published version)", ErrManifestNotFound, id)
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRegistry) SetRoutingStatus(_ context.Context, id, version string, rs contracts.RoutingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[id+"@"+version]
	if !ok {
		return fmt.Errorf("%w: %s@%s", ErrManifestNotFound, id, version)
	}
	m.RoutingStatus = rs
	return nil
}

func (r *MemoryRegistry) ListVersions(_ context.Context, id string) ([]*contracts.CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*contracts.CapabilityManifest
	for _, m := range r.manifests {
		if m.ID == id {
			cp := *m
			out = append(out, &cp)
		}
	}
	sortByVersionDesc(out)
	return out, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]*contracts.CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := make(map[string][]*contracts.CapabilityManifest)
	for _, m := range r.manifests {
		if m.Status == contracts.StatusPublished {
			byID[m.ID] = append(byID[m.ID], m)
		}
	}
	out := make([]*contracts.CapabilityManifest, 0, len(byID))
	for _, versions := range byID {
		if latest := latestByVersion(versions); latest != nil {
			cp := *latest
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// latestByVersion picks the highest semver from ms. Entries whose
// version fails to parse are skipped; Validate makes that unlikely.
func latestByVersion(ms []*contracts.CapabilityManifest) *contracts.CapabilityManifest {
	var (
		latest    *contracts.CapabilityManifest
		latestVer *semver.Version
	)
	for _, m := range ms {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			continue
		}
		if latestVer == nil || v.GreaterThan(latestVer) {
			latest, latestVer = m, v
		}
	}
	return latest
}

func sortByVersionDesc(ms []*contracts.CapabilityManifest) {
	sort.Slice(ms, func(i, j int) bool {
		vi, ei := semver.NewVersion(ms[i].Version)
		vj, ej := semver.NewVersion(ms[j].Version)
		if ei != nil || ej != nil {
			return ms[i].Version > ms[j].Version
		}
		return vi.GreaterThan(vj)
	})
}
