// Package catalog is the read-through manifest cache between the
// pipeline and the capability registry.
//
// Entries are keyed by (id, version) and by (id, "latest-published").
// Positive entries live 5 minutes, negative ones 30 seconds. When the
// registry is unreachable an expired positive entry is served stale so
// in-flight traffic survives control-plane outages; the stale flag
// travels to the policy decision as a warning.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/registry"
)

const (
	// DefaultTTL bounds how long a fetched manifest is trusted.
	DefaultTTL = 5 * time.Minute
	// DefaultNegativeTTL bounds how long an unknown capability stays
	// unknown before the registry is asked again.
	DefaultNegativeTTL = 30 * time.Second

	latestSlot = "latest-published"
)

// ErrUnreachable wraps registry transport failures when no cached
// entry can cover for them. The pipeline maps it to a gateway fault.
var ErrUnreachable = errors.New("catalog: capability registry unreachable")

// Source is the registry read surface the catalog wraps.
type Source interface {
	GetManifest(ctx context.Context, id, version string) (*contracts.CapabilityManifest, error)
}

// Options tune the cache. Zero values pick the defaults; Clock exists
// for tests.
type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	Clock       func() time.Time
}

type cacheEntry struct {
	manifest  *contracts.CapabilityManifest // nil for negative entries
	fetchedAt time.Time
}

// Catalog is safe for concurrent use by all pipeline instances in the
// process.
type Catalog struct {
	src    Source
	ttl    time.Duration
	negTTL time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// New wraps src in a read-through cache.
func New(src Source, opts Options) *Catalog {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Catalog{
		src:     src,
		ttl:     opts.TTL,
		negTTL:  opts.NegativeTTL,
		now:     opts.Clock,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(id, version string) string {
	if version == "" {
		return id + "@" + latestSlot
	}
	return id + "@" + version
}

// Resolve returns the manifest for (id, version), version "" meaning
// latest published. The second return is true when the entry was served
// stale because the registry could not be reached.
func (c *Catalog) Resolve(ctx context.Context, id, version string) (*contracts.CapabilityManifest, bool, error) {
	key := cacheKey(id, version)
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok {
		age := now.Sub(e.fetchedAt)
		if e.manifest != nil && age <= c.ttl {
			cp := *e.manifest
			return &cp, false, nil
		}
		if e.manifest == nil && age <= c.negTTL {
			return nil, false, fmt.Errorf("%w: %s", registry.ErrManifestNotFound, key)
		}
	}

	m, err := c.src.GetManifest(ctx, id, version)
	switch {
	case err == nil:
		c.store(key, cacheEntry{manifest: m, fetchedAt: c.now()})
		cp := *m
		return &cp, false, nil

	case errors.Is(err, registry.ErrManifestNotFound):
		c.store(key, cacheEntry{fetchedAt: c.now()})
		return nil, false, err

	default:
		// Registry unreachable. An expired positive entry still
		// describes a capability that was recently real; serve it.
		if ok && e.manifest != nil {
			cp := *e.manifest
			return &cp, true, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

// Invalidate drops the exact and latest-published entries for id so
// the next Resolve refetches. The routing advisor calls this after
// flipping a routing status.
func (c *Catalog) Invalidate(id, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(id, version))
	delete(c.entries, cacheKey(id, ""))
}

// Len reports the number of cached entries, expired ones included.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Catalog) store(key string, e cacheEntry) {
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}
