// Package schema validates execute-request params against the input
// schema a capability manifest declares. Compiled schemas are cached
// by content hash, so republished drafts and new versions never serve
// a stale compilation.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/redact"
)

var (
	// ErrViolation marks params that fail the manifest's input schema.
	ErrViolation = errors.New("schema: params violate input schema")

	// ErrBadSchema marks a manifest whose input schema does not compile.
	// Callers treat it like a violation: params that cannot be proven
	// valid are not forwarded.
	ErrBadSchema = errors.New("schema: input schema does not compile")
)

// Gate compiles and caches manifest input schemas.
type Gate struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema // canonical schema hash -> compiled
}

// NewGate returns an empty Gate.
func NewGate() *Gate {
	return &Gate{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks params against m's input schema. Manifests without a
// schema accept anything.
func (g *Gate) Validate(m *contracts.CapabilityManifest, params map[string]any) error {
	if len(m.InputSchema) == 0 {
		return nil
	}
	compiled, err := g.compile(m)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := compiled.Validate(params); err != nil {
		return fmt.Errorf("%w: %s", ErrViolation, validationDetail(err))
	}
	return nil
}

// Len reports the number of cached compilations.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}

func (g *Gate) compile(m *contracts.CapabilityManifest) (*jsonschema.Schema, error) {
	key, err := redact.CanonicalHash(m.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, m.Key(), err)
	}

	g.mu.RLock()
	compiled, ok := g.cache[key]
	g.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	doc, err := json.Marshal(m.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, m.Key(), err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	url := fmt.Sprintf("https://moat.schemas.local/capabilities/%s/%s.schema.json", m.ID, m.Version)
	if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, m.Key(), err)
	}
	compiled, err = c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadSchema, m.Key(), err)
	}

	g.mu.Lock()
	g.cache[key] = compiled
	g.mu.Unlock()
	return compiled, nil
}

// validationDetail flattens the validator's error to its leaf causes.
// Instance values never appear in these messages, only locations.
func validationDetail(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaves := leafCauses(ve)
	parts := make([]string, 0, len(leaves))
	for _, l := range leaves {
		loc := l.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", loc, l.Message))
	}
	return strings.Join(parts, "; ")
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}
