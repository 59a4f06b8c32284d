package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/redact"
)

var (
	ErrAuditEntryNotFound = errors.New("store: audit entry not found")
	ErrAuditChainBroken   = errors.New("store: audit hash chain is broken")
)

// AuditKind categorizes control-plane events.
type AuditKind string

const (
	AuditRoutingTransition AuditKind = "routing_transition"
	AuditManifestPublished AuditKind = "manifest_published"
	AuditBundleChanged     AuditKind = "bundle_changed"
	AuditProbeCompleted    AuditKind = "probe_completed"
)

// AuditEntry is one immutable control-plane event. Entries chain by
// hash so tampering with history is detectable.
type AuditEntry struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence"`
	Kind         AuditKind       `json:"kind"`
	Subject      string          `json:"subject"` // e.g. "example.send_message@1.2.0"
	Action       string          `json:"action"`  // e.g. "active -> hidden"
	Payload      json.RawMessage `json:"payload,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AuditLog is an append-only, hash-chained log of control-plane
// events: routing transitions, manifest publications, bundle changes,
// probe completions. It is in-process; durable consumers subscribe.
type AuditLog struct {
	mu        sync.RWMutex
	entries   []*AuditEntry
	byID      map[string]*AuditEntry
	sequence  uint64
	chainHead string
	sinks     []func(*AuditEntry)
	now       func() time.Time
}

func NewAuditLog() *AuditLog {
	return &AuditLog{
		byID:      make(map[string]*AuditEntry),
		chainHead: "genesis",
		now:       time.Now,
	}
}

// Append records one event. The payload is canonicalized before
// hashing so the entry hash is independent of map iteration order.
func (l *AuditLog) Append(kind AuditKind, subject, action string, payload any) (*AuditEntry, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := redact.Canonical(payload)
		if err != nil {
			return nil, fmt.Errorf("store: canonicalize audit payload: %w", err)
		}
		raw = data
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	entry := &AuditEntry{
		ID:           contracts.NewID(),
		Sequence:     l.sequence,
		Kind:         kind,
		Subject:      subject,
		Action:       action,
		Payload:      raw,
		PreviousHash: l.chainHead,
		Timestamp:    l.now().UTC(),
	}
	hash, err := entryHash(entry)
	if err != nil {
		l.sequence--
		return nil, err
	}
	entry.EntryHash = hash
	l.chainHead = hash

	l.entries = append(l.entries, entry)
	l.byID[entry.ID] = entry

	for _, sink := range l.sinks {
		sink(entry)
	}
	return entry, nil
}

func entryHash(e *AuditEntry) (string, error) {
	h, err := redact.CanonicalHash(map[string]any{
		"sequence":      e.Sequence,
		"kind":          string(e.Kind),
		"subject":       e.Subject,
		"action":        e.Action,
		"payload":       string(e.Payload),
		"previous_hash": e.PreviousHash,
		"timestamp":     e.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("store: hash audit entry: %w", err)
	}
	return h, nil
}

// Get returns an entry by id.
func (l *AuditLog) Get(id string) (*AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.byID[id]
	if !ok {
		return nil, ErrAuditEntryNotFound
	}
	return e, nil
}

// AuditFilter narrows a Query. Zero values match everything.
type AuditFilter struct {
	Kind    AuditKind
	Subject string
	Since   time.Time
	Limit   int
}

func (f AuditFilter) matches(e *AuditEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Query returns matching entries in append order.
func (l *AuditLog) Query(f AuditFilter) []*AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*AuditEntry
	for _, e := range l.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Subscribe registers a sink called under the log lock for every
// appended entry. Sinks must not block.
func (l *AuditLog) Subscribe(sink func(*AuditEntry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// VerifyChain recomputes every entry hash against its predecessor.
func (l *AuditLog) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expected := "genesis"
	for i, e := range l.entries {
		if e.PreviousHash != expected {
			return fmt.Errorf("%w: entry %d previous_hash %s, want %s", ErrAuditChainBroken, i, e.PreviousHash, expected)
		}
		computed, err := entryHash(e)
		if err != nil {
			return err
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrAuditChainBroken, i)
		}
		expected = e.EntryHash
	}
	return nil
}

// Head returns the current chain head hash.
func (l *AuditLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Len returns the number of entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
