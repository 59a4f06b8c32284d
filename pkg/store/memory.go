package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

// MemoryDecisionStore keeps decisions in process memory. Lite mode and
// tests.
type MemoryDecisionStore struct {
	mu        sync.RWMutex
	decisions map[string]*contracts.PolicyDecision
	order     []string
}

func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{decisions: make(map[string]*contracts.PolicyDecision)}
}

func (s *MemoryDecisionStore) Put(_ context.Context, d *contracts.PolicyDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.ID]; ok {
		return ErrDecisionExists
	}
	cp := *d
	s.decisions[d.ID] = &cp
	s.order = append(s.order, d.ID)
	return nil
}

func (s *MemoryDecisionStore) Get(_ context.Context, id string) (*contracts.PolicyDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryDecisionStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*contracts.PolicyDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.PolicyDecision, 0, limit)
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		d := s.decisions[s.order[i]]
		if d.TenantID != tenantID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// MemoryReceiptStore keeps receipts in insertion order.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts map[string]*contracts.Receipt
	order    []string
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{receipts: make(map[string]*contracts.Receipt)}
}

func (s *MemoryReceiptStore) Put(_ context.Context, r *contracts.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[r.ID]; ok {
		return ErrReceiptExists
	}
	cp := *r
	s.receipts[r.ID] = &cp
	s.order = append(s.order, r.ID)
	return nil
}

func (s *MemoryReceiptStore) Get(_ context.Context, id string) (*contracts.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryReceiptStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*contracts.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.Receipt, 0, limit)
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		r := s.receipts[s.order[i]]
		if r.TenantID != tenantID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryReceiptStore) ListWindow(_ context.Context, from, to time.Time) ([]*contracts.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.Receipt
	for _, id := range s.order {
		r := s.receipts[id]
		if r.Timestamp.Before(from) || !r.Timestamp.Before(to) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// MemoryOutcomeStore is the in-process event log.
type MemoryOutcomeStore struct {
	mu     sync.RWMutex
	events []contracts.OutcomeEvent
}

func NewMemoryOutcomeStore() *MemoryOutcomeStore {
	return &MemoryOutcomeStore{}
}

func (s *MemoryOutcomeStore) Append(_ context.Context, ev *contracts.OutcomeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryOutcomeStore) ListWindow(_ context.Context, capabilityID, version string, from, to time.Time) ([]*contracts.OutcomeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.OutcomeEvent
	for i := range s.events {
		ev := s.events[i]
		if ev.CapabilityID != capabilityID || ev.CapabilityVersion != version {
			continue
		}
		if ev.Timestamp.Before(from) || !ev.Timestamp.Before(to) {
			continue
		}
		cp := ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryOutcomeStore) Versions(_ context.Context, since time.Time) ([]contracts.CapabilityVersionKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[contracts.CapabilityVersionKey]struct{})
	for i := range s.events {
		ev := s.events[i]
		if ev.Timestamp.Before(since) {
			continue
		}
		seen[contracts.CapabilityVersionKey{CapabilityID: ev.CapabilityID, Version: ev.CapabilityVersion}] = struct{}{}
	}
	out := make([]contracts.CapabilityVersionKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapabilityID != out[j].CapabilityID {
			return out[i].CapabilityID < out[j].CapabilityID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *MemoryOutcomeStore) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var dropped int64
	for i := range s.events {
		if s.events[i].Timestamp.Before(before) {
			dropped++
			continue
		}
		kept = append(kept, s.events[i])
	}
	s.events = kept
	return dropped, nil
}

// MemoryStatsStore holds the latest stats per capability version.
type MemoryStatsStore struct {
	mu    sync.RWMutex
	stats map[contracts.CapabilityVersionKey]*contracts.CapabilityStats
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{stats: make(map[contracts.CapabilityVersionKey]*contracts.CapabilityStats)}
}

func (s *MemoryStatsStore) Upsert(_ context.Context, st *contracts.CapabilityStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.stats[contracts.CapabilityVersionKey{CapabilityID: st.CapabilityID, Version: st.CapabilityVersion}] = &cp
	return nil
}

func (s *MemoryStatsStore) Get(_ context.Context, capabilityID, version string) (*contracts.CapabilityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stats[contracts.CapabilityVersionKey{CapabilityID: capabilityID, Version: version}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStatsStore) List(_ context.Context) ([]*contracts.CapabilityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contracts.CapabilityStats, 0, len(s.stats))
	for _, st := range s.stats {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CapabilityID != out[j].CapabilityID {
			return out[i].CapabilityID < out[j].CapabilityID
		}
		return out[i].CapabilityVersion < out[j].CapabilityVersion
	})
	return out, nil
}
