// Package budget tracks per-tenant call and cost counters in UTC daily and
// monthly periods. The policy engine reads snapshots before a call; the
// pipeline records spend only after a successful execution, so counting is
// deliberately post-paid and bounded over-spend under concurrency is
// accepted.
package budget

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("budget: counter store unavailable")

// Counters is a point-in-time snapshot of one tenant's usage for one
// capability across the current daily and monthly periods.
type Counters struct {
	DailyCalls   int64
	MonthlyCalls int64
	DailyCost    int64 // cents
	MonthlyCost  int64 // cents
}

// Store is the counter backend. Implementations must be safe for
// concurrent use; RecordCall must apply all four increments atomically
// enough that a snapshot never observes a torn daily/monthly pair drifting
// by more than in-flight calls.
type Store interface {
	// Snapshot reads the counters for the periods containing now.
	Snapshot(ctx context.Context, tenantID, capabilityID string, now time.Time) (Counters, error)
	// RecordCall adds one call and costCents to both periods containing now.
	RecordCall(ctx context.Context, tenantID, capabilityID string, costCents int64, now time.Time) error
}

type memoryKey struct {
	tenant     string
	capability string
	period     string
}

type memoryCell struct {
	calls int64
	cost  int64
}

// MemoryStore is the in-process Store used in lite mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cells map[memoryKey]memoryCell
}

// NewMemoryStore creates an empty in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cells: make(map[memoryKey]memoryCell)}
}

func (s *MemoryStore) Snapshot(_ context.Context, tenantID, capabilityID string, now time.Time) (Counters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := s.cells[memoryKey{tenantID, capabilityID, DailyKey(now)}]
	month := s.cells[memoryKey{tenantID, capabilityID, MonthlyKey(now)}]
	return Counters{
		DailyCalls:   day.calls,
		MonthlyCalls: month.calls,
		DailyCost:    day.cost,
		MonthlyCost:  month.cost,
	}, nil
}

func (s *MemoryStore) RecordCall(_ context.Context, tenantID, capabilityID string, costCents int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, period := range []string{DailyKey(now), MonthlyKey(now)} {
		k := memoryKey{tenantID, capabilityID, period}
		cell := s.cells[k]
		cell.calls++
		cell.cost += costCents
		s.cells[k] = cell
	}
	return nil
}
