package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

type entryState int

const (
	stateInFlight entryState = iota
	stateCompleted
)

type entry struct {
	state    entryState
	deadline time.Time          // in-flight: marker expiry
	receipt  *contracts.Receipt // completed, and delivered to waiters
	expires  time.Time          // completed: retention end
	barrier  chan struct{}      // closed on commit or abandon
}

type memoryKey struct {
	tenant string
	key    string
}

// MemoryStore is the in-process Store used in lite mode and tests. A
// background sweeper drops expired completions and releases waiters stuck
// behind markers whose deadline elapsed.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[memoryKey]*entry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store sweeping at the given interval. Intervals
// above a minute defeat the failure-entry cleanup contract; zero or
// negative intervals default to 30s.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	s := &MemoryStore{
		entries: make(map[memoryKey]*entry),
		done:    make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Close stops the sweeper. Pending waiters are not released; callers hold
// context deadlines.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) Begin(_ context.Context, tenantID, key string, deadline time.Time) (Begin, error) {
	if key == "" {
		return Begin{}, ErrEmptyKey
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{tenantID, key}
	e, ok := s.entries[k]
	if ok {
		switch e.state {
		case stateCompleted:
			if now.Before(e.expires) {
				return Begin{Receipt: e.receipt}, nil
			}
			// Retention elapsed; fall through to a fresh marker.
		case stateInFlight:
			if now.Before(e.deadline) {
				return Begin{Waiter: &memoryWaiter{e: e}}, nil
			}
			// Marker expired without commit or abandon: release anyone
			// still parked on it and let this caller take over.
			close(e.barrier)
		}
	}

	s.entries[k] = &entry{
		state:    stateInFlight,
		deadline: deadline,
		barrier:  make(chan struct{}),
	}
	return Begin{Started: true}, nil
}

func (s *MemoryStore) Commit(_ context.Context, tenantID, key string, receipt *contracts.Receipt, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{tenantID, key}
	e, ok := s.entries[k]
	if !ok || e.state != stateInFlight {
		// Marker expired and was swept or replaced. Retain the receipt for
		// replay when asked to, but never disturb a live marker.
		if !ok && ttl > 0 {
			s.entries[k] = &entry{
				state:   stateCompleted,
				receipt: receipt,
				expires: time.Now().Add(ttl),
				barrier: closedBarrier(),
			}
		}
		return nil
	}

	e.receipt = receipt
	close(e.barrier)
	if ttl == 0 {
		delete(s.entries, k)
		return nil
	}
	e.state = stateCompleted
	e.expires = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, tenantID, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memoryKey{tenantID, key}
	if e, ok := s.entries[k]; ok && e.state == stateInFlight {
		close(e.barrier)
		delete(s.entries, k)
	}
	return nil
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.entries {
				switch e.state {
				case stateCompleted:
					if !now.Before(e.expires) {
						delete(s.entries, k)
					}
				case stateInFlight:
					if !now.Before(e.deadline) {
						close(e.barrier)
						delete(s.entries, k)
					}
				}
			}
			s.mu.Unlock()
		}
	}
}

type memoryWaiter struct {
	e *entry
}

func (w *memoryWaiter) Wait(ctx context.Context) (*contracts.Receipt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.e.barrier:
		// receipt is written before the barrier closes; nil means the
		// winner abandoned.
		return w.e.receipt, nil
	}
}

func closedBarrier() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
