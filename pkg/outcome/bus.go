// Package outcome fans execution outcomes out to the subsystems that
// learn from them: the trust scorer, the receipt archiver, the audit
// trail. Delivery is best-effort; a slow subscriber loses events
// rather than stalling the execute path.
package outcome

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/moatlabs/moat/pkg/contracts"
)

// Handler consumes one event. Handlers run on the subscriber's own
// goroutine and may block without affecting publishers or other
// subscribers.
type Handler func(*contracts.OutcomeEvent)

type subscriber struct {
	name    string
	ch      chan *contracts.OutcomeEvent
	dropped atomic.Int64
}

// Bus is a bounded fan-out of OutcomeEvents. Publish never blocks: a
// subscriber whose buffer is full has the event dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	wg     sync.WaitGroup
	log    *slog.Logger
	closed bool
}

// NewBus returns an empty bus. A nil logger falls back to
// slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers h under name with the given buffer and starts
// its delivery goroutine. Subscribing after Close panics, like sending
// on a closed channel would; wire subscribers before serving traffic.
func (b *Bus) Subscribe(name string, buffer int, h Handler) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{name: name, ch: make(chan *contracts.OutcomeEvent, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		panic("outcome: subscribe on closed bus")
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for ev := range sub.ch {
			h(ev)
		}
	}()
}

// Publish delivers ev to every subscriber without blocking. Each
// subscriber gets its own copy so handlers can't interfere with each
// other. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ev *contracts.OutcomeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		cp := *ev
		select {
		case sub.ch <- &cp:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%1024 == 0 {
				b.log.Warn("outcome bus dropping events",
					"subscriber", sub.name,
					"dropped_total", n,
					"capability_id", ev.CapabilityID)
			}
		}
	}
}

// Dropped reports per-subscriber drop counts.
func (b *Bus) Dropped() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.subs))
	for _, sub := range b.subs {
		out[sub.name] = sub.dropped.Load()
	}
	return out
}

// Close stops accepting events, drains the buffers through the
// handlers, and waits for every delivery goroutine to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// FromReceipt projects a receipt onto the scoring event, or reports
// false for receipts that represent no provider-side execution.
func FromReceipt(r *contracts.Receipt) (*contracts.OutcomeEvent, bool) {
	if r.Status == contracts.ReceiptIdempotentHit {
		return nil, false
	}
	return &contracts.OutcomeEvent{
		ReceiptID:         r.ID,
		CapabilityID:      r.CapabilityID,
		CapabilityVersion: r.CapabilityVersion,
		Success:           r.Status == contracts.ReceiptSuccess,
		LatencyMS:         r.LatencyMS,
		ErrorTaxonomy:     r.ErrorCode,
		Timestamp:         r.Timestamp,
		IsSynthetic:       r.IsSynthetic,
	}, true
}
