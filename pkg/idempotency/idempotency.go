// Package idempotency provides the single-flight barrier behind the
// execute pipeline: a mapping from (tenant, key) to absent, in-flight, or
// completed(receipt) with bounded retention. Within a key's TTL window at
// most one completed receipt is ever produced; concurrent callers either
// receive the stored receipt or wait on the barrier for the winner's.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

var (
	ErrEmptyKey    = errors.New("idempotency: key must not be empty")
	ErrUnavailable = errors.New("idempotency: store unavailable")
)

// Waiter blocks until the in-flight winner resolves. Wait returns the
// committed receipt, or nil when the winner abandoned and the caller may
// re-enter Begin. ctx bounds the wait.
type Waiter interface {
	Wait(ctx context.Context) (*contracts.Receipt, error)
}

// Begin is the outcome of the atomic pre-check. Exactly one of the three
// branches applies: Started (caller owns execution), Receipt (completed
// hit), or Waiter (someone else is executing).
type Begin struct {
	Started bool
	Receipt *contracts.Receipt
	Waiter  Waiter
}

// Store is the idempotency backend. All operations are atomic with respect
// to one (tenant, key) pair. Implementations must be safe for concurrent
// use.
type Store interface {
	// Begin atomically installs an in-flight marker expiring at deadline,
	// returns the completed receipt, or hands back a Waiter.
	Begin(ctx context.Context, tenantID, key string, deadline time.Time) (Begin, error)

	// Commit replaces the in-flight marker with the receipt and wakes all
	// waiters. ttl == 0 deletes the entry instead of retaining it, so
	// failures are never replayed.
	Commit(ctx context.Context, tenantID, key string, receipt *contracts.Receipt, ttl time.Duration) error

	// Abandon clears an in-flight marker without a receipt; waiters are
	// released with nil and may re-execute.
	Abandon(ctx context.Context, tenantID, key string) error
}
