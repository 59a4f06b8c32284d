// Package store persists the execution record: policy decisions,
// receipts, outcome events, and capability stats. Decisions and
// receipts are write-once; outcome events are append-only; stats are
// the only rows that get overwritten, and only by the scorer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDecisionExists = errors.New("store: policy decision already written")
	ErrReceiptExists  = errors.New("store: receipt already written")
)

// DecisionStore persists policy decisions. A decision is written once,
// before any other side effect of its request.
type DecisionStore interface {
	Put(ctx context.Context, d *contracts.PolicyDecision) error
	Get(ctx context.Context, id string) (*contracts.PolicyDecision, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*contracts.PolicyDecision, error)
}

// ReceiptStore persists receipts write-once.
type ReceiptStore interface {
	Put(ctx context.Context, r *contracts.Receipt) error
	Get(ctx context.Context, id string) (*contracts.Receipt, error)
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*contracts.Receipt, error)
	// ListWindow returns receipts stamped in [from, to), oldest first.
	// The archiver drains months with it.
	ListWindow(ctx context.Context, from, to time.Time) ([]*contracts.Receipt, error)
}

// OutcomeStore is the append-only event log the scorer reads.
type OutcomeStore interface {
	Append(ctx context.Context, ev *contracts.OutcomeEvent) error
	// ListWindow returns events for one capability version in
	// [from, to), oldest first.
	ListWindow(ctx context.Context, capabilityID, version string, from, to time.Time) ([]*contracts.OutcomeEvent, error)
	// Versions lists the (capability_id, version) pairs with at least
	// one event at or after since.
	Versions(ctx context.Context, since time.Time) ([]contracts.CapabilityVersionKey, error)
	// Prune drops events stamped before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// StatsStore holds the latest scorer output per capability version.
type StatsStore interface {
	Upsert(ctx context.Context, s *contracts.CapabilityStats) error
	Get(ctx context.Context, capabilityID, version string) (*contracts.CapabilityStats, error)
	List(ctx context.Context) ([]*contracts.CapabilityStats, error)
}
