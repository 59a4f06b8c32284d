// Package scorer maintains rolling reliability statistics per capability
// version. It ingests outcome events from the bus into the event log and
// recomputes weighted success rates and latency percentiles on a fixed
// cadence. The routing advisor consumes each recompute batch.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/store"
)

const (
	// DefaultWindow is the rolling aggregation window.
	DefaultWindow = 7 * 24 * time.Hour
	// DefaultInterval is the recompute cadence.
	DefaultInterval = 15 * time.Minute
	// DefaultMinVolume is the event count below which no scored verdict
	// is exposed.
	DefaultMinVolume = 10
	// DefaultWorkers bounds concurrent per-capability recomputes.
	DefaultWorkers = 4
)

// BatchFunc receives every completed recompute batch, ordered by
// capability key. The routing advisor hangs off this hook.
type BatchFunc func(ctx context.Context, batch []*contracts.CapabilityStats)

// Options configures a Scorer. Zero values fall back to the defaults
// above.
type Options struct {
	Window    time.Duration
	Interval  time.Duration
	MinVolume int
	Workers   int
	OnBatch   BatchFunc
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Scorer computes CapabilityStats from the outcome event log.
type Scorer struct {
	outcomes store.OutcomeStore
	stats    store.StatsStore

	window    time.Duration
	interval  time.Duration
	minVolume int
	workers   int
	onBatch   BatchFunc
	log       *slog.Logger
	now       func() time.Time
}

// New builds a Scorer over the given event log and stats store.
func New(outcomes store.OutcomeStore, stats store.StatsStore, opts Options) *Scorer {
	s := &Scorer{
		outcomes:  outcomes,
		stats:     stats,
		window:    opts.Window,
		interval:  opts.Interval,
		minVolume: opts.MinVolume,
		workers:   opts.Workers,
		onBatch:   opts.OnBatch,
		log:       opts.Logger,
		now:       opts.Clock,
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.minVolume <= 0 {
		s.minVolume = DefaultMinVolume
	}
	if s.workers <= 0 {
		s.workers = DefaultWorkers
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Record appends one event to the log.
func (s *Scorer) Record(ctx context.Context, ev *contracts.OutcomeEvent) error {
	if ev == nil {
		return nil
	}
	if err := s.outcomes.Append(ctx, ev); err != nil {
		return fmt.Errorf("scorer: append outcome: %w", err)
	}
	return nil
}

// Handler adapts Record to the outcome bus callback shape. Append
// failures are logged and the event is lost; scoring tolerates gaps.
func (s *Scorer) Handler() func(*contracts.OutcomeEvent) {
	return func(ev *contracts.OutcomeEvent) {
		if err := s.Record(context.Background(), ev); err != nil {
			s.log.Warn("outcome event dropped",
				"receipt_id", ev.ReceiptID,
				"capability_id", ev.CapabilityID,
				"error", err)
		}
	}
}

// Run recomputes immediately and then on every interval tick until ctx
// is done.
func (s *Scorer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scorer) runOnce(ctx context.Context) {
	start := time.Now()
	batch, err := s.Recompute(ctx)
	if err != nil {
		s.log.Error("recompute batch failed", "error", err)
		return
	}
	s.log.Info("recompute batch complete",
		"capabilities", len(batch),
		"elapsed_ms", time.Since(start).Milliseconds())
	if s.onBatch != nil {
		s.onBatch(ctx, batch)
	}
}

// Recompute rebuilds stats for every capability version with events in
// the window and upserts each snapshot. One capability's failure is
// logged and skipped; the rest of the batch proceeds. Events older than
// the window are pruned afterwards. Given an unchanged event set and
// clock, the output is identical across runs.
func (s *Scorer) Recompute(ctx context.Context) ([]*contracts.CapabilityStats, error) {
	now := s.now().UTC()
	from := now.Add(-s.window)

	keys, err := s.outcomes.Versions(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("scorer: list versions: %w", err)
	}

	results := make([]*contracts.CapabilityStats, len(keys))
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for i, key := range keys {
		wg.Add(1)
		go func(i int, key contracts.CapabilityVersionKey) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			st, err := s.computeOne(ctx, key, from, now)
			if err != nil {
				s.log.Error("capability recompute failed",
					"capability_id", key.CapabilityID,
					"capability_version", key.Version,
					"error", err)
				return
			}
			results[i] = st
		}(i, key)
	}
	wg.Wait()

	batch := make([]*contracts.CapabilityStats, 0, len(results))
	for _, st := range results {
		if st != nil {
			batch = append(batch, st)
		}
	}

	if n, err := s.outcomes.Prune(ctx, from); err != nil {
		s.log.Warn("outcome prune failed", "error", err)
	} else if n > 0 {
		s.log.Debug("pruned outcome events", "events", n)
	}

	return batch, nil
}

func (s *Scorer) computeOne(ctx context.Context, key contracts.CapabilityVersionKey, from, now time.Time) (*contracts.CapabilityStats, error) {
	events, err := s.outcomes.ListWindow(ctx, key.CapabilityID, key.Version, from, now)
	if err != nil {
		return nil, err
	}

	var weightSum float64
	latencies := make([]float64, 0, len(events))
	for _, ev := range events {
		w, ok := weightFor(ev)
		if !ok {
			continue
		}
		weightSum += w
		latencies = append(latencies, float64(ev.LatencyMS))
	}

	st := &contracts.CapabilityStats{
		CapabilityID:        key.CapabilityID,
		CapabilityVersion:   key.Version,
		WeightedSuccessRate: 1.0,
		TotalCalls:          int64(len(latencies)),
		Scored:              len(latencies) >= s.minVolume,
		ComputedAt:          now,
	}
	if n := len(latencies); n > 0 {
		st.WeightedSuccessRate = round4(weightSum / float64(n))
		sort.Float64s(latencies)
		st.P50LatencyMS = round2(percentile(latencies, 50))
		st.P95LatencyMS = round2(percentile(latencies, 95))
	}

	// Probe results ride on the stats row; carry them across recomputes.
	prev, err := s.stats.Get(ctx, key.CapabilityID, key.Version)
	switch {
	case err == nil:
		st.LastSyntheticCheckAt = prev.LastSyntheticCheckAt
		st.LastSyntheticStatus = prev.LastSyntheticStatus
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if err := s.stats.Upsert(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// weightFor maps an event to its scoring weight. The second return is
// false for events that do not score: gateway faults, policy denials,
// and anything the provider never saw.
func weightFor(ev *contracts.OutcomeEvent) (float64, bool) {
	if ev.Success {
		return 1.0, true
	}
	switch ev.ErrorTaxonomy {
	case contracts.CodeProviderRateLimited:
		return 0.5, true
	case contracts.CodeProviderInvalidInput:
		return 0.7, true
	case contracts.CodeProviderNotFound:
		return 0.2, true
	case contracts.CodeProviderServerError, contracts.CodeTimeout,
		contracts.CodeNetworkError, contracts.CodeProviderAuthFailure:
		return 0, true
	default:
		return 0, false
	}
}

// percentile interpolates linearly between closest ranks. values must
// be sorted ascending.
func percentile(values []float64, pct float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	k := float64(len(values)-1) * pct / 100
	lo := int(k)
	hi := lo + 1
	if hi >= len(values) {
		return values[len(values)-1]
	}
	frac := k - float64(lo)
	return values[lo] + frac*(values[hi]-values[lo])
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
