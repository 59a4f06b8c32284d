// Package routing moves capability versions between routing states
// based on scorer batches. Rules run in a fixed order and the first
// match wins; a hidden capability leaves hidden only through the
// recovery gate. Every applied transition invalidates the catalog
// entry and lands in the audit log.
package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/registry"
	"github.com/moatlabs/moat/pkg/store"
)

// Default thresholds.
const (
	DefaultHideThreshold      = 0.80
	DefaultHideSustain        = 24 * time.Hour
	DefaultSyntheticStaleness = 2 * time.Hour
	DefaultThrottleP95MS      = 10000
	DefaultPreferredRate      = 0.99
	DefaultPreferredP95MS     = 2000
)

// Rule names carried on transitions and audit entries.
const (
	RuleHideLowSuccessRate       = "HIDE_LOW_SUCCESS_RATE"
	RuleHideSyntheticFailure     = "HIDE_SYNTHETIC_FAILURE"
	RuleThrottleHighLatency      = "THROTTLE_HIGH_LATENCY"
	RulePreferredVerifiedHealthy = "PREFERRED_VERIFIED_HEALTHY"
	RuleRecovered                = "RECOVERED"
	RuleDefaultActive            = "DEFAULT_ACTIVE"
)

// Invalidator evicts a cached manifest after its routing status moves.
// *catalog.Catalog satisfies it.
type Invalidator interface {
	Invalidate(id, version string)
}

// Transition is one applied routing status change.
type Transition struct {
	CapabilityID string                  `json:"capability_id"`
	Version      string                  `json:"version"`
	From         contracts.RoutingStatus `json:"from"`
	To           contracts.RoutingStatus `json:"to"`
	Rule         string                  `json:"rule"`
	At           time.Time               `json:"at"`
}

// Options configures an Advisor. Zero thresholds fall back to the
// defaults above.
type Options struct {
	Catalog            Invalidator
	Audit              *store.AuditLog
	HideThreshold      float64
	HideSustain        time.Duration
	SyntheticStaleness time.Duration
	ThrottleP95MS      float64
	PreferredRate      float64
	PreferredP95MS     float64
	Logger             *slog.Logger
	Clock              func() time.Time
}

// Advisor applies the threshold rules to each scorer batch and writes
// the resulting status onto the registry row.
//
// Sustain clocks (the 24h windows behind hide and recovery) are kept in
// memory from first observation, so a restart restarts them.
type Advisor struct {
	registry registry.Registry
	catalog  Invalidator
	audit    *store.AuditLog
	log      *slog.Logger
	now      func() time.Time

	hideThreshold  float64
	hideSustain    time.Duration
	syntheticStale time.Duration
	throttleP95    float64
	preferredRate  float64
	preferredP95   float64

	mu           sync.Mutex
	belowSince   map[contracts.CapabilityVersionKey]time.Time
	healthySince map[contracts.CapabilityVersionKey]time.Time
}

// New builds an Advisor over the registry.
func New(reg registry.Registry, opts Options) *Advisor {
	a := &Advisor{
		registry:       reg,
		catalog:        opts.Catalog,
		audit:          opts.Audit,
		log:            opts.Logger,
		now:            opts.Clock,
		hideThreshold:  opts.HideThreshold,
		hideSustain:    opts.HideSustain,
		syntheticStale: opts.SyntheticStaleness,
		throttleP95:    opts.ThrottleP95MS,
		preferredRate:  opts.PreferredRate,
		preferredP95:   opts.PreferredP95MS,
		belowSince:     make(map[contracts.CapabilityVersionKey]time.Time),
		healthySince:   make(map[contracts.CapabilityVersionKey]time.Time),
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.hideThreshold <= 0 {
		a.hideThreshold = DefaultHideThreshold
	}
	if a.hideSustain <= 0 {
		a.hideSustain = DefaultHideSustain
	}
	if a.syntheticStale <= 0 {
		a.syntheticStale = DefaultSyntheticStaleness
	}
	if a.throttleP95 <= 0 {
		a.throttleP95 = DefaultThrottleP95MS
	}
	if a.preferredRate <= 0 {
		a.preferredRate = DefaultPreferredRate
	}
	if a.preferredP95 <= 0 {
		a.preferredP95 = DefaultPreferredP95MS
	}
	return a
}

// Apply evaluates one scorer batch and returns the transitions it
// applied. Unknown capabilities are skipped; a registry write failure
// is logged and skips only that capability.
func (a *Advisor) Apply(ctx context.Context, batch []*contracts.CapabilityStats) []Transition {
	now := a.now().UTC()
	var applied []Transition

	for _, st := range batch {
		key := contracts.CapabilityVersionKey{CapabilityID: st.CapabilityID, Version: st.CapabilityVersion}

		m, err := a.registry.GetManifest(ctx, key.CapabilityID, key.Version)
		if err != nil {
			a.forget(key)
			a.log.Debug("stats for unknown capability",
				"capability_id", key.CapabilityID,
				"capability_version", key.Version)
			continue
		}

		a.observe(key, st, now)

		to, rule := a.decide(key, m, st, now)
		if to == m.RoutingStatus {
			continue
		}

		if err := a.registry.SetRoutingStatus(ctx, key.CapabilityID, key.Version, to); err != nil {
			a.log.Error("routing transition failed",
				"capability_id", key.CapabilityID,
				"capability_version", key.Version,
				"to", to,
				"error", err)
			continue
		}
		if a.catalog != nil {
			a.catalog.Invalidate(key.CapabilityID, key.Version)
		}

		tr := Transition{
			CapabilityID: key.CapabilityID,
			Version:      key.Version,
			From:         m.RoutingStatus,
			To:           to,
			Rule:         rule,
			At:           now,
		}
		applied = append(applied, tr)
		a.log.Info("routing transition",
			"capability_id", tr.CapabilityID,
			"capability_version", tr.Version,
			"from", tr.From,
			"to", tr.To,
			"rule", tr.Rule,
			"weighted_success_rate_7d", st.WeightedSuccessRate,
			"p95_latency_ms", st.P95LatencyMS)

		if a.audit != nil {
			action := string(tr.From) + " -> " + string(tr.To)
			if _, err := a.audit.Append(store.AuditRoutingTransition, m.Key(), action, transitionPayload{
				Rule:                rule,
				WeightedSuccessRate: st.WeightedSuccessRate,
				P95LatencyMS:        st.P95LatencyMS,
				TotalCalls:          st.TotalCalls,
				Scored:              st.Scored,
			}); err != nil {
				a.log.Warn("audit append failed", "error", err)
			}
		}
	}
	return applied
}

type transitionPayload struct {
	Rule                string  `json:"rule"`
	WeightedSuccessRate float64 `json:"weighted_success_rate_7d"`
	P95LatencyMS        float64 `json:"p95_latency_ms"`
	TotalCalls          int64   `json:"total_calls_7d"`
	Scored              bool    `json:"scored"`
}

// observe updates the sustain clocks before any rule runs. Unscored
// stats clear both clocks: with no verdict there is no evidence either
// way.
func (a *Advisor) observe(key contracts.CapabilityVersionKey, st *contracts.CapabilityStats, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st.Scored && st.WeightedSuccessRate < a.hideThreshold {
		if _, ok := a.belowSince[key]; !ok {
			a.belowSince[key] = now
		}
	} else {
		delete(a.belowSince, key)
	}

	if st.Scored && st.WeightedSuccessRate >= a.hideThreshold {
		if _, ok := a.healthySince[key]; !ok {
			a.healthySince[key] = now
		}
	} else {
		delete(a.healthySince, key)
	}
}

func (a *Advisor) forget(key contracts.CapabilityVersionKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.belowSince, key)
	delete(a.healthySince, key)
}

// decide returns the target status for one capability. Hidden rows are
// held by the recovery gate; everything else runs the ordered rules.
func (a *Advisor) decide(key contracts.CapabilityVersionKey, m *contracts.CapabilityManifest, st *contracts.CapabilityStats, now time.Time) (contracts.RoutingStatus, string) {
	if m.RoutingStatus == contracts.RoutingHidden {
		if a.lowSustained(key, st, now) || a.staleSyntheticFailure(st, now) {
			return contracts.RoutingHidden, ""
		}
		if a.healthySustained(key, now) && st.LastSyntheticStatus == contracts.SyntheticSuccess {
			return contracts.RoutingActive, RuleRecovered
		}
		return contracts.RoutingHidden, ""
	}

	switch {
	case a.lowSustained(key, st, now):
		return contracts.RoutingHidden, RuleHideLowSuccessRate
	case a.staleSyntheticFailure(st, now):
		return contracts.RoutingHidden, RuleHideSyntheticFailure
	case st.Scored && st.P95LatencyMS > a.throttleP95:
		return contracts.RoutingThrottled, RuleThrottleHighLatency
	case st.Scored && m.Verified && st.WeightedSuccessRate >= a.preferredRate && st.P95LatencyMS <= a.preferredP95:
		return contracts.RoutingPreferred, RulePreferredVerifiedHealthy
	default:
		return contracts.RoutingActive, RuleDefaultActive
	}
}

func (a *Advisor) lowSustained(key contracts.CapabilityVersionKey, st *contracts.CapabilityStats, now time.Time) bool {
	if !st.Scored || st.WeightedSuccessRate >= a.hideThreshold {
		return false
	}
	a.mu.Lock()
	since, ok := a.belowSince[key]
	a.mu.Unlock()
	return ok && now.Sub(since) >= a.hideSustain
}

func (a *Advisor) healthySustained(key contracts.CapabilityVersionKey, now time.Time) bool {
	a.mu.Lock()
	since, ok := a.healthySince[key]
	a.mu.Unlock()
	return ok && now.Sub(since) >= a.hideSustain
}

// staleSyntheticFailure holds after a failed probe goes unrefreshed for
// the staleness window. A fresh failure gets that window for the prober
// to retry before the capability is hidden.
func (a *Advisor) staleSyntheticFailure(st *contracts.CapabilityStats, now time.Time) bool {
	if st.LastSyntheticStatus != contracts.SyntheticFailure || st.LastSyntheticCheckAt == nil {
		return false
	}
	return st.LastSyntheticCheckAt.Before(now.Add(-a.syntheticStale))
}
