package contracts

import "time"

// OutcomeEvent is the scoring projection of a receipt. Idempotent hits do
// not emit one; they represent no provider-side execution.
type OutcomeEvent struct {
	ReceiptID         string    `json:"receipt_id"`
	CapabilityID      string    `json:"capability_id"`
	CapabilityVersion string    `json:"capability_version"`
	Success           bool      `json:"success"`
	LatencyMS         int64     `json:"latency_ms"`
	ErrorTaxonomy     ErrorCode `json:"error_taxonomy,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	IsSynthetic       bool      `json:"is_synthetic"`
}

// CapabilityVersionKey identifies one scored capability version.
type CapabilityVersionKey struct {
	CapabilityID string `json:"capability_id"`
	Version      string `json:"version"`
}

// SyntheticStatus is the result of the most recent synthetic probe.
type SyntheticStatus string

const (
	SyntheticSuccess SyntheticStatus = "success"
	SyntheticFailure SyntheticStatus = "failure"
	SyntheticUnknown SyntheticStatus = ""
)

// CapabilityStats is the rolling 7-day aggregate for one capability
// version, recomputed on the scorer interval. Scored is false below the
// minimum event volume; unscored capabilities route as active.
type CapabilityStats struct {
	CapabilityID         string          `json:"capability_id"`
	CapabilityVersion    string          `json:"capability_version"`
	WeightedSuccessRate  float64         `json:"weighted_success_rate_7d"`
	P50LatencyMS         float64         `json:"p50_latency_ms"`
	P95LatencyMS         float64         `json:"p95_latency_ms"`
	TotalCalls           int64           `json:"total_calls_7d"`
	Scored               bool            `json:"scored"`
	LastSyntheticCheckAt *time.Time      `json:"last_synthetic_check_at,omitempty"`
	LastSyntheticStatus  SyntheticStatus `json:"last_synthetic_status,omitempty"`
	ComputedAt           time.Time       `json:"computed_at"`
}
