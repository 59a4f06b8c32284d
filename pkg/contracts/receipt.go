package contracts

import "time"

// ReceiptStatus is the terminal state of one observable execution.
type ReceiptStatus string

const (
	ReceiptSuccess       ReceiptStatus = "success"
	ReceiptFailure       ReceiptStatus = "failure"
	ReceiptIdempotentHit ReceiptStatus = "idempotent_hit"
)

// Receipt is the write-once record of one observable execution. It carries
// hashes, never raw bodies; params and outputs are redacted and hashed
// before anything touches durable storage.
type Receipt struct {
	ID                string            `json:"id"`
	CapabilityID      string            `json:"capability_id"`
	CapabilityVersion string            `json:"capability_version"`
	TenantID          string            `json:"tenant_id"`
	RequestID         string            `json:"request_id"`
	IdempotencyKey    string            `json:"idempotency_key"`
	InputHash         string            `json:"input_hash"`
	OutputHash        string            `json:"output_hash,omitempty"` // empty on failure
	LatencyMS         int64             `json:"latency_ms"`
	Status            ReceiptStatus     `json:"status"`
	ErrorCode         ErrorCode         `json:"error_code,omitempty"`
	ErrorDetail       string            `json:"error_detail,omitempty"` // redacted provider message
	PolicyDecisionID  string            `json:"policy_decision_id"`
	IsSynthetic       bool              `json:"is_synthetic"`
	Annotations       map[string]string `json:"annotations,omitempty"` // e.g. adapter=stub
	Timestamp         time.Time         `json:"timestamp"`
}

// Succeeded reports whether the underlying execution succeeded, treating an
// idempotent hit of a successful receipt as success.
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptSuccess || (r.Status == ReceiptIdempotentHit && r.ErrorCode == "")
}
