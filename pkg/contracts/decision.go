package contracts

import "time"

// DecisionOutcome is the verdict of one policy evaluation.
type DecisionOutcome string

const (
	DecisionAllowed DecisionOutcome = "allowed"
	DecisionDenied  DecisionOutcome = "denied"
)

// BudgetState snapshots the tenant's counters at evaluation time, before
// any increment for the call being decided. Limits are copied from the
// bundle so the decision is self-contained for audit.
type BudgetState struct {
	DailyCallsUsed    int64  `json:"daily_calls_used"`
	MonthlyCallsUsed  int64  `json:"monthly_calls_used"`
	DailyCostUsed     int64  `json:"daily_cost_cents_used"`
	MonthlyCostUsed   int64  `json:"monthly_cost_cents_used"`
	DailyCallsLimit   *int64 `json:"daily_calls_limit,omitempty"`
	MonthlyCallsLimit *int64 `json:"monthly_calls_limit,omitempty"`
	DailyCostLimit    *int64 `json:"daily_cost_cents_limit,omitempty"`
	MonthlyCostLimit  *int64 `json:"monthly_cost_cents_limit,omitempty"`
}

// PolicyDecision is the immutable audit record of one policy evaluation.
// It is written before any side effect other than itself; a denied decision
// is the only artifact a rejected request leaves behind.
type PolicyDecision struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	CapabilityID      string          `json:"capability_id"`
	CapabilityVersion string          `json:"capability_version"`
	Decision          DecisionOutcome `json:"decision"`
	RuleHit           ErrorCode       `json:"rule_hit"`
	EvaluationMS      int64           `json:"evaluation_ms"`
	RequestedScopes   []string        `json:"requested_scopes"`
	GrantedScopes     []string        `json:"granted_scopes"`
	BudgetState       BudgetState     `json:"budget_state"`
	RequestID         string          `json:"request_id"`
	Stale             bool            `json:"stale,omitempty"` // manifest served past TTL
	Warnings          []string        `json:"warnings,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Allowed reports whether the decision permits execution.
func (d *PolicyDecision) Allowed() bool { return d.Decision == DecisionAllowed }
