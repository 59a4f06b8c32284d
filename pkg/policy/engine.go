// Package policy implements the default-deny evaluator that gates every
// capability execution. Evaluation is pure and deterministic: rules run in
// a fixed priority order, the first failure short-circuits, and any internal
// fault converts to a denied decision rather than an error. The engine
// never panics outward and never returns an error to the pipeline.
package policy

import (
	"fmt"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
)

// ApprovalStatus is the verdict of an approval-token check.
type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalInvalid  ApprovalStatus = "invalid"
)

// ApprovalVerifier checks an approval token for a (tenant, capability)
// pair. Implementations must treat verification faults as ApprovalInvalid;
// the engine maps invalid tokens to APPROVAL_REQUIRED.
type ApprovalVerifier interface {
	Verify(token, tenantID, capabilityID string) ApprovalStatus
}

// Input carries everything one evaluation may read. Budget is the counter
// snapshot taken before this call; Stale marks a manifest served past its
// cache TTL.
type Input struct {
	Bundle   *contracts.PolicyBundle
	Manifest *contracts.CapabilityManifest
	Request  *contracts.ExecuteRequest
	Budget   contracts.BudgetState
	Stale    bool
}

// Engine evaluates policy bundles against execute requests.
type Engine struct {
	approvals ApprovalVerifier // nil means approvals can never be satisfied
}

// NewEngine returns an Engine. approvals may be nil; approval-gated calls
// then always deny with APPROVAL_REQUIRED.
func NewEngine(approvals ApprovalVerifier) *Engine {
	return &Engine{approvals: approvals}
}

// Evaluate runs the rule chain and returns the immutable decision record.
// Fail-closed: a panic anywhere inside evaluation produces a denied
// decision with POLICY_ENGINE_ERROR instead of propagating.
func (e *Engine) Evaluate(in Input) (decision *contracts.PolicyDecision) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			decision = e.failClosed(in, started, fmt.Sprintf("panic: %v", r))
		}
	}()

	outcome, ruleHit, warnings := e.run(in)
	return e.decision(in, started, outcome, ruleHit, warnings)
}

// DenyEngineError builds the fail-closed decision for faults that happen
// before the engine can run, such as an unreachable counter store.
func (e *Engine) DenyEngineError(in Input, reason string) *contracts.PolicyDecision {
	return e.failClosed(in, time.Now(), reason)
}

func (e *Engine) run(in Input) (contracts.DecisionOutcome, contracts.ErrorCode, []string) {
	bundle, manifest, req := in.Bundle, in.Manifest, in.Request
	var warnings []string

	// Rule 1: a tenant without a bundle has no standing at all.
	if bundle == nil {
		return contracts.DecisionDenied, contracts.CodeNoPolicyBundle, nil
	}

	// Rules 2 and 3: grants first, explicit denials second.
	scope := req.RequiredScope()
	if !bundle.Grants(scope) {
		return contracts.DecisionDenied, contracts.CodeScopeNotGranted, nil
	}
	if bundle.Denies(scope) {
		return contracts.DecisionDenied, contracts.CodeScopeExplicitlyDenied, nil
	}

	// Rules 4-7: budget caps. Nil limits skip the rule; a soft bundle
	// downgrades the denial to a warning.
	budgetChecks := []struct {
		used  int64
		limit *int64
		code  contracts.ErrorCode
	}{
		{in.Budget.DailyCallsUsed, bundle.DailyCallsLimit, contracts.CodeBudgetDailyCalls},
		{in.Budget.MonthlyCallsUsed, bundle.MonthlyCallsLimit, contracts.CodeBudgetMonthlyCalls},
		{in.Budget.DailyCostUsed, bundle.DailyCostLimit, contracts.CodeBudgetDailyCost},
		{in.Budget.MonthlyCostUsed, bundle.MonthlyCostLimit, contracts.CodeBudgetMonthlyCost},
	}
	for _, c := range budgetChecks {
		if c.limit == nil {
			continue
		}
		if c.used >= *c.limit {
			if bundle.HardLimit {
				return contracts.DecisionDenied, c.code, nil
			}
			warnings = append(warnings, string(c.code))
		}
	}

	// Rule 8: an empty allowlist means the capability can reach nothing.
	if len(manifest.DomainAllowlist) == 0 {
		return contracts.DecisionDenied, contracts.CodeDomainNotAllowlisted, warnings
	}

	// Rule 9: approval gate for risk classes the bundle marks.
	if bundle.RequiresApproval(manifest.RiskClass) {
		if code, denied := e.checkApproval(req); denied {
			return contracts.DecisionDenied, code, warnings
		}
	}

	return contracts.DecisionAllowed, contracts.CodePolicyAllowed, warnings
}

func (e *Engine) checkApproval(req *contracts.ExecuteRequest) (contracts.ErrorCode, bool) {
	if req.ApprovalToken == "" || e.approvals == nil {
		return contracts.CodeApprovalRequired, true
	}
	switch e.approvals.Verify(req.ApprovalToken, req.TenantID, req.CapabilityID) {
	case ApprovalApproved:
		return "", false
	case ApprovalPending:
		return contracts.CodeApprovalPending, true
	case ApprovalDenied:
		return contracts.CodeApprovalDenied, true
	case ApprovalExpired:
		return contracts.CodeApprovalExpired, true
	default:
		return contracts.CodeApprovalRequired, true
	}
}

func (e *Engine) decision(in Input, started time.Time, outcome contracts.DecisionOutcome, ruleHit contracts.ErrorCode, warnings []string) *contracts.PolicyDecision {
	var granted []string
	if in.Bundle != nil {
		granted = append(granted, in.Bundle.GrantedScopes...)
	}
	version := ""
	if in.Manifest != nil {
		version = in.Manifest.Version
	}
	return &contracts.PolicyDecision{
		ID:                contracts.NewID(),
		TenantID:          in.Request.TenantID,
		CapabilityID:      in.Request.CapabilityID,
		CapabilityVersion: version,
		Decision:          outcome,
		RuleHit:           ruleHit,
		EvaluationMS:      time.Since(started).Milliseconds(),
		RequestedScopes:   []string{in.Request.RequiredScope()},
		GrantedScopes:     granted,
		BudgetState:       in.Budget,
		RequestID:         in.Request.RequestID,
		Stale:             in.Stale,
		Warnings:          warnings,
		Timestamp:         time.Now().UTC(),
	}
}

func (e *Engine) failClosed(in Input, started time.Time, reason string) *contracts.PolicyDecision {
	d := e.decision(in, started, contracts.DecisionDenied, contracts.CodePolicyEngineError, nil)
	d.Warnings = []string{reason}
	return d
}
