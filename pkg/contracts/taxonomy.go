package contracts

// ErrorCode is the closed failure taxonomy shared by the policy engine,
// the adapters, and the execute pipeline. Codes surface verbatim at the
// API boundary; adding a code is a contract change.
type ErrorCode string

// Policy rule hits (pre-execution).
const (
	CodeNoPolicyBundle        ErrorCode = "NO_POLICY_BUNDLE"
	CodeScopeNotGranted       ErrorCode = "SCOPE_NOT_GRANTED"
	CodeScopeExplicitlyDenied ErrorCode = "SCOPE_EXPLICITLY_DENIED"
	CodeBudgetDailyCalls      ErrorCode = "BUDGET_DAILY_CALLS_EXCEEDED"
	CodeBudgetMonthlyCalls    ErrorCode = "BUDGET_MONTHLY_CALLS_EXCEEDED"
	CodeBudgetDailyCost       ErrorCode = "BUDGET_DAILY_COST_EXCEEDED"
	CodeBudgetMonthlyCost     ErrorCode = "BUDGET_MONTHLY_COST_EXCEEDED"
	CodeDomainNotAllowlisted  ErrorCode = "DOMAIN_NOT_ALLOWLISTED"
	CodeApprovalRequired      ErrorCode = "APPROVAL_REQUIRED"
	CodeApprovalPending       ErrorCode = "APPROVAL_PENDING"
	CodeApprovalDenied        ErrorCode = "APPROVAL_DENIED"
	CodeApprovalExpired       ErrorCode = "APPROVAL_EXPIRED"
	CodePolicyEngineError     ErrorCode = "POLICY_ENGINE_ERROR"
	CodePolicyAllowed         ErrorCode = "POLICY_ALLOWED"
)

// Liveness and identity guards.
const (
	CodeCapabilityNotPublished ErrorCode = "CAPABILITY_NOT_PUBLISHED"
	CodeCapabilityHidden       ErrorCode = "CAPABILITY_HIDDEN"
	CodeUnauthorized           ErrorCode = "UNAUTHORIZED"
)

// Execution-phase failures.
const (
	CodeParamsSchemaViolation ErrorCode = "PARAMS_SCHEMA_VIOLATION"
	CodeProviderInvalidInput  ErrorCode = "PROVIDER_INVALID_INPUT"
	CodeProviderAuthFailure   ErrorCode = "PROVIDER_AUTH_FAILURE"
	CodeProviderNotFound      ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderRateLimited   ErrorCode = "PROVIDER_RATE_LIMITED"
	CodeProviderServerError   ErrorCode = "PROVIDER_SERVER_ERROR"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeNetworkError          ErrorCode = "NETWORK_ERROR"
	CodeGatewayError          ErrorCode = "GATEWAY_ERROR"
)

// CodePolicyDenied is not stored on receipts (denials produce no receipt);
// it exists so outcome consumers can tag decision-only rejections.
const CodePolicyDenied ErrorCode = "POLICY_DENIED"

var retryable = map[ErrorCode]bool{
	CodeProviderRateLimited: true,
	CodeProviderServerError: true,
	CodeTimeout:             true,
	CodeNetworkError:        true,
	CodeGatewayError:        true,
}

// Retryable reports whether a caller may retry the same request and
// reasonably expect a different outcome.
func (c ErrorCode) Retryable() bool { return retryable[c] }

// IsBudget reports whether the code is one of the four budget rule hits.
func (c ErrorCode) IsBudget() bool {
	switch c {
	case CodeBudgetDailyCalls, CodeBudgetMonthlyCalls, CodeBudgetDailyCost, CodeBudgetMonthlyCost:
		return true
	}
	return false
}

// IsApproval reports whether the code is one of the approval gate states.
func (c ErrorCode) IsApproval() bool {
	switch c {
	case CodeApprovalRequired, CodeApprovalPending, CodeApprovalDenied, CodeApprovalExpired:
		return true
	}
	return false
}

func (c ErrorCode) String() string { return string(c) }
