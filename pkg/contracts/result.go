package contracts

import "fmt"

// Fault is a typed pre-policy rejection: the pipeline could not identify a
// principal or reach a mandatory store, so neither a decision nor a receipt
// exists. It carries the taxonomy code for the API boundary.
type Fault struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s (request %s)", f.Code, f.Message, f.RequestID)
}

// NewFault builds a Fault for the given request correlation id.
func NewFault(code ErrorCode, requestID, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...), RequestID: requestID}
}

// ExecuteResult is the single return shape of the execute entry point.
// Exactly one of Receipt, PolicyDenied, or Fault is set. Output carries the
// redacted adapter output for fresh executions only; replays return the
// receipt alone since raw bodies are never persisted.
type ExecuteResult struct {
	Receipt      *Receipt        `json:"receipt,omitempty"`
	Output       map[string]any  `json:"output,omitempty"`
	PolicyDenied *PolicyDecision `json:"policy_denied,omitempty"`
	Fault        *Fault          `json:"error,omitempty"`
}

// Denied reports whether the result is a policy denial.
func (r *ExecuteResult) Denied() bool { return r.PolicyDenied != nil }
