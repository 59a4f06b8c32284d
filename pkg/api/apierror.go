// Package api is the reference HTTP transport: bearer tenant auth, the
// execute endpoint, capability stats, and health. All error responses are
// RFC 7807 problem details carrying the gateway's error taxonomy codes.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/moatlabs/moat/pkg/contracts"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Code, RequestID, and DecisionID are extension members tying the
// response back to the gateway's taxonomy and audit records.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// Code is the gateway taxonomy code for this rejection.
	Code contracts.ErrorCode `json:"code,omitempty"`
	// RequestID echoes the request id assigned to the execution attempt.
	RequestID string `json:"request_id,omitempty"`
	// DecisionID names the persisted policy decision behind a denial.
	DecisionID string `json:"decision_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func problemType(code contracts.ErrorCode, status int) string {
	if code != "" {
		return "https://moatlabs.dev/errors/" + strings.ToLower(string(code))
	}
	return fmt.Sprintf("https://moatlabs.dev/errors/%d", status)
}

// WriteProblem writes p as an RFC 7807 response. Missing Type and Title
// are filled from the code and status.
func WriteProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemType(p.Code, p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a plain RFC 7807 response without taxonomy context.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	WriteProblem(w, &ProblemDetail{
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}

// StatusForCode maps a taxonomy code onto the HTTP status of its problem
// response. Receipts never pass through here; a failed execution is still
// a 200 with the failure receipt as the body.
func StatusForCode(code contracts.ErrorCode) int {
	switch code {
	case contracts.CodeCapabilityNotPublished,
		contracts.CodeCapabilityHidden,
		contracts.CodeProviderNotFound:
		return http.StatusNotFound
	case contracts.CodeUnauthorized,
		contracts.CodeNoPolicyBundle,
		contracts.CodeScopeNotGranted,
		contracts.CodeScopeExplicitlyDenied,
		contracts.CodeDomainNotAllowlisted,
		contracts.CodeApprovalRequired,
		contracts.CodeApprovalPending,
		contracts.CodeApprovalDenied,
		contracts.CodeApprovalExpired:
		return http.StatusForbidden
	case contracts.CodeBudgetDailyCalls,
		contracts.CodeBudgetMonthlyCalls,
		contracts.CodeBudgetDailyCost,
		contracts.CodeBudgetMonthlyCost,
		contracts.CodeProviderRateLimited:
		return http.StatusTooManyRequests
	case contracts.CodeParamsSchemaViolation,
		contracts.CodeProviderInvalidInput:
		return http.StatusUnprocessableEntity
	case contracts.CodeTimeout:
		return http.StatusGatewayTimeout
	case contracts.CodeNetworkError,
		contracts.CodeProviderServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
