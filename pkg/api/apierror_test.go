package api_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/moatlabs/moat/pkg/api"
	"github.com/moatlabs/moat/pkg/contracts"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Title != "Bad Request" {
		t.Errorf("expected title 'Bad Request', got %q", problem.Title)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteProblem_FillsTypeFromCode(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteProblem(w, &api.ProblemDetail{
		Status: http.StatusForbidden,
		Detail: "scope not granted",
		Code:   contracts.CodeScopeNotGranted,
	})

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Type != "https://moatlabs.dev/errors/scope_not_granted" {
		t.Errorf("unexpected type URI %q", problem.Type)
	}
	if problem.Title != "Forbidden" {
		t.Errorf("expected title filled from status, got %q", problem.Title)
	}
	if problem.Code != contracts.CodeScopeNotGranted {
		t.Errorf("expected taxonomy code on the body, got %q", problem.Code)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Must NOT contain internal error details
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code contracts.ErrorCode
		want int
	}{
		{contracts.CodeCapabilityNotPublished, http.StatusNotFound},
		{contracts.CodeCapabilityHidden, http.StatusNotFound},
		{contracts.CodeUnauthorized, http.StatusForbidden},
		{contracts.CodeNoPolicyBundle, http.StatusForbidden},
		{contracts.CodeScopeNotGranted, http.StatusForbidden},
		{contracts.CodeApprovalRequired, http.StatusForbidden},
		{contracts.CodeBudgetDailyCalls, http.StatusTooManyRequests},
		{contracts.CodeProviderRateLimited, http.StatusTooManyRequests},
		{contracts.CodeParamsSchemaViolation, http.StatusUnprocessableEntity},
		{contracts.CodeTimeout, http.StatusGatewayTimeout},
		{contracts.CodeProviderServerError, http.StatusBadGateway},
		{contracts.CodeGatewayError, http.StatusInternalServerError},
		{contracts.ErrorCode("SOMETHING_NEW"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := api.StatusForCode(tc.code); got != tc.want {
			t.Errorf("StatusForCode(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
