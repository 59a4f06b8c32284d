package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/observability"
	"github.com/moatlabs/moat/pkg/store"
)

// ExecuteResponse is the wire shape for a completed execution. Output is
// present for fresh successes only; replays return the receipt alone.
type ExecuteResponse struct {
	Receipt *contracts.Receipt `json:"receipt"`
	Output  map[string]any     `json:"output,omitempty"`
}

// StatsResponse lists the scored versions of one capability.
type StatsResponse struct {
	CapabilityID string                       `json:"capability_id"`
	Stats        []*contracts.CapabilityStats `json:"stats"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleExecute runs one governed call. Failed executions still return
// 200 with the failure receipt; only faults and policy denials map to
// problem responses.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req contracts.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large",
				"request body exceeds the configured limit")
			return
		}
		WriteBadRequest(w, "invalid request body")
		return
	}

	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if req.TenantID == "" {
		req.TenantID = principal.TenantID
	}

	ctx, span := s.tracing.StartSpan(r.Context(), "moat.execute",
		trace.WithAttributes(observability.ExecutionAttrs(&req)...))
	defer span.End()

	res, err := s.exec.Execute(ctx, &req)
	if err != nil {
		observability.SetSpanStatus(ctx, err)
		switch {
		case errors.Is(err, context.Canceled):
			// Caller went away mid-flight; nothing useful to write.
		case errors.Is(err, context.DeadlineExceeded):
			WriteProblem(w, &ProblemDetail{
				Status:   http.StatusGatewayTimeout,
				Detail:   "execution deadline exceeded",
				Code:     contracts.CodeTimeout,
				Instance: r.URL.Path,
			})
		default:
			// The pipeline surfaces only request validation as errors.
			WriteBadRequest(w, err.Error())
		}
		return
	}

	s.decorateSpan(ctx, res)
	s.writeExecuteResult(w, r, res)
}

func (s *Server) decorateSpan(ctx context.Context, res *contracts.ExecuteResult) {
	span := observability.SpanFromContext(ctx)
	switch {
	case res.Fault != nil:
		span.SetAttributes(observability.AttrErrorCode.String(string(res.Fault.Code)))
		observability.SetSpanStatus(ctx, res.Fault)
	case res.PolicyDenied != nil:
		span.SetAttributes(observability.DecisionAttrs(res.PolicyDenied)...)
	case res.Receipt != nil:
		span.SetAttributes(observability.ReceiptAttrs(res.Receipt)...)
		observability.SetSpanStatus(ctx, nil)
	}
}

func (s *Server) writeExecuteResult(w http.ResponseWriter, r *http.Request, res *contracts.ExecuteResult) {
	switch {
	case res.Fault != nil:
		WriteProblem(w, &ProblemDetail{
			Status:    StatusForCode(res.Fault.Code),
			Detail:    res.Fault.Message,
			Instance:  r.URL.Path,
			Code:      res.Fault.Code,
			RequestID: res.Fault.RequestID,
		})
	case res.PolicyDenied != nil:
		WriteProblem(w, &ProblemDetail{
			Status:     StatusForCode(res.PolicyDenied.RuleHit),
			Title:      "Policy Denied",
			Detail:     "request denied by tenant policy",
			Instance:   r.URL.Path,
			Code:       res.PolicyDenied.RuleHit,
			RequestID:  res.PolicyDenied.RequestID,
			DecisionID: res.PolicyDenied.ID,
		})
	default:
		writeJSON(w, ExecuteResponse{Receipt: res.Receipt, Output: res.Output})
	}
}

// handleStats returns the scorer's snapshots for one capability, newest
// version first, or a single version when ?version= is given.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if version := r.URL.Query().Get("version"); version != "" {
		st, err := s.stats.Get(r.Context(), id, version)
		switch {
		case errors.Is(err, store.ErrNotFound):
			WriteNotFound(w, "no stats recorded for this capability version")
		case err != nil:
			WriteInternal(w, err)
		default:
			writeJSON(w, StatsResponse{CapabilityID: id, Stats: []*contracts.CapabilityStats{st}})
		}
		return
	}

	all, err := s.stats.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	rows := make([]*contracts.CapabilityStats, 0, 4)
	for _, st := range all {
		if st.CapabilityID == id {
			rows = append(rows, st)
		}
	}
	if len(rows) == 0 {
		WriteNotFound(w, "no stats recorded for this capability")
		return
	}

	sort.Slice(rows, func(i, j int) bool {
		vi, erri := semver.NewVersion(rows[i].CapabilityVersion)
		vj, errj := semver.NewVersion(rows[j].CapabilityVersion)
		if erri != nil || errj != nil {
			return rows[i].CapabilityVersion > rows[j].CapabilityVersion
		}
		return vi.GreaterThan(vj)
	})

	writeJSON(w, StatsResponse{CapabilityID: id, Stats: rows})
}
