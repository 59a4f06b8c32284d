package prober_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/prober"
	"github.com/moatlabs/moat/pkg/store"
)

var probeNow = time.Date(2026, 5, 2, 9, 30, 0, 0, time.UTC)

const probeYAML = `
probes:
  - capability_id: example.ping
    version: 1.2.0
    tenant_id: synthetic
    params:
      url: https://api.example.com/ping
    expect:
      - 'receipt.status == "success"'
      - 'output.status_code == 200'
`

type execFunc func(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error)

func (f execFunc) Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error) {
	return f(ctx, req)
}

// recordingExec captures every request and the authenticated tenant it
// arrived with, replying with a fixed result.
type recordingExec struct {
	mu      sync.Mutex
	reqs    []*contracts.ExecuteRequest
	tenants []string
	res     *contracts.ExecuteResult
	err     error
}

func (r *recordingExec) Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	tenant, _ := auth.TenantFrom(ctx)
	r.tenants = append(r.tenants, tenant)
	return r.res, r.err
}

func successResult(statusCode int) *contracts.ExecuteResult {
	return &contracts.ExecuteResult{
		Receipt: &contracts.Receipt{
			ID:                "rcp-1",
			CapabilityID:      "example.ping",
			CapabilityVersion: "1.2.0",
			TenantID:          "synthetic",
			Status:            contracts.ReceiptSuccess,
			LatencyMS:         87,
			IsSynthetic:       true,
			Timestamp:         probeNow,
		},
		Output: map[string]any{"status_code": statusCode},
	}
}

func loadTestProbes(t *testing.T) []*prober.Probe {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(probeYAML), 0o600))
	probes, err := prober.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, probes, 1)
	return probes
}

func newProber(t *testing.T, exec prober.Executor, stats store.StatsStore, audit *store.AuditLog, probes []*prober.Probe) *prober.Prober {
	t.Helper()
	return prober.New(exec, stats, probes, prober.Options{
		Audit:  audit,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  func() time.Time { return probeNow },
	})
}

func TestLoadFileRejectsBadSpecs(t *testing.T) {
	dir := t.TempDir()

	noTenant := filepath.Join(dir, "no_tenant.yaml")
	require.NoError(t, os.WriteFile(noTenant, []byte("probes:\n  - capability_id: example.ping\n"), 0o600))
	_, err := prober.LoadFile(noTenant)
	assert.ErrorContains(t, err, "tenant_id")

	badExpr := filepath.Join(dir, "bad_expr.yaml")
	require.NoError(t, os.WriteFile(badExpr, []byte(
		"probes:\n  - capability_id: example.ping\n    tenant_id: synthetic\n    expect:\n      - 'now() > timestamp(\"2020-01-01T00:00:00Z\")'\n"), 0o600))
	_, err = prober.LoadFile(badExpr)
	assert.ErrorContains(t, err, "now() is forbidden")

	_, err = prober.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestProbeSuccessRecordsStatus(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	audit := store.NewAuditLog()
	exec := &recordingExec{res: successResult(200)}
	p := newProber(t, exec, stats, audit, loadTestProbes(t))

	p.RunOnce(context.Background())

	require.Len(t, exec.reqs, 1)
	req := exec.reqs[0]
	assert.True(t, req.IsSynthetic)
	assert.Equal(t, "example.ping", req.CapabilityID)
	assert.Equal(t, "1.2.0", req.CapabilityVersion)
	assert.Equal(t, "synthetic", req.TenantID)
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, []string{"synthetic"}, exec.tenants)

	st, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.SyntheticSuccess, st.LastSyntheticStatus)
	require.NotNil(t, st.LastSyntheticCheckAt)
	assert.True(t, probeNow.Equal(*st.LastSyntheticCheckAt))

	entries := audit.Query(store.AuditFilter{Kind: store.AuditProbeCompleted})
	require.Len(t, entries, 1)
	assert.Equal(t, "example.ping@1.2.0", entries[0].Subject)
	assert.Equal(t, "success", entries[0].Action)
}

func TestProbeIdempotencyKeysAreUnique(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	exec := &recordingExec{res: successResult(200)}
	p := newProber(t, exec, stats, nil, loadTestProbes(t))

	p.RunOnce(context.Background())
	p.RunOnce(context.Background())

	require.Len(t, exec.reqs, 2)
	assert.NotEmpty(t, exec.reqs[0].IdempotencyKey)
	assert.NotEqual(t, exec.reqs[0].IdempotencyKey, exec.reqs[1].IdempotencyKey)
}

func TestProbeUnmetExpectationRecordsFailure(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	audit := store.NewAuditLog()
	exec := &recordingExec{res: successResult(500)}
	p := newProber(t, exec, stats, audit, loadTestProbes(t))

	p.RunOnce(context.Background())

	st, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.SyntheticFailure, st.LastSyntheticStatus)

	entries := audit.Query(store.AuditFilter{Kind: store.AuditProbeCompleted})
	require.Len(t, entries, 1)
	assert.Equal(t, "failure", entries[0].Action)
}

func TestProbeFailureReceiptRecordsFailure(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	exec := &recordingExec{res: &contracts.ExecuteResult{
		Receipt: &contracts.Receipt{
			ID:                "rcp-2",
			CapabilityID:      "example.ping",
			CapabilityVersion: "1.2.0",
			Status:            contracts.ReceiptFailure,
			ErrorCode:         contracts.CodeTimeout,
			LatencyMS:         30000,
			IsSynthetic:       true,
		},
	}}
	p := newProber(t, exec, stats, nil, loadTestProbes(t))

	p.RunOnce(context.Background())

	st, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.SyntheticFailure, st.LastSyntheticStatus)
}

func TestProbeDenialLeavesStatsAlone(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	audit := store.NewAuditLog()
	exec := &recordingExec{res: &contracts.ExecuteResult{
		PolicyDenied: &contracts.PolicyDecision{
			ID:       "dec-1",
			Decision: contracts.DecisionDenied,
			RuleHit:  contracts.CodeScopeNotGranted,
		},
	}}
	p := newProber(t, exec, stats, audit, loadTestProbes(t))

	p.RunOnce(context.Background())

	_, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries := audit.Query(store.AuditFilter{Kind: store.AuditProbeCompleted})
	require.Len(t, entries, 1)
	assert.Equal(t, "denied", entries[0].Action)
}

func TestProbePreservesScorerFields(t *testing.T) {
	stats := store.NewMemoryStatsStore()
	require.NoError(t, stats.Upsert(context.Background(), &contracts.CapabilityStats{
		CapabilityID:        "example.ping",
		CapabilityVersion:   "1.2.0",
		WeightedSuccessRate: 0.97,
		P50LatencyMS:        110,
		P95LatencyMS:        240,
		TotalCalls:          400,
		Scored:              true,
		ComputedAt:          probeNow.Add(-10 * time.Minute),
	}))

	exec := &recordingExec{res: successResult(200)}
	p := newProber(t, exec, stats, nil, loadTestProbes(t))
	p.RunOnce(context.Background())

	st, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.SyntheticSuccess, st.LastSyntheticStatus)
	assert.InDelta(t, 0.97, st.WeightedSuccessRate, 1e-9)
	assert.Equal(t, int64(400), st.TotalCalls)
	assert.True(t, st.Scored)
}

func TestProbeVersionResolvedByReceipt(t *testing.T) {
	// A probe spec without a version keys the stats row by whatever
	// version the receipt resolved to.
	yamlNoVersion := "probes:\n  - capability_id: example.ping\n    tenant_id: synthetic\n"
	path := filepath.Join(t.TempDir(), "probes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlNoVersion), 0o600))
	probes, err := prober.LoadFile(path)
	require.NoError(t, err)

	stats := store.NewMemoryStatsStore()
	exec := execFunc(func(_ context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error) {
		assert.Empty(t, req.CapabilityVersion)
		return successResult(200), nil
	})
	p := newProber(t, exec, stats, nil, probes)
	p.RunOnce(context.Background())

	st, err := stats.Get(context.Background(), "example.ping", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, contracts.SyntheticSuccess, st.LastSyntheticStatus)
}
