// Package prober issues synthetic executions against published
// capabilities and records each verdict on the capability's stats row.
// Probe traffic is marked is_synthetic: it flows through the full
// pipeline and feeds scoring, but is never billed.
package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/store"
)

const (
	// DefaultInterval is the probe cadence.
	DefaultInterval = 15 * time.Minute
	// DefaultTimeout bounds one probe execution end to end.
	DefaultTimeout = 45 * time.Second
	// DefaultWorkers bounds concurrent probes per tick.
	DefaultWorkers = 2
)

// Executor runs one request through the execute pipeline.
type Executor interface {
	Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error)
}

// Spec is one probe definition as written in the YAML file.
type Spec struct {
	CapabilityID string         `yaml:"capability_id"`
	Version      string         `yaml:"version"`
	TenantID     string         `yaml:"tenant_id"`
	Params       map[string]any `yaml:"params"`
	Expect       []string       `yaml:"expect"`
}

// Probe is a loaded spec with compiled expectations.
type Probe struct {
	Spec   Spec
	expect []*Expectation
}

type probeFile struct {
	Probes []Spec `yaml:"probes"`
}

// LoadFile reads probe specs from a YAML file and compiles their
// expectations. Compilation failures reject the whole file.
func LoadFile(path string) ([]*Probe, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prober: read %s: %w", path, err)
	}
	return ParseProbes(raw)
}

// ParseProbes builds probes from raw YAML.
func ParseProbes(raw []byte) ([]*Probe, error) {
	var f probeFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("prober: parse specs: %w", err)
	}
	env, err := newExpectEnv()
	if err != nil {
		return nil, fmt.Errorf("prober: expectation env: %w", err)
	}

	probes := make([]*Probe, 0, len(f.Probes))
	for i, spec := range f.Probes {
		if spec.CapabilityID == "" || spec.TenantID == "" {
			return nil, fmt.Errorf("prober: spec %d: capability_id and tenant_id are required", i)
		}
		p := &Probe{Spec: spec}
		for _, src := range spec.Expect {
			exp, err := CompileExpectation(env, src)
			if err != nil {
				return nil, err
			}
			p.expect = append(p.expect, exp)
		}
		probes = append(probes, p)
	}
	return probes, nil
}

// Options configures a Prober. Zero values fall back to the defaults.
type Options struct {
	Audit    *store.AuditLog
	Interval time.Duration
	Timeout  time.Duration
	Workers  int
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Prober drives the probe set on a fixed cadence.
type Prober struct {
	exec   Executor
	stats  store.StatsStore
	probes []*Probe
	audit  *store.AuditLog

	interval time.Duration
	timeout  time.Duration
	workers  int
	log      *slog.Logger
	now      func() time.Time
}

// New builds a Prober over the executor and stats store.
func New(exec Executor, stats store.StatsStore, probes []*Probe, opts Options) *Prober {
	p := &Prober{
		exec:     exec,
		stats:    stats,
		probes:   probes,
		audit:    opts.Audit,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		workers:  opts.Workers,
		log:      opts.Logger,
		now:      opts.Clock,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Run probes immediately and then on every interval tick until ctx is
// done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes every probe once through a bounded pool.
func (p *Prober) RunOnce(ctx context.Context) {
	sem := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for _, probe := range p.probes {
		wg.Add(1)
		go func(probe *Probe) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			p.runProbe(ctx, probe)
		}(probe)
	}
	wg.Wait()
}

func (p *Prober) runProbe(ctx context.Context, probe *Probe) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// The pipeline's identity guard wants an authenticated principal
	// matching the request tenant, probes included.
	cctx = auth.WithPrincipal(cctx, auth.Principal{TenantID: probe.Spec.TenantID})

	req := &contracts.ExecuteRequest{
		CapabilityID:      probe.Spec.CapabilityID,
		CapabilityVersion: probe.Spec.Version,
		TenantID:          probe.Spec.TenantID,
		Params:            probe.Spec.Params,
		IdempotencyKey:    "probe-" + uuid.NewString(),
		IsSynthetic:       true,
		RequestID:         uuid.NewString(),
	}

	res, err := p.exec.Execute(cctx, req)
	now := p.now().UTC()

	subject := probe.Spec.CapabilityID
	if probe.Spec.Version != "" {
		subject += "@" + probe.Spec.Version
	}

	switch {
	case err != nil:
		p.log.Warn("probe execution error",
			"capability_id", probe.Spec.CapabilityID, "error", err)
		p.auditProbe(subject, "error", map[string]any{"error": err.Error()})
		return
	case res.Fault != nil:
		p.log.Warn("probe faulted before policy",
			"capability_id", probe.Spec.CapabilityID, "code", res.Fault.Code)
		p.auditProbe(subject, "error", map[string]any{"code": string(res.Fault.Code)})
		return
	case res.PolicyDenied != nil:
		p.log.Warn("probe denied by policy",
			"capability_id", probe.Spec.CapabilityID, "rule_hit", res.PolicyDenied.RuleHit)
		p.auditProbe(subject, "denied", map[string]any{"rule_hit": string(res.PolicyDenied.RuleHit)})
		return
	case res.Receipt == nil:
		p.log.Error("probe result carried no receipt",
			"capability_id", probe.Spec.CapabilityID)
		return
	}

	rcpt := res.Receipt
	subject = rcpt.CapabilityID + "@" + rcpt.CapabilityVersion

	// A failed execution is a failed probe; expectations run only on
	// success receipts since failures carry no output.
	status := contracts.SyntheticFailure
	var unmet []string
	if rcpt.Status == contracts.ReceiptSuccess {
		status = contracts.SyntheticSuccess
		activation := receiptActivation(rcpt)
		for _, exp := range probe.expect {
			ok, evalErr := exp.Eval(res.Output, activation)
			if evalErr != nil {
				p.log.Warn("probe expectation error",
					"capability_id", rcpt.CapabilityID,
					"expr", exp.Source,
					"error", evalErr)
			}
			if !ok {
				status = contracts.SyntheticFailure
				unmet = append(unmet, exp.Source)
			}
		}
	}

	if err := p.recordStatus(ctx, rcpt, status, now); err != nil {
		p.log.Error("probe status write failed",
			"capability_id", rcpt.CapabilityID,
			"capability_version", rcpt.CapabilityVersion,
			"error", err)
		return
	}

	p.log.Info("probe completed",
		"capability_id", rcpt.CapabilityID,
		"capability_version", rcpt.CapabilityVersion,
		"status", status,
		"latency_ms", rcpt.LatencyMS)

	payload := map[string]any{
		"receipt_id": rcpt.ID,
		"latency_ms": rcpt.LatencyMS,
	}
	if rcpt.ErrorCode != "" {
		payload["error_code"] = string(rcpt.ErrorCode)
	}
	if len(unmet) > 0 {
		payload["unmet"] = unmet
	}
	p.auditProbe(subject, string(status), payload)
}

// recordStatus writes the probe verdict onto the stats row, creating a
// bare row when the scorer has not produced one yet.
func (p *Prober) recordStatus(ctx context.Context, rcpt *contracts.Receipt, status contracts.SyntheticStatus, now time.Time) error {
	st, err := p.stats.Get(ctx, rcpt.CapabilityID, rcpt.CapabilityVersion)
	switch {
	case errors.Is(err, store.ErrNotFound):
		st = &contracts.CapabilityStats{
			CapabilityID:      rcpt.CapabilityID,
			CapabilityVersion: rcpt.CapabilityVersion,
		}
	case err != nil:
		return err
	}
	st.LastSyntheticStatus = status
	st.LastSyntheticCheckAt = &now
	return p.stats.Upsert(ctx, st)
}

func (p *Prober) auditProbe(subject, outcome string, payload map[string]any) {
	if p.audit == nil {
		return
	}
	if _, err := p.audit.Append(store.AuditProbeCompleted, subject, outcome, payload); err != nil {
		p.log.Warn("audit append failed", "error", err)
	}
}

func receiptActivation(r *contracts.Receipt) map[string]any {
	return map[string]any{
		"status":             string(r.Status),
		"error_code":         string(r.ErrorCode),
		"latency_ms":         r.LatencyMS,
		"capability_id":      r.CapabilityID,
		"capability_version": r.CapabilityVersion,
	}
}
