// Package pipeline runs one capability execution end to end: manifest
// resolution, liveness and identity guards, policy evaluation, the
// idempotency barrier, the params schema gate, credential resolution,
// adapter dispatch, and the receipt trail.
//
// The pipeline is the only writer of policy decisions and receipts.
// Rejections before policy evaluation surface as contracts.Fault and
// leave no record; every invocation that reaches evaluation persists
// exactly one decision, and every invocation that installs an
// in-flight marker produces exactly one receipt, panics included.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/moatlabs/moat/pkg/adapters"
	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/budget"
	"github.com/moatlabs/moat/pkg/catalog"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/idempotency"
	"github.com/moatlabs/moat/pkg/outcome"
	"github.com/moatlabs/moat/pkg/policy"
	"github.com/moatlabs/moat/pkg/redact"
	"github.com/moatlabs/moat/pkg/registry"
	"github.com/moatlabs/moat/pkg/schema"
	"github.com/moatlabs/moat/pkg/store"
	"github.com/moatlabs/moat/pkg/tenants"
	"github.com/moatlabs/moat/pkg/vault"
)

const (
	// DefaultAdapterTimeout bounds one adapter dispatch.
	DefaultAdapterTimeout = 30 * time.Second
	// DefaultSuccessTTL is the idempotency retention for success receipts.
	DefaultSuccessTTL = 24 * time.Hour
	// DefaultThrottleRate admits one call per second per throttled
	// capability version.
	DefaultThrottleRate rate.Limit = 1
	// DefaultThrottleBurst is the throttle limiter's burst size.
	DefaultThrottleBurst = 5

	// markerGrace pads the in-flight marker deadline past the adapter
	// timeout so a live execution is never swept out from under its owner.
	markerGrace = 5 * time.Second
	// waiterGrace pads the barrier wait past the adapter timeout.
	waiterGrace = time.Second

	// beginAttempts bounds how often one call re-enters the idempotency
	// pre-check after a winner abandons.
	beginAttempts = 3
)

// ManifestSource is the catalog surface the pipeline reads. The boolean
// reports stale service; unknown capabilities are
// registry.ErrManifestNotFound and transport failures are
// catalog.ErrUnreachable.
type ManifestSource interface {
	Resolve(ctx context.Context, id, version string) (*contracts.CapabilityManifest, bool, error)
}

// BundleSource yields the effective policy bundle for a (tenant,
// capability, version) triple. Absence is tenants.ErrNoBundle; any
// other error fails evaluation closed.
type BundleSource interface {
	GetBundle(ctx context.Context, tenantID, capabilityID, version string) (*contracts.PolicyBundle, error)
}

// Emitter receives outcome events after commit. *outcome.Bus satisfies
// it; Publish must not block.
type Emitter interface {
	Publish(ev *contracts.OutcomeEvent)
}

// Observer sees executions begin and end, for RED metrics. Calls are
// inline on the request path and must be cheap.
type Observer interface {
	ExecuteStarted(capabilityID string)
	ExecuteFinished(capabilityID, outcome string, code contracts.ErrorCode, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ExecuteStarted(string) {}
func (nopObserver) ExecuteFinished(string, string, contracts.ErrorCode, time.Duration) {}

// Deps are the collaborators one Pipeline composes. Vault, Gate,
// Emitter and Observer may be nil; everything else is required.
type Deps struct {
	Manifests   ManifestSource
	Bundles     BundleSource
	Engine      *policy.Engine
	Budgets     budget.Store
	Idempotency idempotency.Store
	Vault       vault.Resolver
	Adapters    *adapters.Registry
	Gate        *schema.Gate
	Decisions   store.DecisionStore
	Receipts    store.ReceiptStore
	Emitter     Emitter
	Observer    Observer
}

// Options tune a Pipeline. Zero values pick the defaults.
type Options struct {
	AdapterTimeout time.Duration
	// ProviderTimeouts overrides AdapterTimeout per manifest provider.
	ProviderTimeouts map[string]time.Duration
	SuccessTTL       time.Duration
	// FailureTTL retains failure receipts at the barrier. Zero deletes
	// the marker so a retry re-executes.
	FailureTTL    time.Duration
	ThrottleRate  rate.Limit
	ThrottleBurst int
	Logger        *slog.Logger
	Clock         func() time.Time
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	manifests ManifestSource
	bundles   BundleSource
	engine    *policy.Engine
	budgets   budget.Store
	idem      idempotency.Store
	vault     vault.Resolver
	adapters  *adapters.Registry
	gate      *schema.Gate
	decisions store.DecisionStore
	receipts  store.ReceiptStore
	emitter   Emitter
	observer  Observer

	adapterTimeout   time.Duration
	providerTimeouts map[string]time.Duration
	successTTL       time.Duration
	failureTTL       time.Duration
	log              *slog.Logger
	now              func() time.Time

	throttleMu    sync.Mutex
	throttles     map[string]*rate.Limiter
	throttleRate  rate.Limit
	throttleBurst int
}

// New validates deps and builds a Pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Manifests == nil:
		return nil, errors.New("pipeline: manifest source is required")
	case deps.Bundles == nil:
		return nil, errors.New("pipeline: bundle source is required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: policy engine is required")
	case deps.Budgets == nil:
		return nil, errors.New("pipeline: budget store is required")
	case deps.Idempotency == nil:
		return nil, errors.New("pipeline: idempotency store is required")
	case deps.Adapters == nil:
		return nil, errors.New("pipeline: adapter registry is required")
	case deps.Decisions == nil:
		return nil, errors.New("pipeline: decision store is required")
	case deps.Receipts == nil:
		return nil, errors.New("pipeline: receipt store is required")
	}

	p := &Pipeline{
		manifests: deps.Manifests,
		bundles:   deps.Bundles,
		engine:    deps.Engine,
		budgets:   deps.Budgets,
		idem:      deps.Idempotency,
		vault:     deps.Vault,
		adapters:  deps.Adapters,
		gate:      deps.Gate,
		decisions: deps.Decisions,
		receipts:  deps.Receipts,
		emitter:   deps.Emitter,
		observer:  deps.Observer,

		adapterTimeout:   opts.AdapterTimeout,
		providerTimeouts: opts.ProviderTimeouts,
		successTTL:       opts.SuccessTTL,
		failureTTL:       opts.FailureTTL,
		log:              opts.Logger,
		now:              opts.Clock,

		throttles:     make(map[string]*rate.Limiter),
		throttleRate:  opts.ThrottleRate,
		throttleBurst: opts.ThrottleBurst,
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.adapterTimeout <= 0 {
		p.adapterTimeout = DefaultAdapterTimeout
	}
	if p.successTTL <= 0 {
		p.successTTL = DefaultSuccessTTL
	}
	if p.throttleRate <= 0 {
		p.throttleRate = DefaultThrottleRate
	}
	if p.throttleBurst <= 0 {
		p.throttleBurst = DefaultThrottleBurst
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Execute runs one request through the pipeline. The returned result
// carries exactly one of Receipt, PolicyDenied, or Fault; the error
// return is reserved for requests that never entered the pipeline
// (structural validation failures and pre-marker cancellation).
func (p *Pipeline) Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error) {
	if req == nil {
		return nil, errors.New("pipeline: nil request")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		cp := *req
		cp.RequestID = contracts.NewID()
		req = &cp
	}

	entry := p.now()
	p.observer.ExecuteStarted(req.CapabilityID)
	res, err := p.run(ctx, req, entry)
	p.observer.ExecuteFinished(req.CapabilityID, outcomeOf(res, err), codeOf(res, err), p.now().Sub(entry))
	return res, err
}

func (p *Pipeline) run(ctx context.Context, req *contracts.ExecuteRequest, entry time.Time) (*contracts.ExecuteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Resolve the manifest through the read-through cache.
	manifest, stale, err := p.manifests.Resolve(ctx, req.CapabilityID, req.CapabilityVersion)
	switch {
	case errors.Is(err, registry.ErrManifestNotFound):
		return fault(contracts.NewFault(contracts.CodeCapabilityNotPublished, req.RequestID,
			"capability %s has no published version %q", req.CapabilityID, req.CapabilityVersion)), nil
	case errors.Is(err, catalog.ErrUnreachable):
		p.log.Error("capability registry unreachable", "request_id", req.RequestID, "capability_id", req.CapabilityID, "error", err)
		return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID,
			"capability registry unreachable and no cached manifest")), nil
	case err != nil:
		p.log.Error("manifest resolution failed", "request_id", req.RequestID, "capability_id", req.CapabilityID, "error", err)
		return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID, "manifest resolution failed")), nil
	}

	// 2. Liveness guards, then the throttle limiter for degraded versions.
	if manifest.Status != contracts.StatusPublished {
		return fault(contracts.NewFault(contracts.CodeCapabilityNotPublished, req.RequestID,
			"capability %s is %s", manifest.Key(), manifest.Status)), nil
	}
	if manifest.RoutingStatus == contracts.RoutingHidden {
		return fault(contracts.NewFault(contracts.CodeCapabilityHidden, req.RequestID,
			"capability %s is hidden from routing", manifest.Key())), nil
	}
	if manifest.RoutingStatus == contracts.RoutingThrottled && !p.throttleFor(manifest.Key()).Allow() {
		return fault(contracts.NewFault(contracts.CodeProviderRateLimited, req.RequestID,
			"capability %s is throttled and its admission budget is exhausted", manifest.Key())), nil
	}

	// 3. Identity guard: the transport's principal must claim the same
	// tenant as the request body (confused deputy).
	if tenant, ok := auth.TenantFrom(ctx); !ok || tenant != req.TenantID {
		return fault(contracts.NewFault(contracts.CodeUnauthorized, req.RequestID,
			"authenticated principal does not match request tenant_id")), nil
	}

	// 4. Policy evaluation. The decision persists whatever the verdict.
	bundle, err := p.bundles.GetBundle(ctx, req.TenantID, req.CapabilityID, manifest.Version)
	if err != nil && !errors.Is(err, tenants.ErrNoBundle) {
		in := policy.Input{Manifest: manifest, Request: req, Stale: stale}
		return p.deny(ctx, p.engine.DenyEngineError(in, fmt.Sprintf("bundle store: %v", err))), nil
	}

	counters, err := p.budgets.Snapshot(ctx, req.TenantID, req.CapabilityID, p.now())
	if err != nil {
		in := policy.Input{Bundle: bundle, Manifest: manifest, Request: req, Stale: stale}
		return p.deny(ctx, p.engine.DenyEngineError(in, fmt.Sprintf("budget store: %v", err))), nil
	}

	decision := p.engine.Evaluate(policy.Input{
		Bundle:   bundle,
		Manifest: manifest,
		Request:  req,
		Budget:   budgetState(counters, bundle),
		Stale:    stale,
	})
	if err := p.decisions.Put(ctx, decision); err != nil {
		p.log.Error("decision write failed",
			"request_id", req.RequestID, "decision_id", decision.ID, "error", err)
		if decision.Allowed() {
			// Never execute without the audit record.
			return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID,
				"policy decision could not be recorded")), nil
		}
	}
	if !decision.Allowed() {
		return &contracts.ExecuteResult{PolicyDenied: decision}, nil
	}

	// 5. Idempotency pre-check: replay, join, or take ownership.
	timeout := p.timeoutFor(manifest.Provider)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		begin, err := p.idem.Begin(ctx, req.TenantID, req.IdempotencyKey, p.now().Add(timeout+markerGrace))
		if err != nil {
			p.log.Error("idempotency begin failed", "request_id", req.RequestID, "error", err)
			return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID,
				"idempotency store unavailable")), nil
		}

		switch {
		case begin.Receipt != nil:
			// Completed hit: a copy marked idempotent_hit, latency from
			// pipeline entry. Nothing is re-stored and no event is emitted.
			hit := *begin.Receipt
			hit.Status = contracts.ReceiptIdempotentHit
			hit.LatencyMS = p.now().Sub(entry).Milliseconds()
			return &contracts.ExecuteResult{Receipt: &hit}, nil

		case begin.Waiter != nil:
			wctx, cancel := context.WithTimeout(ctx, timeout+waiterGrace)
			rcpt, werr := begin.Waiter.Wait(wctx)
			cancel()
			if werr != nil {
				return fault(contracts.NewFault(contracts.CodeTimeout, req.RequestID,
					"an execution with this idempotency_key is still in flight")), nil
			}
			if rcpt != nil {
				// The winner's receipt, verbatim: both callers observed the
				// same execution.
				return &contracts.ExecuteResult{Receipt: rcpt}, nil
			}
			// Winner abandoned; re-enter the pre-check.
			if attempt+1 >= beginAttempts {
				return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID,
					"idempotency barrier contention")), nil
			}
			continue
		}

		// begin.Started: this call owns execution from here on.
		return p.execute(ctx, req, manifest, bundle, decision, timeout)
	}
}

// execute covers steps 5a-11. The in-flight marker is installed: from
// here a receipt must be produced, and caller cancellation no longer
// unwinds the call.
func (p *Pipeline) execute(ctx context.Context, req *contracts.ExecuteRequest, manifest *contracts.CapabilityManifest, bundle *contracts.PolicyBundle, decision *contracts.PolicyDecision, timeout time.Duration) (*contracts.ExecuteResult, error) {
	exec := context.WithoutCancel(ctx)

	inputHash, err := redact.HashParams(req.Params)
	if err != nil {
		p.log.Error("params hashing failed", "request_id", req.RequestID, "error", err)
		rcpt := p.newReceipt(req, manifest, decision.ID, "")
		rcpt.Status = contracts.ReceiptFailure
		rcpt.ErrorCode = contracts.CodeGatewayError
		rcpt.ErrorDetail = "request params could not be canonicalized"
		return p.seal(exec, req, rcpt, nil)
	}

	// 5a. Params schema gate: violations fail without touching the
	// provider.
	if p.gate != nil {
		if verr := p.gate.Validate(manifest, req.Params); verr != nil {
			rcpt := p.newReceipt(req, manifest, decision.ID, inputHash)
			rcpt.Status = contracts.ReceiptFailure
			rcpt.ErrorCode = contracts.CodeParamsSchemaViolation
			rcpt.ErrorDetail = verr.Error()
			return p.seal(exec, req, rcpt, nil)
		}
	}

	// 6. Credential resolution. The raw credential lives on the stack
	// between here and dispatch, nowhere else.
	var cred *vault.Credential
	if bundle != nil && bundle.SecretRef != "" {
		if p.vault == nil {
			rcpt := p.newReceipt(req, manifest, decision.ID, inputHash)
			rcpt.Status = contracts.ReceiptFailure
			rcpt.ErrorCode = contracts.CodeProviderAuthFailure
			rcpt.ErrorDetail = "no credential resolver configured"
			return p.seal(exec, req, rcpt, nil)
		}
		cred, err = p.vault.Resolve(exec, bundle.SecretRef)
		if err != nil {
			p.log.Warn("credential resolution failed",
				"request_id", req.RequestID, "secret_ref", bundle.SecretRef, "error", err)
			rcpt := p.newReceipt(req, manifest, decision.ID, inputHash)
			rcpt.Status = contracts.ReceiptFailure
			rcpt.ErrorCode = contracts.CodeProviderAuthFailure
			rcpt.ErrorDetail = "credential resolution failed"
			return p.seal(exec, req, rcpt, nil)
		}
	}

	// 7. Adapter dispatch under the hard timeout, panics recovered.
	adapter, stubUsed := p.adapters.GetOrStub(manifest.Provider)
	if adapter == nil {
		rcpt := p.newReceipt(req, manifest, decision.ID, inputHash)
		rcpt.Status = contracts.ReceiptFailure
		rcpt.ErrorCode = contracts.CodeGatewayError
		rcpt.ErrorDetail = fmt.Sprintf("no adapter registered for provider %q", manifest.Provider)
		return p.seal(exec, req, rcpt, nil)
	}

	callCtx, cancel := context.WithTimeout(exec, timeout)
	dispatchStart := p.now()
	result, callErr := p.dispatch(callCtx, adapter, adapters.Call{
		Manifest:   manifest,
		Params:     req.Params,
		Credential: cred,
	})
	cancel()
	latency := p.now().Sub(dispatchStart)

	// 8. Build and persist the receipt.
	rcpt := p.newReceipt(req, manifest, decision.ID, inputHash)
	rcpt.LatencyMS = latency.Milliseconds()
	if stubUsed {
		rcpt.Annotations = map[string]string{"adapter": "stub"}
	}

	if callErr == nil && result == nil {
		callErr = adapters.Errorf(contracts.CodeGatewayError, 0, "adapter returned no result")
	}

	var output map[string]any
	if callErr != nil {
		code, httpStatus, detail := adapters.Classify(callErr)
		rcpt.Status = contracts.ReceiptFailure
		rcpt.ErrorCode = code
		rcpt.ErrorDetail = detail
		if httpStatus != 0 {
			if rcpt.Annotations == nil {
				rcpt.Annotations = make(map[string]string, 1)
			}
			rcpt.Annotations["http_status"] = strconv.Itoa(httpStatus)
		}
	} else {
		output = redact.Map(result.Output)
		outputHash, herr := redact.CanonicalHash(output)
		if herr != nil {
			p.log.Error("output hashing failed", "request_id", req.RequestID, "error", herr)
			rcpt.Status = contracts.ReceiptFailure
			rcpt.ErrorCode = contracts.CodeGatewayError
			rcpt.ErrorDetail = "provider output could not be canonicalized"
			output = nil
		} else {
			rcpt.Status = contracts.ReceiptSuccess
			rcpt.OutputHash = outputHash
		}
	}

	// 9-10. Commit the barrier and emit the outcome.
	res, err := p.seal(exec, req, rcpt, output)
	if err != nil || res.Fault != nil {
		return res, err
	}

	// 11. Spend is post-paid, success only, and never for synthetics.
	if rcpt.Status == contracts.ReceiptSuccess && !req.IsSynthetic {
		if serr := p.budgets.RecordCall(exec, req.TenantID, req.CapabilityID, 0, p.now()); serr != nil {
			p.log.Warn("spend record failed",
				"request_id", req.RequestID, "tenant_id", req.TenantID, "error", serr)
		}
	}
	return res, nil
}

// dispatch isolates adapter panics: a panicking adapter yields a
// classified gateway error instead of tearing down the request.
func (p *Pipeline) dispatch(ctx context.Context, a adapters.Adapter, call adapters.Call) (res *adapters.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("adapter panic",
				"capability_id", call.Manifest.ID, "provider", call.Manifest.Provider, "panic", fmt.Sprintf("%v", r))
			res, err = nil, adapters.Errorf(contracts.CodeGatewayError, 0, "adapter panic: %v", r)
		}
	}()
	return a.Execute(ctx, call)
}

// seal persists the receipt, commits the idempotency barrier, and
// emits the outcome event. Success receipts retain for the success TTL
// window; failures retain for the failure TTL, which defaults to zero
// so retries re-execute.
func (p *Pipeline) seal(ctx context.Context, req *contracts.ExecuteRequest, rcpt *contracts.Receipt, output map[string]any) (*contracts.ExecuteResult, error) {
	if err := p.receipts.Put(ctx, rcpt); err != nil {
		p.log.Error("receipt write failed",
			"request_id", req.RequestID, "receipt_id", rcpt.ID, "error", err)
		if aerr := p.idem.Abandon(ctx, req.TenantID, req.IdempotencyKey); aerr != nil {
			p.log.Error("marker abandon failed", "request_id", req.RequestID, "error", aerr)
		}
		return fault(contracts.NewFault(contracts.CodeGatewayError, req.RequestID,
			"execution finished but the receipt could not be recorded")), nil
	}

	ttl := p.failureTTL
	if rcpt.Status == contracts.ReceiptSuccess {
		ttl = p.successTTL
	}
	if err := p.idem.Commit(ctx, req.TenantID, req.IdempotencyKey, rcpt, ttl); err != nil {
		p.log.Error("idempotency commit failed",
			"request_id", req.RequestID, "receipt_id", rcpt.ID, "error", err)
	}

	if p.emitter != nil {
		if ev, ok := outcome.FromReceipt(rcpt); ok {
			p.emitter.Publish(ev)
		}
	}
	return &contracts.ExecuteResult{Receipt: rcpt, Output: output}, nil
}

func (p *Pipeline) newReceipt(req *contracts.ExecuteRequest, manifest *contracts.CapabilityManifest, decisionID, inputHash string) *contracts.Receipt {
	return &contracts.Receipt{
		ID:                contracts.NewID(),
		CapabilityID:      manifest.ID,
		CapabilityVersion: manifest.Version,
		TenantID:          req.TenantID,
		RequestID:         req.RequestID,
		IdempotencyKey:    req.IdempotencyKey,
		InputHash:         inputHash,
		PolicyDecisionID:  decisionID,
		IsSynthetic:       req.IsSynthetic,
		Timestamp:         p.now().UTC(),
	}
}

// deny persists a denied decision built outside Evaluate, then wraps it.
func (p *Pipeline) deny(ctx context.Context, decision *contracts.PolicyDecision) *contracts.ExecuteResult {
	if err := p.decisions.Put(ctx, decision); err != nil {
		p.log.Error("decision write failed", "decision_id", decision.ID, "error", err)
	}
	return &contracts.ExecuteResult{PolicyDenied: decision}
}

func (p *Pipeline) timeoutFor(provider string) time.Duration {
	if t, ok := p.providerTimeouts[provider]; ok && t > 0 {
		return t
	}
	return p.adapterTimeout
}

func (p *Pipeline) throttleFor(key string) *rate.Limiter {
	p.throttleMu.Lock()
	defer p.throttleMu.Unlock()
	l, ok := p.throttles[key]
	if !ok {
		l = rate.NewLimiter(p.throttleRate, p.throttleBurst)
		p.throttles[key] = l
	}
	return l
}

func budgetState(c budget.Counters, b *contracts.PolicyBundle) contracts.BudgetState {
	st := contracts.BudgetState{
		DailyCallsUsed:   c.DailyCalls,
		MonthlyCallsUsed: c.MonthlyCalls,
		DailyCostUsed:    c.DailyCost,
		MonthlyCostUsed:  c.MonthlyCost,
	}
	if b != nil {
		st.DailyCallsLimit = b.DailyCallsLimit
		st.MonthlyCallsLimit = b.MonthlyCallsLimit
		st.DailyCostLimit = b.DailyCostLimit
		st.MonthlyCostLimit = b.MonthlyCostLimit
	}
	return st
}

func fault(f *contracts.Fault) *contracts.ExecuteResult {
	return &contracts.ExecuteResult{Fault: f}
}

func outcomeOf(res *contracts.ExecuteResult, err error) string {
	switch {
	case err != nil:
		return "error"
	case res == nil:
		return "error"
	case res.Fault != nil:
		return "fault"
	case res.PolicyDenied != nil:
		return "denied"
	case res.Receipt != nil:
		return string(res.Receipt.Status)
	default:
		return "error"
	}
}

func codeOf(res *contracts.ExecuteResult, err error) contracts.ErrorCode {
	switch {
	case err != nil || res == nil:
		return contracts.CodeGatewayError
	case res.Fault != nil:
		return res.Fault.Code
	case res.PolicyDenied != nil:
		return res.PolicyDenied.RuleHit
	case res.Receipt != nil:
		return res.Receipt.ErrorCode
	default:
		return contracts.CodeGatewayError
	}
}
