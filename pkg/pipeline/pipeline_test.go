package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/moatlabs/moat/pkg/adapters"
	"github.com/moatlabs/moat/pkg/auth"
	"github.com/moatlabs/moat/pkg/budget"
	"github.com/moatlabs/moat/pkg/catalog"
	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/idempotency"
	"github.com/moatlabs/moat/pkg/pipeline"
	"github.com/moatlabs/moat/pkg/policy"
	"github.com/moatlabs/moat/pkg/prober"
	"github.com/moatlabs/moat/pkg/registry"
	"github.com/moatlabs/moat/pkg/schema"
	"github.com/moatlabs/moat/pkg/store"
	"github.com/moatlabs/moat/pkg/tenants"
	"github.com/moatlabs/moat/pkg/vault"
)

var _ prober.Executor = (*pipeline.Pipeline)(nil)

func limit(n int64) *int64 { return &n }

type fakeAdapter struct {
	mu    sync.Mutex
	calls int
	creds []*vault.Credential
	fn    func(ctx context.Context, call adapters.Call) (*adapters.Result, error)
}

func (a *fakeAdapter) Execute(ctx context.Context, call adapters.Call) (*adapters.Result, error) {
	a.mu.Lock()
	a.calls++
	a.creds = append(a.creds, call.Credential)
	fn := a.fn
	a.mu.Unlock()
	if fn != nil {
		return fn(ctx, call)
	}
	return &adapters.Result{Output: map[string]any{"ok": true}}, nil
}

func (a *fakeAdapter) set(fn func(ctx context.Context, call adapters.Call) (*adapters.Result, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fn = fn
}

func (a *fakeAdapter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) lastCred() *vault.Credential {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.creds) == 0 {
		return nil
	}
	return a.creds[len(a.creds)-1]
}

type captureEmitter struct {
	mu     sync.Mutex
	events []*contracts.OutcomeEvent
}

func (e *captureEmitter) Publish(ev *contracts.OutcomeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *captureEmitter) list() []*contracts.OutcomeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*contracts.OutcomeEvent(nil), e.events...)
}

type observation struct {
	capability string
	outcome    string
	code       contracts.ErrorCode
}

type captureObserver struct {
	mu       sync.Mutex
	started  int
	finished []observation
}

func (o *captureObserver) ExecuteStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *captureObserver) ExecuteFinished(capability, outcome string, code contracts.ErrorCode, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, observation{capability, outcome, code})
}

func (o *captureObserver) rows() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.finished...)
}

type fakeVault struct {
	mu   sync.Mutex
	cred *vault.Credential
	err  error
}

func (v *fakeVault) Resolve(_ context.Context, ref string) (*vault.Credential, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	if v.cred != nil && v.cred.Ref == ref {
		return v.cred, nil
	}
	return nil, vault.ErrNotFound
}

type failingDecisionStore struct {
	*store.MemoryDecisionStore
	fail bool
}

func (s *failingDecisionStore) Put(ctx context.Context, d *contracts.PolicyDecision) error {
	if s.fail {
		return errors.New("decision store down")
	}
	return s.MemoryDecisionStore.Put(ctx, d)
}

type failingBundles struct{ err error }

func (f *failingBundles) GetBundle(context.Context, string, string, string) (*contracts.PolicyBundle, error) {
	return nil, f.err
}

type fixture struct {
	pipe      *pipeline.Pipeline
	reg       *registry.MemoryRegistry
	directory *tenants.MemoryStore
	budgets   *budget.MemoryStore
	decisions *store.MemoryDecisionStore
	receipts  *store.MemoryReceiptStore
	adapter   *fakeAdapter
	emitter   *captureEmitter
	observer  *captureObserver
	secrets   *fakeVault
}

func newFixture(t *testing.T, opts pipeline.Options, mutate ...func(*pipeline.Deps)) *fixture {
	t.Helper()

	idem := idempotency.NewMemoryStore(time.Minute)
	t.Cleanup(idem.Close)

	f := &fixture{
		reg:       registry.NewMemoryRegistry(),
		directory: tenants.NewMemoryStore(),
		budgets:   budget.NewMemoryStore(),
		decisions: store.NewMemoryDecisionStore(),
		receipts:  store.NewMemoryReceiptStore(),
		adapter:   &fakeAdapter{},
		emitter:   &captureEmitter{},
		observer:  &captureObserver{},
		secrets:   &fakeVault{},
	}

	areg := adapters.NewRegistry(nil)
	areg.Register("example", f.adapter)

	if opts.AdapterTimeout == 0 {
		opts.AdapterTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	deps := pipeline.Deps{
		Manifests:   catalog.New(f.reg, catalog.Options{}),
		Bundles:     f.directory,
		Engine:      policy.NewEngine(nil),
		Budgets:     f.budgets,
		Idempotency: idem,
		Vault:       f.secrets,
		Adapters:    areg,
		Gate:        schema.NewGate(),
		Decisions:   f.decisions,
		Receipts:    f.receipts,
		Emitter:     f.emitter,
		Observer:    f.observer,
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	pipe, err := pipeline.New(deps, opts)
	require.NoError(t, err)
	f.pipe = pipe
	return f
}

func (f *fixture) seed(t *testing.T, m *contracts.CapabilityManifest, b *contracts.PolicyBundle) {
	t.Helper()
	ctx := context.Background()
	if m != nil {
		require.NoError(t, f.reg.Publish(ctx, m))
	}
	if b != nil {
		require.NoError(t, f.directory.PutBundle(ctx, b))
	}
}

func manifest(mutate ...func(*contracts.CapabilityManifest)) *contracts.CapabilityManifest {
	m := &contracts.CapabilityManifest{
		ID:              "example.send_message",
		Version:         "1.0.0",
		Provider:        "example",
		Method:          "POST",
		Scopes:          []string{"example.send_message"},
		RiskClass:       contracts.RiskLow,
		DomainAllowlist: []string{"api.example.com"},
		Status:          contracts.StatusPublished,
		RoutingStatus:   contracts.RoutingActive,
	}
	for _, fn := range mutate {
		fn(m)
	}
	return m
}

func bundle(mutate ...func(*contracts.PolicyBundle)) *contracts.PolicyBundle {
	b := &contracts.PolicyBundle{
		TenantID:        "acme",
		CapabilityID:    "example.send_message",
		GrantedScopes:   []string{"example.send_message"},
		DomainAllowlist: []string{"api.example.com"},
		HardLimit:       true,
	}
	for _, fn := range mutate {
		fn(b)
	}
	return b
}

func execReq(key string) *contracts.ExecuteRequest {
	return &contracts.ExecuteRequest{
		CapabilityID:      "example.send_message",
		CapabilityVersion: "1.0.0",
		TenantID:          "acme",
		Params:            map[string]any{"channel": "#general", "text": "hi"},
		IdempotencyKey:    key,
	}
}

func authedCtx(tenant string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{TenantID: tenant})
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())
	ctx := context.Background()

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Nil(t, res.Fault)
	assert.Nil(t, res.PolicyDenied)

	r := res.Receipt
	assert.Equal(t, contracts.ReceiptSuccess, r.Status)
	assert.Equal(t, "example.send_message", r.CapabilityID)
	assert.Equal(t, "1.0.0", r.CapabilityVersion)
	assert.Equal(t, "acme", r.TenantID)
	assert.NotEmpty(t, r.RequestID, "request id is minted when the caller omits one")
	assert.NotEmpty(t, r.PolicyDecisionID)
	assert.True(t, strings.HasPrefix(r.InputHash, "sha256:"))
	assert.True(t, strings.HasPrefix(r.OutputHash, "sha256:"))
	assert.Equal(t, map[string]any{"ok": true}, res.Output)

	stored, err := f.receipts.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Status, stored.Status)

	decisions, err := f.decisions.ListByTenant(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allowed())
	assert.Equal(t, decisions[0].ID, r.PolicyDecisionID)

	events := f.emitter.list()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, r.ID, events[0].ReceiptID)

	counters, err := f.budgets.Snapshot(ctx, "acme", "example.send_message", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.DailyCalls)
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, pipeline.Options{})

	res, err := f.pipe.Execute(authedCtx("acme"), nil)
	require.Error(t, err)
	assert.Nil(t, res)

	res, err = f.pipe.Execute(authedCtx("acme"), &contracts.ExecuteRequest{
		CapabilityID: "example.send_message",
		TenantID:     "acme",
	})
	require.ErrorIs(t, err, contracts.ErrEmptyIdempotencyKey)
	assert.Nil(t, res)
}

func TestCanceledContextLeavesNoTrace(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())

	ctx, cancel := context.WithCancel(authedCtx("acme"))
	cancel()

	res, err := f.pipe.Execute(ctx, execReq("k-1"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
	assert.Zero(t, f.adapter.count())
}

func TestUnknownCapabilityIsFault(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, nil, bundle())

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, contracts.CodeCapabilityNotPublished, res.Fault.Code)
	assert.NotEmpty(t, res.Fault.RequestID)

	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, decisions, "pre-policy rejections leave no decision")
}

func TestUnpublishedVersionIsFault(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(func(m *contracts.CapabilityManifest) {
		m.Status = contracts.StatusDeprecated
	}), bundle())

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, contracts.CodeCapabilityNotPublished, res.Fault.Code)
	assert.Zero(t, f.adapter.count())
}

func TestHiddenCapabilityIsFault(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(func(m *contracts.CapabilityManifest) {
		m.RoutingStatus = contracts.RoutingHidden
	}), bundle())

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, contracts.CodeCapabilityHidden, res.Fault.Code)
	assert.Zero(t, f.adapter.count())
}

func TestThrottledCapabilityLimitsAdmission(t *testing.T) {
	f := newFixture(t, pipeline.Options{
		ThrottleRate:  rate.Every(time.Hour),
		ThrottleBurst: 2,
	})
	f.seed(t, manifest(func(m *contracts.CapabilityManifest) {
		m.RoutingStatus = contracts.RoutingThrottled
	}), bundle())
	ctx := authedCtx("acme")

	for i, key := range []string{"k-1", "k-2"} {
		res, err := f.pipe.Execute(ctx, execReq(key))
		require.NoError(t, err)
		require.NotNil(t, res.Receipt, "call %d should be admitted", i+1)
		assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)
	}

	res, err := f.pipe.Execute(ctx, execReq("k-3"))
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, contracts.CodeProviderRateLimited, res.Fault.Code)
	assert.Equal(t, 2, f.adapter.count())
}

func TestIdentityGuard(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())

	cases := []struct {
		name string
		ctx  context.Context
	}{
		{"no principal", context.Background()},
		{"wrong tenant", authedCtx("mallory")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.pipe.Execute(tc.ctx, execReq("k-"+tc.name))
			require.NoError(t, err)
			require.NotNil(t, res.Fault)
			assert.Equal(t, contracts.CodeUnauthorized, res.Fault.Code)
		})
	}

	assert.Zero(t, f.adapter.count())
	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, decisions)
}

func TestMissingBundleDenies(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), nil)

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodeNoPolicyBundle, res.PolicyDenied.RuleHit)

	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1, "denials persist their decision")
	assert.Zero(t, f.adapter.count())
	assert.Empty(t, f.emitter.list())
}

func TestSuspendedTenantDenies(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())
	ctx := context.Background()
	require.NoError(t, f.directory.PutTenant(ctx, &tenants.Tenant{ID: "acme", Name: "Acme"}))
	require.NoError(t, f.directory.SetStatus(ctx, "acme", tenants.StatusSuspended))

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodeNoPolicyBundle, res.PolicyDenied.RuleHit)
	assert.Zero(t, f.adapter.count())
}

func TestScopeDenialLeavesDecisionOnly(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle(func(b *contracts.PolicyBundle) {
		b.GrantedScopes = []string{"example.other"}
	}))

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodeScopeNotGranted, res.PolicyDenied.RuleHit)

	receipts, err := f.receipts.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, receipts)
	assert.Zero(t, f.adapter.count())
	assert.Empty(t, f.emitter.list())
}

func TestBudgetExhaustionDenies(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle(func(b *contracts.PolicyBundle) {
		b.DailyCallsLimit = limit(1)
	}))
	ctx := authedCtx("acme")

	res, err := f.pipe.Execute(ctx, execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)

	res, err = f.pipe.Execute(ctx, execReq("k-2"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodeBudgetDailyCalls, res.PolicyDenied.RuleHit)
	assert.Equal(t, 1, f.adapter.count())
}

func TestSoftLimitDowngradesToWarning(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle(func(b *contracts.PolicyBundle) {
		b.DailyCallsLimit = limit(0)
		b.HardLimit = false
	}))

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)

	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Contains(t, decisions[0].Warnings, string(contracts.CodeBudgetDailyCalls))
}

func TestBundleStoreFaultFailsClosed(t *testing.T) {
	f := newFixture(t, pipeline.Options{}, func(d *pipeline.Deps) {
		d.Bundles = &failingBundles{err: errors.New("directory down")}
	})
	f.seed(t, manifest(), nil)

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodePolicyEngineError, res.PolicyDenied.RuleHit)

	decisions, err := f.decisions.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
	assert.Zero(t, f.adapter.count())
}

func TestDecisionWriteFailureFailsClosed(t *testing.T) {
	failing := &failingDecisionStore{MemoryDecisionStore: store.NewMemoryDecisionStore()}
	f := newFixture(t, pipeline.Options{}, func(d *pipeline.Deps) {
		d.Decisions = failing
	})
	f.seed(t, manifest(), bundle())
	failing.fail = true

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Fault, "an allowed call without its audit record must not execute")
	assert.Equal(t, contracts.CodeGatewayError, res.Fault.Code)
	assert.Zero(t, f.adapter.count())

	// A denial still reaches the caller even when the write fails.
	require.NoError(t, f.directory.PutBundle(context.Background(), bundle(func(b *contracts.PolicyBundle) {
		b.GrantedScopes = []string{"example.other"}
	})))
	res, err = f.pipe.Execute(authedCtx("acme"), execReq("k-2"))
	require.NoError(t, err)
	require.NotNil(t, res.PolicyDenied)
	assert.Equal(t, contracts.CodeScopeNotGranted, res.PolicyDenied.RuleHit)
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())
	ctx := authedCtx("acme")

	first, err := f.pipe.Execute(ctx, execReq("k-same"))
	require.NoError(t, err)
	require.NotNil(t, first.Receipt)

	second, err := f.pipe.Execute(ctx, execReq("k-same"))
	require.NoError(t, err)
	require.NotNil(t, second.Receipt)

	assert.Equal(t, contracts.ReceiptIdempotentHit, second.Receipt.Status)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, first.Receipt.OutputHash, second.Receipt.OutputHash)
	assert.Equal(t, first.Receipt.PolicyDecisionID, second.Receipt.PolicyDecisionID)
	assert.GreaterOrEqual(t, second.Receipt.LatencyMS, int64(0))
	assert.Nil(t, second.Output, "replays never carry output")

	assert.Equal(t, 1, f.adapter.count())
	assert.Len(t, f.emitter.list(), 1, "replays emit no outcome event")

	receipts, err := f.receipts.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, receipts, 1, "the hit copy is not re-stored")
}

func TestFailuresAreNotReplayed(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())
	ctx := authedCtx("acme")

	var calls int
	f.adapter.set(func(context.Context, adapters.Call) (*adapters.Result, error) {
		calls++
		if calls == 1 {
			return nil, adapters.Errorf(contracts.CodeProviderServerError, 502, "upstream exploded")
		}
		return &adapters.Result{Output: map[string]any{"ok": true}}, nil
	})

	first, err := f.pipe.Execute(ctx, execReq("k-retry"))
	require.NoError(t, err)
	require.NotNil(t, first.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, first.Receipt.Status)
	assert.Equal(t, contracts.CodeProviderServerError, first.Receipt.ErrorCode)
	assert.Equal(t, "502", first.Receipt.Annotations["http_status"])
	assert.Empty(t, first.Receipt.OutputHash)

	second, err := f.pipe.Execute(ctx, execReq("k-retry"))
	require.NoError(t, err)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, second.Receipt.Status)
	assert.NotEqual(t, first.Receipt.ID, second.Receipt.ID)

	assert.Equal(t, 2, f.adapter.count())
	assert.Len(t, f.emitter.list(), 2)

	counters, err := f.budgets.Snapshot(context.Background(), "acme", "example.send_message", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters.DailyCalls, "only the success is billed")
}

func TestFailureTTLRetainsFailures(t *testing.T) {
	f := newFixture(t, pipeline.Options{FailureTTL: time.Minute})
	f.seed(t, manifest(), bundle())
	ctx := authedCtx("acme")

	f.adapter.set(func(context.Context, adapters.Call) (*adapters.Result, error) {
		return nil, adapters.Errorf(contracts.CodeProviderServerError, 502, "upstream exploded")
	})

	first, err := f.pipe.Execute(ctx, execReq("k-sticky"))
	require.NoError(t, err)
	require.NotNil(t, first.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, first.Receipt.Status)

	second, err := f.pipe.Execute(ctx, execReq("k-sticky"))
	require.NoError(t, err)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, contracts.ReceiptIdempotentHit, second.Receipt.Status)
	assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
	assert.Equal(t, contracts.CodeProviderServerError, second.Receipt.ErrorCode)

	assert.Equal(t, 1, f.adapter.count(), "the retained failure suppresses the retry")
}

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())

	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.adapter.set(func(context.Context, adapters.Call) (*adapters.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		return &adapters.Result{Output: map[string]any{"ok": true}}, nil
	})

	type out struct {
		res *contracts.ExecuteResult
		err error
	}
	results := make(chan out, 2)
	run := func() {
		res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-join"))
		results <- out{res, err}
	}

	go run()
	<-entered
	go run()
	time.Sleep(100 * time.Millisecond)
	close(release)

	var got []*contracts.Receipt
	for i := 0; i < 2; i++ {
		select {
		case o := <-results:
			require.NoError(t, o.err)
			require.NotNil(t, o.res.Receipt)
			got = append(got, o.res.Receipt)
		case <-time.After(5 * time.Second):
			t.Fatal("execution never finished")
		}
	}

	assert.Equal(t, got[0].ID, got[1].ID, "both callers observe the same execution")
	assert.Equal(t, 1, f.adapter.count())
	assert.Len(t, f.emitter.list(), 1)

	receipts, err := f.receipts.ListByTenant(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestSchemaViolationFailsBeforeDispatch(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(func(m *contracts.CapabilityManifest) {
		m.InputSchema = map[string]any{
			"type":     "object",
			"required": []any{"channel"},
			"properties": map[string]any{
				"channel": map[string]any{"type": "string"},
				"text":    map[string]any{"type": "string"},
			},
		}
	}), bundle())
	ctx := authedCtx("acme")

	req := execReq("k-schema")
	req.Params = map[string]any{"text": "hi"}
	res, err := f.pipe.Execute(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, res.Receipt.Status)
	assert.Equal(t, contracts.CodeParamsSchemaViolation, res.Receipt.ErrorCode)
	assert.Zero(t, f.adapter.count(), "violations never reach the provider")

	events := f.emitter.list()
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)

	// The marker was dropped with the failure, so the same key retries.
	res, err = f.pipe.Execute(ctx, execReq("k-schema"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)
	assert.Equal(t, 1, f.adapter.count())
}

func TestAdapterPanicBecomesFailureReceipt(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())

	f.adapter.set(func(context.Context, adapters.Call) (*adapters.Result, error) {
		panic("wire format drift")
	})

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, res.Receipt.Status)
	assert.Equal(t, contracts.CodeGatewayError, res.Receipt.ErrorCode)
	assert.Contains(t, res.Receipt.ErrorDetail, "panic")
	assert.Len(t, f.emitter.list(), 1)
}

func TestAdapterTimeoutEnforced(t *testing.T) {
	f := newFixture(t, pipeline.Options{AdapterTimeout: 50 * time.Millisecond})
	f.seed(t, manifest(), bundle())

	f.adapter.set(func(ctx context.Context, _ adapters.Call) (*adapters.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, res.Receipt.Status)
	assert.Equal(t, contracts.CodeTimeout, res.Receipt.ErrorCode)
	assert.GreaterOrEqual(t, res.Receipt.LatencyMS, int64(40))
}

func TestSyntheticExecutionsAreNotBilled(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())

	req := execReq("k-probe")
	req.IsSynthetic = true
	res, err := f.pipe.Execute(authedCtx("acme"), req)
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)
	assert.True(t, res.Receipt.IsSynthetic)

	events := f.emitter.list()
	require.Len(t, events, 1)
	assert.True(t, events[0].IsSynthetic)

	counters, err := f.budgets.Snapshot(context.Background(), "acme", "example.send_message", time.Now())
	require.NoError(t, err)
	assert.Zero(t, counters.DailyCalls)
}

func TestCredentialPassedToAdapter(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle(func(b *contracts.PolicyBundle) {
		b.SecretRef = "secret/example"
	}))
	f.secrets.cred = &vault.Credential{Ref: "secret/example", Token: "tok-123"}

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptSuccess, res.Receipt.Status)

	cred := f.adapter.lastCred()
	require.NotNil(t, cred)
	assert.Equal(t, "tok-123", cred.Token)
}

func TestCredentialFailureFailsExecution(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle(func(b *contracts.PolicyBundle) {
		b.SecretRef = "secret/missing"
	}))
	f.secrets.err = errors.New("vault sealed")

	res, err := f.pipe.Execute(authedCtx("acme"), execReq("k-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, contracts.ReceiptFailure, res.Receipt.Status)
	assert.Equal(t, contracts.CodeProviderAuthFailure, res.Receipt.ErrorCode)
	assert.NotContains(t, res.Receipt.ErrorDetail, "tok", "details never carry credential material")
	assert.Zero(t, f.adapter.count())
}

func TestObserverSeesEveryOutcome(t *testing.T) {
	f := newFixture(t, pipeline.Options{})
	f.seed(t, manifest(), bundle())
	ctx := authedCtx("acme")

	_, err := f.pipe.Execute(ctx, execReq("k-1"))
	require.NoError(t, err)
	_, err = f.pipe.Execute(ctx, execReq("k-1"))
	require.NoError(t, err)

	unknown := execReq("k-2")
	unknown.CapabilityID = "nosuch.capability"
	_, err = f.pipe.Execute(ctx, unknown)
	require.NoError(t, err)

	require.NoError(t, f.directory.PutBundle(context.Background(), bundle(func(b *contracts.PolicyBundle) {
		b.GrantedScopes = []string{"example.other"}
	})))
	_, err = f.pipe.Execute(ctx, execReq("k-3"))
	require.NoError(t, err)

	rows := f.observer.rows()
	require.Len(t, rows, 4)
	assert.Equal(t, "success", rows[0].outcome)
	assert.Equal(t, "idempotent_hit", rows[1].outcome)
	assert.Equal(t, "fault", rows[2].outcome)
	assert.Equal(t, contracts.CodeCapabilityNotPublished, rows[2].code)
	assert.Equal(t, "denied", rows[3].outcome)
	assert.Equal(t, contracts.CodeScopeNotGranted, rows[3].code)
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := pipeline.New(pipeline.Deps{}, pipeline.Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest source")
}
