package adapters

import (
	"context"
	"time"

	"github.com/moatlabs/moat/pkg/redact"
)

const (
	stubMinLatency  = 100 * time.Millisecond
	stubLatencySpan = 401 // milliseconds, so the range is [100, 500]
)

// StubAdapter simulates a successful provider call without touching
// the network. It backs capabilities whose provider has no registered
// adapter; the registry fallback and the receipt annotation make that
// visible. Latency is derived from the params hash so replays of the
// same call behave identically.
type StubAdapter struct {
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStubAdapter returns the development fallback adapter.
func NewStubAdapter() *StubAdapter {
	return &StubAdapter{sleep: sleepCtx}
}

func (s *StubAdapter) Execute(ctx context.Context, call Call) (*Result, error) {
	latency := s.latencyFor(call.Params)
	if err := s.sleep(ctx, latency); err != nil {
		return nil, err
	}
	return &Result{Output: map[string]any{
		"status":        "success",
		"capability_id": call.Manifest.ID,
		"echo_params":   call.Params,
		"latency_ms":    latency.Milliseconds(),
		"stub":          true,
		"executed_at":   time.Now().UTC().Format(time.RFC3339),
	}}, nil
}

// latencyFor picks a simulated latency in [100ms, 500ms] from the
// params hash. Unhashable params fall back to the minimum.
func (s *StubAdapter) latencyFor(params map[string]any) time.Duration {
	h, err := redact.HashParams(params)
	if err != nil || len(h) < 11 {
		return stubMinLatency
	}
	// h is "sha256:<hex>"; fold the first four hex digits.
	var v int
	for _, c := range h[7:11] {
		v = v<<4 | hexVal(byte(c))
	}
	return stubMinLatency + time.Duration(v%stubLatencySpan)*time.Millisecond
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Adapter = (*StubAdapter)(nil)

// NewInstantStub returns a stub that skips the simulated sleep. Test
// suites use it to keep pipeline runs fast.
func NewInstantStub() *StubAdapter {
	return &StubAdapter{sleep: func(context.Context, time.Duration) error { return nil }}
}
