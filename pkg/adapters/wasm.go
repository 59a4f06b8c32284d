package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/moatlabs/moat/pkg/contracts"
)

// DefaultWasmMemoryPages caps guest memory at 16 MB (64 KB pages).
const DefaultWasmMemoryPages uint32 = 256

// WasmAdapter runs a provider implementation compiled to WASI.
// Deny-by-default: no filesystem, no network, no environment, no
// randomness. The guest reads a JSON call envelope from stdin and
// writes a JSON output object to stdout.
type WasmAdapter struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
}

// WasmOptions tune a WasmAdapter.
type WasmOptions struct {
	// MemoryPages caps guest memory in 64 KB pages. Defaults to
	// DefaultWasmMemoryPages when zero.
	MemoryPages uint32
	// Timeout bounds a single guest run. Zero relies on the caller's
	// context deadline.
	Timeout time.Duration
}

// NewWasmAdapter compiles wasmBytes once and reuses the compilation
// across calls.
func NewWasmAdapter(ctx context.Context, wasmBytes []byte, opts WasmOptions) (*WasmAdapter, error) {
	pages := opts.MemoryPages
	if pages == 0 {
		pages = DefaultWasmMemoryPages
	}
	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, Errorf(contracts.CodeProviderServerError, 0, "compile module: %v", err)
	}
	return &WasmAdapter{runtime: r, compiled: compiled, timeout: opts.Timeout}, nil
}

func (a *WasmAdapter) Execute(ctx context.Context, call Call) (*Result, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	envelope := map[string]any{
		"capability_id": call.Manifest.ID,
		"version":       call.Manifest.Version,
		"params":        call.Params,
	}
	stdin, err := json.Marshal(envelope)
	if err != nil {
		return nil, Errorf(contracts.CodeProviderInvalidInput, 0, "encode call envelope: %v", err)
	}

	var stdout, stderr bytes.Buffer
	// Anonymous module name so concurrent calls never collide in the
	// runtime's instance namespace. No FS mounts, no env, no clock.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Errorf(contracts.CodeTimeout, 0, "guest execution exceeded deadline")
		}
		return nil, Errorf(contracts.CodeProviderServerError, 0, "guest failed: %v: %s", err, snippet(stderr.Bytes()))
	}
	defer mod.Close(ctx)

	var decoded any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return nil, Errorf(contracts.CodeProviderServerError, 0, "guest produced non-JSON output: %s", snippet(stdout.Bytes()))
	}
	output, ok := decoded.(map[string]any)
	if !ok {
		output = map[string]any{"result": decoded}
	}
	return &Result{Output: output}, nil
}

// Close releases the runtime and the compiled module.
func (a *WasmAdapter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.runtime.Close(ctx)
}
