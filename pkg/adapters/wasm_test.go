package adapters_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moatlabs/moat/pkg/adapters"
	"github.com/moatlabs/moat/pkg/contracts"
)

// emptyModule is the smallest valid wasm binary: magic plus version,
// no sections, nothing exported.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestNewWasmAdapterRejectsGarbage(t *testing.T) {
	_, err := adapters.NewWasmAdapter(context.Background(), []byte("definitely not wasm"), adapters.WasmOptions{})
	ae := asAdapterError(t, err)
	assert.Equal(t, contracts.CodeProviderServerError, ae.Code)
}

func TestWasmAdapterGuestWithoutOutputFails(t *testing.T) {
	adapter, err := adapters.NewWasmAdapter(context.Background(), emptyModule, adapters.WasmOptions{})
	require.NoError(t, err)
	defer adapter.Close()

	_, err = adapter.Execute(context.Background(), stubCall(map[string]any{"k": "v"}))
	ae := asAdapterError(t, err)
	assert.Equal(t, contracts.CodeProviderServerError, ae.Code)
}

func TestWasmAdapterCloseIdempotentRuntime(t *testing.T) {
	adapter, err := adapters.NewWasmAdapter(context.Background(), emptyModule, adapters.WasmOptions{MemoryPages: 1})
	require.NoError(t, err)
	require.NoError(t, adapter.Close())
}
