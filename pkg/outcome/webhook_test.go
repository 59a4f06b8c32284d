package outcome_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/outcome"
)

type capturedDelivery struct {
	body      []byte
	signature string
	delivery  string
	contentTy string
}

type captureServer struct {
	*httptest.Server
	mu         sync.Mutex
	deliveries []capturedDelivery
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()
	cs := &captureServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		cs.mu.Lock()
		cs.deliveries = append(cs.deliveries, capturedDelivery{
			body:      body,
			signature: r.Header.Get("X-Moat-Signature"),
			delivery:  r.Header.Get("X-Moat-Delivery"),
			contentTy: r.Header.Get("Content-Type"),
		})
		cs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *captureServer) received() []capturedDelivery {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]capturedDelivery, len(cs.deliveries))
	copy(out, cs.deliveries)
	return out
}

func newWebhook(t *testing.T, cfg outcome.WebhookConfig) *outcome.WebhookPublisher {
	t.Helper()
	p, err := outcome.NewWebhookPublisher(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return p
}

func TestWebhookPublishesSuccessOutcome(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, Secret: "s3cret"})

	ev := event("rcp-hook-1")
	require.NoError(t, p.Publish(context.Background(), ev))

	got := srv.received()
	require.Len(t, got, 1)
	assert.Equal(t, "application/json", got[0].contentTy)
	assert.NotEmpty(t, got[0].delivery)

	var decoded contracts.OutcomeEvent
	require.NoError(t, json.Unmarshal(got[0].body, &decoded))
	assert.Equal(t, "rcp-hook-1", decoded.ReceiptID)
	assert.Equal(t, "example.send_message", decoded.CapabilityID)
	assert.True(t, decoded.Success)

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(got[0].body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, got[0].signature)
}

func TestWebhookSignatureOmittedWithoutSecret(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL})

	require.NoError(t, p.Publish(context.Background(), event("rcp-nosig")))

	got := srv.received()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].signature)
}

func TestWebhookSkipsFailuresByDefault(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL})

	ev := event("rcp-failed")
	ev.Success = false
	ev.ErrorTaxonomy = contracts.CodeProviderServerError
	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Empty(t, srv.received())

	withFailures := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, IncludeFailures: true})
	require.NoError(t, withFailures.Publish(context.Background(), ev))
	assert.Len(t, srv.received(), 1)
}

func TestWebhookSkipsSyntheticOutcomes(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, IncludeFailures: true})

	ev := event("rcp-probe")
	ev.IsSynthetic = true
	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Empty(t, srv.received())
}

func TestWebhookRetriesOnServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, MaxRetries: 2})
	require.NoError(t, p.Publish(context.Background(), event("rcp-retry")))
	assert.Equal(t, int64(3), calls.Load())
}

func TestWebhookGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, MaxRetries: 1})
	err := p.Publish(context.Background(), event("rcp-down"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int64(2), calls.Load())
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL, MaxRetries: 3})
	err := p.Publish(context.Background(), event("rcp-bad"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Equal(t, int64(1), calls.Load())
}

func TestWebhookRequiresURL(t *testing.T) {
	_, err := outcome.NewWebhookPublisher(outcome.WebhookConfig{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "url"))
}

func TestWebhookAsBusSubscriber(t *testing.T) {
	srv := newCaptureServer(t, http.StatusOK)
	p := newWebhook(t, outcome.WebhookConfig{URL: srv.URL})

	bus := outcome.NewBus(nil)
	bus.Subscribe("webhook", 8, p.Handler())

	bus.Publish(event("rcp-bus-1"))
	bus.Publish(event("rcp-bus-2"))
	bus.Close()

	require.Eventually(t, func() bool {
		return len(srv.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
