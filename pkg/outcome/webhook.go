package outcome

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/moatlabs/moat/pkg/contracts"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultWebhookRetries = 2

	headerSignature = "X-Moat-Signature"
	headerDelivery  = "X-Moat-Delivery"
)

// WebhookConfig configures the outward outcome publisher.
type WebhookConfig struct {
	// URL receives one POST per published event.
	URL string
	// Secret, when set, signs each body with HMAC-SHA256; the hex
	// digest travels in X-Moat-Signature as "sha256=<hex>".
	Secret string
	// Timeout bounds each delivery attempt. Default: 10s.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first try,
	// taken on network errors, 429 and 5xx. Default: 2.
	MaxRetries int
	// IncludeFailures also publishes failed executions. The default
	// mirrors the settlement hub contract: success receipts only.
	IncludeFailures bool
}

// WebhookPublisher pushes outcome events to an external endpoint, the
// seam where an on-chain receipt hub or partner registry plugs in.
// Delivery is best-effort: it subscribes to the bus like any other
// consumer and a dead endpoint costs nothing but dropped events.
type WebhookPublisher struct {
	cfg     WebhookConfig
	client  *http.Client
	log     *slog.Logger
	backoff func(attempt int) time.Duration
}

// NewWebhookPublisher validates cfg and returns a publisher.
func NewWebhookPublisher(cfg WebhookConfig, log *slog.Logger) (*WebhookPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("outcome: webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultWebhookRetries
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookPublisher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * 100 * time.Millisecond
		},
	}, nil
}

// Handler adapts the publisher to a bus subscriber. Delivery errors
// are logged and swallowed; the pipeline never sees them.
func (p *WebhookPublisher) Handler() Handler {
	return func(ev *contracts.OutcomeEvent) {
		if err := p.Publish(context.Background(), ev); err != nil {
			p.log.Warn("webhook delivery failed",
				"receipt_id", ev.ReceiptID,
				"capability_id", ev.CapabilityID,
				"error", err)
		}
	}
}

// Publish posts ev as JSON. Failed executions are skipped unless
// IncludeFailures is set; synthetic probes are never published.
func (p *WebhookPublisher) Publish(ctx context.Context, ev *contracts.OutcomeEvent) error {
	if ev == nil || ev.IsSynthetic {
		return nil
	}
	if !ev.Success && !p.cfg.IncludeFailures {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outcome: marshal webhook event: %w", err)
	}
	delivery := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		retryable, err := p.deliver(ctx, delivery, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return lastErr
}

func (p *WebhookPublisher) deliver(ctx context.Context, delivery string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("outcome: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDelivery, delivery)
	if p.cfg.Secret != "" {
		req.Header.Set(headerSignature, "sha256="+signBody(p.cfg.Secret, body))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("outcome: webhook post: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("outcome: webhook returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("outcome: webhook returned %d", resp.StatusCode)
	}
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
