package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/store"
)

const (
	// DefaultInterval is the sweep cadence. Each sweep archives the
	// previous calendar month; segments are idempotent, so frequent
	// sweeps only cost an existence check.
	DefaultInterval = 6 * time.Hour
	// DefaultKeyPrefix prefixes every segment key.
	DefaultKeyPrefix = "receipts/"
)

// Options configures an Archiver.
type Options struct {
	Interval  time.Duration
	KeyPrefix string
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Archiver drains receipt months into content-hash-named JSONL
// segments.
type Archiver struct {
	receipts store.ReceiptStore
	objects  ObjectStore

	interval  time.Duration
	keyPrefix string
	log       *slog.Logger
	now       func() time.Time
}

// New builds an Archiver over the receipt store and an object store.
func New(receipts store.ReceiptStore, objects ObjectStore, opts Options) *Archiver {
	a := &Archiver{
		receipts:  receipts,
		objects:   objects,
		interval:  opts.Interval,
		keyPrefix: opts.KeyPrefix,
		log:       opts.Logger,
		now:       opts.Clock,
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.keyPrefix == "" {
		a.keyPrefix = DefaultKeyPrefix
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Run sweeps immediately and then on every interval tick until ctx is
// done.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Archiver) sweep(ctx context.Context) {
	now := a.now().UTC()
	// Last day of the previous month; AddDate(0, -1, 0) on day 31 would
	// normalize into the same month.
	prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	key, n, err := a.ArchiveMonth(ctx, prev.Year(), prev.Month())
	if err != nil {
		a.log.Error("archive sweep failed",
			"year", prev.Year(), "month", int(prev.Month()), "error", err)
		return
	}
	if n > 0 {
		a.log.Info("archive sweep complete", "segment", key, "receipts", n)
	}
}

// ArchiveMonth drains one calendar month into a single JSONL segment
// and returns its key and receipt count. The key embeds the content
// hash, so re-running over the same receipts yields the same key and
// skips the upload. An empty month uploads nothing.
func (a *Archiver) ArchiveMonth(ctx context.Context, year int, month time.Month) (string, int, error) {
	from := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	rcpts, err := a.receipts.ListWindow(ctx, from, to)
	if err != nil {
		return "", 0, fmt.Errorf("archive: list %04d-%02d: %w", year, int(month), err)
	}
	if len(rcpts) == 0 {
		return "", 0, nil
	}

	data, err := encodeSegment(rcpts)
	if err != nil {
		return "", 0, err
	}

	sum := sha256.Sum256(data)
	key := fmt.Sprintf("%s%04d-%02d-%s.jsonl", a.keyPrefix, year, int(month), hex.EncodeToString(sum[:8]))

	ok, err := a.objects.Exists(ctx, key)
	if err != nil {
		return "", 0, fmt.Errorf("archive: check %s: %w", key, err)
	}
	if ok {
		return key, len(rcpts), nil
	}
	if err := a.objects.Put(ctx, key, data); err != nil {
		return "", 0, err
	}
	return key, len(rcpts), nil
}

func encodeSegment(rcpts []*contracts.Receipt) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rcpts {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("archive: encode receipt %s: %w", r.ID, err)
		}
	}
	return buf.Bytes(), nil
}
