package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/moatlabs/moat/pkg/contracts"
)

const (
	waiterPollInterval = 50 * time.Millisecond

	// failureGraceTTL keeps a failure-committed entry around just long
	// enough for barrier waiters to pick it up. Begin treats the failed
	// state as absent, so retries re-execute immediately.
	failureGraceTTL = 2 * time.Second
)

// redisClaimScript atomically claims the slot. Absent and failed entries
// are claimable; a done entry returns its body; a live marker defers the
// caller to polling.
// KEYS[1] = entry key, ARGV[1] = inflight marker JSON, ARGV[2] = marker TTL ms
var redisClaimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return {"started", ""}
end
local e = cjson.decode(cur)
if e.state == "failed" then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return {"started", ""}
end
if e.state == "done" then
	return {"done", cur}
end
return {"inflight", ""}
`)

type redisEntry struct {
	State   string             `json:"state"` // "inflight" | "done" | "failed"
	Receipt *contracts.Receipt `json:"receipt,omitempty"`
}

// RedisStore implements Store across processes. Markers and completions
// carry Redis TTLs, so there is no sweeper; expiry of the key itself
// re-opens the slot. Cross-process waiters poll the key at a short
// interval instead of parking on a channel.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates an idempotency store on an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID, key string) string {
	return fmt.Sprintf("moat:idem:%s:%s", tenantID, key)
}

func (s *RedisStore) Begin(ctx context.Context, tenantID, key string, deadline time.Time) (Begin, error) {
	if key == "" {
		return Begin{}, ErrEmptyKey
	}
	marker, err := json.Marshal(redisEntry{State: "inflight"})
	if err != nil {
		return Begin{}, fmt.Errorf("idempotency: marshal marker: %w", err)
	}
	ttl := time.Until(deadline)
	if ttl <= 0 {
		ttl = time.Second
	}

	k := redisKey(tenantID, key)
	res, err := redisClaimScript.Run(ctx, s.client, []string{k}, marker, ttl.Milliseconds()).Result()
	if err != nil {
		return Begin{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return Begin{}, fmt.Errorf("%w: unexpected claim reply", ErrUnavailable)
	}

	switch parts[0] {
	case "started":
		return Begin{Started: true}, nil
	case "done":
		raw, _ := parts[1].(string)
		var e redisEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return Begin{}, fmt.Errorf("idempotency: corrupt entry at %s: %w", k, err)
		}
		return Begin{Receipt: e.Receipt}, nil
	default:
		return Begin{Waiter: &redisWaiter{store: s, key: k}}, nil
	}
}

func (s *RedisStore) Commit(ctx context.Context, tenantID, key string, receipt *contracts.Receipt, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	e := redisEntry{State: "done", Receipt: receipt}
	if ttl == 0 {
		// Failures are not replayable, but waiters parked on the barrier
		// still need the receipt; a short grace entry serves them while
		// Begin treats it as absent.
		e.State = "failed"
		ttl = failureGraceTTL
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("idempotency: marshal receipt: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(tenantID, key), body, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, tenantID, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, redisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, k string) (*redisEntry, error) {
	raw, err := s.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("idempotency: corrupt entry at %s: %w", k, err)
	}
	return &e, nil
}

type redisWaiter struct {
	store *RedisStore
	key   string
}

func (w *redisWaiter) Wait(ctx context.Context) (*contracts.Receipt, error) {
	ticker := time.NewTicker(waiterPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			e, err := w.store.get(ctx, w.key)
			if err != nil {
				return nil, err
			}
			switch {
			case e == nil:
				// Winner abandoned; the slot is open again.
				return nil, nil
			case e.State == "done" || e.State == "failed":
				return e.Receipt, nil
			}
		}
	}
}
