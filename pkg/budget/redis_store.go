package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisSpendScript applies one call's spend to the daily and monthly
// counters atomically. Keys expire a safe margin after their period ends so
// stale periods self-clean.
// KEYS[1] = daily hash, KEYS[2] = monthly hash
// ARGV[1] = cost in cents, ARGV[2] = daily TTL seconds, ARGV[3] = monthly TTL seconds
var redisSpendScript = redis.NewScript(`
redis.call("HINCRBY", KEYS[1], "calls", 1)
redis.call("HINCRBY", KEYS[1], "cost", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
redis.call("HINCRBY", KEYS[2], "calls", 1)
redis.call("HINCRBY", KEYS[2], "cost", ARGV[1])
redis.call("EXPIRE", KEYS[2], ARGV[3])
return 1
`)

const (
	dailyCounterTTL   = 48 * time.Hour
	monthlyCounterTTL = 35 * 24 * time.Hour
)

// RedisStore implements Store on Redis hashes. This is the production
// backend; sub-millisecond reads keep the policy engine's snapshot path off
// the durable store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a counter store on an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func counterKey(tenantID, capabilityID, period string) string {
	return fmt.Sprintf("moat:budget:%s:%s:%s", tenantID, capabilityID, period)
}

func (s *RedisStore) Snapshot(ctx context.Context, tenantID, capabilityID string, now time.Time) (Counters, error) {
	pipe := s.client.Pipeline()
	daily := pipe.HGetAll(ctx, counterKey(tenantID, capabilityID, DailyKey(now)))
	monthly := pipe.HGetAll(ctx, counterKey(tenantID, capabilityID, MonthlyKey(now)))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Counters{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var c Counters
	c.DailyCalls, c.DailyCost = parseCounterHash(daily.Val())
	c.MonthlyCalls, c.MonthlyCost = parseCounterHash(monthly.Val())
	return c, nil
}

func (s *RedisStore) RecordCall(ctx context.Context, tenantID, capabilityID string, costCents int64, now time.Time) error {
	keys := []string{
		counterKey(tenantID, capabilityID, DailyKey(now)),
		counterKey(tenantID, capabilityID, MonthlyKey(now)),
	}
	err := redisSpendScript.Run(ctx, s.client, keys,
		costCents,
		int64(dailyCounterTTL.Seconds()),
		int64(monthlyCounterTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func parseCounterHash(h map[string]string) (calls, cost int64) {
	calls, _ = strconv.ParseInt(h["calls"], 10, 64)
	cost, _ = strconv.ParseInt(h["cost"], 10, 64)
	return calls, cost
}
