package capacity

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// luaReserveScript atomically admits one more session of a model if doing so
// would not exceed its limit. Adapted from the token-bucket rate limiter's
// Lua pattern, but simplified: capacity is a hard cap with no refill, not a
// bucket that drains over time.
const luaReserveScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return 0
end
redis.call('INCR', KEYS[1])
return 1
`

// luaReleaseScript decrements the counter, floored at zero so a duplicate or
// mismatched release can never push a model's count negative.
const luaReleaseScript = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current <= 0 then
  redis.call('SET', KEYS[1], 0)
  return 0
end
return redis.call('DECR', KEYS[1])
`

// RedisTracker is a Tracker backed by Redis, for deployments running more
// than one dispatcher process against a shared model capacity budget.
//
// Unlike the rate limiter this was adapted from, RedisTracker fails CLOSED:
// a Redis error denies admission rather than allowing it, since capacity is
// a hard safety limit, not a best-effort throttle.
type RedisTracker struct {
	client  *redis.Client
	limits  map[domain.Model]int
	reserve *redis.Script
	release *redis.Script
	keyFn   func(domain.Model) string
}

// NewRedisTracker constructs a RedisTracker using client and the given
// per-model limits.
func NewRedisTracker(client *redis.Client, limits map[domain.Model]int) *RedisTracker {
	return &RedisTracker{
		client:  client,
		limits:  limits,
		reserve: redis.NewScript(luaReserveScript),
		release: redis.NewScript(luaReleaseScript),
		keyFn: func(m domain.Model) string {
			return "trafficcontrol:capacity:" + string(m)
		},
	}
}

// TryReserve implements Tracker.
func (t *RedisTracker) TryReserve(ctx context.Context, m domain.Model) (bool, error) {
	limit, ok := t.limits[m]
	if !ok || limit <= 0 {
		return false, fmt.Errorf("op=capacity.RedisTracker.TryReserve model=%s: %w", m, domain.ErrInvalidArgument)
	}

	res, err := t.reserve.Run(ctx, t.client, []string{t.keyFn(m)}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("op=capacity.RedisTracker.TryReserve model=%s: %w", m, err)
	}
	return res == 1, nil
}

// Release implements Tracker.
func (t *RedisTracker) Release(ctx context.Context, m domain.Model) error {
	if err := t.release.Run(ctx, t.client, []string{t.keyFn(m)}).Err(); err != nil {
		return fmt.Errorf("op=capacity.RedisTracker.Release model=%s: %w", m, err)
	}
	return nil
}

// Snapshot implements Tracker.
func (t *RedisTracker) Snapshot(ctx context.Context) ([]domain.CapacitySnapshot, error) {
	out := make([]domain.CapacitySnapshot, 0, len(t.limits))
	for m, limit := range t.limits {
		val, err := t.client.Get(ctx, t.keyFn(m)).Int()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("op=capacity.RedisTracker.Snapshot model=%s: %w", m, err)
		}
		util := 0.0
		if limit > 0 {
			util = float64(val) / float64(limit)
		}
		out = append(out, domain.CapacitySnapshot{
			Model:       m,
			Current:     val,
			Limit:       limit,
			Available:   limit - val,
			Utilization: util,
		})
	}
	return out, nil
}
