package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares windows across API instances. INCR and PTTL go out in one
// round trip; the first request of a window sets its expiry.
type Redis struct {
	client *redis.Client
	limit  int
	period time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, limit int, period time.Duration) *Redis {
	return &Redis{client: client, limit: limit, period: period, prefix: "ratelimit:", now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	count := incr.Val()

	wait := ttl.Val()
	if wait <= 0 {
		// new window, or a key that lost its expiry
		if err := r.client.PExpire(ctx, k, r.period).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		wait = r.period
	}

	n := int(count)
	remaining := r.limit - n
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   n <= r.limit,
		Limit:     r.limit,
		Remaining: remaining,
		ResetAt:   r.now().Add(wait),
	}, nil
}
