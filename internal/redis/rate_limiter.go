package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds task submissions per scope over a sliding window so
// one noisy producer cannot starve submissions for other scopes. Each
// scope gets its own window; scopes never share a budget.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
}

type scopeLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed limiter admitting at most limit
// submissions per scope per window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &scopeLimiter{client: client, limit: limit, window: window}
}

func submitKey(scope string) string { return "submit:rate:" + scope }

// Allow records the submission and reports whether it fits the scope's
// window. Submission timestamps live in a sorted set scored by nanosecond
// time; entries older than the window are trimmed on every call, and the
// key expires on its own once the scope goes quiet.
func (l *scopeLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	now := time.Now().UnixNano()
	cutoff := strconv.FormatInt(now-l.window.Nanoseconds(), 10)
	key := submitKey(scope)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("submission window for scope %q: %w", scope, err)
	}
	return count.Val() <= int64(l.limit), nil
}
