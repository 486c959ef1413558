package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the window across processes. The counter is incremented
// and its expiry set once in a single pipeline.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	requests int
	window   time.Duration
}

var _ Limiter = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, prefix string, requests int, every time.Duration) *Redis {
	requests, every = normalize(requests, every)
	if prefix == "" {
		prefix = "schild:rate:"
	}
	return &Redis{client: client, prefix: prefix, requests: requests, window: every}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	k := r.prefix + key

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.ExpireNX(ctx, k, r.window)
		ttl = p.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	count := int(incr.Val())
	remaining := r.requests - count
	if remaining < 0 {
		remaining = 0
	}
	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = r.window
	}
	return Decision{
		Allowed:   count <= r.requests,
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}
