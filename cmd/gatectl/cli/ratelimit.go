package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/shopdesk/gate/internal/ratelimit"
)

// RateLimitCLI inspects and resets counters of the Redis limiter backend.
type RateLimitCLI struct {
	client *redis.Client
	set    *ratelimit.Set
}

// NewRateLimitCLI builds Redis-backed limiters for configs against client.
func NewRateLimitCLI(client *redis.Client, configs []ratelimit.Config) (*RateLimitCLI, error) {
	if client == nil {
		return nil, errors.New("ratelimit cli: redis client is required")
	}
	set, err := ratelimit.Build(ratelimit.BackendRedis, client, configs...)
	if err != nil {
		return nil, err
	}
	return &RateLimitCLI{client: client, set: set}, nil
}

// Close releases the Redis connection.
func (c *RateLimitCLI) Close() error {
	return c.client.Close()
}

// Stats reports every limiter's live keys.
func (c *RateLimitCLI) Stats(ctx context.Context) ([]ratelimit.Stats, error) {
	out := make([]ratelimit.Stats, 0, len(c.set.All()))
	for _, l := range c.set.All() {
		st, err := l.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("ratelimit cli: %s stats: %w", l.Config().Name, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// Reset clears the counter of origin on the named limiter.
func (c *RateLimitCLI) Reset(ctx context.Context, limiter, origin string) error {
	l, ok := c.set.Get(limiter)
	if !ok {
		return fmt.Errorf("ratelimit cli: unknown limiter %q", limiter)
	}
	return l.Reset(ctx, origin)
}
