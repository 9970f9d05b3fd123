package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// takeScript opens a window when the key is missing, then counts the request only
// if the budget allows it. The hash keeps the count and the window's reset time in
// unix milliseconds, which identifies the window for refunds.
// ARGV: window ms, max, reset ms for a new window. Returns {allowed, count, reset}.
var takeScript = redis.NewScript(`
local count = 0
local reset = 0
if redis.call('PTTL', KEYS[1]) < 0 then
  reset = tonumber(ARGV[3])
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], 'count', 0, 'reset', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
else
  local v = redis.call('HMGET', KEYS[1], 'count', 'reset')
  count = tonumber(v[1]) or 0
  reset = tonumber(v[2]) or 0
end
if count < tonumber(ARGV[2]) then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {1, count, reset}
end
return {0, count, reset}
`)

// refundScript decrements the counter only while the window that counted the
// request is still live, and never below zero. ARGV: reset ms.
var refundScript = redis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'count', 'reset')
if not v[2] or tonumber(v[2]) ~= tonumber(ARGV[1]) then
  return 0
end
if (tonumber(v[1]) or 0) > 0 then
  return redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 0
`)

// Redis shares counters between gate instances. Windows expire through key TTLs,
// so no sweep is needed.
type Redis struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
	group  singleflight.Group
}

// NewRedis constructs a Redis-backed limiter.
func NewRedis(client redis.UniversalClient, cfg Config) (*Redis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w %q: redis client required", ErrInvalidConfig, cfg.Name)
	}
	return &Redis{client: client, cfg: cfg, now: time.Now}, nil
}

// Config returns the limiter configuration.
func (l *Redis) Config() Config {
	return l.cfg
}

func (l *Redis) key(origin string) string {
	return keyPrefix + l.cfg.Name + ":" + Key(origin)[len(keyPrefix):]
}

// Take implements Limiter.
func (l *Redis) Take(ctx context.Context, origin string) (Result, error) {
	vals, err := takeScript.Run(ctx, l.client, []string{l.key(origin)},
		l.cfg.Window.Milliseconds(), l.cfg.Max, l.now().Add(l.cfg.Window).UnixMilli()).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: take %s: %w", l.cfg.Name, err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("ratelimit: take %s: unexpected reply %v", l.cfg.Name, vals)
	}
	return Result{
		Allowed:   vals[0] == 1,
		Limit:     l.cfg.Max,
		Remaining: max(0, l.cfg.Max-int(vals[1])),
		ResetTime: time.UnixMilli(vals[2]),
	}, nil
}

// Check reports the origin's budget without counting a request.
func (l *Redis) Check(ctx context.Context, origin string) (Result, error) {
	key := l.key(origin)
	pipe := l.client.Pipeline()
	fields := pipe.HMGet(ctx, key, "count", "reset")
	pttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("ratelimit: check %s: %w", l.cfg.Name, err)
	}
	vals := fields.Val()
	count, reset := 0, time.Time{}
	if ttl := pttl.Val(); ttl > 0 && len(vals) == 2 {
		count = intField(vals[0])
		if ms := intField(vals[1]); ms > 0 {
			reset = time.UnixMilli(int64(ms))
		} else {
			reset = l.now().Add(ttl)
		}
	}
	if reset.IsZero() {
		count = 0
		reset = l.now().Add(l.cfg.Window)
	}
	return Result{
		Allowed:   count < l.cfg.Max,
		Limit:     l.cfg.Max,
		Remaining: max(0, l.cfg.Max-count),
		ResetTime: reset,
	}, nil
}

func intField(v any) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Refund implements Limiter.
func (l *Redis) Refund(ctx context.Context, origin string, window time.Time) error {
	if err := refundScript.Run(ctx, l.client, []string{l.key(origin)}, window.UnixMilli()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ratelimit: refund %s: %w", l.cfg.Name, err)
	}
	return nil
}

// Reset implements Limiter.
func (l *Redis) Reset(ctx context.Context, origin string) error {
	if err := l.client.Del(ctx, l.key(origin)).Err(); err != nil {
		return fmt.Errorf("ratelimit: reset %s: %w", l.cfg.Name, err)
	}
	return nil
}

// Stats scans the limiter's keyspace. Concurrent callers share one scan.
func (l *Redis) Stats(ctx context.Context) (Stats, error) {
	v, err, _ := l.group.Do(l.cfg.Name, func() (any, error) {
		pattern := keyPrefix + l.cfg.Name + ":*"
		active := 0
		iter := l.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			active++
		}
		if err := iter.Err(); err != nil {
			return 0, err
		}
		return active, nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("ratelimit: stats %s: %w", l.cfg.Name, err)
	}
	return Stats{ActiveKeys: v.(int), Config: l.cfg}, nil
}

var _ Limiter = (*Redis)(nil)
