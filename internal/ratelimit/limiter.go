package ratelimit

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	keyPrefix     = "rate_limit:"
	unknownOrigin = "unknown"
)

// Key derives the store key for an origin IP. Callers without an IP share the
// "unknown" bucket.
func Key(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		origin = unknownOrigin
	}
	return keyPrefix + origin
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetTime.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Stats is a point-in-time view of a limiter.
type Stats struct {
	ActiveKeys int    `json:"activeKeys"`
	Config     Config `json:"config"`
}

// Limiter is implemented by every counter backend.
type Limiter interface {
	Config() Config
	// Take checks the origin's budget and, when allowed, counts the request in
	// the same atomic step. Remaining reflects the count after the request.
	Take(ctx context.Context, origin string) (Result, error)
	// Refund uncounts one request. window is the ResetTime Take returned for it;
	// the refund is dropped when that window has already been replaced.
	Refund(ctx context.Context, origin string, window time.Time) error
	Reset(ctx context.Context, origin string) error
	Stats(ctx context.Context) (Stats, error)
}

type entry struct {
	count     int
	resetTime time.Time
}

// Option customises a Memory limiter.
type Option func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// Memory keeps counters in process memory. Every operation runs under one mutex,
// so Take is atomic and Check followed by Increment is individually consistent.
// Expired entries are only evicted by the sweep at the top of each check.
type Memory struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(cfg Config, opts ...Option) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Memory{cfg: cfg, now: time.Now, entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the limiter configuration.
func (m *Memory) Config() Config {
	return m.cfg
}

// Check sweeps expired entries, opens a fresh window for the origin when it has
// none, and reports whether another request fits. It does not count the request.
func (m *Memory) Check(origin string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, res := m.checkLocked(Key(origin), m.now())
	return res
}

// Increment counts one request for the origin. It is a no-op when Check has not
// created an entry.
func (m *Memory) Increment(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[Key(origin)]; ok {
		e.count++
	}
}

// Take implements Limiter.
func (m *Memory) Take(_ context.Context, origin string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, res := m.checkLocked(Key(origin), m.now())
	if res.Allowed {
		e.count++
		res.Remaining = max(0, m.cfg.Max-e.count)
	}
	return res, nil
}

// Refund implements Limiter.
func (m *Memory) Refund(_ context.Context, origin string, window time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[Key(origin)]
	if ok && e.count > 0 && e.resetTime.Equal(window) && !m.now().After(e.resetTime) {
		e.count--
	}
	return nil
}

// Reset drops the origin's entry so its next check starts a new window.
func (m *Memory) Reset(_ context.Context, origin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, Key(origin))
	return nil
}

// Stats counts live entries without mutating the store.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	active := 0
	for _, e := range m.entries {
		if !now.After(e.resetTime) {
			active++
		}
	}
	return Stats{ActiveKeys: active, Config: m.cfg}, nil
}

func (m *Memory) checkLocked(key string, now time.Time) (*entry, Result) {
	m.cleanupLocked(now)
	e, ok := m.entries[key]
	if !ok {
		e = &entry{resetTime: now.Add(m.cfg.Window)}
		m.entries[key] = e
	}
	return e, Result{
		Allowed:   e.count < m.cfg.Max,
		Limit:     m.cfg.Max,
		Remaining: max(0, m.cfg.Max-e.count),
		ResetTime: e.resetTime,
	}
}

// cleanupLocked deletes every entry whose window has passed.
func (m *Memory) cleanupLocked(now time.Time) {
	for key, e := range m.entries {
		if now.After(e.resetTime) {
			delete(m.entries, key)
		}
	}
}

var _ Limiter = (*Memory)(nil)
