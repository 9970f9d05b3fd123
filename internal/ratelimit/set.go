package ratelimit

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Backends selectable through configuration.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Set holds the independently configured limiters of one process.
type Set struct {
	order    []string
	limiters map[string]Limiter
}

// NewSet groups limiters by their configured name.
func NewSet(limiters ...Limiter) (*Set, error) {
	s := &Set{limiters: make(map[string]Limiter, len(limiters))}
	for _, l := range limiters {
		name := l.Config().Name
		if _, dup := s.limiters[name]; dup {
			return nil, fmt.Errorf("%w: duplicate limiter %q", ErrInvalidConfig, name)
		}
		s.limiters[name] = l
		s.order = append(s.order, name)
	}
	return s, nil
}

// Build constructs one limiter per config on the chosen backend. The Redis client
// is only required for BackendRedis.
func Build(backend string, client redis.UniversalClient, configs ...Config) (*Set, error) {
	limiters := make([]Limiter, 0, len(configs))
	for _, cfg := range configs {
		var (
			l   Limiter
			err error
		)
		switch backend {
		case BackendMemory, "":
			l, err = NewMemory(cfg)
		case BackendRedis:
			l, err = NewRedis(client, cfg)
		default:
			return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, backend)
		}
		if err != nil {
			return nil, err
		}
		limiters = append(limiters, l)
	}
	return NewSet(limiters...)
}

// Get returns the limiter with the given name.
func (s *Set) Get(name string) (Limiter, bool) {
	l, ok := s.limiters[name]
	return l, ok
}

// MustGet is Get for limiters the caller configured itself.
func (s *Set) MustGet(name string) Limiter {
	l, ok := s.limiters[name]
	if !ok {
		panic(fmt.Sprintf("ratelimit: limiter %q not configured", name))
	}
	return l
}

// All returns the limiters in construction order.
func (s *Set) All() []Limiter {
	out := make([]Limiter, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.limiters[name])
	}
	return out
}
