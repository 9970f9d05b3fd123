package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/shopdesk/gate/internal/platform/httpx"
)

// Outcomes reported to the Observer.
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeRefunded = "refunded"
	OutcomeError    = "error"
)

// Observer receives limiter decisions, typically for metrics.
type Observer interface {
	ObserveLimit(limiter, outcome string)
}

// RejectFunc is notified after a request is refused.
type RejectFunc func(r *http.Request, limiter, origin string, res Result)

// Middleware admits requests through a Limiter. Headers are written on every
// decision, rejected requests are never counted, and admitted requests are
// counted before the downstream handler runs. With a skip flag configured the
// request is refunded once the downstream status is known.
type Middleware struct {
	Limiter Limiter
	Logger  *slog.Logger
	// FailOpen admits requests when the limiter store errors.
	FailOpen bool
	Observer Observer
	OnReject RejectFunc
	// Origin overrides the client IP derivation.
	Origin func(r *http.Request) string
	Now    func() time.Time
}

// TooManyRequests is the 429 response body.
type TooManyRequests struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// Handler wraps next with admission control.
func (m Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := m.Limiter.Config()
		origin := m.origin(r)

		res, err := m.Limiter.Take(r.Context(), origin)
		if err != nil {
			m.observe(cfg.Name, OutcomeError)
			m.log().Error("rate limiter unavailable",
				slog.String("limiter", cfg.Name),
				slog.String("origin", origin),
				slog.Any("error", err),
			)
			if m.FailOpen {
				next.ServeHTTP(w, r)
				return
			}
			httpx.RespondError(w, fmt.Errorf("%w: rate limiter", httpx.ErrUnavailable))
			return
		}

		setHeaders(w.Header(), res)
		if !res.Allowed {
			m.observe(cfg.Name, OutcomeRejected)
			if m.OnReject != nil {
				m.OnReject(r, cfg.Name, origin, res)
			}
			m.reject(w, r, cfg.Name, res)
			return
		}
		m.observe(cfg.Name, OutcomeAllowed)

		if !cfg.SkipSuccessfulRequests && !cfg.SkipFailedRequests {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if (cfg.SkipSuccessfulRequests && status < http.StatusBadRequest) ||
			(cfg.SkipFailedRequests && status >= http.StatusBadRequest) {
			if err := m.Limiter.Refund(context.WithoutCancel(r.Context()), origin, res.ResetTime); err != nil {
				m.log().Warn("rate limit refund failed", slog.String("limiter", cfg.Name), slog.Any("error", err))
				return
			}
			m.observe(cfg.Name, OutcomeRefunded)
		}
	})
}

func (m Middleware) reject(w http.ResponseWriter, r *http.Request, limiter string, res Result) {
	retryAfter := res.RetryAfter(m.now())
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	tag := MatchLanguage(r.Header.Get("Accept-Language"))
	httpx.JSON(w, http.StatusTooManyRequests, TooManyRequests{
		Error:      http.StatusText(http.StatusTooManyRequests),
		Message:    Message(limiter, tag, retryAfter),
		RetryAfter: retryAfter,
	})
}

func setHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
}

func (m Middleware) origin(r *http.Request) string {
	if m.Origin != nil {
		return m.Origin(r)
	}
	return OriginIP(r)
}

// OriginIP returns the canonical client IP of r, or "" when it cannot be parsed.
// Run chi's RealIP middleware first to honour proxy headers.
func OriginIP(r *http.Request) string {
	ip, err := httprate.KeyByIP(r)
	if err != nil {
		return ""
	}
	return ip
}

func (m Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Middleware) observe(limiter, outcome string) {
	if m.Observer != nil {
		m.Observer.ObserveLimit(limiter, outcome)
	}
}

func (m Middleware) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
