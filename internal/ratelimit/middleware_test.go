package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	outcomes map[string]int
}

func (o *countingObserver) ObserveLimit(limiter, outcome string) {
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[limiter+"/"+outcome]++
}

type failingLimiter struct{ cfg Config }

func (f failingLimiter) Config() Config { return f.cfg }
func (f failingLimiter) Take(context.Context, string) (Result, error) {
	return Result{}, errors.New("store down")
}
func (f failingLimiter) Refund(context.Context, string, time.Time) error { return nil }
func (f failingLimiter) Reset(context.Context, string) error             { return nil }
func (f failingLimiter) Stats(context.Context) (Stats, error)            { return Stats{}, nil }

func request(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/product", nil)
	r.RemoteAddr = ip + ":5555"
	return r
}

func TestMiddlewareHeadersAndRejection(t *testing.T) {
	clock := newFakeClock()
	m := newMemory(t, 5, time.Second, clock)
	obs := &countingObserver{}
	var rejected []string
	calls := 0
	h := Middleware{
		Limiter:  m,
		Observer: obs,
		Now:      clock.Now,
		OnReject: func(r *http.Request, limiter, origin string, res Result) { rejected = append(rejected, origin) },
	}.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []string{"4", "3", "2", "1", "0"} {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, request("203.0.113.7"))
		require.Equal(t, http.StatusOK, res.Code, "call %d", i+1)
		assert.Equal(t, "5", res.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, want, res.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Second).Unix(), 10), res.Header().Get("X-RateLimit-Reset"))
	}

	clock.Advance(300 * time.Millisecond)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, request("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, res.Code)
	assert.Equal(t, "0", res.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", res.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", res.Header().Get("Content-Type"))

	var body TooManyRequests
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, 1, body.RetryAfter)
	assert.Contains(t, body.Message, "try again in 1 seconds")

	assert.Equal(t, 5, calls)
	assert.Equal(t, []string{"203.0.113.7"}, rejected)
	assert.Equal(t, 5, obs.outcomes["test/allowed"])
	assert.Equal(t, 1, obs.outcomes["test/rejected"])

	// rejected requests are not counted
	st, _ := m.Stats(context.Background())
	assert.Equal(t, 1, st.ActiveKeys)
	assert.Equal(t, 0, m.Check("203.0.113.7").Remaining)

	// another origin keeps its own budget
	res = httptest.NewRecorder()
	h.ServeHTTP(res, request("203.0.113.8"))
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "4", res.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddlewareLocalizedMessage(t *testing.T) {
	m, err := NewMemory(Config{Name: NameAuth, Window: time.Minute, Max: 1})
	require.NoError(t, err)
	h := Middleware{Limiter: m}.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), request("198.51.100.1"))
	req := request("198.51.100.1")
	req.Header.Set("Accept-Language", "id-ID,id;q=0.9,en;q=0.5")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	require.Equal(t, http.StatusTooManyRequests, res.Code)

	var body TooManyRequests
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.Contains(t, body.Message, "Terlalu banyak percobaan masuk")
}

func TestMiddlewareSkipSuccessfulRequests(t *testing.T) {
	m, err := NewMemory(Config{Name: NameAuth, Window: time.Minute, Max: 2, SkipSuccessfulRequests: true})
	require.NoError(t, err)
	status := http.StatusOK
	obs := &countingObserver{}
	h := Middleware{Limiter: m, Observer: obs}.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, request("10.1.1.1"))
		require.Equal(t, http.StatusOK, res.Code)
	}
	assert.Equal(t, 10, obs.outcomes["auth/refunded"])

	status = http.StatusUnauthorized
	for i := 0; i < 2; i++ {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, request("10.1.1.1"))
		require.Equal(t, http.StatusUnauthorized, res.Code)
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, request("10.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestMiddlewareRefundAfterWindowRollover(t *testing.T) {
	clock := newFakeClock()
	m, err := NewMemory(Config{Name: NameAuth, Window: time.Second, Max: 2, SkipSuccessfulRequests: true}, WithClock(clock.Now))
	require.NoError(t, err)

	var h http.Handler
	slow := true
	h = Middleware{Limiter: m, Now: clock.Now}.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slow {
			// the window rolls over and a failed login lands in the next one
			slow = false
			clock.Advance(1100 * time.Millisecond)
			res := httptest.NewRecorder()
			h.ServeHTTP(res, request("10.3.3.3"))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	res := httptest.NewRecorder()
	h.ServeHTTP(res, request("10.3.3.3"))
	require.Equal(t, http.StatusOK, res.Code)

	assert.Equal(t, 1, m.Check("10.3.3.3").Remaining)
}

func TestMiddlewareSkipFailedRequests(t *testing.T) {
	m, err := NewMemory(Config{Name: "upload", Window: time.Minute, Max: 1, SkipFailedRequests: true})
	require.NoError(t, err)
	status := http.StatusBadRequest
	h := Middleware{Limiter: m}.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	for i := 0; i < 3; i++ {
		res := httptest.NewRecorder()
		h.ServeHTTP(res, request("10.2.2.2"))
		require.Equal(t, http.StatusBadRequest, res.Code)
	}
	status = http.StatusCreated
	res := httptest.NewRecorder()
	h.ServeHTTP(res, request("10.2.2.2"))
	require.Equal(t, http.StatusCreated, res.Code)
	res = httptest.NewRecorder()
	h.ServeHTTP(res, request("10.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
}

func TestMiddlewareStoreErrors(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	cfg := Config{Name: "api", Window: time.Minute, Max: 1}

	res := httptest.NewRecorder()
	Middleware{Limiter: failingLimiter{cfg}, FailOpen: true}.Handler(next).ServeHTTP(res, request("10.0.0.1"))
	assert.Equal(t, http.StatusAccepted, res.Code)

	res = httptest.NewRecorder()
	Middleware{Limiter: failingLimiter{cfg}}.Handler(next).ServeHTTP(res, request("10.0.0.1"))
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
}

func TestMiddlewareUnknownOrigin(t *testing.T) {
	m, err := NewMemory(Config{Name: "api", Window: time.Minute, Max: 1})
	require.NoError(t, err)
	h := Middleware{Limiter: m, Origin: func(*http.Request) string { return "" }}.
		Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), request("10.0.0.1"))
	res := httptest.NewRecorder()
	h.ServeHTTP(res, request("10.0.0.2"))
	assert.Equal(t, http.StatusTooManyRequests, res.Code)
	_, ok := m.entries["rate_limit:unknown"]
	assert.True(t, ok)
}

func TestOriginIP(t *testing.T) {
	assert.Equal(t, "192.0.2.10", OriginIP(request("192.0.2.10")))
}
