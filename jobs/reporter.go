package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"

	"github.com/shopdesk/gate/internal/ratelimit"
	"github.com/shopdesk/gate/internal/rbac"
)

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

const (
	enqueueTimeout = 2 * time.Second
	// maxReportedWindows bounds the in-process set of already reported windows.
	maxReportedWindows = 4096
)

// DenialReporter turns middleware rejections into TaskAdmissionDenied jobs. Rate
// limit denials are deduplicated per limiter, origin and window so a flood of
// rejected requests produces one audit row: locally first, so repeated 429s skip
// the Redis round trip, then by TaskID across gate instances.
type DenialReporter struct {
	Queue  Enqueuer
	Logger *slog.Logger
	Now    func() time.Time

	mu       sync.Mutex
	reported map[string]time.Time
}

// RateLimited matches ratelimit.RejectFunc.
func (d *DenialReporter) RateLimited(r *http.Request, limiter, origin string, res ratelimit.Result) {
	if d == nil || d.Queue == nil {
		return
	}
	window := limiter + "|" + originOrUnknown(origin)
	if d.wasReported(window, res.ResetTime) {
		return
	}
	payload := d.payload(r, DenialRateLimit)
	payload.Limiter = limiter
	payload.Origin = origin
	payload.ResetAt = res.ResetTime.UTC()
	if account := rbac.UserFromContext(r.Context()); account != nil {
		payload.AccountID, _ = strconv.ParseInt(account.ID, 10, 64)
	}
	id := fmt.Sprintf("denied:%s:%s:%d", limiter, originOrUnknown(origin), res.ResetTime.Unix())
	retention := res.ResetTime.Sub(payload.OccurredAt)
	if d.enqueue(r.Context(), payload, asynq.TaskID(id), asynq.Retention(max(retention, time.Second))) {
		d.markReported(window, res.ResetTime)
	}
}

func (d *DenialReporter) wasReported(window string, reset time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen, ok := d.reported[window]
	return ok && seen.Equal(reset)
}

func (d *DenialReporter) markReported(window string, reset time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reported == nil {
		d.reported = make(map[string]time.Time)
	}
	if len(d.reported) >= maxReportedWindows {
		now := d.now()
		for k, t := range d.reported {
			if !t.After(now) {
				delete(d.reported, k)
			}
		}
		if len(d.reported) >= maxReportedWindows {
			clear(d.reported)
		}
	}
	d.reported[window] = reset
}

// PermissionDenied matches rbac.DenyFunc.
func (d *DenialReporter) PermissionDenied(r *http.Request, user *rbac.User, decision rbac.Decision) {
	payload := d.payload(r, DenialPermission)
	payload.Permission = decision.Permission.String()
	payload.Reason = decision.Reason
	payload.Origin = ratelimit.OriginIP(r)
	if user != nil {
		payload.AccountID, _ = strconv.ParseInt(user.ID, 10, 64)
	}
	d.enqueue(r.Context(), payload)
}

func (d *DenialReporter) payload(r *http.Request, kind string) AdmissionDeniedPayload {
	return AdmissionDeniedPayload{
		Kind:       kind,
		Method:     r.Method,
		Path:       r.URL.Path,
		RequestID:  middleware.GetReqID(r.Context()),
		OccurredAt: d.now(),
	}
}

// enqueue reports whether the task is now queued, counting a TaskID conflict
// as queued.
func (d *DenialReporter) enqueue(ctx context.Context, payload AdmissionDeniedPayload, opts ...asynq.Option) bool {
	if d == nil || d.Queue == nil {
		return false
	}
	task, err := NewAdmissionDeniedTask(payload)
	if err != nil {
		d.logger().Error("build denial task", slog.Any("error", err))
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	opts = append(opts, asynq.Queue(QueueDefault), asynq.MaxRetry(5))
	if _, err := d.Queue.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return true
		}
		d.logger().Warn("enqueue denial", slog.String("kind", payload.Kind), slog.Any("error", err))
		return false
	}
	return true
}

func (d *DenialReporter) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *DenialReporter) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
