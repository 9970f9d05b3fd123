package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/shopdesk/gate/internal/jobs"
	"github.com/shopdesk/gate/internal/ratelimit"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/shared"
)

type recordingAudit struct {
	logs   []shared.AuditLog
	err    error
	prefix string
	cutoff time.Time
	pruned int64
}

func (r *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if r.err != nil {
		return r.err
	}
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAudit) Prune(ctx context.Context, prefix string, cutoff time.Time) (int64, error) {
	r.prefix, r.cutoff = prefix, cutoff
	return r.pruned, r.err
}

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeQueue struct {
	tasks []enqueued
	seen  map[string]bool
	calls int
	err   error
}

func (q *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if q.seen == nil {
				q.seen = make(map[string]bool)
			}
			if q.seen[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			q.seen[id] = true
		}
	}
	q.tasks = append(q.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{ID: "x"}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestAdmissionAuditJobRecordsRateLimitDenial(t *testing.T) {
	audit := &recordingAudit{}
	job := NewAdmissionAuditJob(audit, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	task, err := NewAdmissionDeniedTask(AdmissionDeniedPayload{
		Kind: DenialRateLimit, Limiter: "auth", Origin: "203.0.113.9",
		Method: http.MethodPost, Path: "/auth/login", OccurredAt: at, ResetAt: at.Add(15 * time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, audit.logs, 1)
	log := audit.logs[0]
	assert.Equal(t, "admission.ratelimit.denied", log.Action)
	assert.Equal(t, "auth", log.Entity)
	assert.Equal(t, "203.0.113.9", log.EntityID)
	assert.Equal(t, at, log.At)
	assert.Equal(t, "/auth/login", log.Meta["path"])
}

func TestAdmissionAuditJobRecordsPermissionDenial(t *testing.T) {
	audit := &recordingAudit{}
	job := NewAdmissionAuditJob(audit, nil, nil)
	task, err := NewAdmissionDeniedTask(AdmissionDeniedPayload{
		Kind: DenialPermission, Permission: "refund:create:all", AccountID: 42,
		Reason: "no role grants refund:create:all", Method: http.MethodPost, Path: "/api/refund",
	})
	require.NoError(t, err)

	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, audit.logs, 1)
	assert.Equal(t, "admission.permission.denied", audit.logs[0].Action)
	assert.Equal(t, "refund:create:all", audit.logs[0].Entity)
	assert.Equal(t, "42", audit.logs[0].EntityID)
	assert.Equal(t, int64(42), audit.logs[0].ActorID)
}

func TestAdmissionAuditJobRejectsBadPayloads(t *testing.T) {
	job := NewAdmissionAuditJob(&recordingAudit{}, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAdmissionDenied, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := NewAdmissionDeniedTask(AdmissionDeniedPayload{Kind: "bogus"})
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	task, _ = NewAdmissionDeniedTask(AdmissionDeniedPayload{Kind: DenialRateLimit})
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestAdmissionAuditJobRetriesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	job := NewAdmissionAuditJob(&recordingAudit{err: boom}, nil, nil)
	task, _ := NewAdmissionDeniedTask(AdmissionDeniedPayload{Kind: DenialRateLimit, Limiter: "api"})

	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditPruneJob(t *testing.T) {
	audit := &recordingAudit{pruned: 5}
	job := NewAuditPruneJob(audit, nil, nil)
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return now }

	task, err := NewAuditPruneTask(30)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, "admission.", audit.prefix)
	assert.Equal(t, now.AddDate(0, 0, -30), audit.cutoff)

	task, _ = NewAuditPruneTask(0)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, now.AddDate(0, 0, -defaultRetentionDays), audit.cutoff)
}

func TestDenialReporterDeduplicatesRateLimitWindow(t *testing.T) {
	q := &fakeQueue{}
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	reporter := &DenialReporter{Queue: q, Now: func() time.Time { return now }}
	res := ratelimit.Result{ResetTime: now.Add(10 * time.Minute)}

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	reporter.RateLimited(req, "auth", "203.0.113.9", res)
	reporter.RateLimited(req, "auth", "203.0.113.9", res)
	reporter.RateLimited(req, "auth", "203.0.113.10", res)

	require.Len(t, q.tasks, 2)
	assert.Equal(t, 2, q.calls)

	// another gate instance sharing the queue hits the TaskID
	other := &DenialReporter{Queue: q, Now: func() time.Time { return now }}
	other.RateLimited(req, "auth", "203.0.113.9", res)
	other.RateLimited(req, "auth", "203.0.113.9", res)
	assert.Len(t, q.tasks, 2)
	assert.Equal(t, 3, q.calls)

	first := q.tasks[0]
	assert.Equal(t, TaskAdmissionDenied, first.task.Type())
	assert.Equal(t, "denied:auth:203.0.113.9:"+itoa(res.ResetTime.Unix()), optionValue(first.opts, asynq.TaskIDOpt))
	assert.Equal(t, 10*time.Minute, optionValue(first.opts, asynq.RetentionOpt))
	assert.Equal(t, QueueDefault, optionValue(first.opts, asynq.QueueOpt))

	var payload AdmissionDeniedPayload
	require.NoError(t, json.Unmarshal(first.task.Payload(), &payload))
	assert.Equal(t, DenialRateLimit, payload.Kind)
	assert.Equal(t, "auth", payload.Limiter)
	assert.Equal(t, "/auth/login", payload.Path)
	assert.Equal(t, now, payload.OccurredAt)
}

func TestDenialReporterSkipsQueueForReportedWindow(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis down")}
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	reporter := &DenialReporter{Queue: q, Now: func() time.Time { return now }, Logger: nopLogger()}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	window1 := ratelimit.Result{ResetTime: now.Add(time.Minute)}

	// failed enqueues are retried by the next rejection
	reporter.RateLimited(req, "auth", "203.0.113.9", window1)
	q.err = nil
	reporter.RateLimited(req, "auth", "203.0.113.9", window1)
	require.Len(t, q.tasks, 1)

	for i := 0; i < 50; i++ {
		reporter.RateLimited(req, "auth", "203.0.113.9", window1)
	}
	assert.Equal(t, 2, q.calls)

	window2 := ratelimit.Result{ResetTime: now.Add(2 * time.Minute)}
	reporter.RateLimited(req, "auth", "203.0.113.9", window2)
	reporter.RateLimited(req, "api", "203.0.113.9", window2)
	assert.Len(t, q.tasks, 3)
	assert.Equal(t, 4, q.calls)
}

func TestDenialReporterBoundsReportedWindows(t *testing.T) {
	q := &fakeQueue{}
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	reporter := &DenialReporter{Queue: q, Now: func() time.Time { return now }}
	req := httptest.NewRequest(http.MethodGet, "/api/product", nil)

	expired := ratelimit.Result{ResetTime: now.Add(-time.Second)}
	for i := 0; i < maxReportedWindows; i++ {
		reporter.RateLimited(req, "api", "10.0.0."+itoa(int64(i)), expired)
	}
	require.Len(t, reporter.reported, maxReportedWindows)

	reporter.RateLimited(req, "api", "10.9.9.9", ratelimit.Result{ResetTime: now.Add(time.Minute)})
	assert.Len(t, reporter.reported, 1)
}

func TestDenialReporterPermissionDenied(t *testing.T) {
	q := &fakeQueue{}
	reporter := &DenialReporter{Queue: q}
	req := httptest.NewRequest(http.MethodDelete, "/api/coupon/9", nil)
	req.RemoteAddr = "198.51.100.4:4000"

	reporter.PermissionDenied(req, &rbac.User{ID: "17"}, rbac.Decision{
		Permission: rbac.Permission{Resource: "coupon", Action: rbac.ActionDelete, Scope: rbac.ScopeAll},
		Reason:     "no role grants coupon:delete:all",
	})
	require.Len(t, q.tasks, 1)
	var payload AdmissionDeniedPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].task.Payload(), &payload))
	assert.Equal(t, DenialPermission, payload.Kind)
	assert.Equal(t, "coupon:delete:all", payload.Permission)
	assert.Equal(t, int64(17), payload.AccountID)
	assert.Equal(t, "198.51.100.4", payload.Origin)
	assert.Nil(t, optionValue(q.tasks[0].opts, asynq.TaskIDOpt))
}

func TestDenialReporterWithoutQueueIsNoop(t *testing.T) {
	var reporter *DenialReporter
	reporter.enqueue(context.Background(), AdmissionDeniedPayload{})
	(&DenialReporter{}).PermissionDenied(httptest.NewRequest(http.MethodGet, "/", nil), nil, rbac.Decision{})
}

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name      string
		inspector QueueInspector
		code      int
		pending   int
	}{
		{"no inspector", nil, http.StatusOK, 0},
		{"queue info", stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3}}, http.StatusOK, 3},
		{"redis down", stubInspector{err: errors.New("dial tcp")}, http.StatusServiceUnavailable, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHandler(tc.inspector, nopLogger()).MountRoutes(r)
			res := httptest.NewRecorder()
			r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/health", nil))
			require.Equal(t, tc.code, res.Code)
			if tc.code == http.StatusOK {
				var body queueHealth
				require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
				assert.Equal(t, tc.pending, body.Pending)
			}
		})
	}
}

func TestNewWorkerRequiresHandlers(t *testing.T) {
	_, err := NewWorker(WorkerConfig{RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"}})
	require.Error(t, err)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
