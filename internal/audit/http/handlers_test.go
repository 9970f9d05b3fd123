package audithttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopdesk/gate/internal/audit"
	"github.com/shopdesk/gate/internal/rbac"
	"github.com/shopdesk/gate/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	lastFilters audit.TimelineFilters
	calls       int
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	s.calls++
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	s.calls++
	return s.exportRows, nil
}

func newAuditRouter(t *testing.T, service *stubTimelineService, roleName string) http.Handler {
	t.Helper()
	reg, err := rbac.NewRegistry([]rbac.Role{
		{Name: "auditor", Permissions: []rbac.Permission{{Resource: shared.ResourceAudit, Action: rbac.ActionRead, Scope: rbac.ScopeAll}}},
		{Name: "catalog_viewer", Permissions: []rbac.Permission{{Resource: "product", Action: rbac.ActionRead, Scope: rbac.ScopeAll}}},
	})
	require.NoError(t, err)
	handler := NewHandler(nil, service, rbac.Middleware{Evaluator: rbac.NewEvaluator(reg, rbac.Options{})})
	handler.now = func() time.Time { return time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC) }

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			roles, _ := reg.Resolve([]string{roleName})
			user := &rbac.User{ID: "42", Roles: roles}
			next.ServeHTTP(w, req.WithContext(rbac.ContextWithUser(req.Context(), user)))
		})
	})
	handler.MountRoutes(r)
	return r
}

func TestTimelineRequiresPermission(t *testing.T) {
	service := &stubTimelineService{}
	router := newAuditRouter(t, service, "catalog_viewer")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Zero(t, service.calls)
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	rows := []audit.TimelineRow{{At: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), Action: shared.ActionRateLimitDenied, Entity: "api", EntityID: "10.0.0.1"}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}}
	router := newAuditRouter(t, service, "auditor")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"entity_id":"10.0.0.1"`)

	f := service.lastFilters
	assert.Equal(t, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), f.To)
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 20, f.PageSize)
}

func TestTimelineFilters(t *testing.T) {
	service := &stubTimelineService{}
	router := newAuditRouter(t, service, "auditor")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit?from=2026-03-01&to=2026-03-02&kind=permission&entity=order:update:all&entity_id=7&page=2&page_size=200", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	f := service.lastFilters
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.From)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), f.To)
	assert.Equal(t, audit.KindPermission, f.Kind)
	assert.Equal(t, "order:update:all", f.Entity)
	assert.Equal(t, "7", f.EntityID)
	assert.Equal(t, 2, f.Page)
	assert.Equal(t, maxPageSize, f.PageSize)
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	cases := map[string]string{
		"bad date":     "/audit?from=03-01-2026",
		"inverted":     "/audit?from=2026-03-10&to=2026-03-01",
		"too wide":     "/audit?from=2025-01-01&to=2026-03-01",
		"bad page":     "/audit?page=0",
		"bad size":     "/audit?page_size=abc",
		"unknown kind": "/audit?kind=login",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			service := &stubTimelineService{}
			router := newAuditRouter(t, service, "auditor")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			assert.Zero(t, service.calls)
		})
	}
}

func TestExportWritesCSV(t *testing.T) {
	service := &stubTimelineService{exportRows: []audit.TimelineRow{{
		At:       time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Action:   shared.ActionRateLimitDenied,
		Entity:   "upload",
		EntityID: "10.0.0.9",
		Meta:     map[string]any{"method": "POST", "path": "/uploads", "origin": "10.0.0.9"},
	}}}
	router := newAuditRouter(t, service, "auditor")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/export.csv?kind=ratelimit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "admission-denials.csv")
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "2026-03-14T10:00:00Z,admission.ratelimit.denied,upload,10.0.0.9"))
	assert.Equal(t, audit.KindRateLimit, service.lastFilters.Kind)
}

func TestExportIsThrottledPerAccount(t *testing.T) {
	service := &stubTimelineService{}
	router := newAuditRouter(t, service, "auditor")

	for i := 0; i < exportLimit; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/audit/export.csv", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, exportLimit, service.calls)
}
