// Package audit serves the admission denial timeline recorded by the worker.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shopdesk/gate/internal/shared"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	// MaxExportRows caps a single CSV export.
	MaxExportRows = 10000
)

// ErrUnknownKind reports a kind filter other than ratelimit or permission.
var ErrUnknownKind = errors.New("audit: unknown denial kind")

// Repository menyediakan akses ke query timeline.
type Repository interface {
	Window(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline mengambil data audit dengan paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params, err := windowParams(filters)
	if err != nil {
		return Result{}, err
	}
	params.OffsetRows = int32((page - 1) * pageSize)
	params.LimitRows = int32(pageSize + 1)

	rows, err := s.repo.Window(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	if rows == nil {
		rows = []TimelineRow{}
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export mengambil seluruh data timeline tanpa paging, dibatasi MaxExportRows.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	params, err := windowParams(filters)
	if err != nil {
		return nil, err
	}
	params.LimitRows = MaxExportRows
	return s.repo.Window(ctx, params)
}

func windowParams(filters TimelineFilters) (WindowParams, error) {
	params := WindowParams{
		FromAt:   toPgTime(filters.From),
		ToAt:     toPgTime(filters.To),
		Entity:   optionalText(filters.Entity),
		EntityID: optionalText(filters.EntityID),
	}
	switch strings.TrimSpace(filters.Kind) {
	case "":
	case KindRateLimit:
		params.Action = optionalText(shared.ActionRateLimitDenied)
	case KindPermission:
		params.Action = optionalText(shared.ActionPermissionDenied)
	default:
		return WindowParams{}, fmt.Errorf("%w: %q", ErrUnknownKind, filters.Kind)
	}
	return params, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
