package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shopdesk/gate/internal/shared"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// WindowParams selects a page of admission audit rows. Unset filters match all.
type WindowParams struct {
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Action     pgtype.Text
	Entity     pgtype.Text
	EntityID   pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// PGRepository reads admission rows from audit_logs.
type PGRepository struct {
	db Querier
}

// NewRepository constructs a PGRepository.
func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

const timelineWindowSQL = `SELECT occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs
WHERE action LIKE $1 || '%'
  AND ($2::timestamptz IS NULL OR occurred_at >= $2)
  AND ($3::timestamptz IS NULL OR occurred_at < $3)
  AND ($4::text IS NULL OR action = $4)
  AND ($5::text IS NULL OR entity = $5)
  AND ($6::text IS NULL OR entity_id = $6)
ORDER BY occurred_at DESC, id DESC
OFFSET $7 LIMIT $8`

// Window returns rows newest first.
func (r *PGRepository) Window(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.db.Query(ctx, timelineWindowSQL,
		shared.AdmissionActionPrefix, arg.FromAt, arg.ToAt, arg.Action, arg.Entity, arg.EntityID,
		arg.OffsetRows, arg.LimitRows,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query timeline: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanTimelineRow)
	if err != nil {
		return nil, fmt.Errorf("audit: scan timeline: %w", err)
	}
	return out, nil
}

func scanTimelineRow(row pgx.CollectableRow) (TimelineRow, error) {
	var (
		out  TimelineRow
		at   pgtype.Timestamptz
		meta []byte
	)
	if err := row.Scan(&at, &out.ActorID, &out.Action, &out.Entity, &out.EntityID, &meta); err != nil {
		return TimelineRow{}, err
	}
	if at.Valid {
		out.At = at.Time
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &out.Meta); err != nil {
			return TimelineRow{}, err
		}
	}
	return out, nil
}
