package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Admission audit actions.
const (
	AdmissionActionPrefix  = "admission."
	ActionRateLimitDenied  = "admission.ratelimit.denied"
	ActionPermissionDenied = "admission.permission.denied"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry. A zero At is stored as NOW().
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.ActorID, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

// Prune deletes records whose action starts with actionPrefix and that occurred
// before cutoff. It returns the number of deleted rows.
func (l *AuditLogger) Prune(ctx context.Context, actionPrefix string, cutoff time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("audit logger not initialised")
	}
	if actionPrefix == "" {
		return 0, errors.New("audit prune requires an action prefix")
	}
	tag, err := l.db.Exec(ctx, `DELETE FROM audit_logs WHERE action LIKE $1 || '%' AND occurred_at < $2`, actionPrefix, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
