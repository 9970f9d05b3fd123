package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/shopdesk/gate/internal/jobs"
	"github.com/shopdesk/gate/internal/shared"
)

const defaultRetentionDays = 90

// AuditPruner deletes audit rows by action prefix.
type AuditPruner interface {
	Prune(ctx context.Context, actionPrefix string, cutoff time.Time) (int64, error)
}

// AuditPruneJob applies retention to admission audit rows.
type AuditPruneJob struct {
	Audit   AuditPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAuditPruneJob initialises the retention handler.
func NewAuditPruneJob(audit AuditPruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPruneJob {
	return &AuditPruneJob{
		Audit:   audit,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskAuditPrune tasks.
func (j *AuditPruneJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Audit == nil {
		return errors.New("audit prune: handler not configured")
	}
	var payload AuditPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("audit prune: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RetentionDays <= 0 {
		payload.RetentionDays = defaultRetentionDays
	}

	tracker := j.Metrics.Track(TaskAuditPrune)
	defer func() {
		err = tracker.End(err)
	}()

	cutoff := j.clock().AddDate(0, 0, -payload.RetentionDays)
	deleted, err := j.Audit.Prune(ctx, shared.AdmissionActionPrefix, cutoff)
	if err != nil {
		return fmt.Errorf("audit prune: %w", err)
	}
	j.Metrics.AddPruned(deleted)
	j.logger().Info("pruned admission audit rows",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

func (j *AuditPruneJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
