package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/shopdesk/gate/internal/jobs"
	"github.com/shopdesk/gate/internal/shared"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AdmissionAuditJob writes admission denials into audit_logs.
type AdmissionAuditJob struct {
	Audit   AuditRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAdmissionAuditJob initialises the denial audit handler.
func NewAdmissionAuditJob(audit AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AdmissionAuditJob {
	return &AdmissionAuditJob{Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle processes TaskAdmissionDenied tasks.
func (j *AdmissionAuditJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Audit == nil {
		return errors.New("admission audit: handler not configured")
	}
	var payload AdmissionDeniedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("admission audit: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	entry, err := auditEntry(payload)
	if err != nil {
		return fmt.Errorf("admission audit: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskAdmissionDenied)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(
		slog.String("kind", payload.Kind),
		slog.String("origin", payload.Origin),
		slog.String("path", payload.Path),
	)
	if err = j.Audit.Record(ctx, entry); err != nil {
		logger.Error("record admission denial", slog.Any("error", err))
		return err
	}
	j.Metrics.AddAudited(payload.Kind)
	logger.Warn("admission denied", slog.String("entity", entry.Entity), slog.String("entity_id", entry.EntityID))
	return nil
}

func auditEntry(p AdmissionDeniedPayload) (shared.AuditLog, error) {
	meta := map[string]any{
		"method": p.Method,
		"path":   p.Path,
		"origin": p.Origin,
	}
	if p.RequestID != "" {
		meta["request_id"] = p.RequestID
	}
	if p.Reason != "" {
		meta["reason"] = p.Reason
	}

	entry := shared.AuditLog{ActorID: p.AccountID, Meta: meta, At: p.OccurredAt}
	switch p.Kind {
	case DenialRateLimit:
		if p.Limiter == "" {
			return shared.AuditLog{}, errors.New("rate limit denial without limiter")
		}
		entry.Action = shared.ActionRateLimitDenied
		entry.Entity = p.Limiter
		entry.EntityID = originOrUnknown(p.Origin)
		if !p.ResetAt.IsZero() {
			meta["reset_at"] = p.ResetAt
		}
	case DenialPermission:
		if p.Permission == "" {
			return shared.AuditLog{}, errors.New("permission denial without permission")
		}
		entry.Action = shared.ActionPermissionDenied
		entry.Entity = p.Permission
		entry.EntityID = strconv.FormatInt(p.AccountID, 10)
	default:
		return shared.AuditLog{}, fmt.Errorf("unknown denial kind %q", p.Kind)
	}
	return entry, nil
}

func originOrUnknown(origin string) string {
	if origin == "" {
		return "unknown"
	}
	return origin
}

func (j *AdmissionAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
