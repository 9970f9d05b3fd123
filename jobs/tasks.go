package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAdmissionDenied records a refused request in the audit log.
	TaskAdmissionDenied = "admission:denied"
	// TaskAuditPrune deletes admission audit rows past retention.
	TaskAuditPrune = "audit:prune"
)

// Denial kinds.
const (
	DenialRateLimit  = "ratelimit"
	DenialPermission = "permission"
)

// AdmissionDeniedPayload describes one refused request.
type AdmissionDeniedPayload struct {
	Kind       string    `json:"kind"`
	Limiter    string    `json:"limiter,omitempty"`
	Permission string    `json:"permission,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Origin     string    `json:"origin"`
	AccountID  int64     `json:"account_id,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	RequestID  string    `json:"request_id,omitempty"`
	ResetAt    time.Time `json:"reset_at,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewAdmissionDeniedTask constructs an Asynq task.
func NewAdmissionDeniedTask(payload AdmissionDeniedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAdmissionDenied, data), nil
}

// AuditPrunePayload carries the retention window.
type AuditPrunePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewAuditPruneTask constructs an Asynq task.
func NewAuditPruneTask(retentionDays int) (*asynq.Task, error) {
	data, err := json.Marshal(AuditPrunePayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, data), nil
}
