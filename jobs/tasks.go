package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/agritrace/agritrace/internal/factory"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskFactoryBatchCompleted hands a completed batch to downstream collaborators.
	TaskFactoryBatchCompleted = "factory:batch_completed"
	// TaskFactoryLotAudit scans every output record for duplicate lot numbers.
	TaskFactoryLotAudit = "factory:lot_audit"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// LotAuditPayload narrows a lot audit to lot numbers of one year. Zero scans all years.
type LotAuditPayload struct {
	Year int `json:"year,omitempty"`
}

// IdempotencyCleanupPayload configures the key retention window.
type IdempotencyCleanupPayload struct {
	RetentionSeconds int64 `json:"retention_seconds"`
}

// NewBatchCompletedTask constructs the completion hand-off task.
func NewBatchCompletedTask(evt factory.BatchCompletedEvent) (*asynq.Task, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFactoryBatchCompleted, data), nil
}

// NewLotAuditTask constructs a lot audit task.
func NewLotAuditTask(year int) (*asynq.Task, error) {
	data, err := json.Marshal(LotAuditPayload{Year: year})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFactoryLotAudit, data), nil
}

// NewIdempotencyCleanupTask constructs a cleanup task removing keys older than retention.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionSeconds: int64(retention / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
