package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/agritrace/agritrace/internal/factory"
	jobmetrics "github.com/agritrace/agritrace/internal/jobs"
	"github.com/agritrace/agritrace/internal/shared"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// BatchCompletedJob consumes completion events and records the hand-off.
type BatchCompletedJob struct {
	Audit   AuditRecorder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBatchCompletedJob initialises the completion handler.
func NewBatchCompletedJob(audit AuditRecorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *BatchCompletedJob {
	return &BatchCompletedJob{Audit: audit, Logger: logger, Metrics: metrics}
}

// Handle processes TaskFactoryBatchCompleted tasks.
func (j *BatchCompletedJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil {
		return errors.New("batch completed: handler not configured")
	}
	var evt factory.BatchCompletedEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil || evt.BatchID == "" {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskFactoryBatchCompleted)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.String("batch_id", evt.BatchID))
	logger.Info("batch completed",
		slog.String("completed_by", evt.CompletedBy),
		slog.Time("completed_at", evt.CompletedAt),
		slog.String("processed_weight", evt.ProcessedWeight),
		slog.String("remaining_weight", evt.RemainingWeight),
		slog.Int("sessions", evt.Sessions),
		slog.Int("outputs", evt.OutputCount),
		slog.Bool("leftover_acknowledged", evt.LeftoverAcknowledged))

	if j.Audit == nil {
		return nil
	}
	meta := map[string]any{
		"processed_weight": evt.ProcessedWeight,
		"remaining_weight": evt.RemainingWeight,
		"sessions":         evt.Sessions,
		"output_totals":    evt.OutputTotals,
	}
	if err := j.Audit.Record(ctx, shared.AuditLog{
		ActorID:  evt.CompletedBy,
		Action:   "factory.batch.handoff",
		Entity:   "factory_batch",
		EntityID: evt.BatchID,
		Meta:     meta,
		At:       evt.CompletedAt,
	}); err != nil {
		logger.Error("record hand-off audit", slog.Any("error", err))
		return err
	}
	return nil
}

func (j *BatchCompletedJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
