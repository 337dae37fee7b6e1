package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/agritrace/agritrace/internal/factory"
	jobmetrics "github.com/agritrace/agritrace/internal/jobs"
)

// LotAuditJob reports lot numbers shared by more than one output record. Such
// duplicates appear when the generator fell back to its timestamp sequence.
type LotAuditJob struct {
	Source         factory.OutputEnumerator
	FactoryMetrics *factory.Metrics
	Metrics        *jobmetrics.Metrics
	Logger         *slog.Logger
}

// NewLotAuditJob initialises the lot audit handler.
func NewLotAuditJob(source factory.OutputEnumerator, factoryMetrics *factory.Metrics, metrics *jobmetrics.Metrics, logger *slog.Logger) *LotAuditJob {
	return &LotAuditJob{Source: source, FactoryMetrics: factoryMetrics, Metrics: metrics, Logger: logger}
}

// Handle processes TaskFactoryLotAudit tasks.
func (j *LotAuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LotAuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.Year)
	return err
}

// Run scans every output record once and returns the collisions it found.
func (j *LotAuditJob) Run(ctx context.Context, year int) (_ []factory.LotCollision, err error) {
	if j == nil || j.Source == nil {
		return nil, errors.New("lot audit: source not configured")
	}
	tracker := j.Metrics.Track(TaskFactoryLotAudit)
	defer func() { err = tracker.End(err) }()

	logger := j.logger()
	records, err := j.Source.EnumerateAllOutputRecords(ctx)
	if err != nil {
		logger.Error("lot audit enumerate", slog.Any("error", err))
		return nil, fmt.Errorf("lot audit: %w", err)
	}
	collisions := factory.FindLotCollisions(filterYear(records, year))
	for _, c := range collisions {
		logger.Warn("duplicate lot number",
			slog.String("lot_number", c.LotNumber),
			slog.Int("count", c.Count),
			slog.String("batch_ids", strings.Join(c.BatchIDs, ",")))
	}
	j.FactoryMetrics.SetDuplicateLots(len(collisions))
	j.Metrics.AddFindings(TaskFactoryLotAudit, "duplicate_lot", len(collisions))
	logger.Info("lot audit finished", slog.Int("records", len(records)), slog.Int("duplicates", len(collisions)))
	return collisions, nil
}

func filterYear(records []factory.OutputRecord, year int) []factory.OutputRecord {
	if year <= 0 {
		return records
	}
	filtered := make([]factory.OutputRecord, 0, len(records))
	for _, rec := range records {
		if _, y, ok := factory.ParseLotNumber(rec.BatchLotNumber); ok && y == year {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func (j *LotAuditJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
