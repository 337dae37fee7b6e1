package factory

import (
	"context"
	"time"
)

// BatchCompletedEvent is emitted once a batch reaches the Completed status.
type BatchCompletedEvent struct {
	BatchID              string             `json:"batch_id"`
	CompletedBy          string             `json:"completed_by"`
	CompletedAt          time.Time          `json:"completed_at"`
	ProcessedWeight      string             `json:"processed_weight"`
	RemainingWeight      string             `json:"remaining_weight"`
	Sessions             int                `json:"sessions"`
	OutputCount          int                `json:"output_count"`
	OutputTotals         map[string]float64 `json:"output_totals"`
	LeftoverAcknowledged bool               `json:"leftover_acknowledged"`
}

// EventPublisher hands workflow events to downstream collaborators.
type EventPublisher interface {
	PublishBatchCompleted(ctx context.Context, evt BatchCompletedEvent) error
}
