package factory

import (
	"context"

	"github.com/shopspring/decimal"
)

// Overview is the batch landing view: ledger figures and stage availability.
type Overview struct {
	Batch               Batch               `json:"batch"`
	State               WorkflowState       `json:"state"`
	OriginalWeight      decimal.Decimal     `json:"original_weight"`
	ProcessedWeight     decimal.Decimal     `json:"processed_weight"`
	RemainingBalance    decimal.Decimal     `json:"remaining_balance"`
	ProgressPercent     float64             `json:"progress_percent"`
	WeightHistory       []WeightEntry       `json:"weight_history"`
	Stages              []StageAvailability `json:"stages"`
	StepCount           int                 `json:"step_count"`
	IncompleteSteps     int                 `json:"incomplete_steps"`
	OutputCount         int                 `json:"output_count"`
	ArchivedSessions    int                 `json:"archived_sessions"`
	CanProcessRemaining bool                `json:"can_process_remaining"`
	CanResumeSession    bool                `json:"can_resume_session"`
	IsReadOnly          bool                `json:"is_read_only"`
	Version             int64               `json:"version"`
}

// IsReadOnly reports whether actor may only view the workflow.
func IsReadOnly(wf Workflow, actor Actor) bool {
	return wf.State.Status == StatusCompleted || !actor.CanWrite
}

// SessionInProgress reports whether the batch holds unarchived session work:
// a stage past inspection, steps, outputs or an allocation made since the last
// archived session.
func SessionInProgress(wf Workflow) bool {
	if wf.State.Status != StatusProcessing {
		return false
	}
	if wf.State.CurrentStage > StageQualityInspection || len(wf.Steps) > 0 || len(wf.Outputs) > 0 {
		return true
	}
	archived := 0
	if n := len(wf.Sessions); n > 0 {
		archived = len(wf.Sessions[n-1].WeightHistory)
	}
	return len(wf.WeightHistory) > archived
}

// BuildOverview derives the overview for actor.
func BuildOverview(wf Workflow, actor Actor) Overview {
	ledger := wf.Ledger()
	readOnly := IsReadOnly(wf, actor)
	remaining := ledger.AvailableForProcessing()
	return Overview{
		Batch:               wf.Batch,
		State:               wf.State,
		OriginalWeight:      ledger.OriginalWeight(),
		ProcessedWeight:     ledger.ProcessedWeight(),
		RemainingBalance:    remaining,
		ProgressPercent:     ledger.ProgressPercent(),
		WeightHistory:       ledger.History(),
		Stages:              Availability(wf),
		StepCount:           len(wf.Steps),
		IncompleteSteps:     countIncomplete(wf.Steps),
		OutputCount:         len(wf.Outputs),
		ArchivedSessions:    len(wf.Sessions),
		CanProcessRemaining: !readOnly && remaining.IsPositive(),
		CanResumeSession:    !readOnly && SessionInProgress(wf),
		IsReadOnly:          readOnly,
		Version:             wf.Version,
	}
}

// Overview loads the batch and builds its overview.
func (s *Service) Overview(ctx context.Context, actor Actor, batchID string) (Overview, error) {
	wf, err := s.read(ctx, actor, batchID)
	if err != nil {
		return Overview{}, err
	}
	return BuildOverview(wf, actor), nil
}

// Snapshot is the finalized, read-only view consumed by report compilers.
type Snapshot struct {
	Batch           Batch            `json:"batch"`
	State           WorkflowState    `json:"state"`
	IsReadOnly      bool             `json:"is_read_only"`
	ProcessedWeight decimal.Decimal  `json:"processed_weight"`
	RemainingWeight decimal.Decimal  `json:"remaining_weight"`
	WeightHistory   []WeightEntry    `json:"weight_history"`
	Steps           []ProcessingStep `json:"steps"`
	Outputs         []OutputRecord   `json:"outputs"`
	Sessions        []SessionSummary `json:"sessions"`
}

// BuildSnapshot gathers every step and output, archived sessions first.
func BuildSnapshot(wf Workflow, actor Actor) Snapshot {
	ledger := wf.Ledger()
	var steps []ProcessingStep
	var outputs []OutputRecord
	for _, session := range wf.Sessions {
		steps = append(steps, session.Steps...)
		outputs = append(outputs, session.Outputs...)
	}
	steps = append(steps, wf.Steps...)
	outputs = append(outputs, wf.Outputs...)
	return Snapshot{
		Batch:           wf.Batch,
		State:           wf.State,
		IsReadOnly:      IsReadOnly(wf, actor),
		ProcessedWeight: ledger.ProcessedWeight(),
		RemainingWeight: ledger.AvailableForProcessing(),
		WeightHistory:   ledger.History(),
		Steps:           steps,
		Outputs:         outputs,
		Sessions:        wf.Sessions,
	}
}

// Snapshot returns the finalized view. Editable batches are only exposed to read-only callers.
func (s *Service) Snapshot(ctx context.Context, actor Actor, batchID string) (Snapshot, error) {
	wf, err := s.read(ctx, actor, batchID)
	if err != nil {
		return Snapshot{}, err
	}
	if !IsReadOnly(wf, actor) {
		return Snapshot{}, ErrNotFinalized
	}
	return BuildSnapshot(wf, actor), nil
}
