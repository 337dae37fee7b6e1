package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agritrace/agritrace/internal/shared"
)

const allocationIdempotencyModule = "factory.allocation"

// Store is the authoritative persistence collaborator for batch workflows.
type Store interface {
	ReadBatch(ctx context.Context, id string) (Workflow, error)
	WriteBatchFields(ctx context.Context, id string, patch BatchPatch) (int64, error)
	EnumerateAllOutputRecords(ctx context.Context) ([]OutputRecord, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort records processed request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Lots        LotIssuer
	Idempotency IdempotencyPort
	Audit       AuditPort
	Events      EventPublisher
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Service is the single entry point for batch workflow operations. It holds no
// per-batch state: every call reads the aggregate, applies one change and
// writes a partial patch back.
type Service struct {
	store   Store
	lots    LotIssuer
	idem    IdempotencyPort
	audit   AuditPort
	events  EventPublisher
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service. A LotGenerator over the store is used when no issuer is supplied.
func NewService(store Store, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		lots:    cfg.Lots,
		idem:    cfg.Idempotency,
		audit:   cfg.Audit,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     time.Now,
	}
	if s.lots == nil {
		gen := NewLotGenerator(store, logger)
		gen.WithMetrics(cfg.Metrics)
		s.lots = gen
	}
	return s
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
		if gen, ok := s.lots.(*LotGenerator); ok {
			gen.WithNow(now)
		}
	}
}

// Load returns the composite batch aggregate.
func (s *Service) Load(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	return s.read(ctx, actor, batchID)
}

// EnterProcessing switches from the overview into the staged flow, resuming
// at the saved stage when one exists. A session already in progress can be
// resumed even when its allocation used up the whole balance.
func (s *Service) EnterProcessing(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.readForWrite(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if !wf.Ledger().AvailableForProcessing().IsPositive() && !SessionInProgress(wf) {
		return Workflow{}, ErrNothingToProcess
	}
	stage := wf.State.CurrentStage
	if stage == StageOverview {
		stage = StageQualityInspection
	}
	mode := true
	status := StatusProcessing
	patch := BatchPatch{CurrentStage: &stage, ProcessingMode: &mode, Status: &status}
	if err := s.write(ctx, &wf, patch, "enter processing"); err != nil {
		return Workflow{}, err
	}
	wf.State = WorkflowState{CurrentStage: stage, ProcessingMode: true, Status: StatusProcessing}
	return wf, nil
}

// Advance merges the supplied current-stage data and moves to the next stage
// when its entry requirements hold. Nothing is persisted on rejection.
func (s *Service) Advance(ctx context.Context, actor Actor, batchID string, data *StageData) (Workflow, error) {
	wf, err := s.readStaged(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	current := wf.State.CurrentStage
	if current >= StageSummary {
		return Workflow{}, fmt.Errorf("%w: summary is the final stage", ErrWrongStage)
	}
	patch := BatchPatch{}
	if data != nil {
		if patch, err = stagePatch(current, *data); err != nil {
			return Workflow{}, err
		}
		applyPatch(&wf, patch)
	}
	next := current + 1
	if err := s.gate(CheckEntry(wf, next)); err != nil {
		return Workflow{}, err
	}
	patch.CurrentStage = &next
	if err := s.write(ctx, &wf, patch, "advance"); err != nil {
		return Workflow{}, err
	}
	wf.State.CurrentStage = next
	return wf, nil
}

// Navigate jumps to target. Backward moves are always allowed; forward moves
// require every intermediate stage requirement.
func (s *Service) Navigate(ctx context.Context, actor Actor, batchID string, target Stage) (Workflow, error) {
	if target == StageOverview {
		return s.BackToOverview(ctx, actor, batchID)
	}
	if !target.Valid() {
		return Workflow{}, ErrInvalidStage
	}
	wf, err := s.readStaged(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if target == wf.State.CurrentStage {
		return wf, nil
	}
	if err := s.gate(CheckMove(wf, target)); err != nil {
		return Workflow{}, err
	}
	if err := s.write(ctx, &wf, BatchPatch{CurrentStage: &target}, "navigate"); err != nil {
		return Workflow{}, err
	}
	wf.State.CurrentStage = target
	return wf, nil
}

// BackToOverview leaves the staged flow, keeping the current stage for resume.
func (s *Service) BackToOverview(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.readForWrite(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if !wf.State.ProcessingMode {
		return wf, nil
	}
	mode := false
	stage := wf.State.CurrentStage
	if err := s.write(ctx, &wf, BatchPatch{ProcessingMode: &mode, CurrentStage: &stage}, "back to overview"); err != nil {
		return Workflow{}, err
	}
	wf.State.ProcessingMode = false
	return wf, nil
}

// SaveDraft persists the fields of the current stage only.
func (s *Service) SaveDraft(ctx context.Context, actor Actor, batchID string, data StageData) (Workflow, error) {
	wf, err := s.readStaged(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	patch, err := stagePatch(wf.State.CurrentStage, data)
	if err != nil {
		return Workflow{}, err
	}
	if err := s.write(ctx, &wf, patch, "save draft"); err != nil {
		return Workflow{}, err
	}
	applyPatch(&wf, patch)
	return wf, nil
}

// AllocateWeight commits a new processing session against the remaining balance.
// A non-empty idempotency key is stored with the entry: a retry whose first
// attempt reached the store returns the committed entry instead of allocating twice.
func (s *Service) AllocateWeight(ctx context.Context, actor Actor, batchID string, weight decimal.Decimal, idemKey string) (WeightEntry, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageProcessing)
	if err != nil {
		return WeightEntry{}, err
	}
	if prior, ok := committedByKey(wf.WeightHistory, idemKey); ok {
		if !prior.Weight.Equal(weight) {
			return WeightEntry{}, ErrDuplicateRequest
		}
		s.logger.Info("allocation replayed", slog.String("batch_id", batchID), slog.Int("session_number", prior.SessionNumber))
		return prior, nil
	}
	ledger := wf.Ledger()
	entry, err := ledger.Commit(weight, s.now(), actor.ID)
	if err != nil {
		return WeightEntry{}, err
	}
	entry.RequestKey = idemKey
	if idemKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idemKey, allocationIdempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return WeightEntry{}, ErrDuplicateRequest
			}
			return WeightEntry{}, &PersistError{Op: "allocation idempotency", Err: err}
		}
	}
	if err := s.write(ctx, &wf, BatchPatch{AppendWeight: &entry}, "allocate weight"); err != nil {
		if idemKey != "" && s.idem != nil {
			if derr := s.idem.Delete(ctx, idemKey); derr != nil {
				s.logger.Warn("release idempotency key", slog.String("batch_id", batchID), slog.Any("error", derr))
			}
		}
		return WeightEntry{}, err
	}
	s.metrics.Allocated(weight)
	s.record(ctx, actor, "factory.allocation.committed", batchID, map[string]any{
		"session_number": entry.SessionNumber,
		"weight":         entry.Weight.String(),
		"remaining":      ledger.RemainingBalance().String(),
	})
	return entry, nil
}

func committedByKey(history []WeightEntry, key string) (WeightEntry, bool) {
	if key == "" {
		return WeightEntry{}, false
	}
	for _, entry := range history {
		if entry.RequestKey == key {
			return entry, true
		}
	}
	return WeightEntry{}, false
}

// AddStep appends a Pending processing step tagged with the latest session.
func (s *Service) AddStep(ctx context.Context, actor Actor, batchID string) (ProcessingStep, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageProcessing)
	if err != nil {
		return ProcessingStep{}, err
	}
	steps := NewSteps(wf.Steps)
	var latest *WeightEntry
	if entry, ok := wf.Ledger().LatestSession(); ok {
		latest = &entry
	}
	step := steps.Add(s.now(), latest)
	if err := s.writeSteps(ctx, &wf, steps, "add step"); err != nil {
		return ProcessingStep{}, err
	}
	return step, nil
}

// UpdateStep sets one field of a processing step.
func (s *Service) UpdateStep(ctx context.Context, actor Actor, batchID, stepID string, field StepField, value string) (ProcessingStep, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageProcessing)
	if err != nil {
		return ProcessingStep{}, err
	}
	steps := NewSteps(wf.Steps)
	step, err := steps.Update(stepID, field, value)
	if err != nil {
		return ProcessingStep{}, err
	}
	if err := s.writeSteps(ctx, &wf, steps, "update step"); err != nil {
		return ProcessingStep{}, err
	}
	return step, nil
}

// RemoveStep deletes one processing step.
func (s *Service) RemoveStep(ctx context.Context, actor Actor, batchID, stepID string) (Workflow, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageProcessing)
	if err != nil {
		return Workflow{}, err
	}
	steps := NewSteps(wf.Steps)
	if err := steps.Remove(stepID); err != nil {
		return Workflow{}, err
	}
	if err := s.writeSteps(ctx, &wf, steps, "remove step"); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// ClearSteps removes every processing step of the session.
func (s *Service) ClearSteps(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageProcessing)
	if err != nil {
		return Workflow{}, err
	}
	steps := NewSteps(wf.Steps)
	steps.Clear()
	if err := s.writeSteps(ctx, &wf, steps, "clear steps"); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// AddOutput validates and records a finished-goods parcel with a fresh lot number.
func (s *Service) AddOutput(ctx context.Context, actor Actor, batchID string, rec OutputRecord) (OutputRecord, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageOutputCompliance)
	if err != nil {
		return OutputRecord{}, err
	}
	registry := NewRegistry(wf.Outputs)
	added, err := registry.Add(ctx, rec, batchID, s.lots, s.now())
	if err != nil {
		return OutputRecord{}, err
	}
	if err := s.writeOutputs(ctx, &wf, registry, "add output"); err != nil {
		if rel, ok := s.lots.(LotReleaser); ok {
			rel.Release(added.BatchLotNumber)
		}
		return OutputRecord{}, err
	}
	return added, nil
}

// RemoveOutput deletes one output record.
func (s *Service) RemoveOutput(ctx context.Context, actor Actor, batchID, outputID string) (Workflow, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageOutputCompliance)
	if err != nil {
		return Workflow{}, err
	}
	registry := NewRegistry(wf.Outputs)
	if err := registry.Remove(outputID); err != nil {
		return Workflow{}, err
	}
	if err := s.writeOutputs(ctx, &wf, registry, "remove output"); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// FinishSession archives the current session and returns to the overview so
// the remaining material can be processed in a new session.
func (s *Service) FinishSession(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.readAtStage(ctx, actor, batchID, StageSummary)
	if err != nil {
		return Workflow{}, err
	}
	if err := s.gate(CheckReach(wf, StageSummary)); err != nil {
		return Workflow{}, err
	}
	if !wf.Ledger().AvailableForProcessing().IsPositive() {
		return Workflow{}, fmt.Errorf("%w: complete the batch instead", ErrNothingToProcess)
	}
	summary := s.summarize(wf, actor, false)
	stage := StageQualityInspection
	mode := false
	steps := []ProcessingStep{}
	outputs := []OutputRecord{}
	patch := BatchPatch{
		CurrentStage:   &stage,
		ProcessingMode: &mode,
		Steps:          &steps,
		Outputs:        &outputs,
		AppendSession:  &summary,
	}
	if err := s.write(ctx, &wf, patch, "finish session"); err != nil {
		return Workflow{}, err
	}
	applyPatch(&wf, patch)
	return wf, nil
}

// Complete finalises the batch. Leftover material must be explicitly confirmed
// because it can never be processed afterwards. A session in progress is
// completed from the summary stage; with no session in progress the batch is
// terminated from wherever it stands and a summary without session work is archived.
func (s *Service) Complete(ctx context.Context, actor Actor, batchID string, confirmLeftover bool) (Workflow, error) {
	wf, err := s.readForWrite(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	terminate := !SessionInProgress(wf)
	if !terminate {
		if !wf.State.ProcessingMode {
			return Workflow{}, ErrNotProcessing
		}
		if wf.State.CurrentStage != StageSummary {
			return Workflow{}, fmt.Errorf("%w: requires %s, batch is at %s", ErrWrongStage, StageSummary, wf.State.CurrentStage)
		}
		if err := s.gate(CheckReach(wf, StageSummary)); err != nil {
			return Workflow{}, err
		}
	}
	remaining := wf.Ledger().AvailableForProcessing()
	leftover := remaining.IsPositive()
	if leftover && !confirmLeftover {
		return Workflow{}, fmt.Errorf("%w: %s will remain unprocessed", ErrConfirmationRequired, formatKg(remaining))
	}
	summary := s.summarize(wf, actor, leftover)
	if terminate {
		summary.Inspection = QualityInspection{}
		summary.Compliance = ComplianceReview{}
		summary.Review = SummaryReview{}
	}
	status := StatusCompleted
	mode := false
	steps := []ProcessingStep{}
	outputs := []OutputRecord{}
	patch := BatchPatch{
		Status:         &status,
		ProcessingMode: &mode,
		Steps:          &steps,
		Outputs:        &outputs,
		AppendSession:  &summary,
	}
	if err := s.write(ctx, &wf, patch, "complete"); err != nil {
		return Workflow{}, err
	}
	applyPatch(&wf, patch)
	s.metrics.Completed(leftover)
	s.record(ctx, actor, "factory.batch.completed", batchID, map[string]any{
		"processed":  summary.ProcessedWeight.String(),
		"remaining":  summary.RemainingWeight.String(),
		"leftover":   leftover,
		"terminated": terminate,
	})
	if s.events != nil {
		evt := BatchCompletedEvent{
			BatchID:              batchID,
			CompletedBy:          actor.ID,
			CompletedAt:          summary.CompletedAt,
			ProcessedWeight:      summary.ProcessedWeight.String(),
			RemainingWeight:      summary.RemainingWeight.String(),
			Sessions:             len(summary.WeightHistory),
			OutputCount:          len(summary.Outputs),
			OutputTotals:         summary.OutputTotals,
			LeftoverAcknowledged: leftover,
		}
		if err := s.events.PublishBatchCompleted(ctx, evt); err != nil {
			s.logger.Warn("publish batch completed", slog.String("batch_id", batchID), slog.Any("error", err))
		}
	}
	return wf, nil
}

func (s *Service) summarize(wf Workflow, actor Actor, leftover bool) SessionSummary {
	ledger := wf.Ledger()
	outputs := append([]OutputRecord(nil), wf.Outputs...)
	return SessionSummary{
		WeightHistory:        ledger.History(),
		Steps:                append([]ProcessingStep(nil), wf.Steps...),
		Outputs:              outputs,
		Inspection:           wf.Inspection,
		Compliance:           wf.Compliance,
		Review:               wf.Review,
		ProcessedWeight:      ledger.ProcessedWeight(),
		RemainingWeight:      ledger.AvailableForProcessing(),
		OutputTotals:         OutputTotals(outputs),
		TotalWaste:           TotalWaste(outputs),
		LeftoverAcknowledged: leftover,
		CompletedAt:          s.now().UTC(),
		CompletedBy:          actor.ID,
	}
}

func (s *Service) read(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	if actor.ID == "" {
		return Workflow{}, ErrUnauthenticated
	}
	if batchID == "" {
		return Workflow{}, ErrBatchNotFound
	}
	return s.store.ReadBatch(ctx, batchID)
}

func (s *Service) readForWrite(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.read(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if !actor.CanWrite || wf.State.Status == StatusCompleted {
		return Workflow{}, ErrReadOnly
	}
	return wf, nil
}

func (s *Service) readStaged(ctx context.Context, actor Actor, batchID string) (Workflow, error) {
	wf, err := s.readForWrite(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if !wf.State.ProcessingMode {
		return Workflow{}, ErrNotProcessing
	}
	return wf, nil
}

func (s *Service) readAtStage(ctx context.Context, actor Actor, batchID string, stage Stage) (Workflow, error) {
	wf, err := s.readStaged(ctx, actor, batchID)
	if err != nil {
		return Workflow{}, err
	}
	if wf.State.CurrentStage != stage {
		return Workflow{}, fmt.Errorf("%w: requires %s, batch is at %s", ErrWrongStage, stage, wf.State.CurrentStage)
	}
	return wf, nil
}

func (s *Service) write(ctx context.Context, wf *Workflow, patch BatchPatch, op string) error {
	patch.ExpectedVersion = wf.Version
	version, err := s.store.WriteBatchFields(ctx, wf.Batch.ID, patch)
	if err != nil {
		s.logger.Warn("factory write failed",
			slog.String("batch_id", wf.Batch.ID),
			slog.String("op", op),
			slog.Any("fields", patch.Fields()),
			slog.Any("error", err))
		switch {
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrDuplicateLotNumber), errors.Is(err, ErrBatchNotFound):
			return err
		}
		return &PersistError{Op: op, Err: err}
	}
	wf.Version = version
	return nil
}

func (s *Service) writeSteps(ctx context.Context, wf *Workflow, steps *Steps, op string) error {
	list := steps.List()
	if err := s.write(ctx, wf, BatchPatch{Steps: &list}, op); err != nil {
		return err
	}
	wf.Steps = list
	return nil
}

func (s *Service) writeOutputs(ctx context.Context, wf *Workflow, registry *Registry, op string) error {
	list := registry.List()
	if err := s.write(ctx, wf, BatchPatch{Outputs: &list}, op); err != nil {
		return err
	}
	wf.Outputs = list
	return nil
}

func (s *Service) gate(err error) error {
	var gerr *GateError
	if errors.As(err, &gerr) {
		s.metrics.GateRejected(gerr)
	}
	return err
}

func (s *Service) record(ctx context.Context, actor Actor, action, batchID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ID,
		Action:   action,
		Entity:   "factory_batch",
		EntityID: batchID,
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

// stagePatch turns stage data into a patch touching only the fields of stage.
func stagePatch(stage Stage, data StageData) (BatchPatch, error) {
	var patch BatchPatch
	switch stage {
	case StageQualityInspection:
		if data.Inspection == nil || data.Plan != nil || data.Compliance != nil || data.Review != nil {
			return BatchPatch{}, fmt.Errorf("%w: expected quality inspection fields", ErrInvalidStageData)
		}
		inspection := *data.Inspection
		patch.Inspection = &inspection
	case StageProcessing:
		if data.Plan == nil || data.Inspection != nil || data.Compliance != nil || data.Review != nil {
			return BatchPatch{}, fmt.Errorf("%w: expected processing plan fields", ErrInvalidStageData)
		}
		plan := *data.Plan
		patch.Plan = &plan
	case StageOutputCompliance:
		if data.Compliance == nil || data.Inspection != nil || data.Plan != nil || data.Review != nil {
			return BatchPatch{}, fmt.Errorf("%w: expected compliance fields", ErrInvalidStageData)
		}
		compliance := *data.Compliance
		if compliance.CertificationStatus != "" {
			switch compliance.CertificationStatus {
			case CertificationPass, CertificationFail, CertificationPending:
			default:
				return BatchPatch{}, fmt.Errorf("%w: certification status %q", ErrInvalidStageData, compliance.CertificationStatus)
			}
		}
		patch.Compliance = &compliance
	case StageSummary:
		if data.Review == nil || data.Inspection != nil || data.Plan != nil || data.Compliance != nil {
			return BatchPatch{}, fmt.Errorf("%w: expected summary review fields", ErrInvalidStageData)
		}
		review := *data.Review
		patch.Review = &review
	default:
		return BatchPatch{}, ErrInvalidStageData
	}
	return patch, nil
}

// applyPatch mirrors a successful patch onto the in-memory aggregate.
func applyPatch(wf *Workflow, patch BatchPatch) {
	if patch.CurrentStage != nil {
		wf.State.CurrentStage = *patch.CurrentStage
	}
	if patch.ProcessingMode != nil {
		wf.State.ProcessingMode = *patch.ProcessingMode
	}
	if patch.Status != nil {
		wf.State.Status = *patch.Status
	}
	if patch.Inspection != nil {
		wf.Inspection = *patch.Inspection
	}
	if patch.Plan != nil {
		wf.Plan = *patch.Plan
	}
	if patch.Compliance != nil {
		wf.Compliance = *patch.Compliance
	}
	if patch.Review != nil {
		wf.Review = *patch.Review
	}
	if patch.Steps != nil {
		wf.Steps = *patch.Steps
	}
	if patch.Outputs != nil {
		wf.Outputs = *patch.Outputs
	}
	if patch.AppendWeight != nil {
		wf.WeightHistory = append(wf.WeightHistory, *patch.AppendWeight)
	}
	if patch.AppendSession != nil {
		wf.Sessions = append(wf.Sessions, *patch.AppendSession)
	}
}
