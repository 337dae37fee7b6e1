package factory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/agritrace/agritrace/internal/shared"
)

var (
	testNow  = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	operator = Actor{ID: "op-1", CanWrite: true}
	viewer   = Actor{ID: "viewer-1"}
)

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingEvents struct {
	events []BatchCompletedEvent
	err    error
}

func (e *recordingEvents) PublishBatchCompleted(_ context.Context, evt BatchCompletedEvent) error {
	e.events = append(e.events, evt)
	return e.err
}

type memoryIdempotency struct {
	keys    map[string]string
	deleted []string
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, module string) error {
	if _, ok := m.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = module
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type fixedIssuer string

func (f fixedIssuer) Next(context.Context) string { return string(f) }

// racyStore simulates a concurrent writer bumping the version right after each read.
type racyStore struct {
	*memoryStore
}

func (r racyStore) ReadBatch(ctx context.Context, id string) (Workflow, error) {
	wf, err := r.memoryStore.ReadBatch(ctx, id)
	if err != nil {
		return wf, err
	}
	r.mu.Lock()
	stored := r.batches[id]
	stored.Version++
	r.batches[id] = stored
	r.mu.Unlock()
	return wf, nil
}

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	svc := NewService(store, cfg)
	svc.WithNow(fixedClock(testNow))
	return svc, store
}

func seedBatch(t *testing.T, store *memoryStore, id, weight string) {
	t.Helper()
	store.put(t, Workflow{Batch: Batch{
		ID:             id,
		OriginalWeight: kg(weight),
		FarmName:       "Kebun Sari",
		HerbSpecies:    "Curcuma longa",
		ReceivedAt:     testNow.AddDate(0, 0, -2),
	}})
}

func inspectionData() *StageData {
	return &StageData{Inspection: &QualityInspection{InspectorName: "Dewi", MoistureContent: moisture(11)}}
}

func driveToProcessing(t *testing.T, svc *Service, id string) {
	t.Helper()
	ctx := context.Background()
	wf, err := svc.EnterProcessing(ctx, operator, id)
	require.NoError(t, err)
	require.Equal(t, StageQualityInspection, wf.State.CurrentStage)
	wf, err = svc.Advance(ctx, operator, id, inspectionData())
	require.NoError(t, err)
	require.Equal(t, StageProcessing, wf.State.CurrentStage)
}

func addCompletedStep(t *testing.T, svc *Service, id string) ProcessingStep {
	t.Helper()
	step, err := svc.AddStep(context.Background(), operator, id)
	require.NoError(t, err)
	step, err = svc.UpdateStep(context.Background(), operator, id, step.ID, StepFieldStatus, "Completed")
	require.NoError(t, err)
	return step
}

func driveToSummary(t *testing.T, svc *Service, id, allocate string) {
	t.Helper()
	ctx := context.Background()
	driveToProcessing(t, svc, id)
	_, err := svc.AllocateWeight(ctx, operator, id, kg(allocate), "")
	require.NoError(t, err)
	addCompletedStep(t, svc, id)
	_, err = svc.Advance(ctx, operator, id, nil)
	require.NoError(t, err)
	_, err = svc.AddOutput(ctx, operator, id, validOutput())
	require.NoError(t, err)
	wf, err := svc.Advance(ctx, operator, id, &StageData{Compliance: &ComplianceReview{CertificationStatus: CertificationPass}})
	require.NoError(t, err)
	require.Equal(t, StageSummary, wf.State.CurrentStage)
}

func TestServiceAllocationUpdatesBalance(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	audit := &recordingAudit{}
	svc, store := newTestService(t, ServiceConfig{Metrics: metrics, Audit: audit})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")

	entry, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("40"), "")
	require.NoError(t, err)
	require.Equal(t, 1, entry.SessionNumber)
	require.Equal(t, "op-1", entry.CommittedBy)
	require.Equal(t, testNow, entry.Timestamp)

	ov, err := svc.Overview(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Equal(t, "40", ov.ProcessedWeight.String())
	require.Equal(t, "60", ov.RemainingBalance.String())
	require.Equal(t, 40.0, ov.ProgressPercent)

	_, err = svc.AllocateWeight(context.Background(), operator, "B-1", kg("70"), "")
	require.ErrorIs(t, err, ErrInvalidAllocation)
	require.ErrorContains(t, err, "70.00 kg exceeds remaining balance of 60.00 kg")
	require.Len(t, store.get(t, "B-1").WeightHistory, 1)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.allocations))
	require.Equal(t, []string{"factory.allocation.committed"}, audit.actions())
	require.Equal(t, []string{"weight_history"}, store.lastPatch(t).Fields())
}

func TestServiceAllocationOnlyAtProcessingStage(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")

	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("10"), "")
	require.ErrorIs(t, err, ErrNotProcessing)

	_, err = svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)
	_, err = svc.AllocateWeight(context.Background(), operator, "B-1", kg("10"), "")
	require.ErrorIs(t, err, ErrWrongStage)
}

func TestServicePendingStepBlocksAdvance(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	svc, store := newTestService(t, ServiceConfig{Metrics: metrics})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("50"), "")
	require.NoError(t, err)

	step, err := svc.AddStep(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Equal(t, StepPending, step.Status)
	require.Equal(t, 1, *step.SessionNumber)
	require.Equal(t, "50", step.ProcessingWeight.String())
	require.Equal(t, "2025-06-01", step.Date)

	before := store.get(t, "B-1").Version
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	requireGate(t, err, RequirementStepsComplete, "processing: complete all operations before continuing (1 not completed)")
	require.Equal(t, before, store.get(t, "B-1").Version)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.gateRejections.WithLabelValues("processing", RequirementStepsComplete)))

	_, err = svc.UpdateStep(context.Background(), operator, "B-1", step.ID, StepFieldStatus, "Completed")
	require.NoError(t, err)
	wf, err := svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	require.Equal(t, StageOutputCompliance, wf.State.CurrentStage)
	require.Equal(t, StageOutputCompliance, store.get(t, "B-1").State.CurrentStage)
}

func TestServiceCertificationGate(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	addCompletedStep(t, svc, "B-1")
	_, err := svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	_, err = svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)

	pending := &StageData{Compliance: &ComplianceReview{CertificationStatus: CertificationPending, ComplianceOfficer: "Rina"}}
	_, err = svc.Advance(context.Background(), operator, "B-1", pending)
	requireGate(t, err, RequirementCertification, "compliance: certification status must be Pass or Fail, not Pending")
	stored := store.get(t, "B-1")
	require.Equal(t, StageOutputCompliance, stored.State.CurrentStage)
	require.Empty(t, stored.Compliance.CertificationStatus)

	pass := &StageData{Compliance: &ComplianceReview{CertificationStatus: CertificationPass, ComplianceOfficer: "Rina"}}
	wf, err := svc.Advance(context.Background(), operator, "B-1", pass)
	require.NoError(t, err)
	require.Equal(t, StageSummary, wf.State.CurrentStage)
	stored = store.get(t, "B-1")
	require.Equal(t, CertificationPass, stored.Compliance.CertificationStatus)
	require.Equal(t, "Rina", stored.Compliance.ComplianceOfficer)
}

func TestServiceAdvanceRejectsForeignStageData(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	_, err := svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)

	_, err = svc.Advance(context.Background(), operator, "B-1", &StageData{Review: &SummaryReview{ReviewedBy: "x"}})
	require.ErrorIs(t, err, ErrInvalidStageData)

	data := inspectionData()
	data.Plan = &ProcessingPlan{Supervisor: "y"}
	_, err = svc.SaveDraft(context.Background(), operator, "B-1", *data)
	require.ErrorIs(t, err, ErrInvalidStageData)
}

func TestServiceSaveDraftIsIdempotent(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	_, err := svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)

	draft := StageData{Inspection: &QualityInspection{InspectorName: "Dewi", VisualQuality: "Good"}}
	_, err = svc.SaveDraft(context.Background(), operator, "B-1", draft)
	require.NoError(t, err)
	first := store.get(t, "B-1")
	_, err = svc.SaveDraft(context.Background(), operator, "B-1", draft)
	require.NoError(t, err)
	second := store.get(t, "B-1")

	require.Equal(t, []string{"quality_inspection"}, store.lastPatch(t).Fields())
	first.Version, second.Version = 0, 0
	require.Equal(t, first, second)
	require.Equal(t, "Good", second.Inspection.VisualQuality)
	require.Equal(t, StageQualityInspection, second.State.CurrentStage)
}

func TestServiceNavigate(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")

	_, err := svc.Navigate(context.Background(), operator, "B-1", StageSummary)
	requireGate(t, err, RequirementSteps, "processing: add at least one processing operation")

	wf, err := svc.Navigate(context.Background(), operator, "B-1", StageQualityInspection)
	require.NoError(t, err)
	require.Equal(t, StageQualityInspection, wf.State.CurrentStage)

	wf, err = svc.Navigate(context.Background(), operator, "B-1", StageProcessing)
	require.NoError(t, err)
	require.Equal(t, StageProcessing, wf.State.CurrentStage)

	_, err = svc.Navigate(context.Background(), operator, "B-1", Stage(9))
	require.ErrorIs(t, err, ErrInvalidStage)

	wf, err = svc.Navigate(context.Background(), operator, "B-1", StageOverview)
	require.NoError(t, err)
	require.False(t, wf.State.ProcessingMode)
	require.Equal(t, StageProcessing, store.get(t, "B-1").State.CurrentStage)

	wf, err = svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Equal(t, StageProcessing, wf.State.CurrentStage)
}

func TestServiceCompleteWithLeftover(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	audit := &recordingAudit{}
	events := &recordingEvents{}
	svc, store := newTestService(t, ServiceConfig{Metrics: metrics, Audit: audit, Events: events})
	seedBatch(t, store, "B-1", "100")
	driveToSummary(t, svc, "B-1", "85")

	_, err := svc.Complete(context.Background(), operator, "B-1", false)
	require.ErrorIs(t, err, ErrConfirmationRequired)
	require.ErrorContains(t, err, "15.00 kg will remain unprocessed")
	require.Equal(t, StatusProcessing, store.get(t, "B-1").State.Status)

	wf, err := svc.Complete(context.Background(), operator, "B-1", true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, wf.State.Status)
	require.Empty(t, wf.Steps)
	require.Empty(t, wf.Outputs)
	require.Len(t, wf.Sessions, 1)
	session := wf.Sessions[0]
	require.Equal(t, "85", session.ProcessedWeight.String())
	require.Equal(t, "15", session.RemainingWeight.String())
	require.True(t, session.LeftoverAcknowledged)
	require.Len(t, session.Outputs, 1)
	require.Equal(t, "LOTNUM001-2025", session.Outputs[0].BatchLotNumber)

	require.Len(t, events.events, 1)
	require.Equal(t, "B-1", events.events[0].BatchID)
	require.Equal(t, "85", events.events[0].ProcessedWeight)
	require.True(t, events.events[0].LeftoverAcknowledged)
	require.Contains(t, audit.actions(), "factory.batch.completed")
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.completions.WithLabelValues("true")))

	ov, err := svc.Overview(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.True(t, ov.IsReadOnly)
	require.False(t, ov.CanProcessRemaining)
	require.Equal(t, "15", ov.RemainingBalance.String())

	snap, err := svc.Snapshot(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.True(t, snap.IsReadOnly)
	require.Len(t, snap.Outputs, 1)
	require.Len(t, snap.Steps, 1)
}

func TestServiceCompletedBatchRejectsEveryMutation(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToSummary(t, svc, "B-1", "100")
	_, err := svc.Complete(context.Background(), operator, "B-1", false)
	require.NoError(t, err)
	frozen := store.get(t, "B-1")

	ctx := context.Background()
	mutations := map[string]func() error{
		"enter processing": func() error { _, err := svc.EnterProcessing(ctx, operator, "B-1"); return err },
		"advance":          func() error { _, err := svc.Advance(ctx, operator, "B-1", nil); return err },
		"navigate":         func() error { _, err := svc.Navigate(ctx, operator, "B-1", StageProcessing); return err },
		"back to overview": func() error { _, err := svc.BackToOverview(ctx, operator, "B-1"); return err },
		"save draft": func() error {
			_, err := svc.SaveDraft(ctx, operator, "B-1", StageData{Review: &SummaryReview{ReviewedBy: "x"}})
			return err
		},
		"allocate":      func() error { _, err := svc.AllocateWeight(ctx, operator, "B-1", kg("1"), ""); return err },
		"add step":      func() error { _, err := svc.AddStep(ctx, operator, "B-1"); return err },
		"update step":   func() error { _, err := svc.UpdateStep(ctx, operator, "B-1", "s", StepFieldNotes, "n"); return err },
		"remove step":   func() error { _, err := svc.RemoveStep(ctx, operator, "B-1", "s"); return err },
		"clear steps":   func() error { _, err := svc.ClearSteps(ctx, operator, "B-1"); return err },
		"add output":    func() error { _, err := svc.AddOutput(ctx, operator, "B-1", validOutput()); return err },
		"remove output": func() error { _, err := svc.RemoveOutput(ctx, operator, "B-1", "o"); return err },
		"finish":        func() error { _, err := svc.FinishSession(ctx, operator, "B-1"); return err },
		"complete":      func() error { _, err := svc.Complete(ctx, operator, "B-1", true); return err },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, mutate(), ErrReadOnly)
		})
	}
	require.Equal(t, frozen, store.get(t, "B-1"))
}

func TestServiceViewerIsReadOnly(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")

	_, err := svc.EnterProcessing(context.Background(), viewer, "B-1")
	require.ErrorIs(t, err, ErrReadOnly)

	ov, err := svc.Overview(context.Background(), viewer, "B-1")
	require.NoError(t, err)
	require.True(t, ov.IsReadOnly)

	_, err = svc.Snapshot(context.Background(), operator, "B-1")
	require.ErrorIs(t, err, ErrNotFinalized)
	_, err = svc.Snapshot(context.Background(), viewer, "B-1")
	require.NoError(t, err)

	_, err = svc.Overview(context.Background(), Actor{}, "B-1")
	require.ErrorIs(t, err, ErrUnauthenticated)
	_, err = svc.Overview(context.Background(), operator, "missing")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestServiceEnterProcessingNeedsMaterial(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	store.put(t, Workflow{
		Batch:         Batch{ID: "B-1", OriginalWeight: kg("100")},
		WeightHistory: []WeightEntry{{SessionNumber: 1, Weight: kg("100"), Timestamp: testNow}},
	})
	_, err := svc.EnterProcessing(context.Background(), operator, "B-1")
	require.ErrorIs(t, err, ErrNothingToProcess)
}

func TestServiceFinishSessionStartsNextSession(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToSummary(t, svc, "B-1", "40")

	wf, err := svc.FinishSession(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.False(t, wf.State.ProcessingMode)
	require.Equal(t, StageQualityInspection, wf.State.CurrentStage)
	require.Empty(t, wf.Steps)
	require.Empty(t, wf.Outputs)
	require.Len(t, wf.Sessions, 1)
	require.Equal(t, "60", wf.Sessions[0].RemainingWeight.String())

	_, err = svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	entry, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("60"), "")
	require.NoError(t, err)
	require.Equal(t, 2, entry.SessionNumber)

	addCompletedStep(t, svc, "B-1")
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	rec, err := svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	require.Equal(t, "LOTNUM002-2025", rec.BatchLotNumber)
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)

	_, err = svc.FinishSession(context.Background(), operator, "B-1")
	require.ErrorIs(t, err, ErrNothingToProcess)
	wf, err = svc.Complete(context.Background(), operator, "B-1", false)
	require.NoError(t, err)
	require.Len(t, wf.Sessions, 2)

	snap, err := svc.Snapshot(context.Background(), viewer, "B-1")
	require.NoError(t, err)
	require.Len(t, snap.Outputs, 2)
	require.Equal(t, "LOTNUM001-2025", snap.Outputs[0].BatchLotNumber)
	require.Equal(t, "LOTNUM002-2025", snap.Outputs[1].BatchLotNumber)
}

func TestServiceIdempotentAllocation(t *testing.T) {
	idem := newMemoryIdempotency()
	svc, store := newTestService(t, ServiceConfig{Idempotency: idem})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")

	first, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("10"), "req-1")
	require.NoError(t, err)
	replayed, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("10"), "req-1")
	require.NoError(t, err)
	require.Equal(t, first.SessionNumber, replayed.SessionNumber)
	_, err = svc.AllocateWeight(context.Background(), operator, "B-1", kg("15"), "req-1")
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.Len(t, store.get(t, "B-1").WeightHistory, 1)
	require.Equal(t, "req-1", store.get(t, "B-1").WeightHistory[0].RequestKey)
	require.Equal(t, allocationIdempotencyModule, idem.keys["req-1"])
}

// lostReplyStore applies writes and then reports a network failure.
type lostReplyStore struct {
	*memoryStore
	lose bool
}

func (l *lostReplyStore) WriteBatchFields(ctx context.Context, id string, patch BatchPatch) (int64, error) {
	version, err := l.memoryStore.WriteBatchFields(ctx, id, patch)
	if err == nil && l.lose {
		return 0, errors.New("connection reset by peer")
	}
	return version, err
}

func TestServiceAllocationRetryAfterLostReply(t *testing.T) {
	idem := newMemoryIdempotency()
	mem := newMemoryStore()
	store := &lostReplyStore{memoryStore: mem}
	svc := NewService(store, ServiceConfig{Idempotency: idem, Logger: quietLogger()})
	svc.WithNow(fixedClock(testNow))
	mem.put(t, Workflow{
		Batch: Batch{ID: "B-1", OriginalWeight: kg("100")},
		State: WorkflowState{CurrentStage: StageProcessing, ProcessingMode: true, Status: StatusProcessing},
	})

	store.lose = true
	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("30"), "req-1")
	var perr *PersistError
	require.ErrorAs(t, err, &perr)

	store.lose = false
	entry, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("30"), "req-1")
	require.NoError(t, err)
	require.Equal(t, 1, entry.SessionNumber)

	wf := mem.get(t, "B-1")
	require.Len(t, wf.WeightHistory, 1)
	require.Equal(t, "30", wf.Ledger().ProcessedWeight().String())
}

func TestServiceResumeAfterFullAllocation(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("100"), "")
	require.NoError(t, err)

	_, err = svc.BackToOverview(context.Background(), operator, "B-1")
	require.NoError(t, err)
	ov, err := svc.Overview(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.False(t, ov.CanProcessRemaining)
	require.True(t, ov.CanResumeSession)

	wf, err := svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Equal(t, StageProcessing, wf.State.CurrentStage)

	addCompletedStep(t, svc, "B-1")
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	_, err = svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	_, err = svc.Advance(context.Background(), operator, "B-1", &StageData{Compliance: &ComplianceReview{CertificationStatus: CertificationPass}})
	require.NoError(t, err)
	wf, err = svc.Complete(context.Background(), operator, "B-1", false)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, wf.State.Status)

	_, err = svc.EnterProcessing(context.Background(), operator, "B-1")
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestServiceFailedOutputWriteKeepsLotSequence(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	addCompletedStep(t, svc, "B-1")
	_, err := svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)

	store.writeErr = errors.New("timeout")
	_, err = svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	var perr *PersistError
	require.ErrorAs(t, err, &perr)

	store.writeErr = nil
	rec, err := svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	require.Equal(t, "LOTNUM001-2025", rec.BatchLotNumber)
}

func TestServicePersistFailureLeavesStateUntouched(t *testing.T) {
	idem := newMemoryIdempotency()
	svc, store := newTestService(t, ServiceConfig{Idempotency: idem})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	before := store.get(t, "B-1")

	store.writeErr = errors.New("connection reset by peer")
	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("25"), "req-7")
	var perr *PersistError
	require.ErrorAs(t, err, &perr)
	require.True(t, perr.Retryable())
	require.Equal(t, "allocate weight", perr.Op)
	require.Equal(t, before, store.get(t, "B-1"))
	require.Equal(t, []string{"req-7"}, idem.deleted)

	store.writeErr = nil
	entry, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("25"), "req-7")
	require.NoError(t, err)
	require.Equal(t, 1, entry.SessionNumber)
}

func TestServiceVersionConflict(t *testing.T) {
	idem := newMemoryIdempotency()
	mem := newMemoryStore()
	svc := NewService(racyStore{mem}, ServiceConfig{Idempotency: idem, Logger: quietLogger()})
	svc.WithNow(fixedClock(testNow))
	mem.put(t, Workflow{
		Batch: Batch{ID: "B-1", OriginalWeight: kg("100")},
		State: WorkflowState{CurrentStage: StageProcessing, ProcessingMode: true, Status: StatusProcessing},
	})

	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("5"), "req-9")
	require.ErrorIs(t, err, ErrVersionConflict)
	var perr *PersistError
	require.False(t, errors.As(err, &perr))
	require.Empty(t, mem.get(t, "B-1").WeightHistory)
	require.Equal(t, []string{"req-9"}, idem.deleted)
}

func TestServiceRejectsDuplicateLotNumbers(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{Lots: fixedIssuer("LOTNUM042-2025")})
	for _, id := range []string{"B-1", "B-2"} {
		seedBatch(t, store, id, "100")
		driveToProcessing(t, svc, id)
		addCompletedStep(t, svc, id)
		_, err := svc.Advance(context.Background(), operator, id, nil)
		require.NoError(t, err)
	}

	_, err := svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	_, err = svc.AddOutput(context.Background(), operator, "B-2", validOutput())
	require.ErrorIs(t, err, ErrDuplicateLotNumber)
	require.Empty(t, store.get(t, "B-2").Outputs)
}

func TestServiceLotFallbackKeepsWorkflowMoving(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	addCompletedStep(t, svc, "B-1")
	_, err := svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)

	store.enumErr = errors.New("scan timeout")
	rec, err := svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	_, year, ok := ParseLotNumber(rec.BatchLotNumber)
	require.True(t, ok)
	require.Equal(t, 2025, year)
}

func TestServiceEventFailureDoesNotFailCompletion(t *testing.T) {
	events := &recordingEvents{err: errors.New("queue down")}
	svc, store := newTestService(t, ServiceConfig{Events: events})
	seedBatch(t, store, "B-1", "100")
	driveToSummary(t, svc, "B-1", "100")

	wf, err := svc.Complete(context.Background(), operator, "B-1", false)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, wf.State.Status)
	require.Len(t, events.events, 1)
	require.False(t, events.events[0].LeftoverAcknowledged)
}

func TestServiceStepAndOutputLifecycle(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")

	step, err := svc.AddStep(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Nil(t, step.SessionNumber)
	_, err = svc.UpdateStep(context.Background(), operator, "B-1", step.ID, StepField("colour"), "red")
	require.ErrorIs(t, err, ErrUnknownStepField)
	_, err = svc.UpdateStep(context.Background(), operator, "B-1", "missing", StepFieldNotes, "n")
	require.ErrorIs(t, err, ErrStepNotFound)
	_, err = svc.AddStep(context.Background(), operator, "B-1")
	require.NoError(t, err)

	wf, err := svc.RemoveStep(context.Background(), operator, "B-1", step.ID)
	require.NoError(t, err)
	require.Len(t, wf.Steps, 1)
	wf, err = svc.ClearSteps(context.Background(), operator, "B-1")
	require.NoError(t, err)
	require.Empty(t, wf.Steps)
	require.Empty(t, store.get(t, "B-1").Steps)

	_, err = svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.ErrorIs(t, err, ErrWrongStage)

	addCompletedStep(t, svc, "B-1")
	_, err = svc.Advance(context.Background(), operator, "B-1", nil)
	require.NoError(t, err)
	rec, err := svc.AddOutput(context.Background(), operator, "B-1", validOutput())
	require.NoError(t, err)
	bad := validOutput()
	bad.ProductGrade = "Gold"
	_, err = svc.AddOutput(context.Background(), operator, "B-1", bad)
	require.ErrorIs(t, err, ErrInvalidOutput)

	wf, err = svc.RemoveOutput(context.Background(), operator, "B-1", rec.ID)
	require.NoError(t, err)
	require.Empty(t, wf.Outputs)
	_, err = svc.RemoveOutput(context.Background(), operator, "B-1", rec.ID)
	require.ErrorIs(t, err, ErrOutputNotFound)

	_, err = svc.Advance(context.Background(), operator, "B-1", &StageData{Compliance: &ComplianceReview{CertificationStatus: CertificationPass}})
	requireGate(t, err, RequirementOutputs, "output: record at least one output before the summary")
}

func TestServiceTerminateAfterFinishedSession(t *testing.T) {
	events := &recordingEvents{}
	svc, store := newTestService(t, ServiceConfig{Events: events})
	seedBatch(t, store, "B-1", "100")
	driveToSummary(t, svc, "B-1", "40")
	_, err := svc.FinishSession(context.Background(), operator, "B-1")
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), operator, "B-1", false)
	require.ErrorIs(t, err, ErrConfirmationRequired)
	require.Equal(t, StatusProcessing, store.get(t, "B-1").State.Status)

	_, err = svc.EnterProcessing(context.Background(), operator, "B-1")
	require.NoError(t, err)
	wf, err := svc.Complete(context.Background(), operator, "B-1", true)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, wf.State.Status)
	require.False(t, wf.State.ProcessingMode)

	require.Len(t, wf.Sessions, 2)
	last := wf.Sessions[1]
	require.True(t, last.LeftoverAcknowledged)
	require.Empty(t, last.Steps)
	require.Empty(t, last.Outputs)
	require.Empty(t, last.Inspection.InspectorName)
	require.Equal(t, "60", last.RemainingWeight.String())
	require.Len(t, events.events, 1)
	require.Zero(t, events.events[0].OutputCount)

	snap, err := svc.Snapshot(context.Background(), viewer, "B-1")
	require.NoError(t, err)
	require.True(t, snap.IsReadOnly)
	require.Len(t, snap.Outputs, 1)

	_, err = svc.AllocateWeight(context.Background(), operator, "B-1", kg("10"), "")
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestServiceCompleteNeedsSummaryWhileSessionInProgress(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")
	_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg("40"), "")
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), operator, "B-1", true)
	require.ErrorIs(t, err, ErrWrongStage)

	_, err = svc.BackToOverview(context.Background(), operator, "B-1")
	require.NoError(t, err)
	_, err = svc.Complete(context.Background(), operator, "B-1", true)
	require.ErrorIs(t, err, ErrNotProcessing)
	require.Equal(t, StatusProcessing, store.get(t, "B-1").State.Status)
}

func TestServiceAllocationRejectsSubGramWeight(t *testing.T) {
	svc, store := newTestService(t, ServiceConfig{})
	seedBatch(t, store, "B-1", "100")
	driveToProcessing(t, svc, "B-1")

	for _, w := range []string{"0.0004", "10.0004"} {
		_, err := svc.AllocateWeight(context.Background(), operator, "B-1", kg(w), "")
		require.ErrorIs(t, err, ErrInvalidAllocation, w)
		var perr *PersistError
		require.False(t, errors.As(err, &perr), w)
	}
	require.Empty(t, store.get(t, "B-1").WeightHistory)
}
