package factoryhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/agritrace/agritrace/internal/factory"
	"github.com/agritrace/agritrace/internal/platform/httpx"
	"github.com/agritrace/agritrace/internal/rbac"
	"github.com/agritrace/agritrace/internal/shared"
)

// IdempotencyHeader carries the client request key for allocations.
const IdempotencyHeader = "Idempotency-Key"

type factoryService interface {
	Overview(ctx context.Context, actor factory.Actor, batchID string) (factory.Overview, error)
	Snapshot(ctx context.Context, actor factory.Actor, batchID string) (factory.Snapshot, error)
	EnterProcessing(ctx context.Context, actor factory.Actor, batchID string) (factory.Workflow, error)
	BackToOverview(ctx context.Context, actor factory.Actor, batchID string) (factory.Workflow, error)
	Advance(ctx context.Context, actor factory.Actor, batchID string, data *factory.StageData) (factory.Workflow, error)
	Navigate(ctx context.Context, actor factory.Actor, batchID string, target factory.Stage) (factory.Workflow, error)
	SaveDraft(ctx context.Context, actor factory.Actor, batchID string, data factory.StageData) (factory.Workflow, error)
	AllocateWeight(ctx context.Context, actor factory.Actor, batchID string, weight decimal.Decimal, idemKey string) (factory.WeightEntry, error)
	AddStep(ctx context.Context, actor factory.Actor, batchID string) (factory.ProcessingStep, error)
	UpdateStep(ctx context.Context, actor factory.Actor, batchID, stepID string, field factory.StepField, value string) (factory.ProcessingStep, error)
	RemoveStep(ctx context.Context, actor factory.Actor, batchID, stepID string) (factory.Workflow, error)
	ClearSteps(ctx context.Context, actor factory.Actor, batchID string) (factory.Workflow, error)
	AddOutput(ctx context.Context, actor factory.Actor, batchID string, rec factory.OutputRecord) (factory.OutputRecord, error)
	RemoveOutput(ctx context.Context, actor factory.Actor, batchID, outputID string) (factory.Workflow, error)
	FinishSession(ctx context.Context, actor factory.Actor, batchID string) (factory.Workflow, error)
	Complete(ctx context.Context, actor factory.Actor, batchID string, confirmLeftover bool) (factory.Workflow, error)
}

// Handler exposes the batch workflow over JSON.
type Handler struct {
	logger   *slog.Logger
	service  factoryService
	rbac     rbac.Middleware
	validate *validator.Validate
}

// NewHandler constructs a factory HTTP handler.
func NewHandler(logger *slog.Logger, service factoryService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validate: validator.New()}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/factory/batches/{id}", func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermFactoryBatchView, shared.PermFactoryBatchProcess))
		r.Get("/", h.overview)
		r.Get("/snapshot", h.snapshot)
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermFactoryBatchProcess))
			r.Post("/processing", h.enterProcessing)
			r.Post("/overview", h.backToOverview)
			r.Post("/advance", h.advance)
			r.Post("/stages/{stage}", h.navigate)
			r.Put("/draft", h.saveDraft)
			r.Post("/allocations", h.allocate)
			r.Post("/steps", h.addStep)
			r.Patch("/steps/{stepID}", h.updateStep)
			r.Delete("/steps/{stepID}", h.removeStep)
			r.Delete("/steps", h.clearSteps)
			r.Post("/outputs", h.addOutput)
			r.Delete("/outputs/{outputID}", h.removeOutput)
			r.Post("/sessions/finish", h.finishSession)
			r.Post("/complete", h.complete)
		})
	})
}

type allocationRequest struct {
	Weight decimal.Decimal `json:"weight"`
}

type stepUpdateRequest struct {
	Field string `json:"field" validate:"required"`
	Value string `json:"value"`
}

type outputRequest struct {
	Processor     string  `json:"processor" validate:"required"`
	ProductType   string  `json:"product_type" validate:"required"`
	Quantity      float64 `json:"quantity"`
	WasteQuantity float64 `json:"waste_quantity"`
	ProductGrade  string  `json:"product_grade" validate:"required"`
	TargetMarket  string  `json:"target_market" validate:"required"`
}

type completeRequest struct {
	ConfirmLeftover bool `json:"confirm_leftover"`
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Overview(r.Context(), actorFrom(r), batchID(r))
	if err != nil {
		h.fail(w, r, "overview", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Snapshot(r.Context(), actorFrom(r), batchID(r))
	if err != nil {
		h.fail(w, r, "snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) enterProcessing(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "enter processing")(h.service.EnterProcessing(r.Context(), actorFrom(r), batchID(r)))
}

func (h *Handler) backToOverview(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "back to overview")(h.service.BackToOverview(r.Context(), actorFrom(r), batchID(r)))
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	var data *factory.StageData
	if hasBody(r) {
		data = &factory.StageData{}
		if err := httpx.DecodeJSON(r, data); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	h.respondWorkflow(w, r, "advance")(h.service.Advance(r.Context(), actorFrom(r), batchID(r), data))
}

func (h *Handler) navigate(w http.ResponseWriter, r *http.Request) {
	stage, err := factory.ParseStage(chi.URLParam(r, "stage"))
	if err != nil {
		h.fail(w, r, "navigate", err)
		return
	}
	h.respondWorkflow(w, r, "navigate")(h.service.Navigate(r.Context(), actorFrom(r), batchID(r), stage))
}

func (h *Handler) saveDraft(w http.ResponseWriter, r *http.Request) {
	var data factory.StageData
	if err := httpx.DecodeJSON(r, &data); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respondWorkflow(w, r, "save draft")(h.service.SaveDraft(r.Context(), actorFrom(r), batchID(r), data))
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	entry, err := h.service.AllocateWeight(r.Context(), actorFrom(r), batchID(r), req.Weight, key)
	if err != nil {
		h.fail(w, r, "allocate weight", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) addStep(w http.ResponseWriter, r *http.Request) {
	step, err := h.service.AddStep(r.Context(), actorFrom(r), batchID(r))
	if err != nil {
		h.fail(w, r, "add step", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, step)
}

func (h *Handler) updateStep(w http.ResponseWriter, r *http.Request) {
	var req stepUpdateRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	field := factory.StepField(strings.ToLower(strings.TrimSpace(req.Field)))
	step, err := h.service.UpdateStep(r.Context(), actorFrom(r), batchID(r), chi.URLParam(r, "stepID"), field, req.Value)
	if err != nil {
		h.fail(w, r, "update step", err)
		return
	}
	httpx.JSON(w, http.StatusOK, step)
}

func (h *Handler) removeStep(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "remove step")(h.service.RemoveStep(r.Context(), actorFrom(r), batchID(r), chi.URLParam(r, "stepID")))
}

func (h *Handler) clearSteps(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "clear steps")(h.service.ClearSteps(r.Context(), actorFrom(r), batchID(r)))
}

func (h *Handler) addOutput(w http.ResponseWriter, r *http.Request) {
	var req outputRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.AddOutput(r.Context(), actorFrom(r), batchID(r), factory.OutputRecord{
		Processor:     req.Processor,
		ProductType:   factory.ProductType(req.ProductType),
		Quantity:      req.Quantity,
		WasteQuantity: req.WasteQuantity,
		ProductGrade:  factory.ProductGrade(req.ProductGrade),
		TargetMarket:  factory.TargetMarket(req.TargetMarket),
	})
	if err != nil {
		h.fail(w, r, "add output", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) removeOutput(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "remove output")(h.service.RemoveOutput(r.Context(), actorFrom(r), batchID(r), chi.URLParam(r, "outputID")))
}

func (h *Handler) finishSession(w http.ResponseWriter, r *http.Request) {
	h.respondWorkflow(w, r, "finish session")(h.service.FinishSession(r.Context(), actorFrom(r), batchID(r)))
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if hasBody(r) {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	h.respondWorkflow(w, r, "complete")(h.service.Complete(r.Context(), actorFrom(r), batchID(r), req.ConfirmLeftover))
}

func (h *Handler) respondWorkflow(w http.ResponseWriter, r *http.Request, op string) func(factory.Workflow, error) {
	return func(wf factory.Workflow, err error) {
		if err != nil {
			h.fail(w, r, op, err)
			return
		}
		httpx.JSON(w, http.StatusOK, wf)
	}
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s is required", httpx.ErrValidation, jsonName(verrs[0].Field()))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	problem := problemFor(err)
	if problem.Status >= http.StatusInternalServerError {
		h.logger.Error("factory "+op,
			slog.String("batch_id", batchID(r)),
			slog.Any("error", err))
	}
	httpx.WriteProblem(w, problem)
}

// problemFor maps workflow errors onto problem documents.
func problemFor(err error) httpx.ProblemDetail {
	var gateErr *factory.GateError
	if errors.As(err, &gateErr) {
		return httpx.ProblemDetail{
			Title:  "Stage Requirements Not Met",
			Status: http.StatusUnprocessableEntity,
			Detail: gateErr.Message,
			Code:   gateErr.Requirement,
		}
	}
	var persistErr *factory.PersistError
	if errors.As(err, &persistErr) {
		return httpx.ProblemDetail{
			Title:     "Storage Unavailable",
			Status:    http.StatusServiceUnavailable,
			Detail:    "the change was not saved, retry the operation",
			Code:      "persist_failed",
			Retryable: persistErr.Retryable(),
		}
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return httpx.ProblemDetail{Title: m.title, Status: m.status, Detail: err.Error(), Code: m.code}
		}
	}
	return httpx.ProblemDetail{Title: "Internal Error", Status: http.StatusInternalServerError}
}

var errorMappings = []struct {
	err    error
	status int
	title  string
	code   string
}{
	{factory.ErrUnauthenticated, http.StatusUnauthorized, "Unauthorized", "unauthenticated"},
	{factory.ErrBatchNotFound, http.StatusNotFound, "Not Found", "batch_not_found"},
	{factory.ErrStepNotFound, http.StatusNotFound, "Not Found", "step_not_found"},
	{factory.ErrOutputNotFound, http.StatusNotFound, "Not Found", "output_not_found"},
	{factory.ErrReadOnly, http.StatusConflict, "Read Only", "read_only"},
	{factory.ErrVersionConflict, http.StatusConflict, "Conflict", "version_conflict"},
	{factory.ErrDuplicateLotNumber, http.StatusConflict, "Conflict", "duplicate_lot_number"},
	{factory.ErrDuplicateRequest, http.StatusConflict, "Conflict", "duplicate_request"},
	{factory.ErrNotProcessing, http.StatusConflict, "Conflict", "not_processing"},
	{factory.ErrWrongStage, http.StatusConflict, "Conflict", "wrong_stage"},
	{factory.ErrNotFinalized, http.StatusConflict, "Conflict", "not_finalized"},
	{factory.ErrNothingToProcess, http.StatusUnprocessableEntity, "Unprocessable", "nothing_to_process"},
	{factory.ErrInvalidAllocation, http.StatusUnprocessableEntity, "Unprocessable", "invalid_allocation"},
	{factory.ErrConfirmationRequired, http.StatusUnprocessableEntity, "Confirmation Required", "confirmation_required"},
	{factory.ErrInvalidStage, http.StatusUnprocessableEntity, "Unprocessable", "invalid_stage"},
	{factory.ErrInvalidStageData, http.StatusUnprocessableEntity, "Unprocessable", "invalid_stage_data"},
	{factory.ErrUnknownStepField, http.StatusUnprocessableEntity, "Unprocessable", "unknown_step_field"},
	{factory.ErrInvalidStepValue, http.StatusUnprocessableEntity, "Unprocessable", "invalid_step_value"},
	{factory.ErrInvalidOutput, http.StatusUnprocessableEntity, "Unprocessable", "invalid_output"},
}

func actorFrom(r *http.Request) factory.Actor {
	p := shared.PrincipalFromContext(r.Context())
	if p == nil {
		return factory.Actor{}
	}
	return factory.Actor{ID: p.UserID, CanWrite: p.Has(shared.PermFactoryBatchProcess)}
}

func batchID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func jsonName(field string) string {
	switch field {
	case "ProductType":
		return "product_type"
	case "ProductGrade":
		return "product_grade"
	case "TargetMarket":
		return "target_market"
	default:
		return strings.ToLower(field)
	}
}
