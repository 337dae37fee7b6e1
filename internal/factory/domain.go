package factory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Stage enumerates the workflow positions of a batch.
type Stage int

const (
	StageOverview Stage = iota
	StageQualityInspection
	StageProcessing
	StageOutputCompliance
	StageSummary
)

var stageNames = map[Stage]string{
	StageOverview:          "overview",
	StageQualityInspection: "quality_inspection",
	StageProcessing:        "processing",
	StageOutputCompliance:  "output_compliance",
	StageSummary:           "summary",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "stage(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether the stage is one of the known positions.
func (s Stage) Valid() bool {
	return s >= StageOverview && s <= StageSummary
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("factory: invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts a stage name or its number.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStage resolves "2" or "processing" into a Stage.
func ParseStage(raw string) (Stage, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if n, err := strconv.Atoi(raw); err == nil {
		if st := Stage(n); st.Valid() {
			return st, nil
		}
		return 0, ErrInvalidStage
	}
	for st, name := range stageNames {
		if name == raw {
			return st, nil
		}
	}
	return 0, ErrInvalidStage
}

// Status captures the batch lifecycle.
type Status string

const (
	StatusReceived   Status = "Received"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
)

// StepMethod enumerates physical processing operations.
type StepMethod string

const (
	MethodWashing   StepMethod = "Washing"
	MethodPeeling   StepMethod = "Peeling"
	MethodSlicing   StepMethod = "Slicing"
	MethodDrying    StepMethod = "Drying"
	MethodGrinding  StepMethod = "Grinding"
	MethodSieving   StepMethod = "Sieving"
	MethodPackaging StepMethod = "Packaging"
)

// StepStatus tracks a processing step from Pending to Completed.
type StepStatus string

const (
	StepPending    StepStatus = "Pending"
	StepInProgress StepStatus = "In Progress"
	StepCompleted  StepStatus = "Completed"
)

// ProductType enumerates finished-goods forms.
type ProductType string

const (
	ProductPowder  ProductType = "Powder"
	ProductExtract ProductType = "Extract"
	ProductCapsule ProductType = "Capsule"
	ProductTeaBag  ProductType = "Tea Bag"
)

// Unit returns the unit of measure implied by the product type.
func (p ProductType) Unit() string {
	switch p {
	case ProductPowder, ProductExtract:
		return "kg"
	case ProductCapsule:
		return "units"
	case ProductTeaBag:
		return "packs"
	default:
		return "kg"
	}
}

// ProductGrade classifies output quality.
type ProductGrade string

const (
	GradePremium  ProductGrade = "Premium"
	GradeStandard ProductGrade = "Standard"
	GradeEconomy  ProductGrade = "Economy"
)

// TargetMarket describes where an output parcel is sold.
type TargetMarket string

const (
	MarketLocal    TargetMarket = "Local"
	MarketNational TargetMarket = "National"
	MarketExport   TargetMarket = "Export"
)

// CertificationStatus is the compliance determination for a batch.
type CertificationStatus string

const (
	CertificationPass    CertificationStatus = "Pass"
	CertificationFail    CertificationStatus = "Fail"
	CertificationPending CertificationStatus = "Pending"
)

// Batch is the raw-material unit received from upstream intake.
type Batch struct {
	ID                string          `json:"id"`
	OriginalWeight    decimal.Decimal `json:"original_weight"`
	FarmName          string          `json:"farm_name"`
	HerbSpecies       string          `json:"herb_species"`
	HarvestDate       string          `json:"harvest_date"`
	CultivationMethod string          `json:"cultivation_method"`
	ReceivedAt        time.Time       `json:"received_at"`
}

// WeightEntry is one committed allocation from the batch balance.
type WeightEntry struct {
	SessionNumber int             `json:"session_number"`
	Weight        decimal.Decimal `json:"weight"`
	Timestamp     time.Time       `json:"timestamp"`
	CommittedBy   string          `json:"committed_by,omitempty"`
	RequestKey    string          `json:"request_key,omitempty"`
}

// ProcessingStep is a physical operation performed during a session.
type ProcessingStep struct {
	ID               string           `json:"id"`
	Method           StepMethod       `json:"method"`
	Date             string           `json:"date"`
	Duration         string           `json:"duration"`
	Temperature      string           `json:"temperature"`
	Equipment        string           `json:"equipment"`
	Operator         string           `json:"operator"`
	Status           StepStatus       `json:"status"`
	Notes            string           `json:"notes"`
	SessionNumber    *int             `json:"session_number,omitempty"`
	ProcessingWeight *decimal.Decimal `json:"processing_weight,omitempty"`
}

// OutputRecord is one finished-goods parcel.
type OutputRecord struct {
	ID             string       `json:"id"`
	BatchID        string       `json:"batch_id"`
	BatchLotNumber string       `json:"batch_lot_number"`
	Processor      string       `json:"processor" validate:"required,max=120"`
	ProductType    ProductType  `json:"product_type" validate:"required,product_type"`
	Quantity       float64      `json:"quantity" validate:"gt=0"`
	Unit           string       `json:"unit"`
	WasteQuantity  float64      `json:"waste_quantity" validate:"gte=0"`
	ProductGrade   ProductGrade `json:"product_grade" validate:"required,product_grade"`
	TargetMarket   TargetMarket `json:"target_market" validate:"required,target_market"`
	Timestamp      time.Time    `json:"timestamp"`
}

// QualityInspection holds stage 1 fields.
type QualityInspection struct {
	InspectorName   string   `json:"inspector_name"`
	InspectionDate  string   `json:"inspection_date"`
	MoistureContent *float64 `json:"moisture_content,omitempty"`
	VisualQuality   string   `json:"visual_quality"`
	ForeignMatter   string   `json:"foreign_matter"`
	Notes           string   `json:"notes"`
}

// ProcessingPlan holds stage 2 fields that are saved with drafts.
type ProcessingPlan struct {
	ProductionLine string `json:"production_line"`
	Supervisor     string `json:"supervisor"`
	Notes          string `json:"notes"`
}

// ComplianceReview holds stage 3 fields.
type ComplianceReview struct {
	CertificationStatus CertificationStatus `json:"certification_status"`
	ComplianceOfficer   string              `json:"compliance_officer"`
	Standards           []string            `json:"standards"`
	Notes               string              `json:"notes"`
}

// SummaryReview holds stage 4 fields.
type SummaryReview struct {
	ReviewedBy string `json:"reviewed_by"`
	FinalNotes string `json:"final_notes"`
}

// StageData carries the form fields of exactly one stage.
type StageData struct {
	Inspection *QualityInspection `json:"inspection,omitempty"`
	Plan       *ProcessingPlan    `json:"plan,omitempty"`
	Compliance *ComplianceReview  `json:"compliance,omitempty"`
	Review     *SummaryReview     `json:"review,omitempty"`
}

// WorkflowState is the mutable cross-cutting position of a batch.
type WorkflowState struct {
	CurrentStage   Stage  `json:"current_stage"`
	ProcessingMode bool   `json:"processing_mode"`
	Status         Status `json:"status"`
}

// SessionSummary is archived when a batch is completed.
type SessionSummary struct {
	WeightHistory        []WeightEntry      `json:"weight_history"`
	Steps                []ProcessingStep   `json:"steps"`
	Outputs              []OutputRecord     `json:"outputs"`
	Inspection           QualityInspection  `json:"inspection"`
	Compliance           ComplianceReview   `json:"compliance"`
	Review               SummaryReview      `json:"review"`
	ProcessedWeight      decimal.Decimal    `json:"processed_weight"`
	RemainingWeight      decimal.Decimal    `json:"remaining_weight"`
	OutputTotals         map[string]float64 `json:"output_totals"`
	TotalWaste           float64            `json:"total_waste"`
	LeftoverAcknowledged bool               `json:"leftover_acknowledged"`
	CompletedAt          time.Time          `json:"completed_at"`
	CompletedBy          string             `json:"completed_by"`
}

// Workflow is the composite aggregate read from the store.
type Workflow struct {
	Batch         Batch             `json:"batch"`
	State         WorkflowState     `json:"state"`
	Inspection    QualityInspection `json:"inspection"`
	Plan          ProcessingPlan    `json:"plan"`
	Compliance    ComplianceReview  `json:"compliance"`
	Review        SummaryReview     `json:"review"`
	Steps         []ProcessingStep  `json:"steps"`
	WeightHistory []WeightEntry     `json:"weight_history"`
	Outputs       []OutputRecord    `json:"outputs"`
	Sessions      []SessionSummary  `json:"sessions"`
	Version       int64             `json:"version"`
}

// Ledger rebuilds the weight ledger from the committed history.
func (w Workflow) Ledger() *Ledger {
	return NewLedger(w.Batch.OriginalWeight, w.WeightHistory, w.State.Status == StatusCompleted)
}

// Actor identifies the caller of a workflow operation.
type Actor struct {
	ID       string
	CanWrite bool
}

// BatchPatch lists the fields of a partial batch write. Nil fields are left untouched.
type BatchPatch struct {
	ExpectedVersion int64
	CurrentStage    *Stage
	ProcessingMode  *bool
	Status          *Status
	Inspection      *QualityInspection
	Plan            *ProcessingPlan
	Compliance      *ComplianceReview
	Review          *SummaryReview
	Steps           *[]ProcessingStep
	Outputs         *[]OutputRecord
	AppendWeight    *WeightEntry
	AppendSession   *SessionSummary
}

// Fields returns the names of the fields carried by the patch.
func (p BatchPatch) Fields() []string {
	fields := make([]string, 0, 11)
	if p.CurrentStage != nil {
		fields = append(fields, "current_stage")
	}
	if p.ProcessingMode != nil {
		fields = append(fields, "processing_mode")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if p.Inspection != nil {
		fields = append(fields, "quality_inspection")
	}
	if p.Plan != nil {
		fields = append(fields, "processing_plan")
	}
	if p.Compliance != nil {
		fields = append(fields, "compliance_review")
	}
	if p.Review != nil {
		fields = append(fields, "summary_review")
	}
	if p.Steps != nil {
		fields = append(fields, "processing_steps")
	}
	if p.Outputs != nil {
		fields = append(fields, "output_records")
	}
	if p.AppendWeight != nil {
		fields = append(fields, "weight_history")
	}
	if p.AppendSession != nil {
		fields = append(fields, "session_summaries")
	}
	return fields
}

// Empty reports whether the patch carries no fields.
func (p BatchPatch) Empty() bool {
	return len(p.Fields()) == 0
}

// ErrBatchNotFound indicates the batch does not exist in the store.
var ErrBatchNotFound = errors.New("factory: batch not found")

// ErrBatchExists indicates an intake for a batch id that is already registered.
var ErrBatchExists = errors.New("factory: batch already exists")

// ErrUnauthenticated is returned when no actor credential accompanies the call.
var ErrUnauthenticated = errors.New("factory: authentication required")

// ErrReadOnly is returned for any mutation of a completed batch or by a read-only caller.
var ErrReadOnly = errors.New("factory: batch is read-only")

// ErrInvalidAllocation indicates a weight that cannot be allocated.
var ErrInvalidAllocation = errors.New("factory: invalid allocation")

// ErrInvalidStage indicates an unknown stage identifier.
var ErrInvalidStage = errors.New("factory: invalid stage")

// ErrStageBlocked is wrapped by every Gate failure.
var ErrStageBlocked = errors.New("factory: stage requirements not met")

// ErrNotProcessing is returned when a staged operation runs outside processing mode.
var ErrNotProcessing = errors.New("factory: batch is not in processing mode")

// ErrWrongStage indicates the operation belongs to another stage.
var ErrWrongStage = errors.New("factory: operation not available at current stage")

// ErrNothingToProcess is returned when the remaining balance is zero.
var ErrNothingToProcess = errors.New("factory: no remaining material to process")

// ErrConfirmationRequired is returned when completing with leftover material unconfirmed.
var ErrConfirmationRequired = errors.New("factory: leftover material requires confirmation")

// ErrStepNotFound indicates an unknown processing step id.
var ErrStepNotFound = errors.New("factory: processing step not found")

// ErrUnknownStepField indicates an update to a field outside the step schema.
var ErrUnknownStepField = errors.New("factory: unknown processing step field")

// ErrInvalidStepValue indicates an enum or date value outside the schema.
var ErrInvalidStepValue = errors.New("factory: invalid processing step value")

// ErrOutputNotFound indicates an unknown output record id.
var ErrOutputNotFound = errors.New("factory: output record not found")

// ErrInvalidOutput indicates an output record that fails validation.
var ErrInvalidOutput = errors.New("factory: invalid output record")

// ErrInvalidStageData indicates stage data supplied for a different stage.
var ErrInvalidStageData = errors.New("factory: stage data does not match current stage")

// ErrVersionConflict is returned when another session wrote the batch first.
var ErrVersionConflict = errors.New("factory: batch was modified by another session")

// ErrDuplicateLotNumber is returned when persistence rejects a lot number already in use.
var ErrDuplicateLotNumber = errors.New("factory: lot number already in use")

// ErrDuplicateRequest indicates an idempotency key that was already processed.
var ErrDuplicateRequest = errors.New("factory: request already processed")

// ErrNotFinalized is returned when a snapshot is requested for an editable batch.
var ErrNotFinalized = errors.New("factory: batch not finalized")

// PersistError wraps a failed storage write. Local state is left untouched so the
// caller can retry the same operation.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("factory: persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the operation may succeed.
func (e *PersistError) Retryable() bool {
	return !errors.Is(e.Err, ErrBatchNotFound)
}
