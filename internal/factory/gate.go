package factory

import (
	"fmt"
	"strings"
)

// Requirement identifiers reported by GateError.
const (
	RequirementInspector     = "inspector_name"
	RequirementMoisture      = "moisture_content"
	RequirementSteps         = "processing_steps"
	RequirementStepsComplete = "processing_steps_completed"
	RequirementOutputs       = "output_records"
	RequirementCertification = "certification_status"
)

// GateError explains which requirement blocks entry into a stage.
type GateError struct {
	Stage       Stage
	Requirement string
	Message     string
}

func (e *GateError) Error() string { return e.Message }

func (e *GateError) Unwrap() error { return ErrStageBlocked }

// CheckEntry evaluates the predicate guarding entry into target from the stage before it.
func CheckEntry(w Workflow, target Stage) error {
	switch target {
	case StageProcessing:
		if strings.TrimSpace(w.Inspection.InspectorName) == "" {
			return &GateError{Stage: StageQualityInspection, Requirement: RequirementInspector,
				Message: "quality inspection: inspector name is required before processing"}
		}
		if w.Inspection.MoistureContent == nil {
			return &GateError{Stage: StageQualityInspection, Requirement: RequirementMoisture,
				Message: "quality inspection: moisture reading is required before processing"}
		}
	case StageOutputCompliance:
		if len(w.Steps) == 0 {
			return &GateError{Stage: StageProcessing, Requirement: RequirementSteps,
				Message: "processing: add at least one processing operation"}
		}
		if n := countIncomplete(w.Steps); n > 0 {
			return &GateError{Stage: StageProcessing, Requirement: RequirementStepsComplete,
				Message: fmt.Sprintf("processing: complete all operations before continuing (%d not completed)", n)}
		}
	case StageSummary:
		if len(w.Outputs) == 0 {
			return &GateError{Stage: StageOutputCompliance, Requirement: RequirementOutputs,
				Message: "output: record at least one output before the summary"}
		}
		switch w.Compliance.CertificationStatus {
		case CertificationPass, CertificationFail:
		case CertificationPending:
			return &GateError{Stage: StageOutputCompliance, Requirement: RequirementCertification,
				Message: "compliance: certification status must be Pass or Fail, not Pending"}
		default:
			return &GateError{Stage: StageOutputCompliance, Requirement: RequirementCertification,
				Message: "compliance: certification status is required"}
		}
	}
	return nil
}

// CheckReach evaluates every entry predicate from stage 2 up to target, in order.
func CheckReach(w Workflow, target Stage) error {
	if !target.Valid() {
		return ErrInvalidStage
	}
	for st := StageProcessing; st <= target; st++ {
		if err := CheckEntry(w, st); err != nil {
			return err
		}
	}
	return nil
}

// CheckMove decides whether the workflow may move from its current stage to target.
// Backward moves are always allowed.
func CheckMove(w Workflow, target Stage) error {
	if !target.Valid() {
		return ErrInvalidStage
	}
	if target <= w.State.CurrentStage {
		return nil
	}
	return CheckReach(w, target)
}

// StageAvailability describes whether a stage can be reached right now.
type StageAvailability struct {
	Stage     Stage  `json:"stage"`
	Available bool   `json:"available"`
	BlockedBy string `json:"blocked_by,omitempty"`
}

// Availability reports reachability for each workflow stage.
func Availability(w Workflow) []StageAvailability {
	out := make([]StageAvailability, 0, 4)
	for st := StageQualityInspection; st <= StageSummary; st++ {
		item := StageAvailability{Stage: st, Available: true}
		if err := CheckReach(w, st); err != nil {
			item.Available = false
			item.BlockedBy = err.Error()
		}
		out = append(out, item)
	}
	return out
}
