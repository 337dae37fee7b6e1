package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stepDateLayout = "2006-01-02"

var validMethods = map[StepMethod]struct{}{
	MethodWashing:   {},
	MethodPeeling:   {},
	MethodSlicing:   {},
	MethodDrying:    {},
	MethodGrinding:  {},
	MethodSieving:   {},
	MethodPackaging: {},
}

var validStepStatuses = map[StepStatus]struct{}{
	StepPending:    {},
	StepInProgress: {},
	StepCompleted:  {},
}

// StepField names a mutable processing step attribute.
type StepField string

const (
	StepFieldMethod      StepField = "method"
	StepFieldDate        StepField = "date"
	StepFieldDuration    StepField = "duration"
	StepFieldTemperature StepField = "temperature"
	StepFieldEquipment   StepField = "equipment"
	StepFieldOperator    StepField = "operator"
	StepFieldStatus      StepField = "status"
	StepFieldNotes       StepField = "notes"
)

// Steps is the per-session collection of processing operations.
type Steps struct {
	items []ProcessingStep
	newID func() string
}

// NewSteps wraps an existing step list.
func NewSteps(items []ProcessingStep) *Steps {
	copied := make([]ProcessingStep, len(items))
	copy(copied, items)
	return &Steps{items: copied, newID: func() string { return uuid.NewString() }}
}

// Add appends a Pending step dated today and tagged with the latest session when present.
func (s *Steps) Add(now time.Time, latest *WeightEntry) ProcessingStep {
	step := ProcessingStep{
		ID:     s.newID(),
		Method: MethodWashing,
		Date:   now.Format(stepDateLayout),
		Status: StepPending,
	}
	if latest != nil {
		session := latest.SessionNumber
		weight := latest.Weight
		step.SessionNumber = &session
		step.ProcessingWeight = &weight
	}
	s.items = append(s.items, step)
	return step
}

// Update sets one field of a step. Unknown fields and out-of-range values are rejected.
func (s *Steps) Update(id string, field StepField, value string) (ProcessingStep, error) {
	idx := s.index(id)
	if idx < 0 {
		return ProcessingStep{}, ErrStepNotFound
	}
	step := s.items[idx]
	value = strings.TrimSpace(value)
	switch field {
	case StepFieldMethod:
		method := StepMethod(value)
		if _, ok := validMethods[method]; !ok {
			return ProcessingStep{}, fmt.Errorf("%w: method %q", ErrInvalidStepValue, value)
		}
		step.Method = method
	case StepFieldDate:
		if _, err := time.Parse(stepDateLayout, value); err != nil {
			return ProcessingStep{}, fmt.Errorf("%w: date %q", ErrInvalidStepValue, value)
		}
		step.Date = value
	case StepFieldDuration:
		step.Duration = value
	case StepFieldTemperature:
		step.Temperature = value
	case StepFieldEquipment:
		step.Equipment = value
	case StepFieldOperator:
		step.Operator = value
	case StepFieldStatus:
		status := StepStatus(value)
		if _, ok := validStepStatuses[status]; !ok {
			return ProcessingStep{}, fmt.Errorf("%w: status %q", ErrInvalidStepValue, value)
		}
		step.Status = status
	case StepFieldNotes:
		step.Notes = value
	default:
		return ProcessingStep{}, fmt.Errorf("%w: %q", ErrUnknownStepField, field)
	}
	s.items[idx] = step
	return step, nil
}

// Remove deletes one step.
func (s *Steps) Remove(id string) error {
	idx := s.index(id)
	if idx < 0 {
		return ErrStepNotFound
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return nil
}

// Clear drops every step.
func (s *Steps) Clear() {
	s.items = []ProcessingStep{}
}

// List returns a copy of the steps in creation order.
func (s *Steps) List() []ProcessingStep {
	out := make([]ProcessingStep, len(s.items))
	copy(out, s.items)
	return out
}

// Len returns the number of steps.
func (s *Steps) Len() int {
	return len(s.items)
}

// Incomplete counts steps whose status is not Completed.
func (s *Steps) Incomplete() int {
	return countIncomplete(s.items)
}

func (s *Steps) index(id string) int {
	for i, step := range s.items {
		if step.ID == id {
			return i
		}
	}
	return -1
}

func countIncomplete(steps []ProcessingStep) int {
	n := 0
	for _, step := range steps {
		if step.Status != StepCompleted {
			n++
		}
	}
	return n
}
