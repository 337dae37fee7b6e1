package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var outputValidator = newOutputValidator()

func newOutputValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("product_type", func(fl validator.FieldLevel) bool {
		switch ProductType(fl.Field().String()) {
		case ProductPowder, ProductExtract, ProductCapsule, ProductTeaBag:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("product_grade", func(fl validator.FieldLevel) bool {
		switch ProductGrade(fl.Field().String()) {
		case GradePremium, GradeStandard, GradeEconomy:
			return true
		}
		return false
	})
	_ = v.RegisterValidation("target_market", func(fl validator.FieldLevel) bool {
		switch TargetMarket(fl.Field().String()) {
		case MarketLocal, MarketNational, MarketExport:
			return true
		}
		return false
	})
	return v
}

// LotIssuer hands out lot numbers for new output records.
type LotIssuer interface {
	Next(ctx context.Context) string
}

// LotReleaser is implemented by issuers that can take back a lot number whose
// record failed to persist.
type LotReleaser interface {
	Release(lot string)
}

// Registry is the per-session list of finished-goods records.
type Registry struct {
	items []OutputRecord
	newID func() string
}

// NewRegistry wraps an existing output list.
func NewRegistry(items []OutputRecord) *Registry {
	copied := make([]OutputRecord, len(items))
	copy(copied, items)
	return &Registry{items: copied, newID: func() string { return uuid.NewString() }}
}

// ValidateOutput normalises the record and checks it against the output schema.
// The unit is always derived from the product type.
func ValidateOutput(rec OutputRecord) (OutputRecord, error) {
	rec.Processor = strings.TrimSpace(rec.Processor)
	rec.Unit = rec.ProductType.Unit()
	if err := outputValidator.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, outputFieldMessage(fe))
			}
			return OutputRecord{}, fmt.Errorf("%w: %s", ErrInvalidOutput, strings.Join(msgs, "; "))
		}
		return OutputRecord{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return rec, nil
}

func outputFieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "Processor":
		return "processor is required"
	case "Quantity":
		return "quantity must be greater than zero"
	case "WasteQuantity":
		return "waste quantity cannot be negative"
	case "ProductType":
		return fmt.Sprintf("product type %q is not recognised", fe.Value())
	case "ProductGrade":
		return fmt.Sprintf("product grade %q is not recognised", fe.Value())
	case "TargetMarket":
		return fmt.Sprintf("target market %q is not recognised", fe.Value())
	default:
		return strings.ToLower(fe.Field()) + " is invalid"
	}
}

// Add validates the record, assigns identity and a lot number, and appends it.
// No lot number is consumed when validation fails.
func (r *Registry) Add(ctx context.Context, rec OutputRecord, batchID string, lots LotIssuer, at time.Time) (OutputRecord, error) {
	valid, err := ValidateOutput(rec)
	if err != nil {
		return OutputRecord{}, err
	}
	valid.ID = r.newID()
	valid.BatchID = batchID
	valid.BatchLotNumber = lots.Next(ctx)
	valid.Timestamp = at.UTC()
	r.items = append(r.items, valid)
	return valid, nil
}

// Remove deletes one record.
func (r *Registry) Remove(id string) error {
	for i, rec := range r.items {
		if rec.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return ErrOutputNotFound
}

// List returns a copy of the records in creation order.
func (r *Registry) List() []OutputRecord {
	out := make([]OutputRecord, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.items)
}

// OutputTotals sums quantities per unit.
func OutputTotals(records []OutputRecord) map[string]float64 {
	totals := make(map[string]float64)
	for _, rec := range records {
		totals[rec.Unit] += rec.Quantity
	}
	return totals
}

// TotalWaste sums the waste recorded against the outputs.
func TotalWaste(records []OutputRecord) float64 {
	total := 0.0
	for _, rec := range records {
		total += rec.WasteQuantity
	}
	return total
}
