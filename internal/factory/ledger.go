package factory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var weightPrinter = message.NewPrinter(language.English)

// weightScale is the number of decimal places stored for weights (grams).
const weightScale = 3

// formatKg renders a weight for operator-facing messages.
func formatKg(w decimal.Decimal) string {
	f, _ := w.Float64()
	return weightPrinter.Sprintf("%.2f kg", f)
}

// Ledger owns a batch's weight balance. Processed and remaining weight are
// always derived from the committed session log.
type Ledger struct {
	original decimal.Decimal
	history  []WeightEntry
	frozen   bool
}

// NewLedger hydrates a ledger from the committed history.
func NewLedger(original decimal.Decimal, history []WeightEntry, frozen bool) *Ledger {
	entries := make([]WeightEntry, len(history))
	copy(entries, history)
	return &Ledger{original: original, history: entries, frozen: frozen}
}

// OriginalWeight returns the immutable starting weight.
func (l *Ledger) OriginalWeight() decimal.Decimal {
	return l.original
}

// ProcessedWeight sums every committed allocation.
func (l *Ledger) ProcessedWeight() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range l.history {
		total = total.Add(entry.Weight)
	}
	return total
}

// RemainingBalance returns originalWeight minus processedWeight.
func (l *Ledger) RemainingBalance() decimal.Decimal {
	return l.original.Sub(l.ProcessedWeight())
}

// AvailableForProcessing returns the weight that can still be allocated.
func (l *Ledger) AvailableForProcessing() decimal.Decimal {
	remaining := l.RemainingBalance()
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// CanAllocate reports whether the weight is positive and fits the live balance.
func (l *Ledger) CanAllocate(weight decimal.Decimal) bool {
	if !weight.IsPositive() {
		return false
	}
	return weight.LessThanOrEqual(l.AvailableForProcessing())
}

// Frozen reports whether the ledger belongs to a completed batch.
func (l *Ledger) Frozen() bool {
	return l.frozen
}

// Commit appends a new session entry. The ledger is unchanged on error.
func (l *Ledger) Commit(weight decimal.Decimal, at time.Time, actor string) (WeightEntry, error) {
	if l.frozen {
		return WeightEntry{}, ErrReadOnly
	}
	if !weight.Equal(weight.Round(weightScale)) {
		return WeightEntry{}, fmt.Errorf("%w: %s kg has more than %d decimal places", ErrInvalidAllocation, weight.String(), weightScale)
	}
	if !l.CanAllocate(weight) {
		if !weight.IsPositive() {
			return WeightEntry{}, fmt.Errorf("%w: weight must be greater than zero", ErrInvalidAllocation)
		}
		return WeightEntry{}, fmt.Errorf("%w: %s exceeds remaining balance of %s",
			ErrInvalidAllocation, formatKg(weight), formatKg(l.AvailableForProcessing()))
	}
	entry := WeightEntry{
		SessionNumber: len(l.history) + 1,
		Weight:        weight,
		Timestamp:     at.UTC(),
		CommittedBy:   actor,
	}
	l.history = append(l.history, entry)
	return entry, nil
}

// History returns a copy of the session log in commit order.
func (l *Ledger) History() []WeightEntry {
	out := make([]WeightEntry, len(l.history))
	copy(out, l.history)
	return out
}

// SessionCount returns the number of committed sessions.
func (l *Ledger) SessionCount() int {
	return len(l.history)
}

// LatestSession returns the most recent entry, if any.
func (l *Ledger) LatestSession() (WeightEntry, bool) {
	if len(l.history) == 0 {
		return WeightEntry{}, false
	}
	return l.history[len(l.history)-1], true
}

// ProgressPercent returns processedWeight as a share of the original weight.
func (l *Ledger) ProgressPercent() float64 {
	if !l.original.IsPositive() {
		return 0
	}
	pct, _ := l.ProcessedWeight().Div(l.original).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return pct
}
