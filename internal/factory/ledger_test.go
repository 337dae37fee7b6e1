package factory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerCommitMaintainsConservation(t *testing.T) {
	ledger := NewLedger(kg("100"), nil, false)
	at := time.Date(2025, 5, 1, 8, 0, 0, 0, time.FixedZone("WIB", 7*3600))

	for _, w := range []string{"12.5", "30", "0.25", "7.125"} {
		_, err := ledger.Commit(kg(w), at, "op-1")
		require.NoError(t, err)

		sum := kg("0")
		for _, entry := range ledger.History() {
			sum = sum.Add(entry.Weight)
		}
		require.True(t, sum.Equal(ledger.ProcessedWeight()))
		require.True(t, ledger.RemainingBalance().Equal(ledger.OriginalWeight().Sub(ledger.ProcessedWeight())))
	}
	require.True(t, ledger.ProcessedWeight().Equal(kg("49.875")))
	require.Equal(t, 4, ledger.SessionCount())

	latest, ok := ledger.LatestSession()
	require.True(t, ok)
	require.Equal(t, 4, latest.SessionNumber)
	require.Equal(t, time.UTC, latest.Timestamp.Location())
	require.Equal(t, 49.88, ledger.ProgressPercent())
}

func TestLedgerRejectsInvalidWeights(t *testing.T) {
	ledger := NewLedger(kg("100"), nil, false)
	_, err := ledger.Commit(kg("40"), time.Now(), "op-1")
	require.NoError(t, err)

	for _, w := range []string{"0", "-5", "60.001", "70"} {
		_, err := ledger.Commit(kg(w), time.Now(), "op-1")
		require.ErrorIs(t, err, ErrInvalidAllocation, w)
	}
	require.Equal(t, 1, ledger.SessionCount())

	_, err = ledger.Commit(kg("60"), time.Now(), "op-1")
	require.NoError(t, err)
	require.True(t, ledger.AvailableForProcessing().IsZero())
	require.False(t, ledger.CanAllocate(kg("0.001")))
}

func TestLedgerRejectsSubGramPrecision(t *testing.T) {
	ledger := NewLedger(kg("100"), nil, false)

	_, err := ledger.Commit(kg("0.0004"), time.Now(), "op-1")
	require.ErrorIs(t, err, ErrInvalidAllocation)
	_, err = ledger.Commit(kg("10.0004"), time.Now(), "op-1")
	require.EqualError(t, err, "factory: invalid allocation: 10.0004 kg has more than 3 decimal places")
	require.Zero(t, ledger.SessionCount())

	entry, err := ledger.Commit(kg("10.0000"), time.Now(), "op-1")
	require.NoError(t, err)
	require.True(t, entry.Weight.Equal(kg("10")))
}

func TestLedgerOverAllocationMessage(t *testing.T) {
	ledger := NewLedger(kg("1250"), []WeightEntry{{SessionNumber: 1, Weight: kg("50")}}, false)
	_, err := ledger.Commit(kg("1500"), time.Now(), "op-1")
	require.EqualError(t, err, "factory: invalid allocation: 1,500.00 kg exceeds remaining balance of 1,200.00 kg")
}

func TestLedgerFrozenIsReadOnly(t *testing.T) {
	ledger := NewLedger(kg("100"), []WeightEntry{{SessionNumber: 1, Weight: kg("85")}}, true)
	require.True(t, ledger.Frozen())
	_, err := ledger.Commit(kg("5"), time.Now(), "op-1")
	require.ErrorIs(t, err, ErrReadOnly)
	require.Len(t, ledger.History(), 1)
}

func TestLedgerHistoryIsCopied(t *testing.T) {
	history := []WeightEntry{{SessionNumber: 1, Weight: kg("10")}}
	ledger := NewLedger(kg("100"), history, false)
	history[0].Weight = kg("99")
	require.True(t, ledger.ProcessedWeight().Equal(kg("10")))

	out := ledger.History()
	out[0].Weight = kg("99")
	require.True(t, ledger.ProcessedWeight().Equal(kg("10")))
}

func TestLedgerOverdrawnHistoryClampsAvailable(t *testing.T) {
	ledger := NewLedger(kg("10"), []WeightEntry{{SessionNumber: 1, Weight: kg("12")}}, false)
	require.True(t, ledger.RemainingBalance().Equal(kg("-2")))
	require.True(t, ledger.AvailableForProcessing().IsZero())
}
