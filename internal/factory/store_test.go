package factory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// memoryStore is an in-memory Store with the version and lot guards of the
// Postgres repository.
type memoryStore struct {
	mu         sync.Mutex
	batches    map[string]Workflow
	patches    []BatchPatch
	writeErr   error
	enumErr    error
	enumerated int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{batches: make(map[string]Workflow)}
}

func (m *memoryStore) put(t *testing.T, wf Workflow) {
	t.Helper()
	if wf.Version == 0 {
		wf.Version = 1
	}
	if wf.State.Status == "" {
		wf.State.Status = StatusReceived
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[wf.Batch.ID] = clone(t, wf)
}

func (m *memoryStore) get(t *testing.T, id string) Workflow {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.batches[id]
	require.True(t, ok, "batch %s not stored", id)
	return clone(t, wf)
}

func clone(t testing.TB, wf Workflow) Workflow {
	raw, err := json.Marshal(wf)
	require.NoError(t, err)
	var out Workflow
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (m *memoryStore) ReadBatch(_ context.Context, id string) (Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.batches[id]
	if !ok {
		return Workflow{}, ErrBatchNotFound
	}
	raw, err := json.Marshal(wf)
	if err != nil {
		return Workflow{}, err
	}
	var out Workflow
	return out, json.Unmarshal(raw, &out)
}

func (m *memoryStore) WriteBatchFields(_ context.Context, id string, patch BatchPatch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	wf, ok := m.batches[id]
	if !ok {
		return 0, ErrBatchNotFound
	}
	if patch.ExpectedVersion != wf.Version {
		return 0, ErrVersionConflict
	}
	if patch.AppendWeight != nil && patch.AppendWeight.SessionNumber != len(wf.WeightHistory)+1 {
		return 0, ErrVersionConflict
	}
	if patch.Outputs != nil {
		for _, rec := range *patch.Outputs {
			if owner, taken := m.lotOwner(rec.BatchLotNumber); taken && owner != rec.ID {
				return 0, ErrDuplicateLotNumber
			}
		}
	}
	applyPatch(&wf, patch)
	wf.Version++
	m.batches[id] = wf
	m.patches = append(m.patches, patch)
	return wf.Version, nil
}

func (m *memoryStore) lotOwner(lot string) (string, bool) {
	for _, wf := range m.batches {
		for _, rec := range wf.Outputs {
			if rec.BatchLotNumber == lot {
				return rec.ID, true
			}
		}
		for _, s := range wf.Sessions {
			for _, rec := range s.Outputs {
				if rec.BatchLotNumber == lot {
					return rec.ID, true
				}
			}
		}
	}
	return "", false
}

func (m *memoryStore) EnumerateAllOutputRecords(context.Context) ([]OutputRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enumerated++
	if m.enumErr != nil {
		return nil, m.enumErr
	}
	var out []OutputRecord
	for _, wf := range m.batches {
		out = append(out, wf.Outputs...)
		for _, s := range wf.Sessions {
			out = append(out, s.Outputs...)
		}
	}
	return out, nil
}

func (m *memoryStore) lastPatch(t *testing.T) BatchPatch {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.patches)
	return m.patches[len(m.patches)-1]
}

func kg(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}
