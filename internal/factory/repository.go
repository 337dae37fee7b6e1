package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/agritrace/agritrace/internal/platform/db"
)

const pgUniqueViolation = "23505"

// Repository persists batch workflows in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectBatch = `SELECT id, original_weight::text, farm_name, herb_species, harvest_date, cultivation_method, received_at,
	current_stage, processing_mode, status, quality_inspection, processing_plan, compliance_review, summary_review,
	processing_steps, output_records, session_summaries, version
FROM factory_batches WHERE id = $1`

// ReadBatch loads the composite aggregate of one batch.
func (r *Repository) ReadBatch(ctx context.Context, id string) (Workflow, error) {
	var (
		wf                                   Workflow
		weight                               string
		stage                                int16
		status                               string
		inspection, plan, compliance, review []byte
		steps, outputs, sessions             []byte
	)
	err := r.pool.QueryRow(ctx, selectBatch, id).Scan(
		&wf.Batch.ID, &weight, &wf.Batch.FarmName, &wf.Batch.HerbSpecies, &wf.Batch.HarvestDate,
		&wf.Batch.CultivationMethod, &wf.Batch.ReceivedAt,
		&stage, &wf.State.ProcessingMode, &status,
		&inspection, &plan, &compliance, &review,
		&steps, &outputs, &sessions, &wf.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Workflow{}, ErrBatchNotFound
		}
		return Workflow{}, err
	}
	if wf.Batch.OriginalWeight, err = decimal.NewFromString(weight); err != nil {
		return Workflow{}, fmt.Errorf("factory: parse original weight: %w", err)
	}
	wf.State.CurrentStage = Stage(stage)
	wf.State.Status = Status(status)
	for _, col := range []struct {
		name string
		raw  []byte
		dest any
	}{
		{"quality_inspection", inspection, &wf.Inspection},
		{"processing_plan", plan, &wf.Plan},
		{"compliance_review", compliance, &wf.Compliance},
		{"summary_review", review, &wf.Review},
		{"processing_steps", steps, &wf.Steps},
		{"output_records", outputs, &wf.Outputs},
		{"session_summaries", sessions, &wf.Sessions},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return Workflow{}, fmt.Errorf("factory: decode %s: %w", col.name, err)
		}
	}
	history, err := r.weightHistory(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	wf.WeightHistory = history
	return wf, nil
}

func (r *Repository) weightHistory(ctx context.Context, id string) ([]WeightEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT session_number, weight::text, committed_at, committed_by, COALESCE(request_key, '')
FROM factory_weight_history WHERE batch_id = $1 ORDER BY session_number`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []WeightEntry
	for rows.Next() {
		var entry WeightEntry
		var weight string
		if err := rows.Scan(&entry.SessionNumber, &weight, &entry.Timestamp, &entry.CommittedBy, &entry.RequestKey); err != nil {
			return nil, err
		}
		if entry.Weight, err = decimal.NewFromString(weight); err != nil {
			return nil, fmt.Errorf("factory: parse session weight: %w", err)
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

// WriteBatchFields applies a partial patch guarded by the expected version and
// returns the new version. Fields absent from the patch are never written.
func (r *Repository) WriteBatchFields(ctx context.Context, id string, patch BatchPatch) (int64, error) {
	if patch.Empty() {
		return patch.ExpectedVersion, nil
	}
	var version int64
	if r == nil || r.pool == nil {
		return 0, fmt.Errorf("factory: repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		version, err = r.updateBatchRow(ctx, tx, id, patch)
		if err != nil {
			return err
		}
		if patch.AppendWeight != nil {
			if err := insertWeight(ctx, tx, id, *patch.AppendWeight); err != nil {
				return err
			}
		}
		if patch.AppendSession != nil {
			if err := archiveLots(ctx, tx, id, patch.AppendSession.Outputs); err != nil {
				return err
			}
		}
		if patch.Outputs != nil {
			if err := syncLots(ctx, tx, id, *patch.Outputs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *Repository) updateBatchRow(ctx context.Context, tx pgx.Tx, id string, patch BatchPatch) (int64, error) {
	sets := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{id, patch.ExpectedVersion}
	add := func(expr string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	addJSON := func(expr string, value any) error {
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		add(expr, raw)
		return nil
	}
	if patch.CurrentStage != nil {
		add("current_stage = $%d", int16(*patch.CurrentStage))
	}
	if patch.ProcessingMode != nil {
		add("processing_mode = $%d", *patch.ProcessingMode)
	}
	if patch.Status != nil {
		add("status = $%d", string(*patch.Status))
	}
	for _, col := range []struct {
		expr  string
		set   bool
		value any
	}{
		{"quality_inspection = $%d", patch.Inspection != nil, patch.Inspection},
		{"processing_plan = $%d", patch.Plan != nil, patch.Plan},
		{"compliance_review = $%d", patch.Compliance != nil, patch.Compliance},
		{"summary_review = $%d", patch.Review != nil, patch.Review},
		{"processing_steps = $%d", patch.Steps != nil, patch.Steps},
		{"output_records = $%d", patch.Outputs != nil, patch.Outputs},
	} {
		if !col.set {
			continue
		}
		if err := addJSON(col.expr, col.value); err != nil {
			return 0, err
		}
	}
	if patch.AppendSession != nil {
		if err := addJSON("session_summaries = session_summaries || $%d::jsonb", []SessionSummary{*patch.AppendSession}); err != nil {
			return 0, err
		}
	}
	query := "UPDATE factory_batches SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND version = $2 RETURNING version"
	var version int64
	if err := tx.QueryRow(ctx, query, args...).Scan(&version); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM factory_batches WHERE id = $1)`, id).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrBatchNotFound
		}
		return 0, ErrVersionConflict
	}
	return version, nil
}

func insertWeight(ctx context.Context, tx pgx.Tx, id string, entry WeightEntry) error {
	var key *string
	if entry.RequestKey != "" {
		key = &entry.RequestKey
	}
	_, err := tx.Exec(ctx, `INSERT INTO factory_weight_history (batch_id, session_number, weight, committed_at, committed_by, request_key)
VALUES ($1, $2, $3::numeric, $4, $5, $6)`, id, entry.SessionNumber, entry.Weight.String(), entry.Timestamp, entry.CommittedBy, key)
	if isUniqueViolation(err) {
		return ErrVersionConflict
	}
	return err
}

func archiveLots(ctx context.Context, tx pgx.Tx, id string, outputs []OutputRecord) error {
	lots := lotNumbers(outputs)
	if len(lots) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE factory_lot_numbers SET archived = TRUE WHERE batch_id = $1 AND lot_number = ANY($2)`, id, lots)
	return err
}

// syncLots makes the active lot reservations of a batch match its output list.
func syncLots(ctx context.Context, tx pgx.Tx, id string, outputs []OutputRecord) error {
	lots := lotNumbers(outputs)
	if _, err := tx.Exec(ctx, `DELETE FROM factory_lot_numbers WHERE batch_id = $1 AND NOT archived AND NOT (lot_number = ANY($2))`, id, lots); err != nil {
		return err
	}
	for _, rec := range outputs {
		if rec.BatchLotNumber == "" {
			continue
		}
		var lot string
		err := tx.QueryRow(ctx, `INSERT INTO factory_lot_numbers (lot_number, batch_id, output_id)
VALUES ($1, $2, $3)
ON CONFLICT (lot_number) DO UPDATE SET output_id = EXCLUDED.output_id
WHERE factory_lot_numbers.batch_id = EXCLUDED.batch_id AND factory_lot_numbers.output_id = EXCLUDED.output_id
RETURNING lot_number`, rec.BatchLotNumber, id, rec.ID).Scan(&lot)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrDuplicateLotNumber, rec.BatchLotNumber)
			}
			return err
		}
	}
	return nil
}

func lotNumbers(outputs []OutputRecord) []string {
	lots := make([]string, 0, len(outputs))
	for _, rec := range outputs {
		if rec.BatchLotNumber != "" {
			lots = append(lots, rec.BatchLotNumber)
		}
	}
	return lots
}

const enumerateOutputs = `SELECT rec FROM factory_batches b, jsonb_array_elements(b.output_records) AS rec
UNION ALL
SELECT rec FROM factory_batches b,
	jsonb_array_elements(b.session_summaries) AS s,
	jsonb_array_elements(CASE WHEN jsonb_typeof(s->'outputs') = 'array' THEN s->'outputs' ELSE '[]'::jsonb END) AS rec`

// EnumerateAllOutputRecords scans active and archived outputs of every batch.
func (r *Repository) EnumerateAllOutputRecords(ctx context.Context) ([]OutputRecord, error) {
	rows, err := r.pool.Query(ctx, enumerateOutputs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []OutputRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec OutputRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("factory: decode output record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateBatch registers a batch handed over by upstream intake.
func (r *Repository) CreateBatch(ctx context.Context, batch Batch) error {
	if batch.ID == "" || !batch.OriginalWeight.IsPositive() {
		return fmt.Errorf("factory: batch id and positive original weight required")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO factory_batches (id, original_weight, farm_name, herb_species, harvest_date, cultivation_method, received_at)
VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)`,
		batch.ID, batch.OriginalWeight.String(), batch.FarmName, batch.HerbSpecies, batch.HarvestDate, batch.CultivationMethod, batch.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrBatchExists
	}
	return err
}

// BatchSummary is one row of the batch listing.
type BatchSummary struct {
	ID             string          `json:"id"`
	HerbSpecies    string          `json:"herb_species"`
	OriginalWeight decimal.Decimal `json:"original_weight"`
	Status         Status          `json:"status"`
	CurrentStage   Stage           `json:"current_stage"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ListBatches returns recently updated batches, optionally filtered by status.
func (r *Repository) ListBatches(ctx context.Context, status Status, limit int) ([]BatchSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, herb_species, original_weight::text, status, current_stage, updated_at
FROM factory_batches WHERE ($1 = '' OR status = $1) ORDER BY updated_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchSummary
	for rows.Next() {
		var (
			row    BatchSummary
			weight string
			st     string
			stage  int16
		)
		if err := rows.Scan(&row.ID, &row.HerbSpecies, &weight, &st, &stage, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if row.OriginalWeight, err = decimal.NewFromString(weight); err != nil {
			return nil, err
		}
		row.Status = Status(st)
		row.CurrentStage = Stage(stage)
		out = append(out, row)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
