package audit

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository queries audit_logs through pgx.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const timelineWhere = `FROM audit_logs
WHERE entity = $1 AND entity_id = $2
  AND ($3::timestamptz IS NULL OR occurred_at >= $3)
  AND ($4::timestamptz IS NULL OR occurred_at < $4)
  AND ($5::text IS NULL OR actor_id = $5)
  AND ($6::text IS NULL OR action = $6)`

const timelineWindow = `SELECT occurred_at, actor_id, action, entity, entity_id, meta ` + timelineWhere + `
ORDER BY occurred_at DESC, id DESC
OFFSET $7 LIMIT $8`

const timelineAll = `SELECT occurred_at, actor_id, action, entity, entity_id, meta ` + timelineWhere + `
ORDER BY occurred_at ASC, id ASC`

// TimelineWindow returns one window of the trail.
func (r *PgRepository) TimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineWindow,
		arg.Entity, arg.EntityID, arg.FromAt, arg.ToAt, arg.Actor, arg.Action, arg.OffsetRows, arg.LimitRows)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

// TimelineAll returns the full trail in chronological order.
func (r *PgRepository) TimelineAll(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, timelineAll,
		arg.Entity, arg.EntityID, arg.FromAt, arg.ToAt, arg.Actor, arg.Action)
	if err != nil {
		return nil, err
	}
	return scanTimeline(rows)
}

func scanTimeline(rows pgx.Rows) ([]TimelineRow, error) {
	defer rows.Close()
	var out []TimelineRow
	for rows.Next() {
		var (
			row  TimelineRow
			meta []byte
		)
		if err := rows.Scan(&row.At, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &row.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
