package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// BatchEntity is the audit entity recorded by the factory workflow.
const BatchEntity = "factory_batch"

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// ErrEntityRequired indicates a timeline query without a batch.
var ErrEntityRequired = errors.New("audit: batch id is required")

// WindowParams are the bound parameters of a timeline query. Unset filters are NULL.
type WindowParams struct {
	Entity     string
	EntityID   string
	FromAt     pgtype.Timestamptz
	ToAt       pgtype.Timestamptz
	Actor      pgtype.Text
	Action     pgtype.Text
	OffsetRows int32
	LimitRows  int32
}

// Repository reads audit_logs.
type Repository interface {
	TimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
	TimelineAll(ctx context.Context, arg WindowParams) ([]TimelineRow, error)
}

// Service mengoordinasikan pengambilan data audit.
type Service struct {
	repo Repository
}

// NewService membuat service audit timeline baru.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of a batch's audit trail, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	params, err := windowParams(filters)
	if err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	params.OffsetRows = int32((page - 1) * pageSize)
	params.LimitRows = int32(pageSize + 1)

	rows, err := s.repo.TimelineWindow(ctx, params)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// Export returns the whole filtered trail without paging.
func (s *Service) Export(ctx context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	params, err := windowParams(filters)
	if err != nil {
		return nil, err
	}
	return s.repo.TimelineAll(ctx, params)
}

func windowParams(filters TimelineFilters) (WindowParams, error) {
	id := strings.TrimSpace(filters.EntityID)
	if id == "" {
		return WindowParams{}, ErrEntityRequired
	}
	to := filters.To
	if !to.IsZero() {
		// the upper bound is inclusive of the whole day
		to = to.Add(24 * time.Hour)
	}
	return WindowParams{
		Entity:   BatchEntity,
		EntityID: id,
		FromAt:   toPgTime(filters.From),
		ToAt:     toPgTime(to),
		Actor:    optionalText(filters.Actor),
		Action:   optionalText(filters.Action),
	}, nil
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
