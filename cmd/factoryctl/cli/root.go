package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agritrace/agritrace/internal/app"
	"github.com/agritrace/agritrace/internal/factory"
	"github.com/agritrace/agritrace/internal/platform/db"
)

// BatchStore is the storage surface used by the operator commands.
type BatchStore interface {
	CreateBatch(ctx context.Context, batch factory.Batch) error
	ReadBatch(ctx context.Context, id string) (factory.Workflow, error)
	ListBatches(ctx context.Context, status factory.Status, limit int) ([]factory.BatchSummary, error)
	EnumerateAllOutputRecords(ctx context.Context) ([]factory.OutputRecord, error)
}

// Deps opens the collaborators a command needs. Each opener returns a release func.
type Deps struct {
	OpenStore func(ctx context.Context) (BatchStore, func(), error)
	OpenJobs  func(ctx context.Context) (*JobsCLI, error)
	Logger    *slog.Logger
}

// DefaultDeps reads the application configuration and connects lazily.
func DefaultDeps() Deps {
	return Deps{
		OpenStore: func(ctx context.Context) (BatchStore, func(), error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, nil, err
			}
			pool, err := db.New(ctx, cfg.PGDSN, 2)
			if err != nil {
				return nil, nil, err
			}
			return factory.NewRepository(pool), pool.Close, nil
		},
		OpenJobs: func(ctx context.Context) (*JobsCLI, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return NewJobsCLI(cfg.RedisAddr, cfg.RedisDB)
		},
	}
}

// NewRootCommand assembles the factoryctl command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root := &cobra.Command{
		Use:   "factoryctl",
		Short: "Operator tooling for the factory batch workflow",
		Long: `factoryctl registers intake batches, inspects workflow state and
drives the background jobs of the factory workflow.

Example:
  factoryctl batch receive --id B-2025-001 --weight 100 --species "Kaempferia galanga"
  factoryctl lots audit
  factoryctl jobs inspect`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBatchCommand(deps), newLotsCommand(deps), newJobsCommand(deps))
	return root
}
