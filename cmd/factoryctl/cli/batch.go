package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/agritrace/agritrace/internal/factory"
)

func newBatchCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Register and inspect batches",
	}
	cmd.AddCommand(newBatchReceiveCommand(deps), newBatchShowCommand(deps), newBatchListCommand(deps))
	return cmd
}

func newBatchReceiveCommand(deps Deps) *cobra.Command {
	var (
		batch  factory.Batch
		weight string
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Register a batch handed over by intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := decimal.NewFromString(strings.TrimSpace(weight))
			if err != nil || !w.IsPositive() {
				return fmt.Errorf("weight must be a positive number, got %q", weight)
			}
			batch.OriginalWeight = w
			batch.ID = strings.TrimSpace(batch.ID)
			if batch.ID == "" {
				return fmt.Errorf("--id is required")
			}
			batch.ReceivedAt = time.Now().UTC()

			store, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			if err := store.CreateBatch(cmd.Context(), batch); err != nil {
				return fmt.Errorf("register batch %s: %w", batch.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s kg)\n", batch.ID, w.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&batch.ID, "id", "", "batch identifier")
	cmd.Flags().StringVar(&weight, "weight", "", "original weight in kilograms")
	cmd.Flags().StringVar(&batch.FarmName, "farm", "", "farm name")
	cmd.Flags().StringVar(&batch.HerbSpecies, "species", "", "herb species")
	cmd.Flags().StringVar(&batch.HarvestDate, "harvest-date", "", "harvest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&batch.CultivationMethod, "method", "", "cultivation method")
	return cmd
}

func newBatchShowCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "show <batch-id>",
		Short: "Print the ledger and workflow position of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			wf, err := store.ReadBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := factory.BuildOverview(wf, factory.Actor{ID: "factoryctl"})
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func newBatchListCommand(deps Deps) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recently updated batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			rows, err := store.ListBatches(cmd.Context(), factory.Status(status), limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No batches found")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSPECIES\tWEIGHT\tSTATUS\tSTAGE\tUPDATED")
			for _, row := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					row.ID, row.HerbSpecies, row.OriginalWeight.String(), row.Status, row.CurrentStage,
					row.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (Received, Processing, Completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}
