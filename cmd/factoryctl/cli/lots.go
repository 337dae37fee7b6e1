package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agritrace/agritrace/internal/factory"
	"github.com/agritrace/agritrace/jobs"
)

func newLotsCommand(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lots",
		Short: "Inspect output lot numbers",
	}
	cmd.AddCommand(newLotsNextCommand(deps), newLotsAuditCommand(deps))
	return cmd
}

func newLotsNextCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Preview the lot number the next output would receive",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			fmt.Fprintln(cmd.OutOrStdout(), factory.NewLotGenerator(store, deps.Logger).Next(cmd.Context()))
			return nil
		},
	}
}

func newLotsAuditCommand(deps Deps) *cobra.Command {
	var year int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Report lot numbers held by more than one output record",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := deps.OpenStore(cmd.Context())
			if err != nil {
				return err
			}
			defer release()
			collisions, err := jobs.NewLotAuditJob(store, nil, nil, deps.Logger).Run(cmd.Context(), year)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(collisions) == 0 {
				fmt.Fprintln(out, "No duplicate lot numbers")
				return nil
			}
			for _, c := range collisions {
				fmt.Fprintf(out, "%s\t%d records\t%s\n", c.LotNumber, c.Count, strings.Join(c.BatchIDs, ","))
			}
			return fmt.Errorf("%d duplicate lot numbers found", len(collisions))
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "only audit lot numbers of this year")
	return cmd
}
