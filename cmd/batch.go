package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/feederdispatch/app"
	"github.com/kilianp07/feederdispatch/config"
)

func newBatchCmd(rf *rootFlags) *cobra.Command {
	f := &solveFlags{}
	var stepsPath string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Solve independent time steps of one case concurrently",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.format == formatCSV {
				return fmt.Errorf("batch supports table or json output")
			}
			if err := checkFormat(f.format); err != nil {
				return err
			}
			steps, err := config.LoadSteps(stepsPath)
			if err != nil {
				return fmt.Errorf("load steps: %w", err)
			}
			return rf.run(f.casePath, func(ctx context.Context, svc *app.Service, cfg *config.Config, c *config.Case) error {
				recs, err := svc.Batch(ctx, c, f.options(cmd, cfg, c), steps)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if f.format == formatJSON {
					return printJSON(out, recs)
				}
				for _, r := range recs {
					if _, err := fmt.Fprintf(out, "%-12s %-16s objective=%.6f run=%s\n", r.Label, r.Status, r.Objective, r.RunID); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&stepsPath, "steps", "", "steps file")
	return cmd
}
