package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/feederdispatch/app"
	"github.com/kilianp07/feederdispatch/config"
	"github.com/kilianp07/feederdispatch/core/opf"
)

type solveFlags struct {
	casePath string
	format   string
	robust   bool
	mode     string
	xIn      []float64
}

func (f *solveFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.casePath, "case", "", "case file")
	cmd.Flags().StringVarP(&f.format, "output", "o", formatTable, "output format: table, json or csv")
	cmd.Flags().BoolVar(&f.robust, "robust", false, "use distributionally robust chance constraints")
	cmd.Flags().StringVar(&f.mode, "mode", "", "optimize_dr or predefined_dr (overrides the config)")
	cmd.Flags().Float64SliceVar(&f.xIn, "x-in", nil, "predefined reduction per bus")
}

// options applies the command line overrides to the configured defaults.
func (f *solveFlags) options(cmd *cobra.Command, cfg *config.Config, c *config.Case) opf.Options {
	opts := cfg.Dispatch.Options(c.NonDRBuses)
	if cmd.Flags().Changed("robust") {
		opts.Robust = f.robust
	}
	if f.mode != "" {
		opts.Mode = opf.Mode(f.mode)
	}
	if f.xIn != nil {
		opts.XIn = f.xIn
	}
	return opts
}

func newSolveCmd(rf *rootFlags) *cobra.Command {
	f := &solveFlags{}
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve one dispatch, archive it and publish set-points",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(f.format); err != nil {
				return err
			}
			return rf.run(f.casePath, func(ctx context.Context, svc *app.Service, cfg *config.Config, c *config.Case) error {
				rec, err := svc.Solve(ctx, c, f.options(cmd, cfg, c))
				if rec != nil {
					if perr := printRecord(cmd.OutOrStdout(), rec, f.format); perr != nil {
						return perr
					}
				}
				if err != nil {
					return err
				}
				if !rec.Optimal() {
					return fmt.Errorf("dispatch %s: %s", rec.RunID, rec.Status)
				}
				return nil
			})
		},
	}
	f.bind(cmd)
	return cmd
}
