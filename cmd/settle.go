package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/feederdispatch/app"
	"github.com/kilianp07/feederdispatch/config"
	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/runlog"
)

func newSettleCmd(rf *rootFlags) *cobra.Command {
	var (
		casePath   string
		resultPath string
		runID      string
		observed   []float64
		format     string
	)
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle a dispatch against observed demand reductions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			if (resultPath == "") == (runID == "") {
				return fmt.Errorf("exactly one of --result or --run-id is required")
			}
			return rf.run(casePath, func(ctx context.Context, svc *app.Service, _ *config.Config, c *config.Case) error {
				rec, err := loadRecord(ctx, svc, resultPath, runID)
				if err != nil {
					return err
				}
				out, err := svc.Settle(ctx, c, rec, observed)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), out, format)
			})
		},
	}
	cmd.Flags().StringVar(&casePath, "case", "", "case file")
	cmd.Flags().StringVar(&resultPath, "result", "", "dispatch record JSON file")
	cmd.Flags().StringVar(&runID, "run-id", "", "archived dispatch run id")
	cmd.Flags().Float64SliceVar(&observed, "observed", nil, "observed reduction per bus")
	cmd.Flags().StringVarP(&format, "output", "o", formatTable, "output format: table, json or csv")
	return cmd
}

func loadRecord(ctx context.Context, svc *app.Service, path, runID string) (*opf.Record, error) {
	if runID != "" {
		id, err := uuid.Parse(runID)
		if err != nil {
			return nil, fmt.Errorf("run id: %w", err)
		}
		return svc.Record(ctx, runlog.Query{RunID: id})
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec opf.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &rec, nil
}
