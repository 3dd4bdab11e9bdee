package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/settlement"
	"github.com/kilianp07/feederdispatch/pkg/export"
)

// Output formats.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

func checkFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatCSV:
		return nil
	}
	return fmt.Errorf("unknown output format %q (table, json, csv)", f)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRecord(w io.Writer, rec *opf.Record, format string) error {
	switch format {
	case formatJSON:
		return printJSON(w, rec)
	case formatCSV:
		return export.WriteRecordCSV(w, rec)
	}
	if _, err := fmt.Fprintf(w, "run %s  status=%s  objective=%.6f  solve=%s\n", rec.RunID, rec.Status, rec.Objective, rec.SolveTime); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "bus\tx\tgp\tgq\talpha\tlambda\tdual_p\tdual_q\tv\tfp\tfq\t")
	for _, b := range rec.Buses {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%.5f\t%.4f\t%.4f\t\n",
			b.Bus, b.X, b.GP, b.GQ, b.Alpha, b.Lambda, b.DualP, b.DualQ, b.V, b.FP, b.FQ)
	}
	return tw.Flush()
}

func printOutcome(w io.Writer, out *settlement.Outcome, format string) error {
	switch format {
	case formatJSON:
		return printJSON(w, out)
	case formatCSV:
		return export.WriteOutcomeCSV(w, out)
	}
	if _, err := fmt.Fprintf(w, "settlement %s of %s  cost=%.6f  revenue=%.6f  imbalance=%.6f\n",
		out.RunID, out.DispatchID, out.TotalCost, out.TotalRevenue, out.ImbalanceP); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "bus\tload\tx_obs\tgp\tgq\tv\tv_status\tfp\tfq\tline\t")
	for _, b := range out.Buses {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.4f\t%.4f\t%.5f\t%s\t%.4f\t%.4f\t%s\t\n",
			b.Bus, b.Load, b.XObserved, b.GP, b.GQ, b.V, b.VStatus, b.FP, b.FQ, b.LineStatus)
	}
	return tw.Flush()
}
