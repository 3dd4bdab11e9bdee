// Package export writes dispatch records and settlement outcomes as CSV,
// one row per bus.
package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/settlement"
)

var recordHeader = []string{"run_id", "status", "bus", "x", "gp", "gq", "alpha", "lambda", "dual_p", "dual_q", "v", "fp", "fq"}

var outcomeHeader = []string{"run_id", "dispatch_id", "bus", "load", "load_q", "x_observed", "gp", "gq", "v", "v_status", "fp", "fq", "line_status", "total_revenue"}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// WriteRecordCSV writes the per-bus results of rec.
func WriteRecordCSV(w io.Writer, rec *opf.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return err
	}
	id, status := rec.RunID.String(), rec.Status.String()
	for _, b := range rec.Buses {
		row := []string{
			id, status, strconv.Itoa(b.Bus),
			num(b.X), num(b.GP), num(b.GQ), num(b.Alpha), num(b.Lambda),
			num(b.DualP), num(b.DualQ), num(b.V), num(b.FP), num(b.FQ),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteOutcomeCSV writes the per-bus realised state of out.
func WriteOutcomeCSV(w io.Writer, out *settlement.Outcome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(outcomeHeader); err != nil {
		return err
	}
	id, dispatch := out.RunID.String(), out.DispatchID.String()
	for _, b := range out.Buses {
		row := []string{
			id, dispatch, strconv.Itoa(b.Bus),
			num(b.Load), num(b.LoadQ), num(b.XObserved), num(b.GP), num(b.GQ),
			num(b.V), string(b.VStatus), num(b.FP), num(b.FQ), string(b.LineStatus),
			num(b.TotalRevenue),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
