package opf

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/feederdispatch/core/metrics"
)

// Step is one entry of a batch: the base case with demand scaled and,
// optionally, a different tariff or predefined reduction.
type Step struct {
	Label       string    `json:"label"`
	DemandScale float64   `json:"demand_scale"`
	Tariff      *float64  `json:"tariff,omitempty"`
	XIn         []float64 `json:"x_in,omitempty"`
}

func (s Step) apply(in Input, opts Options) (Input, Options) {
	if s.DemandScale > 0 && s.DemandScale != 1 {
		in.Feeder = in.Feeder.WithDemandScale(s.DemandScale)
	}
	if s.Tariff != nil {
		opts.Tariff = *s.Tariff
	}
	if s.XIn != nil {
		opts.XIn = s.XIn
	}
	return in, opts
}

// SolveBatch solves every step with at most workers solves in flight.
// Records are returned in step order. The first build or solver error
// cancels the remaining steps.
func (o *Optimizer) SolveBatch(ctx context.Context, in Input, opts Options, steps []Step, workers int) ([]*Record, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	start := time.Now()
	out := make([]*Record, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, st := range steps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sin, sopts := st.apply(in, opts)
			label := st.Label
			if label == "" {
				label = fmt.Sprintf("step-%d", i)
			}
			rec, err := o.optimize(gctx, label, sin, sopts)
			if err != nil {
				return fmt.Errorf("%s: %w", label, err)
			}
			out[i] = rec
			return nil
		})
	}
	err := g.Wait()

	failed := 0
	for _, r := range out {
		if r == nil || !r.Optimal() {
			failed++
		}
	}
	if rec, ok := o.metrics.(metrics.BatchRecorder); ok {
		if merr := rec.RecordBatch(metrics.BatchEvent{
			Steps:    len(steps),
			Failed:   failed,
			Duration: time.Since(start),
			Time:     time.Now().UTC(),
		}); merr != nil {
			o.log.Errorf("record batch metrics: %v", merr)
		}
	}
	if err != nil {
		return nil, err
	}
	o.log.Infof("batch of %d steps done, %d not optimal", len(steps), failed)
	return out, nil
}
