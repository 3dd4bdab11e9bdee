package opf

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/logger"
	"github.com/kilianp07/feederdispatch/core/metrics"
)

// Optimizer builds, solves and extracts dispatch problems.
type Optimizer struct {
	solver  conic.Solver
	builder *Builder
	log     logger.Logger
	metrics metrics.MetricsSink
}

// NewOptimizer wires a solver. A nil logger discards output.
func NewOptimizer(solver conic.Solver, log logger.Logger) *Optimizer {
	log = logger.OrNop(log)
	return &Optimizer{
		solver:  solver,
		builder: NewBuilder(log),
		log:     log,
		metrics: metrics.NopSink{},
	}
}

// SetMetrics replaces the sink receiving solve events.
func (o *Optimizer) SetMetrics(m metrics.MetricsSink) {
	if m == nil {
		m = metrics.NopSink{}
	}
	o.metrics = m
}

// Optimize solves one dispatch. A non-optimal status is not an error: the
// returned record carries the status and whatever the solver produced.
func (o *Optimizer) Optimize(ctx context.Context, in Input, opts Options) (*Record, error) {
	return o.optimize(ctx, "", in, opts)
}

func (o *Optimizer) optimize(ctx context.Context, label string, in Input, opts Options) (*Record, error) {
	m, err := o.builder.Build(in, opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	sol, err := o.solver.Solve(ctx, m.Problem)
	if err != nil {
		return nil, fmt.Errorf("solve: %w", err)
	}
	if sol.SolveTime == 0 {
		sol.SolveTime = time.Since(start)
	}
	rec := m.Extract(sol)
	rec.Label = label
	if !rec.Optimal() {
		o.log.Warnf("dispatch %s finished with status %s", rec.RunID, rec.Status)
	} else {
		o.log.Infof("dispatch %s solved: objective=%.6g time=%s", rec.RunID, rec.Objective, rec.SolveTime)
	}

	stats := m.Problem.Stats()
	if err := o.metrics.RecordSolve(metrics.SolveEvent{
		RunID:     rec.RunID.String(),
		Label:     label,
		Mode:      string(opts.Mode),
		Robust:    opts.Robust,
		Status:    rec.Status.String(),
		Objective: rec.Objective,
		SolveTime: rec.SolveTime,
		Buses:     in.Feeder.N(),
		Variables: stats["variables"],
		Rows:      stats["rows"],
		Cones:     stats["soc"] + stats["psd"],
		Time:      rec.Timestamp,
	}); err != nil {
		o.log.Errorf("record solve metrics: %v", err)
	}
	return rec, nil
}
