package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	coremetrics "github.com/kilianp07/feederdispatch/core/metrics"
)

// PromSink records solve and settlement events in Prometheus metrics.
type PromSink struct {
	solves     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	objective  prometheus.Gauge
	violations *prometheus.CounterVec
	revenue    prometheus.Gauge
	residual   prometheus.Gauge
	batchSteps *prometheus.CounterVec
}

// NewPromSink registers dispatch metrics on the default Prometheus registerer.
// The HTTP endpoint is started separately with StartPromServer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	s, err := NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// register adds c to reg, reusing a collector registered earlier under the
// same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PromSink{}
	var err error
	if s.solves, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_solves_total",
		Help: "Number of dispatch solves by status",
	}, []string{"status", "mode", "robust"})); err != nil {
		return nil, err
	}
	if s.duration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_solve_duration_seconds",
		Help:    "Wall time spent in the solver",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"mode", "robust"})); err != nil {
		return nil, err
	}
	if s.objective, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_objective",
		Help: "Objective value of the last optimal dispatch",
	})); err != nil {
		return nil, err
	}
	if s.violations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_violations_total",
		Help: "Limit violations found during settlement",
	}, []string{"kind"})); err != nil {
		return nil, err
	}
	if s.revenue, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_revenue",
		Help: "Realised revenue of the last settlement",
	})); err != nil {
		return nil, err
	}
	if s.residual, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_residual_imbalance",
		Help: "Active power imbalance left after rebalancing",
	})); err != nil {
		return nil, err
	}
	if s.batchSteps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_batch_steps_total",
		Help: "Batch steps by outcome",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	return s, nil
}

// RecordSolve counts the solve and observes its duration.
func (s *PromSink) RecordSolve(ev coremetrics.SolveEvent) error {
	robust := strconv.FormatBool(ev.Robust)
	s.solves.WithLabelValues(ev.Status, ev.Mode, robust).Inc()
	s.duration.WithLabelValues(ev.Mode, robust).Observe(ev.SolveTime.Seconds())
	if ev.Status == "optimal" {
		s.objective.Set(ev.Objective)
	}
	return nil
}

// RecordSettlement counts violations and exposes revenue and residual.
func (s *PromSink) RecordSettlement(ev coremetrics.SettlementEvent) error {
	s.violations.WithLabelValues("voltage").Add(float64(ev.VoltageViolations))
	s.violations.WithLabelValues("line").Add(float64(ev.LineViolations))
	s.revenue.Set(ev.TotalRevenue)
	s.residual.Set(ev.ImbalanceP)
	return nil
}

// RecordBatch counts batch steps.
func (s *PromSink) RecordBatch(ev coremetrics.BatchEvent) error {
	s.batchSteps.WithLabelValues("ok").Add(float64(ev.Steps - ev.Failed))
	s.batchSteps.WithLabelValues("failed").Add(float64(ev.Failed))
	return nil
}
