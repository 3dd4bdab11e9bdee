package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/feederdispatch/config"
	coremetrics "github.com/kilianp07/feederdispatch/core/metrics"
	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/runlog"
	"github.com/kilianp07/feederdispatch/core/setpoint"
	"github.com/kilianp07/feederdispatch/core/settlement"
	"github.com/kilianp07/feederdispatch/infra/logger"
	"github.com/kilianp07/feederdispatch/infra/metrics"
	"github.com/kilianp07/feederdispatch/infra/mqtt"
	"github.com/kilianp07/feederdispatch/infra/solver"
)

// Service wires the dispatch and settlement entry points to the archive,
// the metrics sinks and the set-point publisher.
type Service struct {
	Optimizer *opf.Optimizer
	Evaluator *settlement.Evaluator
	Store     runlog.Store
	Publisher setpoint.Publisher

	cfg     *config.Config
	sink    coremetrics.MetricsSink
	log     logger.Logger
	closers []func() error
}

// Option overrides a dependency built by New.
type Option func(*Service)

// WithPublisher replaces the MQTT publisher.
func WithPublisher(p setpoint.Publisher) Option {
	return func(s *Service) { s.Publisher = p }
}

// WithStore replaces the configured run archive.
func WithStore(st runlog.Store) Option {
	return func(s *Service) { s.Store = st }
}

// New creates a Service from the configuration. The MQTT client is only
// connected when a broker is configured and no publisher was supplied.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{cfg: cfg, log: logger.New("service")}
	for _, o := range opts {
		o(s)
	}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	s.sink = sink
	if c, ok := sink.(interface{ Close() }); ok {
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}

	slv, err := solver.New(cfg.Solver, logger.New("solver"))
	if err != nil {
		return nil, fmt.Errorf("solver: %w", err)
	}
	s.Optimizer = opf.NewOptimizer(slv, logger.New("opf"))
	s.Optimizer.SetMetrics(sink)
	s.Evaluator = settlement.NewEvaluator(logger.New("settlement"))
	s.Evaluator.SetMetrics(sink)

	if s.Store == nil {
		st, err := runlog.Open(cfg.RunLog)
		if err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
		if st != nil {
			s.Store = st
			s.closers = append(s.closers, st.Close)
		}
	}

	if s.Publisher == nil && cfg.MQTT.Enabled() {
		client, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		s.Publisher = client
		s.closers = append(s.closers, func() error { client.Disconnect(); return nil })
	}
	return s, nil
}

// Solve dispatches one case, archives the record and publishes the
// resulting set-points when the dispatch is optimal.
func (s *Service) Solve(ctx context.Context, c *config.Case, opts opf.Options) (*opf.Record, error) {
	rec, err := s.Optimizer.Optimize(ctx, c.Input, opts)
	if err != nil {
		return nil, err
	}
	s.archive(ctx, rec)
	if rec.Optimal() && s.Publisher != nil {
		plan, err := setpoint.Build(c.Input.Feeder, rec)
		if err != nil {
			return rec, fmt.Errorf("set-points: %w", err)
		}
		if _, err := setpoint.Publish(ctx, s.Publisher, plan, s.cfg.MQTT.AckTimeout, logger.New("setpoint")); err != nil {
			return rec, fmt.Errorf("publish: %w", err)
		}
	}
	return rec, nil
}

// Batch solves independent steps of one case and archives every record.
func (s *Service) Batch(ctx context.Context, c *config.Case, opts opf.Options, steps []opf.Step) ([]*opf.Record, error) {
	recs, err := s.Optimizer.SolveBatch(ctx, c.Input, opts, steps, s.cfg.Batch.Workers)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		s.archive(ctx, r)
	}
	return recs, nil
}

// Settle evaluates rec against the observed reductions and archives the
// outcome.
func (s *Service) Settle(ctx context.Context, c *config.Case, rec *opf.Record, observed []float64) (*settlement.Outcome, error) {
	out, err := s.Evaluator.Settle(c.Input.Feeder, rec, observed)
	if err != nil {
		return nil, err
	}
	if s.Store != nil {
		e, err := runlog.SettlementEntry(out)
		if err == nil {
			err = s.Store.Append(ctx, e)
		}
		if err != nil {
			s.log.Errorf("archive settlement %s: %v", out.RunID, err)
		}
	}
	return out, nil
}

// Record looks up an archived dispatch by run id.
func (s *Service) Record(ctx context.Context, q runlog.Query) (*opf.Record, error) {
	if s.Store == nil {
		return nil, errors.New("no run archive configured")
	}
	q.Kind = runlog.KindDispatch
	entries, err := s.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no dispatch record matches run %s", q.RunID)
	}
	return entries[len(entries)-1].Record()
}

// ServeMetrics exposes the default Prometheus registry until ctx is
// canceled. It returns immediately when no listen address is configured.
func (s *Service) ServeMetrics(ctx context.Context) {
	addr := s.cfg.Metrics.ListenAddr
	if addr == "" {
		return
	}
	go func() {
		if err := metrics.StartPromServer(ctx, addr, prometheus.DefaultGatherer, s.log); err != nil {
			s.log.Errorf("prom server: %v", err)
		}
	}()
}

func (s *Service) archive(ctx context.Context, rec *opf.Record) {
	if s.Store == nil {
		return
	}
	e, err := runlog.DispatchEntry(rec)
	if err == nil {
		err = s.Store.Append(ctx, e)
	}
	if err != nil {
		s.log.Errorf("archive dispatch %s: %v", rec.RunID, err)
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
