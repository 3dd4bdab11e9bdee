package metrics

import (
	"fmt"

	"github.com/kilianp07/feederdispatch/core/factory"
)

// sinkRegistry holds the sinks selectable from the metrics section of the
// configuration. infra/metrics registers "nop", "prometheus" and "influx".
var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink adds a metrics sink factory identified by name.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// SinkNames lists the registered sink types.
func SinkNames() []string { return sinkRegistry.Names() }

// NewMetricsSink builds the dispatch and settlement sinks named in cfgs. No
// entries yield a NopSink and several fan out through a MultiSink.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	if len(cfgs) == 0 {
		return NopSink{}, nil
	}
	sinks := make([]MetricsSink, len(cfgs))
	for i, c := range cfgs {
		s, err := sinkRegistry.Create(c)
		if err != nil {
			return nil, fmt.Errorf("metrics sink %d (%s): %w", i, c.Type, err)
		}
		sinks[i] = s
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
