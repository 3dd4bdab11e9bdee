package metrics

// MultiSink fans events out to several sinks. Optional recorders are only
// called on sinks that implement them.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordSolve forwards the event to all sinks, returning the first error.
func (m *MultiSink) RecordSolve(ev SolveEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSolve(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordSettlement forwards settlement events.
func (m *MultiSink) RecordSettlement(ev SettlementEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(SettlementRecorder); ok {
			if err := rec.RecordSettlement(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordBatch forwards batch events.
func (m *MultiSink) RecordBatch(ev BatchEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(BatchRecorder); ok {
			if err := rec.RecordBatch(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the sinks that hold resources.
func (m *MultiSink) Close() {
	for _, s := range m.Sinks {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
