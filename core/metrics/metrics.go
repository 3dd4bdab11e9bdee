package metrics

import "time"

// SolveEvent summarises one dispatch solve.
type SolveEvent struct {
	RunID     string
	Label     string
	Mode      string
	Robust    bool
	Status    string
	Objective float64
	SolveTime time.Duration
	Buses     int
	Variables int
	Rows      int
	Cones     int
	Time      time.Time
}

// MetricsSink records solve events for observability purposes.
type MetricsSink interface {
	RecordSolve(ev SolveEvent) error
}

// SettlementEvent summarises the ex-post evaluation of a dispatch.
type SettlementEvent struct {
	RunID             string
	Label             string
	GenerationCost    float64
	DRCost            float64
	TotalCost         float64
	TotalRevenue      float64
	ImbalanceP        float64
	ImbalanceQ        float64
	VoltageViolations int
	LineViolations    int
	Time              time.Time
}

// SettlementRecorder records settlement outcomes.
type SettlementRecorder interface {
	RecordSettlement(ev SettlementEvent) error
}

// BatchEvent reports the completion of a batch of solves.
type BatchEvent struct {
	Steps    int
	Failed   int
	Duration time.Duration
	Time     time.Time
}

// BatchRecorder records batch completions.
type BatchRecorder interface {
	RecordBatch(ev BatchEvent) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordSolve(SolveEvent) error           { return nil }
func (NopSink) RecordSettlement(SettlementEvent) error { return nil }
func (NopSink) RecordBatch(BatchEvent) error           { return nil }
