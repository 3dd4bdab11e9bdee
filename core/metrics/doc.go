// Package metrics defines the events emitted by the dispatch optimizer and
// the settlement evaluator, and the sinks that record them. Concrete sinks
// (Prometheus, InfluxDB) live in infra/metrics and register themselves with
// the factory; several configured sinks are combined in a MultiSink.
package metrics
