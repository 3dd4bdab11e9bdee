// Package infra contains technical adapters: the reference conic solver,
// the zerolog logger, metrics exporters and the MQTT set-point publisher.
// These packages depend only on the interfaces defined in the core
// packages.
package infra
