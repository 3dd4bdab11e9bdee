// Package settlement evaluates a dispatch ex post against the demand
// reduction that was actually observed: generators absorb the resulting
// imbalance according to their participation factors, flows and voltages
// are recomputed on the linearised network, and limit violations, costs and
// revenue are reported.
package settlement
