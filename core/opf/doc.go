// Package opf builds and solves the single time-step dispatch of a radial
// feeder under uncertain demand.
//
// The Builder turns a feeder, demand-response cost parameters and an
// uncertainty model into a conic.Problem using the LinDistFlow equations,
// optional distributionally robust chance constraints on voltages and
// generator outputs, and a piecewise-linear demand-response cost. The
// Optimizer hands the problem to a conic.Solver and extracts a Record with
// per-bus dispatch, prices and duals.
package opf
