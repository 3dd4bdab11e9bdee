// Package conic describes convex optimisation problems as plain data.
//
// A Problem accumulates variables, linear rows, second-order cones and
// positive semidefinite blocks together with a linear objective. Nothing in
// this package solves anything: a Solver implementation (see infra/solver)
// consumes the description and returns a Solution. Problems are JSON
// serialisable so that a failed solve can be archived and replayed.
package conic
