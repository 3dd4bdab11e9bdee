package conic

import (
	"context"
	"fmt"
	"time"
)

// Status is the outcome of a solve.
type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusInfeasible
	StatusUnbounded
	StatusNumericalError
)

func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "optimal"
	case StatusInfeasible:
		return "infeasible"
	case StatusUnbounded:
		return "unbounded"
	case StatusNumericalError:
		return "numerical_error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for _, c := range []Status{StatusUnknown, StatusOptimal, StatusInfeasible, StatusUnbounded, StatusNumericalError} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// Solution is what a Solver returns. Primal is indexed like
// Problem.Variables and is nil when no point is available. Duals maps row
// names to the sensitivity of the optimal objective with respect to the
// row's right-hand side.
type Solution struct {
	Status     Status             `json:"status"`
	Objective  float64            `json:"objective"`
	Primal     []float64          `json:"primal,omitempty"`
	Duals      map[string]float64 `json:"duals,omitempty"`
	Iterations int                `json:"iterations"`
	SolveTime  time.Duration      `json:"solve_time"`
}

// Value evaluates e at the primal point, or returns 0 without one.
func (s *Solution) Value(e AffineExpr) float64 {
	if s == nil || s.Primal == nil {
		return 0
	}
	return e.Eval(s.Primal)
}

// Solver solves a Problem. Infeasible or unbounded problems are reported
// through Solution.Status; the error is reserved for malformed input and
// adapter failures.
type Solver interface {
	Solve(ctx context.Context, p *Problem) (*Solution, error)
}
