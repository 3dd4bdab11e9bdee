package solver

import "fmt"

// Solution methods.
const (
	// MethodAuto uses the barrier method for problems with semidefinite
	// blocks and cutting planes otherwise, falling back to the barrier
	// method when the cutting planes end in a numerical error.
	MethodAuto = "auto"
	// MethodCuttingPlane solves LP relaxations with gonum's simplex and
	// separates cone violations.
	MethodCuttingPlane = "cutting_plane"
	// MethodBarrier runs a primal log-barrier interior point method.
	MethodBarrier = "barrier"
)

// Config tunes the reference solver.
type Config struct {
	Method string `json:"method"`
	// Tolerance is the simplex optimality tolerance on reduced costs.
	Tolerance float64 `json:"tolerance"`
	// FeasibilityTol is the largest accepted cone violation.
	FeasibilityTol float64 `json:"feasibility_tol"`
	// MaxCutRounds bounds the outer approximation loop.
	MaxCutRounds int `json:"max_cut_rounds"`
	// CutsPerBlock limits the eigenvector cuts added to one PSD block per
	// round.
	CutsPerBlock int `json:"cuts_per_block"`
	// BoxBound caps every variable while cones are only approximated and
	// in the barrier method. A solution resting on the box is reported as
	// unbounded.
	BoxBound float64 `json:"box_bound"`
	// GapTol is the relative duality gap at which the barrier method stops.
	GapTol float64 `json:"gap_tol"`
	// BarrierStep multiplies the barrier weight between centerings.
	BarrierStep float64 `json:"barrier_step"`
	// MaxNewtonSteps bounds the Newton steps of one barrier solve.
	MaxNewtonSteps int `json:"max_newton_steps"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Method == "" {
		c.Method = MethodAuto
	}
	if c.Tolerance == 0 {
		c.Tolerance = 1e-9
	}
	if c.FeasibilityTol == 0 {
		c.FeasibilityTol = 1e-7
	}
	if c.MaxCutRounds == 0 {
		c.MaxCutRounds = 100
	}
	if c.CutsPerBlock == 0 {
		c.CutsPerBlock = 2
	}
	if c.BoxBound == 0 {
		c.BoxBound = 1e6
	}
	if c.GapTol == 0 {
		c.GapTol = 1e-8
	}
	if c.BarrierStep == 0 {
		c.BarrierStep = 10
	}
	if c.MaxNewtonSteps == 0 {
		c.MaxNewtonSteps = 2000
	}
}

// Validate checks the settings after defaults are applied.
func (c Config) Validate() error {
	switch c.Method {
	case MethodAuto, MethodCuttingPlane, MethodBarrier:
	default:
		return fmt.Errorf("solver: unknown method %q", c.Method)
	}
	if c.Tolerance <= 0 || c.FeasibilityTol <= 0 || c.GapTol <= 0 {
		return fmt.Errorf("solver: tolerances must be positive")
	}
	if c.MaxCutRounds <= 0 {
		return fmt.Errorf("solver: max_cut_rounds must be positive, got %d", c.MaxCutRounds)
	}
	if c.CutsPerBlock <= 0 {
		return fmt.Errorf("solver: cuts_per_block must be positive, got %d", c.CutsPerBlock)
	}
	if c.BoxBound <= 0 {
		return fmt.Errorf("solver: box_bound must be positive, got %g", c.BoxBound)
	}
	if c.BarrierStep <= 1 {
		return fmt.Errorf("solver: barrier_step must exceed 1, got %g", c.BarrierStep)
	}
	if c.MaxNewtonSteps <= 0 {
		return fmt.Errorf("solver: max_newton_steps must be positive, got %d", c.MaxNewtonSteps)
	}
	return nil
}
