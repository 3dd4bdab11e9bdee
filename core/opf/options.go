package opf

import (
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/feederdispatch/core/drcost"
)

// ErrUnknownMode is returned for a dispatch mode other than the two below.
// It aborts model construction before any solve.
var ErrUnknownMode = errors.New("opf: unknown dispatch mode")

// ErrDimension is returned when an input vector does not have one entry per
// bus.
var ErrDimension = errors.New("opf: dimension mismatch")

// Mode selects whether demand response is a decision or an input.
type Mode string

const (
	// ModeOptimizeDR lets the solver choose the demand reduction.
	ModeOptimizeDR Mode = "optimize_dr"
	// ModePredefinedDR takes the demand reduction from Options.XIn.
	ModePredefinedDR Mode = "predefined_dr"
)

// Options enumerates every recognised solve option.
type Options struct {
	Mode   Mode `json:"mode"`
	Robust bool `json:"robust"`

	EnableVoltage    bool `json:"enable_voltage"`
	EnableGeneration bool `json:"enable_generation"`
	EnableFlow       bool `json:"enable_flow"`

	// Alpha is used as fixed participation factors when it has one entry
	// per bus and sums to one.
	Alpha []float64 `json:"alpha"`
	// XIn is the demand reduction in predefined mode. Missing or
	// mismatched vectors mean no reduction.
	XIn []float64 `json:"x_in"`
	// NonDRBuses lists buses that cannot reduce demand. Required input:
	// an empty list means every bus is eligible.
	NonDRBuses []int `json:"non_dr_buses"`

	Splits      int     `json:"n_splits"`
	RootVoltage float64 `json:"root_voltage"`
	Tariff      float64 `json:"tariff"`
}

// DefaultOptions enables every limit in deterministic optimize mode.
func DefaultOptions() Options {
	return Options{
		Mode:             ModeOptimizeDR,
		EnableVoltage:    true,
		EnableGeneration: true,
		EnableFlow:       true,
		Splits:           drcost.DefaultSplits,
		RootVoltage:      1.0,
	}
}

// Validate checks the mode and scalar settings.
func (o Options) Validate() error {
	switch o.Mode {
	case ModeOptimizeDR, ModePredefinedDR:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, o.Mode)
	}
	if o.Splits <= 0 {
		return fmt.Errorf("n_splits must be positive, got %d", o.Splits)
	}
	if !(o.RootVoltage > 0) {
		return fmt.Errorf("root_voltage must be positive, got %g", o.RootVoltage)
	}
	return nil
}

const alphaTol = 1e-9

// FixedAlpha reports whether Alpha is a usable fixed vector for n buses.
func (o Options) FixedAlpha(n int) bool {
	if len(o.Alpha) != n {
		return false
	}
	var sum float64
	for _, a := range o.Alpha {
		if a < 0 {
			return false
		}
		sum += a
	}
	return math.Abs(sum-1) <= alphaTol
}

// OptimizeAlpha reports whether participation factors become decision
// variables: robust mode without a fixed vector.
func (o Options) OptimizeAlpha(n int) bool {
	return o.Robust && !o.FixedAlpha(n)
}

// xFixed returns the predefined demand reduction, defaulting to zeros.
func (o Options) xFixed(n int) []float64 {
	out := make([]float64, n)
	if len(o.XIn) == n {
		copy(out, o.XIn)
	}
	return out
}
