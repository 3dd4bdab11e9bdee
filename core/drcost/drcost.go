// Package drcost turns the quadratic demand-response cost of each bus into
// piecewise-linear segments that a linear objective can price.
package drcost

import (
	"errors"
	"fmt"
	"math"
)

// DefaultSplits is the number of segments used when none is configured.
const DefaultSplits = 10

// ErrDimension is returned when per-bus vectors disagree on length.
var ErrDimension = errors.New("drcost: dimension mismatch")

// Params are the per-bus coefficients of the demand-response cost. Beta1
// must be positive. The mean demand deviation μ entering the cost is the one
// of the uncertainty model and is passed separately.
type Params struct {
	Beta1 []float64 `json:"beta1"`
	Beta0 []float64 `json:"beta0"`
}

// Validate checks lengths for an n-bus feeder and the sign of Beta1.
func (p Params) Validate(n int) error {
	if len(p.Beta1) != n || len(p.Beta0) != n {
		return fmt.Errorf("%w: beta1=%d beta0=%d buses=%d", ErrDimension, len(p.Beta1), len(p.Beta0), n)
	}
	for i, b := range p.Beta1 {
		if !(b > 0) {
			return fmt.Errorf("beta1[%d] must be positive, got %g", i, b)
		}
	}
	return nil
}

// Cost is f(x) = x²/β1 − (β0−μ)/β1·x − β0·μ/β1.
func Cost(beta1, beta0, mu, x float64) float64 {
	return x*x/beta1 - (beta0-mu)/beta1*x - beta0*mu/beta1
}

// MarginalPrice is λ(x) = (x − β0 − μ)/β1.
func MarginalPrice(beta1, beta0, mu, x float64) float64 {
	return (x - beta0 - mu) / beta1
}

// Linearization is the piecewise-linear image of the cost on [0, x_max]:
// Base[b] is f(0) and Slopes[b][s] the secant slope of segment s, each of
// width Width[b].
type Linearization struct {
	Base   []float64   `json:"base"`
	Slopes [][]float64 `json:"slopes"`
	Width  []float64   `json:"width"`
}

// Linearize splits [0, xMax[b]] into n equal segments per bus, pricing bus b
// with mean deviation mu[b]. A zero width segment gets slope 0.
func Linearize(p Params, mu, xMax []float64, n int) (Linearization, error) {
	nb := len(xMax)
	if err := p.Validate(nb); err != nil {
		return Linearization{}, err
	}
	if len(mu) != nb {
		return Linearization{}, fmt.Errorf("%w: mu=%d buses=%d", ErrDimension, len(mu), nb)
	}
	if n <= 0 {
		return Linearization{}, fmt.Errorf("segment count must be positive, got %d", n)
	}
	l := Linearization{
		Base:   make([]float64, nb),
		Slopes: make([][]float64, nb),
		Width:  make([]float64, nb),
	}
	for b := 0; b < nb; b++ {
		f := func(x float64) float64 { return Cost(p.Beta1[b], p.Beta0[b], mu[b], x) }
		w := math.Max(xMax[b], 0) / float64(n)
		l.Base[b] = f(0)
		l.Width[b] = w
		l.Slopes[b] = make([]float64, n)
		for s := 0; s < n; s++ {
			lo, hi := float64(s)*w, float64(s+1)*w
			slope := (f(hi) - f(lo)) / (hi - lo)
			if math.IsNaN(slope) || math.IsInf(slope, 0) {
				slope = 0
			}
			l.Slopes[b][s] = slope
		}
	}
	return l, nil
}

// Eval prices quantity x at bus b by filling segments cheapest first, the
// allocation a minimising solver settles on for convex costs. x is clamped
// to the linearised range.
func (l Linearization) Eval(b int, x float64) float64 {
	cost := l.Base[b]
	rest := math.Max(x, 0)
	for _, slope := range l.Slopes[b] {
		if rest <= 0 {
			break
		}
		q := math.Min(rest, l.Width[b])
		cost += slope * q
		rest -= q
	}
	return cost
}
