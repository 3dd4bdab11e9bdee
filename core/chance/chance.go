// Package chance reformulates single linear chance constraints under
// moment-based ambiguity as semidefinite constraints.
//
// For a quantity q(ω) = q₀ + aᵀω and a limit B, the constraint
// P(q(ω) ≤ B) ≥ 1−η for every distribution matching the support matrix Ω
// is implied by the worst-case CVaR condition
//
//	β + (1/η)·⟨Ω, M⟩ ≤ 0,  M ⪰ 0,  M ⪰ [[0, a/2], [aᵀ/2, q₀ − B − β]]
//
// with a free scalar β and a symmetric (n+1)×(n+1) matrix M. Lower limits
// are handled by negating the quantity.
package chance

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/feederdispatch/core/conic"
)

// ErrDimension is returned when the sensitivity length does not match Ω.
var ErrDimension = errors.New("chance: dimension mismatch")

// Side selects which side of the limit must hold.
type Side int

const (
	// Upper requires q(ω) ≤ Bound.
	Upper Side = iota
	// Lower requires q(ω) ≥ Bound.
	Lower
)

// Limit is one chance-constrained quantity. Sensitivity[k] is ∂q/∂ω_k and may
// depend on decision variables (participation factors).
type Limit struct {
	Name        string
	Family      string
	Nominal     conic.AffineExpr
	Sensitivity []conic.AffineExpr
	Bound       float64
	Side        Side
	Eta         float64
}

// Handles are the auxiliary variables created for a Limit.
type Handles struct {
	Slack int
	M     []int // upper triangle of M, row by row
}

// Encoder emits the conic form of chance constraints against a fixed Ω.
type Encoder struct {
	omega *mat.SymDense
	n     int
}

// NewEncoder validates Ω (positive dimension) and keeps a copy.
func NewEncoder(omega mat.Symmetric) (*Encoder, error) {
	k := omega.SymmetricDim()
	if k < 2 {
		return nil, fmt.Errorf("%w: omega must be at least 2×2", ErrDimension)
	}
	cp := mat.NewSymDense(k, nil)
	cp.CopySym(omega)
	return &Encoder{omega: cp, n: k - 1}, nil
}

// Dim is the number of uncertain injections.
func (e *Encoder) Dim() int { return e.n }

// Encode adds the slack, the matrix M, both semidefinite blocks and the CVaR
// row for lim to p.
func (e *Encoder) Encode(p *conic.Problem, lim Limit) (Handles, error) {
	if len(lim.Sensitivity) != e.n {
		return Handles{}, fmt.Errorf("%w: %s has %d sensitivities, omega expects %d", ErrDimension, lim.Name, len(lim.Sensitivity), e.n)
	}
	if lim.Eta <= 0 || lim.Eta >= 1 {
		return Handles{}, fmt.Errorf("%s: eta must be in (0,1), got %g", lim.Name, lim.Eta)
	}
	sign := 1.0
	if lim.Side == Lower {
		sign = -1
	}
	k := e.n + 1

	h := Handles{Slack: p.AddVar(lim.Name+".slack", conic.Free())}
	m := conic.NewPSD(lim.Name+".M", lim.Family, k)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			v := p.AddVar(fmt.Sprintf("%s.M[%d,%d]", lim.Name, i, j), conic.Free())
			h.M = append(h.M, v)
			m.Set(i, j, conic.Var(v))
		}
	}
	p.AddPSD(m)

	// M − O with O = [[0, s·a/2], [s·aᵀ/2, s·(q₀ − B) − β]].
	dom := conic.NewPSD(lim.Name+".M-O", lim.Family, k)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			dom.Set(i, j, m.At(i, j))
		}
	}
	for i := 0; i < e.n; i++ {
		dom.Set(i, e.n, m.At(i, e.n).Plus(lim.Sensitivity[i].Scaled(-sign/2)))
	}
	corner := lim.Nominal.Plus(conic.Const(-lim.Bound)).Scaled(sign).Plus(conic.Var(h.Slack).Scaled(-1))
	dom.Set(e.n, e.n, m.At(e.n, e.n).Plus(corner.Scaled(-1)))
	p.AddPSD(dom)

	// β + (1/η)·⟨Ω, M⟩ ≤ 0.
	cvar := conic.Var(h.Slack)
	for i := 0; i < k; i++ {
		for j := i; j < k; j++ {
			w := e.omega.At(i, j) / lim.Eta
			if i != j {
				w *= 2
			}
			cvar.AddTerm(m.At(i, j).Terms[0].Var, w)
		}
	}
	p.AddRow(conic.Row{Name: lim.Name, Family: lim.Family, Expr: cvar, Sense: conic.LE, RHS: 0})
	return h, nil
}

// Deterministic adds the plain bound Nominal ≤ Bound (or ≥ for Lower) that
// the chance constraint reduces to without uncertainty.
func Deterministic(p *conic.Problem, lim Limit) {
	sense := conic.LE
	if lim.Side == Lower {
		sense = conic.GE
	}
	expr := lim.Nominal
	rhs := lim.Bound - expr.Constant
	expr.Constant = 0
	p.AddRow(conic.Row{Name: lim.Name, Family: lim.Family, Expr: expr, Sense: sense, RHS: rhs})
}
