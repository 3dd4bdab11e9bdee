package opf

import (
	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/feeder"
)

// participation gives α at each bus as an expression: a constant when the
// factors are fixed, a variable when they are optimised.
type participation struct {
	fixed []float64
	vars  []int
}

func (a participation) at(b int) conic.AffineExpr {
	if a.vars != nil {
		return conic.Var(a.vars[b])
	}
	if a.fixed == nil {
		return conic.AffineExpr{}
	}
	return conic.Const(a.fixed[b])
}

// subtreeShare is Σ α over the buses fed through the line into bus i.
func (a participation) subtreeShare(f *feeder.Feeder, i int) conic.AffineExpr {
	var out conic.AffineExpr
	for k := 0; k < f.N(); k++ {
		if f.InSubtree(i, k) {
			out = out.Plus(a.at(k))
		}
	}
	return out
}

// voltageSensitivity returns ∂v_j/∂ω_k for every k. A demand deviation ω_k
// (with reactive part tanφ_k·ω_k) is covered by the generators in
// proportion to α, so the flow through line i changes by
// Σ_k ω_k·(1{k below i} − Σ_{m below i} α_m), scaled by tanφ_k on the
// reactive side, and the squared voltage at j drops by twice the
// impedance-weighted change along the path to the root.
func voltageSensitivity(f *feeder.Feeder, alpha participation, j int) []conic.AffineExpr {
	n := f.N()
	out := make([]conic.AffineExpr, n)
	path := f.Path(j)
	shares := make([]conic.AffineExpr, len(path))
	for p, i := range path {
		shares[p] = alpha.subtreeShare(f, i)
	}
	for k := 0; k < n; k++ {
		tk := f.Buses[k].TanPhi
		var e conic.AffineExpr
		for p, i := range path {
			l, _ := f.LineTo(i)
			z := l.R + l.X*tk
			if f.InSubtree(i, k) {
				e.Constant += -2 * z
			}
			e = e.Plus(shares[p].Scaled(2 * z))
		}
		out[k] = e
	}
	return out
}

// generationSensitivity returns ∂g_b/∂ω_k: α_b for active power and
// α_b·tanφ_k for reactive power.
func generationSensitivity(f *feeder.Feeder, alpha participation, b int, reactive bool) []conic.AffineExpr {
	out := make([]conic.AffineExpr, f.N())
	ab := alpha.at(b)
	for k := range out {
		if reactive {
			out[k] = ab.Scaled(f.Buses[k].TanPhi)
		} else {
			out[k] = ab
		}
	}
	return out
}
