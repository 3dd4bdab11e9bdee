package solver

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// simplex points to the LP routine. Tests override it to inject failures.
var simplex = lp.Simplex

// general is an LP in general form: min cᵀx s.t. G·x ≤ h, A·x = b, x free.
type general struct {
	c []float64
	g [][]float64
	h []float64
	a [][]float64
	b []float64
}

// solve presolves and runs the simplex. gonum needs a full row rank
// equality matrix without zero rows or columns, so zero inequality rows are
// checked and dropped, dependent equality rows are dropped and verified
// after the solve, and variables that appear in no row are set to zero (or
// reported unbounded when priced).
func (p general) solve(tol float64) ([]float64, error) {
	n := len(p.c)
	var g [][]float64
	var h []float64
	for i, row := range p.g {
		if floats.Norm(row, math.Inf(1)) == 0 {
			if p.h[i] < -feasTol(p.h[i]) {
				return nil, lp.ErrInfeasible
			}
			continue
		}
		g = append(g, row)
		h = append(h, p.h[i])
	}
	keep := independentRows(p.a)
	var a [][]float64
	var b []float64
	for _, i := range keep {
		a = append(a, p.a[i])
		b = append(b, p.b[i])
	}

	used := make([]bool, n)
	for _, rows := range [][][]float64{g, a} {
		for _, row := range rows {
			for j, v := range row {
				if v != 0 {
					used[j] = true
				}
			}
		}
	}
	var cols []int
	for j := 0; j < n; j++ {
		switch {
		case used[j]:
			cols = append(cols, j)
		case math.Abs(p.c[j]) > 1e-12:
			return nil, lp.ErrUnbounded
		}
	}

	x := make([]float64, n)
	if len(cols) > 0 {
		c := make([]float64, len(cols))
		for k, j := range cols {
			c[k] = p.c[j]
		}
		var gm, am mat.Matrix
		if len(g) > 0 {
			gm = restrict(g, cols)
		}
		if len(a) > 0 {
			am = restrict(a, cols)
		}
		cStd, aStd, bStd := lp.Convert(c, gm, h, am, b)
		_, xs, err := simplex(cStd, aStd, bStd, tol, nil)
		if err != nil {
			return nil, err
		}
		// Convert splits x into xp − xn ahead of the slacks.
		for k, j := range cols {
			x[j] = xs[k] - xs[len(cols)+k]
		}
	}

	for i, row := range p.a {
		if r := floats.Dot(row, x) - p.b[i]; math.Abs(r) > 1e3*feasTol(p.b[i]) {
			return nil, lp.ErrInfeasible
		}
	}
	return x, nil
}

func feasTol(v float64) float64 { return 1e-9 * math.Max(1, math.Abs(v)) }

func restrict(rows [][]float64, cols []int) *mat.Dense {
	m := mat.NewDense(len(rows), len(cols), nil)
	for i, row := range rows {
		for k, j := range cols {
			m.Set(i, k, row[j])
		}
	}
	return m
}

// independentRows returns the indices of a maximal set of linearly
// independent rows, found by modified Gram–Schmidt in row order. Zero rows
// are never kept.
func independentRows(rows [][]float64) []int {
	var basis [][]float64
	var keep []int
	for i, row := range rows {
		norm := floats.Norm(row, 2)
		if norm == 0 {
			continue
		}
		v := append([]float64(nil), row...)
		// Two passes keep the projection accurate.
		for pass := 0; pass < 2; pass++ {
			for _, q := range basis {
				floats.AddScaled(v, -floats.Dot(v, q), q)
			}
		}
		r := floats.Norm(v, 2)
		if r <= 1e-9*norm {
			continue
		}
		floats.Scale(1/r, v)
		basis = append(basis, v)
		keep = append(keep, i)
	}
	return keep
}

// dual solves min hᵀz + bᵀy s.t. Gᵀz + Aᵀy = −c, z ≥ 0 and returns z and y.
// At optimality they are the multipliers of the primal rows, so that
// ∂f/∂h = −z and ∂f/∂b = −y.
func (p general) dual(tol float64) (z, y []float64, err error) {
	n := len(p.c)
	mg, ma := len(p.g), len(p.a)
	m := mg + ma
	d := general{
		c: make([]float64, m),
		a: make([][]float64, n),
		b: make([]float64, n),
		g: make([][]float64, mg),
		h: make([]float64, mg),
	}
	copy(d.c, p.h)
	copy(d.c[mg:], p.b)
	for j := 0; j < n; j++ {
		row := make([]float64, m)
		for i := 0; i < mg; i++ {
			row[i] = p.g[i][j]
		}
		for i := 0; i < ma; i++ {
			row[mg+i] = p.a[i][j]
		}
		d.a[j] = row
		d.b[j] = -p.c[j]
	}
	for i := 0; i < mg; i++ {
		row := make([]float64, m)
		row[i] = -1
		d.g[i] = row
	}
	w, err := d.solve(tol)
	if err != nil {
		return nil, nil, err
	}
	return w[:mg], w[mg:], nil
}
