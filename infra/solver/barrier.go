package solver

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/kilianp07/feederdispatch/core/conic"
)

// errStalled is returned when Newton's method runs out of steps.
var errStalled = errors.New("solver: barrier method stalled")

const (
	// newtonTol is the half squared Newton decrement below which one last
	// step ends a centering.
	newtonTol = 1e-10
	// maxCentering bounds the Newton steps of a single centering.
	maxCentering = 100
	// phaseOneMargin is the slack a feasible start must have.
	phaseOneMargin = 1e-6
)

// lmi is the linear matrix inequality F0 + Σ z[vars[k]]·coef[k] ⪰ 0 over the
// free variables.
type lmi struct {
	name string
	dim  int
	f0   *mat.SymDense
	vars []int
	coef []*mat.SymDense
}

func newLMI(blk conic.PSD, r *reduction) *lmi {
	b := &lmi{name: blk.Name, dim: blk.Dim, f0: mat.NewSymDense(blk.Dim, nil)}
	pos := make(map[int]int)
	for i := 0; i < blk.Dim; i++ {
		for j := i; j < blk.Dim; j++ {
			e := blk.At(i, j)
			c := e.Constant
			for _, t := range e.Terms {
				k := r.col[t.Var]
				if k < 0 {
					c += t.Coef * r.fixed[t.Var]
					continue
				}
				at, ok := pos[k]
				if !ok {
					at = len(b.vars)
					pos[k] = at
					b.vars = append(b.vars, k)
					b.coef = append(b.coef, mat.NewSymDense(blk.Dim, nil))
				}
				b.coef[at].SetSym(i, j, b.coef[at].At(i, j)+t.Coef)
			}
			b.f0.SetSym(i, j, c)
		}
	}
	return b
}

// arrow writes ‖u‖ ≤ t as [[t·I, u], [uᵀ, t]] ⪰ 0.
func arrow(c conic.SOC) conic.PSD {
	m := len(c.Elems)
	b := conic.NewPSD(c.Name, c.Family, m+1)
	for i := 0; i <= m; i++ {
		b.Set(i, i, c.Bound)
	}
	for i, e := range c.Elems {
		b.Set(i, m, e)
	}
	return b
}

// at returns F(z).
func (b *lmi) at(z []float64) *mat.SymDense {
	out := mat.NewSymDense(b.dim, nil)
	out.CopySym(b.f0)
	for k, v := range b.vars {
		addScaledSym(out, z[v], b.coef[k])
	}
	return out
}

// slope returns Σ dz[vars[k]]·coef[k], the change of F along dz.
func (b *lmi) slope(dz []float64) *mat.SymDense {
	out := mat.NewSymDense(b.dim, nil)
	for k, v := range b.vars {
		addScaledSym(out, dz[v], b.coef[k])
	}
	return out
}

func addScaledSym(dst *mat.SymDense, a float64, src *mat.SymDense) {
	if a == 0 {
		return
	}
	n := dst.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, dst.At(i, j)+a*src.At(i, j))
		}
	}
}

// withSlack returns a copy of b with variable s added on the diagonal.
func (b *lmi) withSlack(s int) *lmi {
	out := &lmi{name: b.name, dim: b.dim, f0: b.f0}
	out.vars = append(append([]int(nil), b.vars...), s)
	out.coef = append(append([]*mat.SymDense(nil), b.coef...), identity(b.dim))
	return out
}

func identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

func minEigen(a *mat.SymDense) float64 {
	var eig mat.EigenSym
	if !eig.Factorize(a, false) {
		return math.Inf(-1)
	}
	return eig.Values(nil)[0]
}

// usable accepts results that gonum flags as ill-conditioned.
func usable(err error) bool {
	var cond mat.Condition
	return err == nil || errors.As(err, &cond)
}

// hull is the affine set {z : A·z = b} written as z0 + N·w. It keeps the
// SVD of A to recover equality multipliers.
type hull struct {
	z0   []float64
	null *mat.Dense
	d    int

	u, v  mat.Dense
	sv    []float64
	rank  int
	empty bool
}

func newHull(a [][]float64, b []float64, n int) (*hull, error) {
	h := &hull{z0: make([]float64, n)}
	if len(a) == 0 {
		h.empty = true
		h.d = n
		h.null = mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			h.null.Set(i, i, 1)
		}
		return h, nil
	}
	am := mat.NewDense(len(a), n, nil)
	for i, row := range a {
		am.SetRow(i, row)
	}
	var svd mat.SVD
	if !svd.Factorize(am, mat.SVDFull) {
		return nil, errStalled
	}
	h.sv = svd.Values(nil)
	svd.UTo(&h.u)
	svd.VTo(&h.v)
	tol := 1e-10 * math.Max(h.sv[0], 1) * float64(max(len(a), n))
	for _, s := range h.sv {
		if s > tol {
			h.rank++
		}
	}
	for k := 0; k < h.rank; k++ {
		coef := floats.Dot(mat.Col(nil, k, &h.u), b) / h.sv[k]
		floats.AddScaled(h.z0, coef, mat.Col(nil, k, &h.v))
	}
	for i, row := range a {
		if math.Abs(floats.Dot(row, h.z0)-b[i]) > 1e3*feasTol(b[i]) {
			return nil, lp.ErrInfeasible
		}
	}
	h.d = n - h.rank
	if h.d > 0 {
		h.null = mat.DenseCopyOf(h.v.Slice(0, n, h.rank, n))
	}
	return h, nil
}

// multipliers solves Aᵀ·ν = −r in the least squares sense.
func (h *hull) multipliers(r []float64) []float64 {
	if h.empty {
		return nil
	}
	m, _ := h.u.Dims()
	nu := make([]float64, m)
	for k := 0; k < h.rank; k++ {
		coef := -floats.Dot(mat.Col(nil, k, &h.v), r) / h.sv[k]
		floats.AddScaled(nu, coef, mat.Col(nil, k, &h.u))
	}
	return nu
}

// barrier minimises cᵀz subject to gz·z ≤ h and F_b(z) ⪰ 0 over the
// affine set z = z0 + N·w, working in w.
type barrier struct {
	n, d   int
	c      []float64
	z0     []float64
	null   *mat.Dense
	gz     [][]float64 // kept rows in z
	gw     *mat.Dense  // the same rows in w
	hw     []float64   // slacks at w = 0
	rows   []int       // original index of each kept row
	blocks []*lmi
	nb     []*mat.Dense // rows of N touching each block
	cw     []float64
}

func newBarrier(c []float64, g [][]float64, h []float64, blocks []*lmi, z0 []float64, null *mat.Dense) (*barrier, error) {
	n := len(c)
	_, d := null.Dims()
	bp := &barrier{n: n, d: d, c: c, z0: z0, null: null}
	cw := mat.NewVecDense(d, nil)
	cw.MulVec(null.T(), mat.NewVecDense(n, c))
	bp.cw = cw.RawVector().Data

	var flat []float64
	for i, row := range g {
		pr := mat.NewVecDense(d, nil)
		pr.MulVec(null.T(), mat.NewVecDense(n, row))
		slack := h[i] - floats.Dot(row, z0)
		scale := math.Max(1, floats.Norm(row, math.Inf(1)))
		if floats.Norm(pr.RawVector().Data, math.Inf(1)) <= 1e-12*scale {
			// Constant on the affine set.
			if slack < -1e3*feasTol(h[i]) {
				return nil, lp.ErrInfeasible
			}
			continue
		}
		bp.gz = append(bp.gz, row)
		bp.hw = append(bp.hw, slack)
		bp.rows = append(bp.rows, i)
		flat = append(flat, pr.RawVector().Data...)
	}
	if len(bp.rows) > 0 {
		bp.gw = mat.NewDense(len(bp.rows), d, flat)
	}

	for _, b := range blocks {
		nb := mat.NewDense(len(b.vars)+1, d, nil)
		touched := false
		for k, v := range b.vars {
			row := null.RawRowView(v)
			nb.SetRow(k, row)
			if floats.Norm(row, math.Inf(1)) > 1e-12 {
				touched = true
			}
		}
		if !touched {
			if minEigen(b.at(z0)) < -1e3*feasTol(0) {
				return nil, lp.ErrInfeasible
			}
			continue
		}
		bp.blocks = append(bp.blocks, b)
		bp.nb = append(bp.nb, mat.DenseCopyOf(nb.Slice(0, len(b.vars), 0, d)))
	}
	return bp, nil
}

// degree is the barrier parameter θ: one per row plus the block sizes.
func (bp *barrier) degree() float64 {
	theta := float64(len(bp.rows))
	for _, b := range bp.blocks {
		theta += float64(b.dim)
	}
	return theta
}

func (bp *barrier) point(w []float64) []float64 {
	z := append([]float64(nil), bp.z0...)
	nw := mat.NewVecDense(bp.n, nil)
	nw.MulVec(bp.null, mat.NewVecDense(bp.d, w))
	floats.Add(z, nw.RawVector().Data)
	return z
}

func (bp *barrier) slacks(w []float64) []float64 {
	s := append([]float64(nil), bp.hw...)
	if bp.gw == nil {
		return s
	}
	gv := mat.NewVecDense(len(s), nil)
	gv.MulVec(bp.gw, mat.NewVecDense(bp.d, w))
	floats.Sub(s, gv.RawVector().Data)
	return s
}

// interior reports whether every row slack is positive and every block
// positive definite at w.
func (bp *barrier) interior(w []float64) bool {
	for _, s := range bp.slacks(w) {
		if !(s > 0) {
			return false
		}
	}
	z := bp.point(w)
	for _, b := range bp.blocks {
		var ch mat.Cholesky
		if !ch.Factorize(b.at(z)) {
			return false
		}
	}
	return true
}

// newton returns the Newton step of t·cᵀz + φ(z) at w and the squared
// Newton decrement.
func (bp *barrier) newton(t float64, w []float64) ([]float64, float64, error) {
	d := bp.d
	grad := make([]float64, d)
	floats.AddScaled(grad, t, bp.cw)
	hess := mat.NewSymDense(d, nil)

	if bp.gw != nil {
		s := bp.slacks(w)
		inv := make([]float64, len(s))
		for i, v := range s {
			inv[i] = 1 / v
		}
		gl := mat.NewVecDense(d, nil)
		gl.MulVec(bp.gw.T(), mat.NewVecDense(len(inv), inv))
		floats.Add(grad, gl.RawVector().Data)
		scaled := mat.NewDense(len(s), d, nil)
		scaled.Apply(func(i, _ int, v float64) float64 { return v * inv[i] }, bp.gw)
		hess.SymOuterK(1, scaled.T())
	}

	z := bp.point(w)
	for bi, b := range bp.blocks {
		var ch mat.Cholesky
		if !ch.Factorize(b.at(z)) {
			return nil, 0, errStalled
		}
		var fi mat.SymDense
		if err := ch.InverseTo(&fi); !usable(err) {
			return nil, 0, err
		}
		k := len(b.vars)
		ps := make([]*mat.Dense, k)
		for a := range b.vars {
			ps[a] = new(mat.Dense)
			ps[a].Mul(&fi, b.coef[a])
		}
		gb := make([]float64, k)
		hb := mat.NewSymDense(k, nil)
		for a := 0; a < k; a++ {
			gb[a] = -mat.Trace(ps[a])
			for c := a; c < k; c++ {
				hb.SetSym(a, c, traceProduct(ps[a], ps[c]))
			}
		}
		nb := bp.nb[bi]
		gv := mat.NewVecDense(d, nil)
		gv.MulVec(nb.T(), mat.NewVecDense(k, gb))
		floats.Add(grad, gv.RawVector().Data)
		var tmp, hw mat.Dense
		tmp.Mul(hb, nb)
		hw.Mul(nb.T(), &tmp)
		for i := 0; i < d; i++ {
			for j := i; j < d; j++ {
				hess.SetSym(i, j, hess.At(i, j)+hw.At(i, j))
			}
		}
	}

	step, err := solveNewton(hess, grad)
	if err != nil {
		return nil, 0, err
	}
	return step, -floats.Dot(grad, step), nil
}

// traceProduct is tr(a·b).
func traceProduct(a, b *mat.Dense) float64 {
	n, _ := a.Dims()
	var s float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s += a.At(i, j) * b.At(j, i)
		}
	}
	return s
}

// solveNewton solves H·x = −g after a diagonal scaling, adding a growing
// ridge when H is numerically indefinite.
func solveNewton(h *mat.SymDense, g []float64) ([]float64, error) {
	n := len(g)
	scale := make([]float64, n)
	for i := range scale {
		scale[i] = 1
		if v := h.At(i, i); v > 0 {
			scale[i] = 1 / math.Sqrt(v)
		}
	}
	rhs := mat.NewVecDense(n, nil)
	for i := range g {
		rhs.SetVec(i, -g[i]*scale[i])
	}
	for _, ridge := range []float64{0, 1e-12, 1e-10, 1e-8, 1e-6} {
		hs := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				hs.SetSym(i, j, h.At(i, j)*scale[i]*scale[j])
			}
			hs.SetSym(i, i, hs.At(i, i)+ridge)
		}
		var ch mat.Cholesky
		if !ch.Factorize(hs) {
			continue
		}
		x := mat.NewVecDense(n, nil)
		if err := ch.SolveVecTo(x, rhs); !usable(err) {
			continue
		}
		out := x.RawVector().Data
		for i := range out {
			out[i] *= scale[i]
		}
		return out, nil
	}
	return nil, errStalled
}

// lineSearch minimises t·cᵀz + φ(z) along dw exactly by bisection on the
// directional derivative, which is increasing and closed form:
//
//	t·cᵀdz + Σ δ_i/(s_i − a·δ_i) − Σ_b Σ_k λ_bk/(1 + a·λ_bk)
//
// with δ = G·dz and λ_b the eigenvalues of L⁻¹·D_b·L⁻ᵀ for F_b = L·Lᵀ. The
// step is capped at 1.
func (bp *barrier) lineSearch(t float64, w, dw []float64) float64 {
	s := bp.slacks(w)
	delta := make([]float64, len(s))
	if bp.gw != nil {
		dv := mat.NewVecDense(len(s), nil)
		dv.MulVec(bp.gw, mat.NewVecDense(bp.d, dw))
		copy(delta, dv.RawVector().Data)
	}
	amax := math.Inf(1)
	for i, v := range delta {
		if v > 0 {
			amax = math.Min(amax, s[i]/v)
		}
	}

	z := bp.point(w)
	dzv := mat.NewVecDense(bp.n, nil)
	dzv.MulVec(bp.null, mat.NewVecDense(bp.d, dw))
	dz := dzv.RawVector().Data
	var lams [][]float64
	for _, b := range bp.blocks {
		var ch mat.Cholesky
		if !ch.Factorize(b.at(z)) {
			return 0
		}
		var l, li mat.TriDense
		ch.LTo(&l)
		if err := li.InverseTri(&l); !usable(err) {
			return 0
		}
		var tmp, m mat.Dense
		tmp.Mul(&li, b.slope(dz))
		m.Mul(&tmp, li.T())
		sym := mat.NewSymDense(b.dim, nil)
		for i := 0; i < b.dim; i++ {
			for j := i; j < b.dim; j++ {
				sym.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
			}
		}
		var eig mat.EigenSym
		if !eig.Factorize(sym, false) {
			return 0
		}
		vals := eig.Values(nil)
		for _, v := range vals {
			if v < 0 {
				amax = math.Min(amax, -1/v)
			}
		}
		lams = append(lams, vals)
	}

	base := t * floats.Dot(bp.cw, dw)
	deriv := func(a float64) float64 {
		v := base
		for i, di := range delta {
			v += di / (s[i] - a*di)
		}
		for _, vals := range lams {
			for _, l := range vals {
				v -= l / (1 + a*l)
			}
		}
		return v
	}
	hi := math.Min(1, amax*(1-1e-9))
	if deriv(hi) <= 0 {
		return hi
	}
	lo := 0.0
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if deriv(mid) <= 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// minimize follows the central path from the strictly feasible w, which it
// updates in place. stop, when set, is checked after every Newton step and
// ends the solve early. It returns the final barrier weight and the number
// of Newton steps.
func (bp *barrier) minimize(ctx context.Context, w []float64, cfg Config, stop func([]float64) bool) (float64, int, error) {
	theta := bp.degree()
	t := 1.0
	steps := 0
	for {
		for it := 0; it < maxCentering; it++ {
			if err := ctx.Err(); err != nil {
				return t, steps, err
			}
			if steps >= cfg.MaxNewtonSteps {
				return t, steps, errStalled
			}
			dw, dec, err := bp.newton(t, w)
			if err != nil {
				return t, steps, err
			}
			centered := dec/2 <= newtonTol
			a := bp.lineSearch(t, w, dw)
			for a > 0 {
				next := append([]float64(nil), w...)
				floats.AddScaled(next, a, dw)
				if bp.interior(next) {
					copy(w, next)
					break
				}
				a /= 2
				if a < 1e-12 {
					a = 0
				}
			}
			steps++
			if a == 0 || centered {
				break
			}
			if stop != nil && stop(w) {
				return t, steps, nil
			}
		}
		f := floats.Dot(bp.c, bp.point(w))
		if theta/t <= cfg.GapTol*math.Max(1, math.Abs(f)) {
			return t, steps, nil
		}
		t *= cfg.BarrierStep
	}
}

// feasible finds a strictly feasible w by minimising a common slack s
// added to every row and block, starting from z0 with s large enough.
func (bp *barrier) feasible(ctx context.Context, cfg Config) ([]float64, int, error) {
	w := make([]float64, bp.d)
	worst := math.Inf(1)
	for _, s := range bp.hw {
		worst = math.Min(worst, s)
	}
	for _, b := range bp.blocks {
		worst = math.Min(worst, minEigen(b.at(bp.z0)))
	}
	if worst >= phaseOneMargin {
		return w, 0, nil
	}

	n, d := bp.n, bp.d
	c := make([]float64, n+1)
	c[n] = 1
	g := make([][]float64, 0, len(bp.gz)+1)
	for _, row := range bp.gz {
		r := make([]float64, n+1)
		copy(r, row)
		r[n] = -1
		g = append(g, r)
	}
	floor := make([]float64, n+1)
	floor[n] = -1
	g = append(g, floor)
	h := make([]float64, 0, len(g))
	for i, row := range bp.gz {
		h = append(h, bp.hw[i]+floats.Dot(row, bp.z0))
	}
	h = append(h, 1)
	blocks := make([]*lmi, len(bp.blocks))
	for i, b := range bp.blocks {
		blocks[i] = b.withSlack(n)
	}
	null := mat.NewDense(n+1, d+1, nil)
	null.Slice(0, n, 0, d).(*mat.Dense).Copy(bp.null)
	null.Set(n, d, 1)
	aug, err := newBarrier(c, g, h, blocks, append(append([]float64(nil), bp.z0...), 0), null)
	if err != nil {
		return nil, 0, err
	}

	wa := make([]float64, d+1)
	wa[d] = 1 - worst
	_, steps, err := aug.minimize(ctx, wa, cfg, func(w []float64) bool { return w[d] < -phaseOneMargin })
	if ctx.Err() != nil {
		return nil, steps, ctx.Err()
	}
	if wa[d] < 0 {
		return wa[:d], steps, nil
	}
	if err != nil && !errors.Is(err, errStalled) {
		return nil, steps, err
	}
	return nil, steps, lp.ErrInfeasible
}

// duals returns the row multipliers 1/(t·s) and the block multipliers
// F⁻¹/t at w, indexed like the rows and blocks given to newBarrier, along
// with the residual c + Σ λ·g − Σ F*(Z) left for the equality rows.
func (bp *barrier) duals(t float64, w []float64, nRows int) ([]float64, []float64) {
	lam := make([]float64, nRows)
	r := append([]float64(nil), bp.c...)
	s := bp.slacks(w)
	for i, orig := range bp.rows {
		lam[orig] = 1 / (t * s[i])
		floats.AddScaled(r, lam[orig], bp.gz[i])
	}
	z := bp.point(w)
	for _, b := range bp.blocks {
		var ch mat.Cholesky
		if !ch.Factorize(b.at(z)) {
			continue
		}
		var fi mat.SymDense
		if err := ch.InverseTo(&fi); !usable(err) {
			continue
		}
		for k, v := range b.vars {
			var dot float64
			for i := 0; i < b.dim; i++ {
				for j := 0; j < b.dim; j++ {
					dot += fi.At(i, j) * b.coef[k].At(i, j)
				}
			}
			r[v] -= dot / t
		}
	}
	return lam, r
}

// solveBarrier runs both phases of the barrier method on p.
func (s *Solver) solveBarrier(ctx context.Context, p *conic.Problem, r *reduction) (*conic.Solution, error) {
	l := build(p, r, s.cfg.BoxBound)
	var blocks []*lmi
	for _, b := range p.PSD {
		blocks = append(blocks, newLMI(b, r))
	}
	for _, c := range p.SOC {
		blocks = append(blocks, newLMI(arrow(c), r))
	}

	sol := &conic.Solution{Status: conic.StatusUnknown}
	fail := func(err error, steps int) (*conic.Solution, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Debugf("barrier method: %v", err)
		sol.Status = statusOf(err)
		sol.Iterations = steps
		return sol, nil
	}

	hl, err := newHull(l.a, l.b, r.n)
	if err != nil {
		return fail(err, 0)
	}
	var z []float64
	var lam, resid []float64
	steps := 0
	if hl.d == 0 {
		z = hl.z0
		for i, row := range l.g {
			if floats.Dot(row, z)-l.h[i] > 1e3*feasTol(l.h[i]) {
				return fail(lp.ErrInfeasible, 0)
			}
		}
		for _, b := range blocks {
			if minEigen(b.at(z)) < -s.cfg.FeasibilityTol {
				return fail(lp.ErrInfeasible, 0)
			}
		}
		lam, resid = make([]float64, len(l.g)), append([]float64(nil), l.c...)
	} else {
		bp, err := newBarrier(l.c, l.g, l.h, blocks, hl.z0, hl.null)
		if err != nil {
			return fail(err, 0)
		}
		w, n1, err := bp.feasible(ctx, s.cfg)
		steps += n1
		if err != nil {
			return fail(err, steps)
		}
		t, n2, err := bp.minimize(ctx, w, s.cfg, nil)
		steps += n2
		if err != nil {
			return fail(err, steps)
		}
		s.log.Debugf("barrier method: %d newton steps, final weight %.3g", steps, t)
		z = bp.point(w)
		lam, resid = bp.duals(t, w, len(l.g))
	}

	full := r.expand(z)
	sol.Primal = full
	sol.Objective = p.Objective.Eval(full)
	sol.Iterations = steps
	sol.Status = conic.StatusOptimal
	if onBox(z, s.cfg.BoxBound) {
		sol.Status = conic.StatusUnbounded
	}
	sol.Duals = make(map[string]float64)
	for i, ref := range l.gRefs {
		if ref.name != "" {
			sol.Duals[ref.name] = -ref.sign * lam[i]
		}
	}
	nu := hl.multipliers(resid)
	for i, ref := range l.aRefs {
		sol.Duals[ref.name] = -nu[i]
	}
	return sol, nil
}
