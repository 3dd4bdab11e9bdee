package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/logger"
)

// Solver solves conic problems in one of two ways. The cutting plane method
// solves LP relaxations with gonum's simplex, separates violated second-order
// cone and semidefinite blocks by tangent or eigenvector cuts and solves
// again until every block holds within FeasibilityTol. The barrier method
// follows the central path of a log-barrier with Newton steps, treating
// second-order cones as arrow matrices. Cut rounds grow quickly with the
// number of semidefinite blocks, so MethodAuto sends those problems to the
// barrier method.
type Solver struct {
	cfg Config
	log logger.Logger
}

// New returns a solver. Zero config values take their defaults.
func New(cfg Config, log logger.Logger) (*Solver, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solver{cfg: cfg, log: logger.OrNop(log)}, nil
}

// rowRef ties an LP inequality or equality back to a named problem row.
// sign is −1 for ≥ rows that were negated into ≤ form.
type rowRef struct {
	name string
	sign float64
}

// reduction maps problem variables onto the free (non-fixed) ones.
type reduction struct {
	n     int
	col   []int
	fixed []float64
}

func newReduction(p *conic.Problem) *reduction {
	r := &reduction{col: make([]int, len(p.Variables)), fixed: make([]float64, len(p.Variables))}
	for i, v := range p.Variables {
		if v.IsFixed() {
			r.col[i] = -1
			r.fixed[i] = *v.Lower
			continue
		}
		r.col[i] = r.n
		r.n++
	}
	return r
}

// dense returns the coefficients of e over the free variables and its
// constant, fixed variables included.
func (r *reduction) dense(e conic.AffineExpr) ([]float64, float64) {
	a := make([]float64, r.n)
	c := e.Constant
	for _, t := range e.Terms {
		if k := r.col[t.Var]; k >= 0 {
			a[k] += t.Coef
		} else {
			c += t.Coef * r.fixed[t.Var]
		}
	}
	return a, c
}

func (r *reduction) expand(x []float64) []float64 {
	out := make([]float64, len(r.col))
	for i, k := range r.col {
		if k >= 0 {
			out[i] = x[k]
		} else {
			out[i] = r.fixed[i]
		}
	}
	return out
}

// relaxation is the LP part of a problem plus the cuts collected so far.
type relaxation struct {
	general
	gRefs []rowRef
	aRefs []rowRef
}

func (l *relaxation) addLE(a []float64, h float64, ref rowRef) {
	l.g = append(l.g, a)
	l.h = append(l.h, h)
	l.gRefs = append(l.gRefs, ref)
}

// addCut adds the linear constraint e ≥ 0.
func (l *relaxation) addCut(r *reduction, e conic.AffineExpr) {
	a, c := r.dense(e)
	floats.Scale(-1, a)
	l.addLE(a, c, rowRef{})
}

func build(p *conic.Problem, r *reduction, box float64) *relaxation {
	l := &relaxation{}
	l.c, _ = r.dense(p.Objective)
	for _, row := range p.Rows {
		a, c := r.dense(row.Expr)
		rhs := row.RHS - c
		switch row.Sense {
		case conic.EQ:
			l.a = append(l.a, a)
			l.b = append(l.b, rhs)
			l.aRefs = append(l.aRefs, rowRef{name: row.Name, sign: 1})
		case conic.LE:
			l.addLE(a, rhs, rowRef{name: row.Name, sign: 1})
		case conic.GE:
			floats.Scale(-1, a)
			l.addLE(a, -rhs, rowRef{name: row.Name, sign: -1})
		}
	}
	for i, v := range p.Variables {
		k := r.col[i]
		if k < 0 {
			continue
		}
		lo, hi := -math.Inf(1), math.Inf(1)
		if v.Lower != nil {
			lo = *v.Lower
		}
		if v.Upper != nil {
			hi = *v.Upper
		}
		if box > 0 {
			lo, hi = math.Max(lo, -box), math.Min(hi, box)
		}
		if !math.IsInf(lo, -1) {
			a := make([]float64, r.n)
			a[k] = -1
			l.addLE(a, -lo, rowRef{})
		}
		if !math.IsInf(hi, 1) {
			a := make([]float64, r.n)
			a[k] = 1
			l.addLE(a, hi, rowRef{})
		}
	}
	return l
}

// initialCuts seeds the relaxation: nonnegative diagonals and 2×2 minors
// for PSD blocks, an axis-aligned polygon for SOC blocks.
func initialCuts(p *conic.Problem, r *reduction, l *relaxation) {
	for _, b := range p.PSD {
		for i := 0; i < b.Dim; i++ {
			l.addCut(r, b.At(i, i))
			for j := i + 1; j < b.Dim; j++ {
				for _, s := range []float64{1, -1} {
					u := make([]float64, b.Dim)
					u[i], u[j] = 1, s
					l.addCut(r, b.Quadratic(u))
				}
			}
		}
	}
	for _, c := range p.SOC {
		scale := 1.0
		if len(c.Elems) == 2 {
			scale = math.Sqrt2
		}
		for k, e := range c.Elems {
			for _, s := range []float64{1, -1} {
				l.addCut(r, c.Bound.Plus(e.Scaled(-s)))
			}
			if len(c.Elems) == 2 && k == 0 {
				for _, s := range []float64{1, -1} {
					d := c.Elems[0].Plus(c.Elems[1].Scaled(s)).Scaled(-1 / scale)
					l.addCut(r, c.Bound.Plus(d))
					l.addCut(r, c.Bound.Plus(d.Scaled(-1)))
				}
			}
		}
	}
}

// separate adds cuts for every violated block at x and reports how many
// were added along with the largest violation.
func (s *Solver) separate(p *conic.Problem, r *reduction, l *relaxation, x []float64) (int, float64, error) {
	added := 0
	worst := 0.0
	for _, c := range p.SOC {
		e := make([]float64, len(c.Elems))
		for k, el := range c.Elems {
			e[k] = el.Eval(x)
		}
		nrm := floats.Norm(e, 2)
		viol := nrm - c.Bound.Eval(x)
		if viol <= s.cfg.FeasibilityTol {
			continue
		}
		worst = math.Max(worst, viol)
		// ‖e‖ ≥ uᵀe for unit u, tight at the current point.
		cut := c.Bound
		for k, el := range c.Elems {
			cut = cut.Plus(el.Scaled(-e[k] / nrm))
		}
		l.addCut(r, cut)
		added++
	}
	for _, b := range p.PSD {
		var eig mat.EigenSym
		if ok := eig.Factorize(b.Eval(x), true); !ok {
			return 0, 0, fmt.Errorf("eigendecomposition of %s failed", b.Name)
		}
		vals := eig.Values(nil)
		var vecs mat.Dense
		eig.VectorsTo(&vecs)
		// Values are ascending.
		for k := 0; k < len(vals) && k < s.cfg.CutsPerBlock; k++ {
			if vals[k] >= -s.cfg.FeasibilityTol {
				break
			}
			worst = math.Max(worst, -vals[k])
			l.addCut(r, b.Quadratic(mat.Col(nil, k, &vecs)))
			added++
		}
	}
	return added, worst, nil
}

// Solve implements conic.Solver.
func (s *Solver) Solve(ctx context.Context, p *conic.Problem) (*conic.Solution, error) {
	start := time.Now()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	r := newReduction(p)
	var sol *conic.Solution
	var err error
	switch {
	case s.cfg.Method == MethodBarrier, s.cfg.Method == MethodAuto && len(p.PSD) > 0:
		sol, err = s.solveBarrier(ctx, p, r)
	default:
		sol, err = s.solveCuts(ctx, p, r)
		if err == nil && s.cfg.Method == MethodAuto && sol.Status == conic.StatusNumericalError {
			s.log.Warnf("cutting planes stopped after %d rounds, retrying with the barrier method", sol.Iterations)
			sol, err = s.solveBarrier(ctx, p, r)
		}
	}
	if err != nil {
		return nil, err
	}
	sol.SolveTime = time.Since(start)
	return sol, nil
}

func (s *Solver) solveCuts(ctx context.Context, p *conic.Problem, r *reduction) (*conic.Solution, error) {
	cones := len(p.SOC)+len(p.PSD) > 0
	box := 0.0
	if cones {
		box = s.cfg.BoxBound
	}
	l := build(p, r, box)
	initialCuts(p, r, l)

	sol := &conic.Solution{Status: conic.StatusUnknown}
	var x []float64
	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sol.Iterations = round
		var err error
		x, err = l.solve(s.cfg.Tolerance)
		if err != nil {
			sol.Status = statusOf(err)
			s.log.Debugf("lp relaxation round %d: %v", round, err)
			return sol, nil
		}
		if !cones {
			break
		}
		added, worst, err := s.separate(p, r, l, r.expand(x))
		if err != nil {
			return nil, err
		}
		s.log.Debugf("cut round %d: %d cuts, worst violation %.3g", round, added, worst)
		if added == 0 {
			break
		}
		if round >= s.cfg.MaxCutRounds {
			full := r.expand(x)
			return &conic.Solution{
				Status:     conic.StatusNumericalError,
				Objective:  p.Objective.Eval(full),
				Primal:     full,
				Iterations: round,
			}, nil
		}
	}

	full := r.expand(x)
	sol.Primal = full
	sol.Objective = p.Objective.Eval(full)
	sol.Status = conic.StatusOptimal
	if cones && onBox(x, box) {
		sol.Status = conic.StatusUnbounded
	}
	sol.Duals = s.duals(l)
	return sol, nil
}

// onBox reports whether some value rests on the artificial box. Barrier
// iterates stay strictly inside it, hence the relative margin.
func onBox(x []float64, box float64) bool {
	for _, v := range x {
		if math.Abs(v) >= box*(1-1e-6) {
			return true
		}
	}
	return false
}

// duals maps the multipliers of the final relaxation back onto the named
// rows. A failed dual solve leaves them empty.
func (s *Solver) duals(l *relaxation) map[string]float64 {
	out := make(map[string]float64)
	if len(l.g)+len(l.a) == 0 {
		return out
	}
	z, y, err := l.dual(s.cfg.Tolerance)
	if err != nil {
		s.log.Warnf("dual solve failed, duals unavailable: %v", err)
		return out
	}
	for i, ref := range l.gRefs {
		if ref.name != "" {
			out[ref.name] = -ref.sign * z[i]
		}
	}
	for i, ref := range l.aRefs {
		out[ref.name] = -y[i]
	}
	return out
}

func statusOf(err error) conic.Status {
	switch {
	case errors.Is(err, lp.ErrInfeasible):
		return conic.StatusInfeasible
	case errors.Is(err, lp.ErrUnbounded):
		return conic.StatusUnbounded
	default:
		return conic.StatusNumericalError
	}
}
