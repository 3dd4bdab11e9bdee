package solver

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/kilianp07/feederdispatch/core/conic"
)

func newSolver(t *testing.T, cfg Config) *Solver {
	t.Helper()
	s, err := New(cfg, nil)
	require.NoError(t, err)
	return s
}

func sum(vars ...int) conic.AffineExpr {
	var e conic.AffineExpr
	for _, v := range vars {
		e.AddTerm(v, 1)
	}
	return e
}

func TestSolveLinear(t *testing.T) {
	var p conic.Problem
	x := p.AddVar("x", conic.NonNeg())
	y := p.AddVar("y", conic.NonNeg())
	p.AddRow(conic.Row{Name: "cover", Expr: sum(x, y), Sense: conic.GE, RHS: 1})
	tie := conic.Var(x)
	tie.AddTerm(y, -1)
	p.AddRow(conic.Row{Name: "tie", Expr: tie, Sense: conic.EQ})
	p.Objective = sum(x, y)

	sol, err := newSolver(t, Config{}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, 1, sol.Objective, 1e-9)
	assert.InDelta(t, 0.5, sol.Primal[x], 1e-9)
	assert.InDelta(t, 0.5, sol.Primal[y], 1e-9)
	assert.InDelta(t, 1, sol.Duals["cover"], 1e-7)
	assert.InDelta(t, 0, sol.Duals["tie"], 1e-7)
	assert.Equal(t, 1, sol.Iterations)
}

func TestSolveSubstitutesFixedVariables(t *testing.T) {
	var p conic.Problem
	x := p.AddVar("x", conic.NonNeg())
	y := p.AddVar("y", conic.Fixed(3))
	p.AddRow(conic.Row{Name: "need", Expr: sum(x, y), Sense: conic.GE, RHS: 5})
	p.Objective = conic.Var(x)

	sol, err := newSolver(t, Config{}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, 2, sol.Primal[x], 1e-9)
	assert.Equal(t, 3.0, sol.Primal[y])
	assert.InDelta(t, 1, sol.Duals["need"], 1e-7)
}

func TestSolveDependentEqualities(t *testing.T) {
	build := func(rhs2 float64) *conic.Problem {
		var p conic.Problem
		x := p.AddVar("x", conic.NonNeg())
		y := p.AddVar("y", conic.NonNeg())
		p.AddRow(conic.Row{Name: "a", Expr: sum(x, y), Sense: conic.EQ, RHS: 1})
		p.AddRow(conic.Row{Name: "b", Expr: sum(x, y).Scaled(2), Sense: conic.EQ, RHS: rhs2})
		obj := conic.Var(x)
		obj.AddTerm(y, 2)
		p.Objective = obj
		return &p
	}
	s := newSolver(t, Config{})

	sol, err := s.Solve(context.Background(), build(2))
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, 1, sol.Objective, 1e-9)
	assert.InDelta(t, 1, sol.Primal[0], 1e-9)

	sol, err = s.Solve(context.Background(), build(3))
	require.NoError(t, err)
	assert.Equal(t, conic.StatusInfeasible, sol.Status)
}

func TestSolveInfeasibleAndUnbounded(t *testing.T) {
	s := newSolver(t, Config{})

	var inf conic.Problem
	x := inf.AddVar("x", conic.Box(0, 1))
	inf.AddRow(conic.Row{Name: "high", Expr: conic.Var(x), Sense: conic.GE, RHS: 2})
	inf.Objective = conic.Var(x)
	sol, err := s.Solve(context.Background(), &inf)
	require.NoError(t, err)
	assert.Equal(t, conic.StatusInfeasible, sol.Status)

	var unb conic.Problem
	u := unb.AddVar("u", conic.NonNeg())
	unb.AddRow(conic.Row{Name: "r", Expr: conic.Var(u), Sense: conic.GE, RHS: 1})
	unb.Objective = conic.Var(u).Scaled(-1)
	sol, err = s.Solve(context.Background(), &unb)
	require.NoError(t, err)
	assert.Equal(t, conic.StatusUnbounded, sol.Status)

	var loose conic.Problem
	w := loose.AddVar("w", conic.Free())
	loose.Objective = conic.Var(w)
	sol, err = s.Solve(context.Background(), &loose)
	require.NoError(t, err)
	assert.Equal(t, conic.StatusUnbounded, sol.Status)
}

func TestSolveSecondOrderCone(t *testing.T) {
	var p conic.Problem
	x := p.AddVar("x", conic.Free())
	y := p.AddVar("y", conic.Free())
	p.AddSOC(conic.SOC{Name: "disk", Bound: conic.Const(1), Elems: []conic.AffineExpr{conic.Var(x), conic.Var(y)}})
	p.Objective = sum(x, y).Scaled(-1)

	sol, err := newSolver(t, Config{}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, -math.Sqrt2, sol.Objective, 1e-6)
	assert.LessOrEqual(t, math.Hypot(sol.Primal[x], sol.Primal[y]), 1+1e-6)
	assert.Greater(t, sol.Iterations, 1)
}

func TestSolveCutRoundLimit(t *testing.T) {
	var p conic.Problem
	x := p.AddVar("x", conic.Free())
	y := p.AddVar("y", conic.Free())
	p.AddSOC(conic.SOC{Name: "disk", Bound: conic.Const(1), Elems: []conic.AffineExpr{conic.Var(x), conic.Var(y)}})
	p.Objective = sum(x, y).Scaled(-1)

	sol, err := newSolver(t, Config{Method: MethodCuttingPlane, MaxCutRounds: 1}).Solve(context.Background(), &p)
	require.NoError(t, err)
	assert.Equal(t, conic.StatusNumericalError, sol.Status)
	assert.Len(t, sol.Primal, 2)

	// The default method retries with the barrier method.
	sol, err = newSolver(t, Config{MaxCutRounds: 1}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, -math.Sqrt2, sol.Objective, 1e-6)
}

func TestSolveSemidefinite(t *testing.T) {
	var p conic.Problem
	tv := p.AddVar("t", conic.Free())
	b := conic.NewPSD("m", "psd", 2)
	b.Set(0, 0, conic.Var(tv))
	b.Set(0, 1, conic.Const(1))
	b.Set(1, 1, conic.Var(tv))
	p.AddPSD(b)
	p.Objective = conic.Var(tv)

	sol, err := newSolver(t, Config{}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, 1, sol.Primal[tv], 1e-7)
}

func TestSolveSimplexFailure(t *testing.T) {
	orig := simplex
	simplex = func([]float64, mat.Matrix, []float64, float64, []int) (float64, []float64, error) {
		return 0, nil, lp.ErrSingular
	}
	t.Cleanup(func() { simplex = orig })

	var p conic.Problem
	x := p.AddVar("x", conic.NonNeg())
	p.AddRow(conic.Row{Name: "r", Expr: conic.Var(x), Sense: conic.GE, RHS: 1})
	p.Objective = conic.Var(x)
	sol, err := newSolver(t, Config{Method: MethodCuttingPlane}).Solve(context.Background(), &p)
	require.NoError(t, err)
	assert.Equal(t, conic.StatusNumericalError, sol.Status)
	assert.Nil(t, sol.Primal)

	sol, err = newSolver(t, Config{}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, 1, sol.Primal[x], 1e-6)
	assert.InDelta(t, 1, sol.Duals["r"], 1e-6)
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var p conic.Problem
	p.AddVar("x", conic.NonNeg())
	_, err := newSolver(t, Config{}).Solve(ctx, &p)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSolveRejectsMalformedProblem(t *testing.T) {
	var p conic.Problem
	p.AddRow(conic.Row{Name: "r", Expr: conic.Var(3), Sense: conic.LE})
	_, err := newSolver(t, Config{}).Solve(context.Background(), &p)
	assert.Error(t, err)
}

func TestIndependentRows(t *testing.T) {
	rows := [][]float64{
		{1, 1, 0},
		{0, 0, 0},
		{2, 2, 0},
		{0, 1, 1},
		{1, 2, 1},
	}
	assert.Equal(t, []int{0, 3}, independentRows(rows))
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, 100, c.MaxCutRounds)
	assert.Equal(t, MethodAuto, c.Method)

	c.MaxCutRounds = -1
	assert.Error(t, c.Validate())
	_, err := New(Config{Method: "newton"}, nil)
	assert.Error(t, err)
	_, err = New(Config{BarrierStep: 0.5}, nil)
	assert.Error(t, err)
	_, err = New(Config{Tolerance: -1}, nil)
	assert.Error(t, err)
}

func TestBarrierMethod(t *testing.T) {
	s := newSolver(t, Config{Method: MethodBarrier})
	ctx := context.Background()

	t.Run("linear", func(t *testing.T) {
		var p conic.Problem
		x := p.AddVar("x", conic.NonNeg())
		y := p.AddVar("y", conic.NonNeg())
		p.AddRow(conic.Row{Name: "cover", Expr: sum(x, y), Sense: conic.GE, RHS: 1})
		tie := conic.Var(x)
		tie.AddTerm(y, -1)
		p.AddRow(conic.Row{Name: "tie", Expr: tie, Sense: conic.EQ})
		p.Objective = sum(x, y)

		sol, err := s.Solve(ctx, &p)
		require.NoError(t, err)
		require.Equal(t, conic.StatusOptimal, sol.Status)
		assert.InDelta(t, 1, sol.Objective, 1e-6)
		assert.InDelta(t, 0.5, sol.Primal[x], 1e-6)
		assert.InDelta(t, 0.5, sol.Primal[y], 1e-6)
		assert.InDelta(t, 1, sol.Duals["cover"], 1e-5)
		assert.InDelta(t, 0, sol.Duals["tie"], 1e-5)
	})

	t.Run("dependent equalities", func(t *testing.T) {
		build := func(rhs2 float64) *conic.Problem {
			var p conic.Problem
			x := p.AddVar("x", conic.NonNeg())
			y := p.AddVar("y", conic.NonNeg())
			p.AddRow(conic.Row{Name: "a", Expr: sum(x, y), Sense: conic.EQ, RHS: 1})
			p.AddRow(conic.Row{Name: "b", Expr: sum(x, y).Scaled(2), Sense: conic.EQ, RHS: rhs2})
			obj := conic.Var(x)
			obj.AddTerm(y, 2)
			p.Objective = obj
			return &p
		}
		sol, err := s.Solve(ctx, build(2))
		require.NoError(t, err)
		require.Equal(t, conic.StatusOptimal, sol.Status)
		assert.InDelta(t, 1, sol.Objective, 1e-6)
		assert.InDelta(t, 1, sol.Primal[0], 1e-6)

		sol, err = s.Solve(ctx, build(3))
		require.NoError(t, err)
		assert.Equal(t, conic.StatusInfeasible, sol.Status)
	})

	t.Run("infeasible", func(t *testing.T) {
		var p conic.Problem
		x := p.AddVar("x", conic.Box(0, 1))
		p.AddRow(conic.Row{Name: "high", Expr: conic.Var(x), Sense: conic.GE, RHS: 2})
		p.Objective = conic.Var(x)
		sol, err := s.Solve(ctx, &p)
		require.NoError(t, err)
		assert.Equal(t, conic.StatusInfeasible, sol.Status)
	})

	t.Run("unbounded", func(t *testing.T) {
		var p conic.Problem
		u := p.AddVar("u", conic.NonNeg())
		p.AddRow(conic.Row{Name: "r", Expr: conic.Var(u), Sense: conic.GE, RHS: 1})
		p.Objective = conic.Var(u).Scaled(-1)
		sol, err := s.Solve(ctx, &p)
		require.NoError(t, err)
		assert.Equal(t, conic.StatusUnbounded, sol.Status)
	})

	t.Run("second order cone", func(t *testing.T) {
		var p conic.Problem
		x := p.AddVar("x", conic.Free())
		y := p.AddVar("y", conic.Free())
		p.AddSOC(conic.SOC{Name: "disk", Bound: conic.Const(1), Elems: []conic.AffineExpr{conic.Var(x), conic.Var(y)}})
		p.Objective = sum(x, y).Scaled(-1)
		sol, err := s.Solve(ctx, &p)
		require.NoError(t, err)
		require.Equal(t, conic.StatusOptimal, sol.Status)
		assert.InDelta(t, -math.Sqrt2, sol.Objective, 1e-6)
		assert.InDelta(t, math.Sqrt2/2, sol.Primal[x], 1e-4)
	})

	t.Run("fixed point", func(t *testing.T) {
		var p conic.Problem
		x := p.AddVar("x", conic.Free())
		p.AddRow(conic.Row{Name: "pin", Expr: conic.Var(x), Sense: conic.EQ, RHS: 2})
		p.AddRow(conic.Row{Name: "cap", Expr: conic.Var(x), Sense: conic.LE, RHS: 1})
		p.Objective = conic.Var(x)
		sol, err := s.Solve(ctx, &p)
		require.NoError(t, err)
		assert.Equal(t, conic.StatusInfeasible, sol.Status)
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		var p conic.Problem
		x := p.AddVar("x", conic.NonNeg())
		p.AddRow(conic.Row{Name: "r", Expr: conic.Var(x), Sense: conic.GE, RHS: 1})
		p.Objective = conic.Var(x)
		_, err := s.Solve(cctx, &p)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBarrierTridiagonalPSD(t *testing.T) {
	// min t subject to [[t, 1, 0], [1, t, 1], [0, 1, t]] ⪰ 0 has t = √2.
	var p conic.Problem
	tv := p.AddVar("t", conic.Free())
	b := conic.NewPSD("m", "psd", 3)
	for i := 0; i < 3; i++ {
		b.Set(i, i, conic.Var(tv))
	}
	b.Set(0, 1, conic.Const(1))
	b.Set(1, 2, conic.Const(1))
	p.AddPSD(b)
	p.Objective = conic.Var(tv)

	sol, err := newSolver(t, Config{Method: MethodBarrier}).Solve(context.Background(), &p)
	require.NoError(t, err)
	require.Equal(t, conic.StatusOptimal, sol.Status)
	assert.InDelta(t, math.Sqrt2, sol.Primal[tv], 1e-6)
}
