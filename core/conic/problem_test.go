package conic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPSDIndexCoversUpperTriangle(t *testing.T) {
	b := NewPSD("m", "test", 4)
	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		for j := i; j < 4; j++ {
			idx := b.Index(i, j)
			assert.False(t, seen[idx], "index %d reused", idx)
			seen[idx] = true
			assert.Equal(t, idx, b.Index(j, i))
		}
	}
	assert.Len(t, seen, len(b.Entries))
}

func TestPSDQuadraticMatchesEval(t *testing.T) {
	var p Problem
	x := p.AddVar("x", Free())
	y := p.AddVar("y", Free())
	b := NewPSD("m", "test", 2)
	b.Set(0, 0, Var(x))
	b.Set(0, 1, Var(y).Plus(Const(1)))
	b.Set(1, 1, Const(3))

	point := []float64{2, -4}
	u := []float64{0.6, 0.8}
	m := b.Eval(point)
	want := u[0]*u[0]*m.At(0, 0) + 2*u[0]*u[1]*m.At(0, 1) + u[1]*u[1]*m.At(1, 1)
	assert.InDelta(t, want, b.Quadratic(u).Eval(point), 1e-12)
	assert.Equal(t, m.At(0, 1), m.At(1, 0))
}

func TestProblemValidate(t *testing.T) {
	var p Problem
	x := p.AddVar("x", Box(0, 1))
	p.AddRow(Row{Name: "r", Expr: Var(x), Sense: LE, RHS: 1})
	require.NoError(t, p.Validate())

	p.AddRow(Row{Name: "r", Expr: Var(x), Sense: GE, RHS: 0})
	assert.Error(t, p.Validate(), "duplicate names")

	q := Problem{}
	q.AddVar("bad", Box(2, 1))
	assert.Error(t, q.Validate())

	r := Problem{}
	r.AddVar("x", Free())
	r.Objective = Var(3)
	assert.Error(t, r.Validate())
}

func TestProblemJSON(t *testing.T) {
	var p Problem
	x := p.AddVar("x", NonNeg())
	p.AddVar("y", Free())
	p.AddRow(Row{Name: "cap", Family: "limit", Expr: Var(x), Sense: GE, RHS: 2})
	p.Objective = Var(x).Scaled(3)

	data, err := json.Marshal(&p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sense":">="`)

	var back Problem
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, GE, back.Rows[0].Sense)
	assert.Nil(t, back.Variables[1].Lower)
	require.NotNil(t, back.Variables[0].Lower)
	assert.Equal(t, 0.0, *back.Variables[0].Lower)
}

func TestStats(t *testing.T) {
	var p Problem
	x := p.AddVar("x", Free())
	p.AddRow(Row{Name: "a", Family: "balance", Expr: Var(x)})
	p.AddRow(Row{Name: "b", Family: "balance", Expr: Var(x)})
	p.AddPSD(NewPSD("m", "cc", 2))
	s := p.Stats()
	assert.Equal(t, 2, s["balance"])
	assert.Equal(t, 1, s["cc"])
	assert.Equal(t, 1, s["variables"])
	assert.Equal(t, 2, s["rows"])
	assert.Equal(t, 1, s["psd"])
	assert.Equal(t, 0, s["soc"])
}
