package feeder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// chain builds 0 - 1 - 2 with a branch 1 - 3.
func chain(t *testing.T) *Feeder {
	t.Helper()
	buses := []Bus{
		{Index: 0, VMin: 0.9, VMax: 1.1},
		{Index: 1, DP: 0.2, DQ: 0.1, VMin: 0.9, VMax: 1.1},
		{Index: 2, DP: 0.3, DQ: 0.1, VMin: 0.9, VMax: 1.1},
		{Index: 3, DP: 0.1, DQ: 0.05, VMin: 0.9, VMax: 1.1},
	}
	lines := []Line{
		{From: 0, To: 1, R: 0.01, X: 0.02, SMax: 2},
		{From: 1, To: 2, R: 0.02, X: 0.01, SMax: 2},
		{From: 1, To: 3, R: 0.03, X: 0.03, SMax: 2},
	}
	gens := []Generator{{Bus: 0, PMax: 3, QMax: 3, Cost: 10}, {Bus: 2, PMax: 1, QMax: 1, Cost: 20}}
	f, err := New("chain", 0, buses, lines, gens)
	require.NoError(t, err)
	return f
}

func TestNewDerivesTree(t *testing.T) {
	f := chain(t)
	assert.Equal(t, -1, f.Ancestor(0))
	assert.Equal(t, 1, f.Ancestor(2))
	assert.ElementsMatch(t, []int{2, 3}, f.Children(1))
	assert.Equal(t, []int{0, 1, 2, 3}, f.Order())
	assert.Equal(t, []int{2, 1}, f.Path(2))
	assert.Empty(t, f.Path(0))
	assert.True(t, f.InSubtree(1, 3))
	assert.False(t, f.InSubtree(2, 3))
	assert.Equal(t, []int{0, 2}, f.GenBuses())

	_, ok := f.LineTo(0)
	assert.False(t, ok)
	l, ok := f.LineTo(3)
	require.True(t, ok)
	assert.Equal(t, 0.03, l.R)
}

func TestNewRejectsNonTrees(t *testing.T) {
	buses := []Bus{{Index: 0}, {Index: 1}, {Index: 2}}
	cases := map[string][]Line{
		"too few lines":  {{From: 0, To: 1}},
		"two ancestors":  {{From: 0, To: 1}, {From: 2, To: 1}},
		"line into root": {{From: 1, To: 0}, {From: 1, To: 2}},
		"cycle":          {{From: 1, To: 2}, {From: 2, To: 1}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("bad", 0, buses, lines, nil)
			assert.Error(t, err)
		})
	}

	_, err := New("bad", 0, []Bus{{Index: 0}, {Index: 1}}, []Line{{From: 0, To: 1}}, []Generator{{Bus: 5}})
	assert.ErrorIs(t, err, ErrInvalidBus)
}

func TestIncidenceInverseIsSubtreeMembership(t *testing.T) {
	f := chain(t)
	a := f.Incidence()
	var inv mat.Dense
	require.NoError(t, inv.Inverse(a))

	nr := f.NonRoot()
	for l, lb := range nr {
		for j, jb := range nr {
			want := 0.0
			if f.InSubtree(lb, jb) {
				want = 1
			}
			assert.InDelta(t, want, inv.At(l, j), 1e-12, "line %d bus %d", lb, jb)
		}
	}
}

func TestWithDemandScaleCopies(t *testing.T) {
	f := chain(t)
	g := f.WithDemandScale(2)
	assert.Equal(t, 0.4, g.Buses[1].DP)
	assert.Equal(t, 0.2, f.Buses[1].DP)
	assert.Equal(t, f.Children(1), g.Children(1))
}

func TestCapacityWeights(t *testing.T) {
	f := chain(t)
	w := f.CapacityWeights()
	assert.InDelta(t, 0.75, w[0], 1e-12)
	assert.InDelta(t, 0.25, w[2], 1e-12)
	assert.Zero(t, w[1])
}
