// Package feeder models a radial distribution feeder: a rooted tree of buses
// joined by lines, with generators attached to some buses.
package feeder

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotTree is returned when the lines do not form a tree rooted at Root.
	ErrNotTree = errors.New("feeder: topology is not a radial tree")
	// ErrInvalidBus is returned for out of range or inconsistent bus data.
	ErrInvalidBus = errors.New("feeder: invalid bus")
)

// Bus holds the per-bus demand and voltage limits. Voltage limits are
// magnitudes in per unit.
type Bus struct {
	Index  int     `json:"index"`
	Name   string  `json:"name,omitempty"`
	DP     float64 `json:"d_p"`
	DQ     float64 `json:"d_q"`
	TanPhi float64 `json:"tanphi"`
	VMin   float64 `json:"v_min"`
	VMax   float64 `json:"v_max"`
}

// Line connects bus From (the ancestor) to bus To (the child). Lines are
// identified by their child bus.
type Line struct {
	From int     `json:"from"`
	To   int     `json:"to"`
	R    float64 `json:"r"`
	X    float64 `json:"x"`
	SMax float64 `json:"s_max"`
}

// Generator is a dispatchable unit at a bus. Reactive output is bounded by
// ±QMax.
type Generator struct {
	Bus  int     `json:"bus"`
	PMax float64 `json:"p_max"`
	QMax float64 `json:"q_max"`
	Cost float64 `json:"cost"`
}

// Feeder is an immutable, validated radial network. It is safe for
// concurrent read-only use.
type Feeder struct {
	Name       string
	Root       int
	Buses      []Bus
	Generators []Generator

	ancestor []int
	children [][]int
	line     []Line // indexed by child bus, zero value at the root
	gen      []int  // generator slot per bus or -1
	order    []int  // breadth first from the root
	inSub    [][]bool
}

// New validates the topology and derives ancestors, children and subtree
// membership.
func New(name string, root int, buses []Bus, lines []Line, gens []Generator) (*Feeder, error) {
	n := len(buses)
	if n == 0 {
		return nil, fmt.Errorf("%w: no buses", ErrInvalidBus)
	}
	if root < 0 || root >= n {
		return nil, fmt.Errorf("%w: root %d out of range", ErrInvalidBus, root)
	}
	for i, b := range buses {
		if b.Index != i {
			return nil, fmt.Errorf("%w: bus at position %d has index %d", ErrInvalidBus, i, b.Index)
		}
		if b.VMin > b.VMax {
			return nil, fmt.Errorf("%w: bus %d v_min above v_max", ErrInvalidBus, i)
		}
	}
	if len(lines) != n-1 {
		return nil, fmt.Errorf("%w: %d lines for %d buses", ErrNotTree, len(lines), n)
	}

	f := &Feeder{
		Name:       name,
		Root:       root,
		Buses:      append([]Bus(nil), buses...),
		Generators: append([]Generator(nil), gens...),
		ancestor:   make([]int, n),
		children:   make([][]int, n),
		line:       make([]Line, n),
		gen:        make([]int, n),
	}
	for i := range f.ancestor {
		f.ancestor[i] = -1
		f.gen[i] = -1
	}
	for _, l := range lines {
		if l.From < 0 || l.From >= n || l.To < 0 || l.To >= n || l.From == l.To {
			return nil, fmt.Errorf("%w: line %d-%d", ErrInvalidBus, l.From, l.To)
		}
		if l.To == root {
			return nil, fmt.Errorf("%w: line into root", ErrNotTree)
		}
		if f.ancestor[l.To] != -1 {
			return nil, fmt.Errorf("%w: bus %d has two ancestors", ErrNotTree, l.To)
		}
		f.ancestor[l.To] = l.From
		f.children[l.From] = append(f.children[l.From], l.To)
		f.line[l.To] = l
	}
	for i, g := range gens {
		if g.Bus < 0 || g.Bus >= n {
			return nil, fmt.Errorf("%w: generator on bus %d", ErrInvalidBus, g.Bus)
		}
		if f.gen[g.Bus] != -1 {
			return nil, fmt.Errorf("%w: two generators on bus %d", ErrInvalidBus, g.Bus)
		}
		f.gen[g.Bus] = i
	}

	// Reachability from the root rules out cycles given n-1 lines and
	// single ancestors.
	f.order = make([]int, 0, n)
	f.order = append(f.order, root)
	for head := 0; head < len(f.order); head++ {
		f.order = append(f.order, f.children[f.order[head]]...)
	}
	if len(f.order) != n {
		return nil, fmt.Errorf("%w: %d of %d buses reachable from root", ErrNotTree, len(f.order), n)
	}

	f.inSub = make([][]bool, n)
	for i := range f.inSub {
		f.inSub[i] = make([]bool, n)
	}
	for k := 0; k < n; k++ {
		for b := k; b != -1; b = f.ancestor[b] {
			f.inSub[b][k] = true
		}
	}
	return f, nil
}

// N is the number of buses.
func (f *Feeder) N() int { return len(f.Buses) }

// Ancestor returns the ancestor of bus b, or -1 for the root.
func (f *Feeder) Ancestor(b int) int { return f.ancestor[b] }

// Children returns the children of bus b. The slice must not be modified.
func (f *Feeder) Children(b int) []int { return f.children[b] }

// LineTo returns the line feeding bus b. ok is false for the root.
func (f *Feeder) LineTo(b int) (Line, bool) {
	if b == f.Root {
		return Line{}, false
	}
	return f.line[b], true
}

// Generator returns the generator attached to bus b, if any.
func (f *Feeder) Generator(b int) (Generator, bool) {
	if f.gen[b] < 0 {
		return Generator{}, false
	}
	return f.Generators[f.gen[b]], true
}

// IsGenBus reports whether bus b has a generator.
func (f *Feeder) IsGenBus(b int) bool { return f.gen[b] >= 0 }

// GenBuses lists generator buses in bus order.
func (f *Feeder) GenBuses() []int {
	var out []int
	for b := range f.Buses {
		if f.gen[b] >= 0 {
			out = append(out, b)
		}
	}
	return out
}

// Order returns the buses breadth first from the root.
func (f *Feeder) Order() []int { return append([]int(nil), f.order...) }

// InSubtree reports whether bus k lies in the subtree rooted at bus b
// (b included).
func (f *Feeder) InSubtree(b, k int) bool { return f.inSub[b][k] }

// Path returns the buses whose feeding lines lie between bus b and the root,
// starting at b. The root itself is never included.
func (f *Feeder) Path(b int) []int {
	var out []int
	for ; b != f.Root; b = f.ancestor[b] {
		out = append(out, b)
	}
	return out
}

// NonRoot lists the non-root buses in bus order. Row and column i of the
// incidence matrix correspond to NonRoot()[i].
func (f *Feeder) NonRoot() []int {
	out := make([]int, 0, f.N()-1)
	for b := range f.Buses {
		if b != f.Root {
			out = append(out, b)
		}
	}
	return out
}

// Incidence returns the square matrix mapping line flows (columns, one per
// child bus) to non-root bus balances (rows): A·f = net demand. Its inverse
// has a one at (l, j) exactly when bus j is downstream of line l.
func (f *Feeder) Incidence() *mat.Dense {
	nr := f.NonRoot()
	pos := make(map[int]int, len(nr))
	for i, b := range nr {
		pos[b] = i
	}
	a := mat.NewDense(len(nr), len(nr), nil)
	for i, b := range nr {
		a.Set(i, i, 1)
		for _, c := range f.children[b] {
			a.Set(i, pos[c], -1)
		}
	}
	return a
}

// Impedance returns the diagonal resistance and reactance matrices over the
// non-root lines.
func (f *Feeder) Impedance() (r, x *mat.DiagDense) {
	nr := f.NonRoot()
	rd := make([]float64, len(nr))
	xd := make([]float64, len(nr))
	for i, b := range nr {
		rd[i] = f.line[b].R
		xd[i] = f.line[b].X
	}
	return mat.NewDiagDense(len(nr), rd), mat.NewDiagDense(len(nr), xd)
}

// WithDemandScale returns a copy whose bus demands are multiplied by k.
// Topology slices are shared since they are never mutated.
func (f *Feeder) WithDemandScale(k float64) *Feeder {
	cp := *f
	cp.Buses = make([]Bus, len(f.Buses))
	for i, b := range f.Buses {
		b.DP *= k
		b.DQ *= k
		cp.Buses[i] = b
	}
	return &cp
}

// DemandP returns the active demand vector.
func (f *Feeder) DemandP() []float64 {
	out := make([]float64, f.N())
	for i, b := range f.Buses {
		out[i] = b.DP
	}
	return out
}

// CapacityWeights returns participation weights proportional to generator
// active capacity, zero at other buses. It returns nil when there is no
// capacity at all.
func (f *Feeder) CapacityWeights() []float64 {
	out := make([]float64, f.N())
	var total float64
	for _, g := range f.Generators {
		total += math.Max(g.PMax, 0)
	}
	if total == 0 {
		return nil
	}
	for _, g := range f.Generators {
		out[g.Bus] = math.Max(g.PMax, 0) / total
	}
	return out
}
