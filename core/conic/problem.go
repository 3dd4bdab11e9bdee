package conic

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrUnsupported is returned by solvers that cannot handle a constraint kind.
var ErrUnsupported = errors.New("conic: unsupported constraint")

// Sense is the relation of a linear row to its right-hand side.
type Sense int

const (
	LE Sense = iota
	EQ
	GE
)

func (s Sense) String() string {
	switch s {
	case LE:
		return "<="
	case EQ:
		return "="
	case GE:
		return ">="
	default:
		return fmt.Sprintf("Sense(%d)", int(s))
	}
}

// MarshalText encodes the sense as its operator.
func (s Sense) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes an operator string.
func (s *Sense) UnmarshalText(b []byte) error {
	switch string(b) {
	case "<=":
		*s = LE
	case "=":
		*s = EQ
	case ">=":
		*s = GE
	default:
		return fmt.Errorf("unknown sense %q", string(b))
	}
	return nil
}

// Variable is a scalar decision variable. Nil bounds are unbounded, which
// keeps the description JSON friendly.
type Variable struct {
	Name  string   `json:"name"`
	Lower *float64 `json:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty"`
}

// Bounds describes the box of a variable.
type Bounds struct {
	Lower *float64
	Upper *float64
}

func bound(v float64) *float64 { return &v }

// Free is an unbounded variable.
func Free() Bounds { return Bounds{} }

// NonNeg is x >= 0.
func NonNeg() Bounds { return Bounds{Lower: bound(0)} }

// Box is lo <= x <= hi.
func Box(lo, hi float64) Bounds { return Bounds{Lower: bound(lo), Upper: bound(hi)} }

// Fixed is x = v.
func Fixed(v float64) Bounds { return Box(v, v) }

// IsFixed reports whether both bounds are present and equal.
func (v Variable) IsFixed() bool {
	return v.Lower != nil && v.Upper != nil && *v.Lower == *v.Upper
}

// Row is a named linear constraint Expr (sense) RHS.
type Row struct {
	Name   string     `json:"name"`
	Family string     `json:"family"`
	Expr   AffineExpr `json:"expr"`
	Sense  Sense      `json:"sense"`
	RHS    float64    `json:"rhs"`
}

// SOC is the second-order cone ‖Elems‖₂ <= Bound.
type SOC struct {
	Name   string       `json:"name"`
	Family string       `json:"family"`
	Bound  AffineExpr   `json:"bound"`
	Elems  []AffineExpr `json:"elems"`
}

// PSD constrains a symmetric matrix of affine expressions to be positive
// semidefinite. Entries holds the upper triangle row by row.
type PSD struct {
	Name    string       `json:"name"`
	Family  string       `json:"family"`
	Dim     int          `json:"dim"`
	Entries []AffineExpr `json:"entries"`
}

// NewPSD returns a zero block of dimension k.
func NewPSD(name, family string, k int) PSD {
	return PSD{Name: name, Family: family, Dim: k, Entries: make([]AffineExpr, k*(k+1)/2)}
}

// Index returns the position of (i, j) in Entries.
func (b PSD) Index(i, j int) int {
	if i > j {
		i, j = j, i
	}
	return i*b.Dim - i*(i-1)/2 + (j - i)
}

// At returns the expression at (i, j).
func (b PSD) At(i, j int) AffineExpr { return b.Entries[b.Index(i, j)] }

// Set stores e at (i, j) and (j, i).
func (b *PSD) Set(i, j int, e AffineExpr) { b.Entries[b.Index(i, j)] = e }

// Eval returns the numeric matrix at x.
func (b PSD) Eval(x []float64) *mat.SymDense {
	m := mat.NewSymDense(b.Dim, nil)
	for i := 0; i < b.Dim; i++ {
		for j := i; j < b.Dim; j++ {
			m.SetSym(i, j, b.At(i, j).Eval(x))
		}
	}
	return m
}

// Quadratic returns uᵀ·B·u as an affine expression in the variables.
func (b PSD) Quadratic(u []float64) AffineExpr {
	var out AffineExpr
	for i := 0; i < b.Dim; i++ {
		for j := i; j < b.Dim; j++ {
			w := u[i] * u[j]
			if i != j {
				w *= 2
			}
			if w == 0 {
				continue
			}
			out = out.Plus(b.At(i, j).Scaled(w))
		}
	}
	return out
}

// Problem is a minimisation of Objective subject to variable bounds, Rows,
// SOC and PSD constraints.
type Problem struct {
	Variables []Variable `json:"variables"`
	Rows      []Row      `json:"rows"`
	SOC       []SOC      `json:"soc,omitempty"`
	PSD       []PSD      `json:"psd,omitempty"`
	Objective AffineExpr `json:"objective"`
}

// AddVar appends a variable and returns its index.
func (p *Problem) AddVar(name string, b Bounds) int {
	p.Variables = append(p.Variables, Variable{Name: name, Lower: b.Lower, Upper: b.Upper})
	return len(p.Variables) - 1
}

// AddRow appends a linear row and returns its index.
func (p *Problem) AddRow(r Row) int {
	p.Rows = append(p.Rows, r)
	return len(p.Rows) - 1
}

// AddSOC appends a second-order cone.
func (p *Problem) AddSOC(c SOC) { p.SOC = append(p.SOC, c) }

// AddPSD appends a semidefinite block.
func (p *Problem) AddPSD(b PSD) { p.PSD = append(p.PSD, b) }

// Validate checks variable references, bound consistency and block shapes.
func (p *Problem) Validate() error {
	n := len(p.Variables)
	for i, v := range p.Variables {
		if v.Lower != nil && v.Upper != nil && *v.Lower > *v.Upper {
			return fmt.Errorf("variable %s: lower %g above upper %g", v.Name, *v.Lower, *v.Upper)
		}
		if (v.Lower != nil && math.IsNaN(*v.Lower)) || (v.Upper != nil && math.IsNaN(*v.Upper)) {
			return fmt.Errorf("variable %d: NaN bound", i)
		}
	}
	check := func(where string, e AffineExpr) error {
		for _, t := range e.Terms {
			if t.Var < 0 || t.Var >= n {
				return fmt.Errorf("%s: variable index %d out of range", where, t.Var)
			}
			if math.IsNaN(t.Coef) || math.IsInf(t.Coef, 0) {
				return fmt.Errorf("%s: non-finite coefficient", where)
			}
		}
		if math.IsNaN(e.Constant) || math.IsInf(e.Constant, 0) {
			return fmt.Errorf("%s: non-finite constant", where)
		}
		return nil
	}
	if err := check("objective", p.Objective); err != nil {
		return err
	}
	names := make(map[string]struct{}, len(p.Rows))
	for _, r := range p.Rows {
		if r.Name != "" {
			if _, dup := names[r.Name]; dup {
				return fmt.Errorf("duplicate row name %s", r.Name)
			}
			names[r.Name] = struct{}{}
		}
		if err := check(r.Name, r.Expr); err != nil {
			return err
		}
	}
	for _, c := range p.SOC {
		if err := check(c.Name, c.Bound); err != nil {
			return err
		}
		for _, e := range c.Elems {
			if err := check(c.Name, e); err != nil {
				return err
			}
		}
	}
	for _, b := range p.PSD {
		if len(b.Entries) != b.Dim*(b.Dim+1)/2 {
			return fmt.Errorf("psd %s: %d entries for dimension %d", b.Name, len(b.Entries), b.Dim)
		}
		for _, e := range b.Entries {
			if err := check(b.Name, e); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats counts rows and blocks per family, plus the totals under
// "variables", "rows", "soc" and "psd".
func (p *Problem) Stats() map[string]int {
	out := map[string]int{
		"variables": len(p.Variables),
		"rows":      len(p.Rows),
		"soc":       len(p.SOC),
		"psd":       len(p.PSD),
	}
	for _, r := range p.Rows {
		out[r.Family]++
	}
	for _, c := range p.SOC {
		out[c.Family]++
	}
	for _, b := range p.PSD {
		out[b.Family]++
	}
	return out
}
