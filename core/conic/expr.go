package conic

// Term is a single coefficient times variable product.
type Term struct {
	Var  int     `json:"var"`
	Coef float64 `json:"coef"`
}

// AffineExpr is Σ Coef·x[Var] + Constant.
type AffineExpr struct {
	Terms    []Term  `json:"terms,omitempty"`
	Constant float64 `json:"constant,omitempty"`
}

// Var returns the expression 1·x[i].
func Var(i int) AffineExpr {
	return AffineExpr{Terms: []Term{{Var: i, Coef: 1}}}
}

// Const returns a constant expression.
func Const(c float64) AffineExpr {
	return AffineExpr{Constant: c}
}

// AddTerm appends coef·x[v] in place. Zero coefficients are skipped.
func (e *AffineExpr) AddTerm(v int, coef float64) {
	if coef == 0 {
		return
	}
	e.Terms = append(e.Terms, Term{Var: v, Coef: coef})
}

// Plus returns e + o.
func (e AffineExpr) Plus(o AffineExpr) AffineExpr {
	out := AffineExpr{
		Terms:    make([]Term, 0, len(e.Terms)+len(o.Terms)),
		Constant: e.Constant + o.Constant,
	}
	out.Terms = append(out.Terms, e.Terms...)
	out.Terms = append(out.Terms, o.Terms...)
	return out
}

// Scaled returns k·e.
func (e AffineExpr) Scaled(k float64) AffineExpr {
	out := AffineExpr{Terms: make([]Term, 0, len(e.Terms)), Constant: k * e.Constant}
	for _, t := range e.Terms {
		if c := k * t.Coef; c != 0 {
			out.Terms = append(out.Terms, Term{Var: t.Var, Coef: c})
		}
	}
	return out
}

// IsConstant reports whether e has no variable terms.
func (e AffineExpr) IsConstant() bool {
	for _, t := range e.Terms {
		if t.Coef != 0 {
			return false
		}
	}
	return true
}

// Eval evaluates e at x.
func (e AffineExpr) Eval(x []float64) float64 {
	v := e.Constant
	for _, t := range e.Terms {
		v += t.Coef * x[t.Var]
	}
	return v
}

// Dense accumulates the coefficients of e into a vector of length n and
// returns it together with the constant part. Repeated variables are summed.
func (e AffineExpr) Dense(n int) ([]float64, float64) {
	a := make([]float64, n)
	for _, t := range e.Terms {
		a[t.Var] += t.Coef
	}
	return a, e.Constant
}
