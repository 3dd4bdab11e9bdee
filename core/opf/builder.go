package opf

import (
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/feederdispatch/core/chance"
	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/drcost"
	"github.com/kilianp07/feederdispatch/core/feeder"
	"github.com/kilianp07/feederdispatch/core/logger"
	"github.com/kilianp07/feederdispatch/core/uncertainty"
)

// Input bundles the data of one dispatch problem.
type Input struct {
	Feeder      *feeder.Feeder
	Cost        drcost.Params
	Uncertainty uncertainty.Model
}

// Model is a built dispatch problem together with the variable indices
// needed to read a solution back.
type Model struct {
	Problem *conic.Problem
	Input   Input
	Options Options

	V, FP, FQ, GP, GQ []int

	// X holds the demand reduction variables in optimize mode, nil
	// otherwise. XFixed holds the reduction in predefined mode.
	X      []int
	XFixed []float64
	// Seg are the linearisation segments of each eligible bus.
	Seg    [][]int
	Linear drcost.Linearization

	// AlphaVar is set when participation factors are optimised,
	// AlphaFixed otherwise.
	AlphaVar   []int
	AlphaFixed []float64

	eligible []bool
}

// Builder turns an Input and Options into a conic problem.
type Builder struct {
	log logger.Logger
}

// NewBuilder creates a builder. A nil logger discards output.
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{log: logger.OrNop(log)}
}

// Build validates the inputs and emits the full model. An unknown mode is
// rejected before anything else is looked at.
func (b *Builder) Build(in Input, opts Options) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if in.Feeder == nil {
		return nil, errors.New("opf: nil feeder")
	}
	f := in.Feeder
	n := f.N()
	if err := in.Cost.Validate(n); err != nil {
		return nil, err
	}
	// The mean deviation prices demand response in every mode.
	if in.Uncertainty.Mu == nil {
		in.Uncertainty.Mu = make([]float64, n)
	}
	if len(in.Uncertainty.Mu) != n {
		return nil, fmt.Errorf("%w: mu has %d entries for %d buses", ErrDimension, len(in.Uncertainty.Mu), n)
	}
	if opts.Robust {
		if err := in.Uncertainty.Validate(n); err != nil {
			return nil, err
		}
	}
	if opts.Mode == ModePredefinedDR && opts.XIn != nil && len(opts.XIn) != n {
		b.log.Warnf("x_in has %d entries for %d buses, using zero reduction", len(opts.XIn), n)
	}

	m := &Model{
		Problem:  &conic.Problem{},
		Input:    in,
		Options:  opts,
		eligible: make([]bool, n),
	}
	for i := range m.eligible {
		m.eligible[i] = true
	}
	for _, i := range opts.NonDRBuses {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("%w: non-DR bus %d out of range", ErrDimension, i)
		}
		m.eligible[i] = false
	}

	alpha := m.addAlpha(b.log)
	m.addNetwork()
	if err := m.addDemandResponse(b.log); err != nil {
		return nil, err
	}
	m.addBalance()
	if err := m.addLimits(alpha); err != nil {
		return nil, err
	}
	m.addObjective()

	if err := m.Problem.Validate(); err != nil {
		return nil, fmt.Errorf("opf: inconsistent model: %w", err)
	}
	b.log.Debugw("dispatch model built", map[string]any{
		"mode":    string(opts.Mode),
		"robust":  opts.Robust,
		"buses":   n,
		"summary": m.Problem.Stats(),
	})
	return m, nil
}

func (m *Model) addAlpha(log logger.Logger) participation {
	f := m.Input.Feeder
	n := f.N()
	p := m.Problem
	switch {
	case m.Options.FixedAlpha(n):
		m.AlphaFixed = append([]float64(nil), m.Options.Alpha...)
		for i, a := range m.AlphaFixed {
			if a > 0 && !f.IsGenBus(i) {
				log.Warnf("participation factor %g at bus %d without generator", a, i)
			}
		}
		return participation{fixed: m.AlphaFixed}
	case m.Options.OptimizeAlpha(n):
		m.AlphaVar = make([]int, n)
		sum := conic.AffineExpr{}
		for i := 0; i < n; i++ {
			bounds := conic.Fixed(0)
			if f.IsGenBus(i) {
				bounds = conic.NonNeg()
			}
			m.AlphaVar[i] = p.AddVar(fmt.Sprintf("alpha[%d]", i), bounds)
			sum.AddTerm(m.AlphaVar[i], 1)
		}
		p.AddRow(conic.Row{Name: "alpha_sum", Family: "alpha_sum", Expr: sum, Sense: conic.EQ, RHS: 1})
		return participation{vars: m.AlphaVar}
	default:
		m.AlphaFixed = f.CapacityWeights()
		if m.AlphaFixed == nil {
			m.AlphaFixed = make([]float64, n)
			log.Warnf("no generation capacity, participation factors are zero")
		}
		return participation{fixed: m.AlphaFixed}
	}
}

func (m *Model) addNetwork() {
	f := m.Input.Feeder
	n := f.N()
	p := m.Problem
	o := m.Options
	m.V = make([]int, n)
	m.FP = make([]int, n)
	m.FQ = make([]int, n)
	m.GP = make([]int, n)
	m.GQ = make([]int, n)
	for i := 0; i < n; i++ {
		if i == f.Root {
			m.V[i] = p.AddVar(fmt.Sprintf("v[%d]", i), conic.Fixed(o.RootVoltage*o.RootVoltage))
			m.FP[i] = p.AddVar(fmt.Sprintf("fp[%d]", i), conic.Fixed(0))
			m.FQ[i] = p.AddVar(fmt.Sprintf("fq[%d]", i), conic.Fixed(0))
		} else {
			m.V[i] = p.AddVar(fmt.Sprintf("v[%d]", i), conic.NonNeg())
			m.FP[i] = p.AddVar(fmt.Sprintf("fp[%d]", i), conic.Free())
			m.FQ[i] = p.AddVar(fmt.Sprintf("fq[%d]", i), conic.Free())
		}
		gp, gq := conic.Fixed(0), conic.Fixed(0)
		if f.IsGenBus(i) {
			gq = conic.Free()
			// Without generation limits active output still cannot be
			// negative; with them the rows below carry the bounds.
			if o.EnableGeneration {
				gp = conic.Free()
			} else {
				gp = conic.NonNeg()
			}
		}
		m.GP[i] = p.AddVar(fmt.Sprintf("gp[%d]", i), gp)
		m.GQ[i] = p.AddVar(fmt.Sprintf("gq[%d]", i), gq)
	}
	for _, i := range f.NonRoot() {
		l, _ := f.LineTo(i)
		var e conic.AffineExpr
		e.AddTerm(m.V[i], 1)
		e.AddTerm(m.V[f.Ancestor(i)], -1)
		e.AddTerm(m.FP[i], 2*l.R)
		e.AddTerm(m.FQ[i], 2*l.X)
		p.AddRow(conic.Row{Name: fmt.Sprintf("voltage[%d]", i), Family: "voltage_drop", Expr: e, Sense: conic.EQ})
	}
}

func (m *Model) addDemandResponse(log logger.Logger) error {
	f := m.Input.Feeder
	n := f.N()
	p := m.Problem
	if m.Options.Mode == ModePredefinedDR {
		m.XFixed = m.Options.xFixed(n)
		for i, x := range m.XFixed {
			if x != 0 && !m.eligible[i] {
				log.Warnf("bus %d is not eligible for demand response, ignoring x_in %g", i, x)
				m.XFixed[i] = 0
			}
		}
		return nil
	}
	xMax := make([]float64, n)
	for i, bus := range f.Buses {
		if m.eligible[i] {
			xMax[i] = math.Max(bus.DP, 0)
		}
	}
	lin, err := drcost.Linearize(m.Input.Cost, m.Input.Uncertainty.Mu, xMax, m.Options.Splits)
	if err != nil {
		return err
	}
	m.Linear = lin
	m.X = make([]int, n)
	m.Seg = make([][]int, n)
	for i := 0; i < n; i++ {
		m.X[i] = p.AddVar(fmt.Sprintf("x[%d]", i), conic.Box(0, xMax[i]))
		if !m.eligible[i] {
			continue
		}
		split := conic.Var(m.X[i])
		for s := 0; s < m.Options.Splits; s++ {
			v := p.AddVar(fmt.Sprintf("x[%d].seg[%d]", i, s), conic.Box(0, lin.Width[i]))
			m.Seg[i] = append(m.Seg[i], v)
			split.AddTerm(v, -1)
		}
		p.AddRow(conic.Row{Name: fmt.Sprintf("dr_split[%d]", i), Family: "dr_split", Expr: split, Sense: conic.EQ})
	}
	return nil
}

// reduction returns x_i as an expression in either mode.
func (m *Model) reduction(i int) conic.AffineExpr {
	if m.X != nil {
		return conic.Var(m.X[i])
	}
	return conic.Const(m.XFixed[i])
}

func (m *Model) addBalance() {
	f := m.Input.Feeder
	p := m.Problem
	for i, bus := range f.Buses {
		ep := conic.Var(m.FP[i])
		eq := conic.Var(m.FQ[i])
		for _, c := range f.Children(i) {
			ep.AddTerm(m.FP[c], -1)
			eq.AddTerm(m.FQ[c], -1)
		}
		ep.AddTerm(m.GP[i], 1)
		eq.AddTerm(m.GQ[i], 1)
		x := m.reduction(i)
		ep = ep.Plus(x)
		eq = eq.Plus(x.Scaled(bus.TanPhi))
		p.AddRow(conic.Row{Name: BalanceP(i), Family: "balance_p", Expr: withoutConstant(ep), Sense: conic.EQ, RHS: bus.DP - ep.Constant})
		p.AddRow(conic.Row{Name: BalanceQ(i), Family: "balance_q", Expr: withoutConstant(eq), Sense: conic.EQ, RHS: bus.DQ - eq.Constant})
	}
}

func withoutConstant(e conic.AffineExpr) conic.AffineExpr {
	e.Constant = 0
	return e
}

// BalanceP names the active power balance row of bus i.
func BalanceP(i int) string { return fmt.Sprintf("balance_p[%d]", i) }

// BalanceQ names the reactive power balance row of bus i.
func BalanceQ(i int) string { return fmt.Sprintf("balance_q[%d]", i) }

func (m *Model) addLimits(alpha participation) error {
	f := m.Input.Feeder
	p := m.Problem
	o := m.Options

	var enc *chance.Encoder
	if o.Robust {
		var err error
		enc, err = chance.NewEncoder(m.Input.Uncertainty.SupportMatrix())
		if err != nil {
			return err
		}
	}
	prefix := ""
	if o.Robust {
		prefix = "cc_"
	}
	emit := func(lim chance.Limit) error {
		lim.Family = prefix + lim.Family
		lim.Name = prefix + lim.Name
		if enc == nil {
			chance.Deterministic(p, lim)
			return nil
		}
		_, err := enc.Encode(p, lim)
		return err
	}

	if o.EnableVoltage {
		etaV := m.Input.Uncertainty.EtaV
		for _, j := range f.NonRoot() {
			var sens []conic.AffineExpr
			if enc != nil {
				sens = voltageSensitivity(f, alpha, j)
			}
			bus := f.Buses[j]
			if err := emit(chance.Limit{
				Name: fmt.Sprintf("v_max[%d]", j), Family: "v_max",
				Nominal: conic.Var(m.V[j]), Sensitivity: sens,
				Bound: bus.VMax * bus.VMax, Side: chance.Upper, Eta: etaV,
			}); err != nil {
				return err
			}
			if err := emit(chance.Limit{
				Name: fmt.Sprintf("v_min[%d]", j), Family: "v_min",
				Nominal: conic.Var(m.V[j]), Sensitivity: sens,
				Bound: bus.VMin * bus.VMin, Side: chance.Lower, Eta: etaV,
			}); err != nil {
				return err
			}
		}
	}

	if o.EnableGeneration {
		etaG := m.Input.Uncertainty.EtaG
		for _, g := range f.Generators {
			var sp, sq []conic.AffineExpr
			if enc != nil {
				sp = generationSensitivity(f, alpha, g.Bus, false)
				sq = generationSensitivity(f, alpha, g.Bus, true)
			}
			limits := []chance.Limit{
				{Name: fmt.Sprintf("gp_max[%d]", g.Bus), Family: "gp_max", Nominal: conic.Var(m.GP[g.Bus]), Sensitivity: sp, Bound: g.PMax, Side: chance.Upper},
				{Name: fmt.Sprintf("gp_min[%d]", g.Bus), Family: "gp_min", Nominal: conic.Var(m.GP[g.Bus]), Sensitivity: sp, Bound: 0, Side: chance.Lower},
				{Name: fmt.Sprintf("gq_max[%d]", g.Bus), Family: "gq_max", Nominal: conic.Var(m.GQ[g.Bus]), Sensitivity: sq, Bound: g.QMax, Side: chance.Upper},
				{Name: fmt.Sprintf("gq_min[%d]", g.Bus), Family: "gq_min", Nominal: conic.Var(m.GQ[g.Bus]), Sensitivity: sq, Bound: -g.QMax, Side: chance.Lower},
			}
			for _, lim := range limits {
				lim.Eta = etaG
				if err := emit(lim); err != nil {
					return err
				}
			}
		}
	}

	if o.EnableFlow {
		for _, i := range f.NonRoot() {
			l, _ := f.LineTo(i)
			if l.SMax <= 0 {
				continue
			}
			p.AddSOC(conic.SOC{
				Name:   fmt.Sprintf("flow[%d]", i),
				Family: "flow",
				Bound:  conic.Const(l.SMax),
				Elems:  []conic.AffineExpr{conic.Var(m.FP[i]), conic.Var(m.FQ[i])},
			})
		}
	}
	return nil
}

func (m *Model) addObjective() {
	f := m.Input.Feeder
	var obj conic.AffineExpr
	for _, g := range f.Generators {
		obj.AddTerm(m.GP[g.Bus], g.Cost)
	}
	if m.X != nil {
		t := m.Options.Tariff
		for i, bus := range f.Buses {
			// Lost energy revenue: −tariff·(dP − x).
			obj.Constant -= t * bus.DP
			obj.AddTerm(m.X[i], t)
			if !m.eligible[i] {
				continue
			}
			obj.Constant += m.Linear.Base[i]
			for s, v := range m.Seg[i] {
				obj.AddTerm(v, m.Linear.Slopes[i][s])
			}
		}
	}
	m.Problem.Objective = obj
}
