package config

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/feederdispatch/core/drcost"
	"github.com/kilianp07/feederdispatch/core/feeder"
	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/uncertainty"
)

// CaseFile is the on-disk description of a dispatch case.
type CaseFile struct {
	Name        string             `json:"name"`
	Root        int                `json:"root"`
	Buses       []feeder.Bus       `json:"buses"`
	Lines       []feeder.Line      `json:"lines"`
	Generators  []feeder.Generator `json:"generators"`
	DRCost      drcost.Params      `json:"dr_cost"`
	Uncertainty UncertaintyFile    `json:"uncertainty"`
	// NonDRBuses is required; an explicit empty list makes every bus
	// eligible.
	NonDRBuses *[]int `json:"non_dr_buses"`
}

// UncertaintyFile gives the forecast error moments either directly or as
// samples (one row per observation). Samples take precedence.
type UncertaintyFile struct {
	Mu      []float64   `json:"mu"`
	Sigma   [][]float64 `json:"sigma"`
	Omega   [][]float64 `json:"omega"`
	Samples [][]float64 `json:"samples"`
}

// Case is a validated case ready for the dispatch entry points.
type Case struct {
	Name       string
	Input      opf.Input
	NonDRBuses []int
}

// LoadCase reads a yaml or json case file. etaV and etaG are the risk
// levels attached to the uncertainty model.
func LoadCase(path string, etaV, etaG float64) (*Case, error) {
	k, err := load(path, false)
	if err != nil {
		return nil, err
	}
	if k.Exists("dr_cost.mu") {
		return nil, errors.New("decode case: dr_cost.mu is not read, the mean deviation is uncertainty.mu")
	}
	var cf CaseFile
	if err := k.UnmarshalWithConf("", &cf, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	return cf.Build(etaV, etaG)
}

// Build validates the file contents.
func (cf CaseFile) Build(etaV, etaG float64) (*Case, error) {
	if cf.NonDRBuses == nil {
		return nil, fmt.Errorf("case %q: non_dr_buses is required", cf.Name)
	}
	f, err := feeder.New(cf.Name, cf.Root, cf.Buses, cf.Lines, cf.Generators)
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", cf.Name, err)
	}
	n := f.N()
	if err := cf.DRCost.Validate(n); err != nil {
		return nil, fmt.Errorf("case %q: %w", cf.Name, err)
	}
	u, err := cf.Uncertainty.model(n, etaV, etaG)
	if err != nil {
		return nil, fmt.Errorf("case %q: %w", cf.Name, err)
	}
	return &Case{
		Name:       cf.Name,
		Input:      opf.Input{Feeder: f, Cost: cf.DRCost, Uncertainty: u},
		NonDRBuses: append([]int{}, (*cf.NonDRBuses)...),
	}, nil
}

func (uf UncertaintyFile) model(n int, etaV, etaG float64) (uncertainty.Model, error) {
	if len(uf.Samples) > 0 {
		samples, err := dense(uf.Samples, len(uf.Samples), n)
		if err != nil {
			return uncertainty.Model{}, fmt.Errorf("samples: %w", err)
		}
		return uncertainty.FromSamples(samples, etaV, etaG)
	}
	m := uncertainty.Model{Mu: uf.Mu, EtaV: etaV, EtaG: etaG}
	if m.Mu == nil {
		m.Mu = make([]float64, n)
	}
	if len(m.Mu) != n {
		return uncertainty.Model{}, fmt.Errorf("%w: mu has %d entries for %d buses", uncertainty.ErrDimension, len(m.Mu), n)
	}
	if uf.Sigma != nil {
		s, err := sym(uf.Sigma, n)
		if err != nil {
			return uncertainty.Model{}, fmt.Errorf("sigma: %w", err)
		}
		m.Sigma = s
	}
	if uf.Omega != nil {
		o, err := sym(uf.Omega, n+1)
		if err != nil {
			return uncertainty.Model{}, fmt.Errorf("omega: %w", err)
		}
		m.Omega = o
	}
	if m.Omega == nil {
		m.Omega = uncertainty.SecondMoment(m.Mu, m.Sigma)
	}
	return m, nil
}

func dense(rows [][]float64, r, c int) (*mat.Dense, error) {
	out := mat.NewDense(r, c, nil)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d entries, want %d", i, len(row), c)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

const symTol = 1e-9

func sym(rows [][]float64, n int) (*mat.SymDense, error) {
	if len(rows) != n {
		return nil, fmt.Errorf("%d rows, want %d", len(rows), n)
	}
	d, err := dense(rows, n, n)
	if err != nil {
		return nil, err
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a, b := d.At(i, j), d.At(j, i)
			if a-b > symTol || b-a > symTol {
				return nil, fmt.Errorf("not symmetric at (%d,%d)", i, j)
			}
			out.SetSym(i, j, a)
		}
	}
	return out, nil
}

// StepsFile lists batch steps.
type StepsFile struct {
	Steps []opf.Step `json:"steps"`
}

// LoadSteps reads a yaml or json steps file.
func LoadSteps(path string) ([]opf.Step, error) {
	k, err := load(path, false)
	if err != nil {
		return nil, err
	}
	var sf StepsFile
	if err := k.UnmarshalWithConf("", &sf, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if len(sf.Steps) == 0 {
		return nil, fmt.Errorf("steps file %s has no steps", path)
	}
	for i, s := range sf.Steps {
		if s.DemandScale < 0 {
			return nil, fmt.Errorf("step %d: demand_scale must be non-negative", i)
		}
	}
	return sf.Steps, nil
}
