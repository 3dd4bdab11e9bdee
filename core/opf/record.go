package opf

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/drcost"
)

// snapTol is the magnitude under which solver output is reported as zero.
const snapTol = 1e-10

// BusResult is the dispatch at one bus. Flows are those of the line feeding
// the bus; they are zero at the root.
type BusResult struct {
	Bus    int     `json:"bus"`
	X      float64 `json:"x"`
	GP     float64 `json:"gp"`
	GQ     float64 `json:"gq"`
	Alpha  float64 `json:"alpha"`
	Lambda float64 `json:"lambda"`
	DualP  float64 `json:"dual_p"`
	DualQ  float64 `json:"dual_q"`
	V      float64 `json:"v"`
	FP     float64 `json:"fp"`
	FQ     float64 `json:"fq"`
}

// Record is the immutable outcome of one solve.
type Record struct {
	RunID       uuid.UUID     `json:"run_id"`
	Label       string        `json:"label,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      conic.Status  `json:"status"`
	Objective   float64       `json:"objective"`
	SolveTime   time.Duration `json:"solve_time"`
	Mode        Mode          `json:"mode"`
	Robust      bool          `json:"robust"`
	Tariff      float64       `json:"tariff"`
	RootVoltage float64       `json:"root_voltage"`
	Buses       []BusResult   `json:"buses"`
}

// Optimal reports whether the record carries an optimal dispatch.
func (r *Record) Optimal() bool { return r.Status == conic.StatusOptimal }

// Column returns one per-bus field as a vector. Unknown names yield nil.
func (r *Record) Column(name string) []float64 {
	pick := map[string]func(BusResult) float64{
		"x":      func(b BusResult) float64 { return b.X },
		"gp":     func(b BusResult) float64 { return b.GP },
		"gq":     func(b BusResult) float64 { return b.GQ },
		"alpha":  func(b BusResult) float64 { return b.Alpha },
		"lambda": func(b BusResult) float64 { return b.Lambda },
		"dual_p": func(b BusResult) float64 { return b.DualP },
		"dual_q": func(b BusResult) float64 { return b.DualQ },
		"v":      func(b BusResult) float64 { return b.V },
		"fp":     func(b BusResult) float64 { return b.FP },
		"fq":     func(b BusResult) float64 { return b.FQ },
	}[name]
	if pick == nil {
		return nil
	}
	out := make([]float64, len(r.Buses))
	for i, b := range r.Buses {
		out[i] = pick(b)
	}
	return out
}

func snap(v float64) float64 {
	if math.Abs(v) < snapTol || math.IsNaN(v) {
		return 0
	}
	return v
}

// Extract reads a solution back into a Record. Without primal values (for
// instance after an infeasible solve) only the status fields and the
// closed-form quantities are filled.
func (m *Model) Extract(sol *conic.Solution) *Record {
	f := m.Input.Feeder
	n := f.N()
	rec := &Record{
		RunID:       uuid.New(),
		Timestamp:   time.Now().UTC(),
		Status:      sol.Status,
		Objective:   snap(sol.Objective),
		SolveTime:   sol.SolveTime,
		Mode:        m.Options.Mode,
		Robust:      m.Options.Robust,
		Tariff:      m.Options.Tariff,
		RootVoltage: m.Options.RootVoltage,
		Buses:       make([]BusResult, n),
	}
	have := len(sol.Primal) == len(m.Problem.Variables)
	val := func(i int) float64 {
		if !have {
			return 0
		}
		return sol.Primal[i]
	}
	c, mu := m.Input.Cost, m.Input.Uncertainty.Mu
	for i := 0; i < n; i++ {
		br := BusResult{Bus: i}
		if m.X != nil {
			br.X = snap(val(m.X[i]))
		} else {
			br.X = snap(m.XFixed[i])
		}
		if m.AlphaVar != nil {
			br.Alpha = snap(val(m.AlphaVar[i]))
		} else {
			br.Alpha = m.AlphaFixed[i]
		}
		br.Lambda = snap(drcost.MarginalPrice(c.Beta1[i], c.Beta0[i], mu[i], br.X))
		if have {
			br.GP = snap(val(m.GP[i]))
			br.GQ = snap(val(m.GQ[i]))
			br.V = math.Sqrt(math.Max(val(m.V[i]), 0))
			if i != f.Root {
				br.FP = snap(val(m.FP[i]))
				br.FQ = snap(val(m.FQ[i]))
			}
		}
		br.DualP = snap(sol.Duals[BalanceP(i)])
		br.DualQ = snap(sol.Duals[BalanceQ(i)])
		rec.Buses[i] = br
	}
	return rec
}
