package settlement

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/feederdispatch/core/feeder"
	"github.com/kilianp07/feederdispatch/core/logger"
	"github.com/kilianp07/feederdispatch/core/metrics"
	"github.com/kilianp07/feederdispatch/core/opf"
)

// ErrDimension is returned when the observed vector or the record does not
// match the feeder.
var ErrDimension = errors.New("settlement: dimension mismatch")

// ImbalanceTol is the residual mismatch above which a warning is logged.
const ImbalanceTol = 1e-7

// Violation flags a quantity against its limits.
type Violation string

const (
	OK   Violation = "ok"
	High Violation = "high"
	Low  Violation = "low"
)

// BusOutcome is the realised state at one bus. Line quantities refer to the
// line feeding the bus and are zero and "ok" at the root. TotalRevenue
// repeats the feeder total on every row.
type BusOutcome struct {
	Bus          int       `json:"bus"`
	Load         float64   `json:"load"`
	LoadQ        float64   `json:"load_q"`
	XObserved    float64   `json:"x_observed"`
	GP           float64   `json:"gp"`
	GQ           float64   `json:"gq"`
	V            float64   `json:"v"`
	FP           float64   `json:"fp"`
	FQ           float64   `json:"fq"`
	VStatus      Violation `json:"v_status"`
	LineStatus   Violation `json:"line_status"`
	TotalRevenue float64   `json:"total_revenue"`
}

// Outcome is the result of one settlement.
type Outcome struct {
	RunID      uuid.UUID `json:"run_id"`
	DispatchID uuid.UUID `json:"dispatch_id"`
	Timestamp  time.Time `json:"timestamp"`

	// ImbalanceP and ImbalanceQ are the mismatches before rebalancing,
	// ResidualP and ResidualQ after.
	ImbalanceP float64 `json:"imbalance_p"`
	ImbalanceQ float64 `json:"imbalance_q"`
	ResidualP  float64 `json:"residual_p"`
	ResidualQ  float64 `json:"residual_q"`

	GenerationCost float64 `json:"generation_cost"`
	DRCost         float64 `json:"dr_cost"`
	TotalCost      float64 `json:"total_cost"`
	// TotalRevenue values each observed unit of reduction at the tariff
	// it displaces minus the marginal price paid for it.
	TotalRevenue float64 `json:"total_revenue"`
	// EnergyRevenue is the tariff income on the delivered energy.
	EnergyRevenue float64 `json:"energy_revenue"`

	Buses []BusOutcome `json:"buses"`
}

// VoltageViolations counts buses outside their voltage band.
func (o *Outcome) VoltageViolations() int {
	n := 0
	for _, b := range o.Buses {
		if b.VStatus != OK {
			n++
		}
	}
	return n
}

// LineViolations counts overloaded lines.
func (o *Outcome) LineViolations() int {
	n := 0
	for _, b := range o.Buses {
		if b.LineStatus != OK {
			n++
		}
	}
	return n
}

// Evaluator settles dispatch records.
type Evaluator struct {
	log     logger.Logger
	metrics metrics.MetricsSink
}

// NewEvaluator creates an evaluator. A nil logger discards output.
func NewEvaluator(log logger.Logger) *Evaluator {
	return &Evaluator{log: logger.OrNop(log), metrics: metrics.NopSink{}}
}

// SetMetrics replaces the sink receiving settlement events.
func (e *Evaluator) SetMetrics(m metrics.MetricsSink) {
	if m == nil {
		m = metrics.NopSink{}
	}
	e.metrics = m
}

// Settle evaluates rec against the observed reduction. Negative observations
// are treated as zero. A residual imbalance above ImbalanceTol is logged but
// does not change the outcome. So is a record whose solve was not optimal:
// its set points are settled as given.
func (e *Evaluator) Settle(f *feeder.Feeder, rec *opf.Record, observed []float64) (*Outcome, error) {
	if f == nil || rec == nil {
		return nil, errors.New("settlement: nil feeder or record")
	}
	n := f.N()
	if len(observed) != n {
		return nil, fmt.Errorf("%w: %d observations for %d buses", ErrDimension, len(observed), n)
	}
	if len(rec.Buses) != n {
		return nil, fmt.Errorf("%w: record has %d buses, feeder %d", ErrDimension, len(rec.Buses), n)
	}
	if !rec.Optimal() {
		e.log.Warnf("settling dispatch %s with solver status %s", rec.RunID, rec.Status)
	}

	xo := make([]float64, n)
	loadP := make([]float64, n)
	loadQ := make([]float64, n)
	gp := make([]float64, n)
	gq := make([]float64, n)
	alpha := make([]float64, n)
	for i, bus := range f.Buses {
		xo[i] = math.Max(observed[i], 0)
		loadP[i] = bus.DP - xo[i]
		loadQ[i] = bus.DQ - bus.TanPhi*xo[i]
		gp[i] = rec.Buses[i].GP
		gq[i] = rec.Buses[i].GQ
		alpha[i] = rec.Buses[i].Alpha
	}

	out := &Outcome{
		RunID:      uuid.New(),
		DispatchID: rec.RunID,
		Timestamp:  time.Now().UTC(),
		ImbalanceP: floats.Sum(loadP) - floats.Sum(gp),
		ImbalanceQ: floats.Sum(loadQ) - floats.Sum(gq),
	}
	floats.AddScaled(gp, out.ImbalanceP, alpha)
	floats.AddScaled(gq, out.ImbalanceQ, alpha)
	out.ResidualP = floats.Sum(loadP) - floats.Sum(gp)
	out.ResidualQ = floats.Sum(loadQ) - floats.Sum(gq)
	if math.Abs(out.ResidualP) > ImbalanceTol || math.Abs(out.ResidualQ) > ImbalanceTol {
		e.log.Warnf("settlement of %s leaves residual imbalance p=%.3g q=%.3g", rec.RunID, out.ResidualP, out.ResidualQ)
	}

	v, fp, fq, err := network(f, rec.RootVoltage, loadP, loadQ, gp, gq)
	if err != nil {
		return nil, err
	}

	for _, g := range f.Generators {
		out.GenerationCost += g.Cost * gp[g.Bus]
	}
	for i := range xo {
		lambda := rec.Buses[i].Lambda
		out.DRCost += lambda * xo[i]
		out.TotalRevenue += (rec.Tariff - lambda) * xo[i]
	}
	out.TotalCost = out.GenerationCost + out.DRCost
	out.EnergyRevenue = rec.Tariff * floats.Sum(loadP)

	out.Buses = make([]BusOutcome, n)
	for i, bus := range f.Buses {
		bo := BusOutcome{
			Bus:          i,
			Load:         loadP[i],
			LoadQ:        loadQ[i],
			XObserved:    xo[i],
			GP:           gp[i],
			GQ:           gq[i],
			V:            v[i],
			FP:           fp[i],
			FQ:           fq[i],
			VStatus:      OK,
			LineStatus:   OK,
			TotalRevenue: out.TotalRevenue,
		}
		switch {
		case v[i] > bus.VMax:
			bo.VStatus = High
		case v[i] < bus.VMin:
			bo.VStatus = Low
		}
		if l, ok := f.LineTo(i); ok && l.SMax > 0 && math.Hypot(fp[i], fq[i]) > l.SMax {
			bo.LineStatus = High
		}
		out.Buses[i] = bo
	}

	e.log.Debugw("settlement evaluated", map[string]any{
		"dispatch":    rec.RunID.String(),
		"imbalance_p": out.ImbalanceP,
		"total_cost":  out.TotalCost,
		"revenue":     out.TotalRevenue,
	})
	if rc, ok := e.metrics.(metrics.SettlementRecorder); ok {
		if err := rc.RecordSettlement(metrics.SettlementEvent{
			RunID:             out.RunID.String(),
			Label:             rec.Label,
			GenerationCost:    out.GenerationCost,
			DRCost:            out.DRCost,
			TotalCost:         out.TotalCost,
			TotalRevenue:      out.TotalRevenue,
			ImbalanceP:        out.ResidualP,
			ImbalanceQ:        out.ResidualQ,
			VoltageViolations: out.VoltageViolations(),
			LineViolations:    out.LineViolations(),
			Time:              out.Timestamp,
		}); err != nil {
			e.log.Errorf("record settlement metrics: %v", err)
		}
	}
	return out, nil
}

// network recomputes line flows and voltage magnitudes from the net demand
// at each bus. Flows solve A·f = net over the non-root buses; squared
// voltages drop from the root by twice the impedance-weighted flow summed
// along each path, v = V0² − A⁻ᵀ·2(R·fp + X·fq).
func network(f *feeder.Feeder, v0 float64, loadP, loadQ, gp, gq []float64) (v, fp, fq []float64, err error) {
	n := f.N()
	v = make([]float64, n)
	fp = make([]float64, n)
	fq = make([]float64, n)
	v[f.Root] = v0
	nr := f.NonRoot()
	if len(nr) == 0 {
		return v, fp, fq, nil
	}

	netP := mat.NewVecDense(len(nr), nil)
	netQ := mat.NewVecDense(len(nr), nil)
	for k, b := range nr {
		netP.SetVec(k, loadP[b]-gp[b])
		netQ.SetVec(k, loadQ[b]-gq[b])
	}
	a := f.Incidence()
	var flowP, flowQ mat.VecDense
	if err := flowP.SolveVec(a, netP); err != nil {
		return nil, nil, nil, fmt.Errorf("settlement: flow solve: %w", err)
	}
	if err := flowQ.SolveVec(a, netQ); err != nil {
		return nil, nil, nil, fmt.Errorf("settlement: flow solve: %w", err)
	}

	r, x := f.Impedance()
	var drop, tmp mat.VecDense
	drop.MulVec(r, &flowP)
	tmp.MulVec(x, &flowQ)
	drop.AddVec(&drop, &tmp)
	drop.ScaleVec(2, &drop)
	var cum mat.VecDense
	if err := cum.SolveVec(a.T(), &drop); err != nil {
		return nil, nil, nil, fmt.Errorf("settlement: voltage solve: %w", err)
	}
	for k, b := range nr {
		fp[b] = flowP.AtVec(k)
		fq[b] = flowQ.AtVec(k)
		v[b] = math.Sqrt(math.Max(v0*v0-cum.AtVec(k), 0))
	}
	return v, fp, fq, nil
}
