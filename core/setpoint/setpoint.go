package setpoint

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/feederdispatch/core/feeder"
	"github.com/kilianp07/feederdispatch/core/logger"
	"github.com/kilianp07/feederdispatch/core/opf"
)

// ErrAckTimeout is returned when no acknowledgment is received before the timeout.
var ErrAckTimeout = errors.New("timeout waiting for ack")

// ErrNotOptimal is returned by Build for records without a usable dispatch.
var ErrNotOptimal = errors.New("setpoint: record is not optimal")

// MinReduction is the reduction below which no order is issued.
const MinReduction = 1e-9

// Setpoint is the active and reactive output requested from a generator,
// with its share Alpha of any real-time imbalance.
type Setpoint struct {
	RunID     uuid.UUID `json:"run_id"`
	Bus       int       `json:"bus"`
	GP        float64   `json:"gp"`
	GQ        float64   `json:"gq"`
	Alpha     float64   `json:"alpha"`
	Timestamp time.Time `json:"timestamp"`
}

// Order asks the consumers at a bus to reduce demand by Reduction and
// quotes the marginal compensation Price.
type Order struct {
	RunID     uuid.UUID `json:"run_id"`
	Bus       int       `json:"bus"`
	Reduction float64   `json:"reduction"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Plan groups the messages derived from one record.
type Plan struct {
	RunID     uuid.UUID  `json:"run_id"`
	Setpoints []Setpoint `json:"setpoints"`
	Orders    []Order    `json:"orders"`
}

// Publisher delivers set-points and orders and tracks their acknowledgment.
type Publisher interface {
	// SendSetpoint publishes s and returns the command identifier used to
	// track the acknowledgment.
	SendSetpoint(s Setpoint) (commandID string, err error)
	SendOrder(o Order) (commandID string, err error)
	// WaitForAck waits for an acknowledgment of commandID or until the
	// timeout expires.
	WaitForAck(commandID string, timeout time.Duration) (bool, error)
}

// Build derives the plan for rec on feeder f.
func Build(f *feeder.Feeder, rec *opf.Record) (Plan, error) {
	if rec == nil || f == nil {
		return Plan{}, fmt.Errorf("setpoint: nil input")
	}
	if !rec.Optimal() {
		return Plan{}, fmt.Errorf("%w: %s", ErrNotOptimal, rec.Status)
	}
	if len(rec.Buses) != f.N() {
		return Plan{}, fmt.Errorf("setpoint: record has %d buses, feeder %d", len(rec.Buses), f.N())
	}
	p := Plan{RunID: rec.RunID}
	for _, b := range f.GenBuses() {
		r := rec.Buses[b]
		p.Setpoints = append(p.Setpoints, Setpoint{
			RunID: rec.RunID, Bus: b, GP: r.GP, GQ: r.GQ, Alpha: r.Alpha, Timestamp: rec.Timestamp,
		})
	}
	for _, r := range rec.Buses {
		if math.Abs(r.X) < MinReduction {
			continue
		}
		p.Orders = append(p.Orders, Order{
			RunID: rec.RunID, Bus: r.Bus, Reduction: r.X, Price: r.Lambda, Timestamp: rec.Timestamp,
		})
	}
	return p, nil
}

// Result reports the delivery of one message.
type Result struct {
	Bus       int    `json:"bus"`
	Kind      string `json:"kind"`
	CommandID string `json:"command_id,omitempty"`
	Acked     bool   `json:"acked"`
	Err       string `json:"error,omitempty"`
}

// Report summarizes a publication.
type Report struct {
	Results []Result `json:"results"`
	Failed  int      `json:"failed"`
}

// Publish sends every message in p. When ackTimeout is positive each
// message waits for its acknowledgment. Individual delivery failures are
// collected in the report; the error is only set when ctx ends.
func Publish(ctx context.Context, pub Publisher, p Plan, ackTimeout time.Duration, log logger.Logger) (Report, error) {
	log = logger.OrNop(log)
	var rep Report
	send := func(kind string, bus int, fn func() (string, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := Result{Bus: bus, Kind: kind}
		id, err := fn()
		res.CommandID = id
		if err == nil && ackTimeout > 0 {
			res.Acked, err = pub.WaitForAck(id, ackTimeout)
		}
		if err != nil {
			res.Err = err.Error()
			rep.Failed++
			log.Warnf("%s for bus %d not delivered: %v", kind, bus, err)
		}
		rep.Results = append(rep.Results, res)
		return nil
	}
	for _, s := range p.Setpoints {
		if err := send("setpoint", s.Bus, func() (string, error) { return pub.SendSetpoint(s) }); err != nil {
			return rep, err
		}
	}
	for _, o := range p.Orders {
		if err := send("order", o.Bus, func() (string, error) { return pub.SendOrder(o) }); err != nil {
			return rep, err
		}
	}
	log.Infof("published run %s: %d set-points, %d orders, %d failed", p.RunID, len(p.Setpoints), len(p.Orders), rep.Failed)
	return rep, nil
}
