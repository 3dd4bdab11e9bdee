package setpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/feeder"
	"github.com/kilianp07/feederdispatch/core/opf"
)

func twoGenFeeder(t *testing.T) *feeder.Feeder {
	t.Helper()
	buses := []feeder.Bus{
		{Index: 0, VMin: 0.9, VMax: 1.1},
		{Index: 1, DP: 0.5, DQ: 0.2, TanPhi: 0.4, VMin: 0.9, VMax: 1.1},
		{Index: 2, DP: 0.3, DQ: 0.1, TanPhi: 1.0 / 3, VMin: 0.9, VMax: 1.1},
	}
	lines := []feeder.Line{
		{From: 0, To: 1, R: 0.01, X: 0.02},
		{From: 1, To: 2, R: 0.02, X: 0.01},
	}
	gens := []feeder.Generator{{Bus: 0, PMax: 10, QMax: 10, Cost: 2}, {Bus: 2, PMax: 1, QMax: 1, Cost: 3}}
	f, err := feeder.New("line", 0, buses, lines, gens)
	require.NoError(t, err)
	return f
}

func record() *opf.Record {
	return &opf.Record{
		RunID:     uuid.New(),
		Status:    conic.StatusOptimal,
		Timestamp: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Buses: []opf.BusResult{
			{Bus: 0, GP: 0.6, GQ: 0.2, Alpha: 0.75},
			{Bus: 1, X: 0.1, Lambda: 0.4},
			{Bus: 2, GP: 0.1, GQ: 0.05, Alpha: 0.25, X: 1e-12},
		},
	}
}

type fakePublisher struct {
	setpoints []Setpoint
	orders    []Order
	failBus   map[int]bool
	noAck     map[string]bool
}

func (f *fakePublisher) SendSetpoint(s Setpoint) (string, error) {
	if f.failBus[s.Bus] {
		return "", fmt.Errorf("publish failed")
	}
	f.setpoints = append(f.setpoints, s)
	return fmt.Sprintf("sp-%d", s.Bus), nil
}

func (f *fakePublisher) SendOrder(o Order) (string, error) {
	f.orders = append(f.orders, o)
	return fmt.Sprintf("dr-%d", o.Bus), nil
}

func (f *fakePublisher) WaitForAck(id string, _ time.Duration) (bool, error) {
	if f.noAck[id] {
		return false, ErrAckTimeout
	}
	return true, nil
}

func TestBuild(t *testing.T) {
	rec := record()
	p, err := Build(twoGenFeeder(t), rec)
	require.NoError(t, err)
	assert.Equal(t, rec.RunID, p.RunID)
	require.Len(t, p.Setpoints, 2)
	assert.Equal(t, 0, p.Setpoints[0].Bus)
	assert.Equal(t, 0.75, p.Setpoints[0].Alpha)
	assert.Equal(t, 2, p.Setpoints[1].Bus)
	assert.Equal(t, 0.05, p.Setpoints[1].GQ)
	require.Len(t, p.Orders, 1)
	assert.Equal(t, Order{RunID: rec.RunID, Bus: 1, Reduction: 0.1, Price: 0.4, Timestamp: rec.Timestamp}, p.Orders[0])
}

func TestBuildRejects(t *testing.T) {
	f := twoGenFeeder(t)
	rec := record()
	rec.Status = conic.StatusInfeasible
	_, err := Build(f, rec)
	assert.ErrorIs(t, err, ErrNotOptimal)

	rec = record()
	rec.Buses = rec.Buses[:2]
	_, err = Build(f, rec)
	assert.Error(t, err)

	_, err = Build(f, nil)
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	p, err := Build(twoGenFeeder(t), record())
	require.NoError(t, err)
	pub := &fakePublisher{failBus: map[int]bool{2: true}, noAck: map[string]bool{"dr-1": true}}

	rep, err := Publish(context.Background(), pub, p, time.Second, nil)
	require.NoError(t, err)
	assert.Len(t, pub.setpoints, 1)
	assert.Len(t, pub.orders, 1)
	require.Len(t, rep.Results, 3)
	assert.Equal(t, 2, rep.Failed)
	assert.True(t, rep.Results[0].Acked)
	assert.Equal(t, "sp-0", rep.Results[0].CommandID)
	assert.Equal(t, "publish failed", rep.Results[1].Err)
	assert.Equal(t, "order", rep.Results[2].Kind)
	assert.False(t, rep.Results[2].Acked)
}

func TestPublishWithoutAcks(t *testing.T) {
	p, err := Build(twoGenFeeder(t), record())
	require.NoError(t, err)
	pub := &fakePublisher{noAck: map[string]bool{"dr-1": true}}
	rep, err := Publish(context.Background(), pub, p, 0, nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	assert.False(t, rep.Results[0].Acked)
}

func TestPublishStopsOnCancel(t *testing.T) {
	p, err := Build(twoGenFeeder(t), record())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := &fakePublisher{}
	_, err = Publish(ctx, pub, p, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.setpoints)
}
