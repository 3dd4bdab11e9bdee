package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/feederdispatch/core/conic"
	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/settlement"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func dispatchRecord(status conic.Status, at time.Time) *opf.Record {
	return &opf.Record{
		RunID:     uuid.New(),
		Label:     "step-0",
		Timestamp: at,
		Status:    status,
		Objective: 1.6,
		Mode:      opf.ModeOptimizeDR,
		Tariff:    2,
		Buses:     []opf.BusResult{{Bus: 0, GP: 0.8, V: 1}, {Bus: 1, X: 0.1, V: 0.97}},
	}
}

func seed(t *testing.T, s Store) []Entry {
	t.Helper()
	var out []Entry
	for i, st := range []conic.Status{conic.StatusOptimal, conic.StatusInfeasible, conic.StatusOptimal} {
		e, err := DispatchEntry(dispatchRecord(st, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		require.NoError(t, s.Append(context.Background(), e))
		out = append(out, e)
	}
	o := &settlement.Outcome{
		RunID:      uuid.New(),
		DispatchID: out[0].RunID,
		Timestamp:  t0.Add(30 * time.Minute),
		Buses:      []settlement.BusOutcome{{Bus: 0, VStatus: settlement.OK, LineStatus: settlement.OK}, {Bus: 1, VStatus: settlement.Low, LineStatus: settlement.OK}},
	}
	e, err := SettlementEntry(o)
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), e))
	return append(out, e)
}

func runStoreTests(t *testing.T, s Store) {
	entries := seed(t, s)
	ctx := context.Background()

	all, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	byKind, err := s.Query(ctx, Query{Kind: KindDispatch, Status: "optimal"})
	require.NoError(t, err)
	require.Len(t, byKind, 2)
	assert.Equal(t, entries[0].RunID, byKind[0].RunID)
	assert.Equal(t, entries[2].RunID, byKind[1].RunID)

	byID, err := s.Query(ctx, Query{RunID: entries[1].RunID})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, "infeasible", byID[0].Status)
	assert.True(t, t0.Add(time.Hour).Equal(byID[0].Timestamp))

	window, err := s.Query(ctx, Query{Start: t0.Add(10 * time.Minute), End: t0.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, KindSettlement, window[0].Kind)
	assert.Equal(t, StatusViolation, window[0].Status)

	rec, err := byID[0].Record()
	require.NoError(t, err)
	assert.Equal(t, conic.StatusInfeasible, rec.Status)
	assert.InDelta(t, 0.1, rec.Buses[1].X, 1e-12)

	out, err := window[0].Outcome()
	require.NoError(t, err)
	assert.Equal(t, entries[0].RunID, out.DispatchID)
	assert.Equal(t, 1, out.VoltageViolations())
}

func TestJSONLStore(t *testing.T) {
	s, err := NewJSONLStore(filepath.Join(t.TempDir(), "runs", "log.jsonl"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreTests(t, s)
}

func TestRotatingJSONLStore(t *testing.T) {
	s, err := NewRotatingJSONLStore(filepath.Join(t.TempDir(), "log.jsonl"), 1, 2, 1)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreTests(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	runStoreTests(t, s)
}

func TestJSONLStoreSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	s, err := NewJSONLStore(path)
	require.NoError(t, err)
	e, err := DispatchEntry(dispatchRecord(conic.StatusOptimal, t0))
	require.NoError(t, err)
	require.NoError(t, s.Append(context.Background(), e))
	appendRaw(t, path, "{not json\n")
	require.NoError(t, s.Append(context.Background(), e))

	got, err := s.Query(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestAppendHonoursCancelledContext(t *testing.T) {
	s, err := NewJSONLStore(filepath.Join(t.TempDir(), "log.jsonl"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Append(ctx, Entry{}), context.Canceled)
}

func TestEntryKindMismatch(t *testing.T) {
	e, err := DispatchEntry(dispatchRecord(conic.StatusOptimal, t0))
	require.NoError(t, err)
	_, err = e.Outcome()
	assert.Error(t, err)

	_, err = DispatchEntry(nil)
	assert.Error(t, err)
	_, err = SettlementEntry(nil)
	assert.Error(t, err)
}

func TestSettlementEntryWithoutViolations(t *testing.T) {
	e, err := SettlementEntry(&settlement.Outcome{RunID: uuid.New(), Buses: []settlement.BusOutcome{{VStatus: settlement.OK, LineStatus: settlement.OK}}})
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, e.Status)
}
