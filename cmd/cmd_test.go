package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/feederdispatch/app"
	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/settlement"
	"github.com/kilianp07/feederdispatch/infra/mqtt"
)

const caseYAML = `name: radial
root: 0
buses:
  - {index: 0, v_min: 0.9, v_max: 1.1}
  - {index: 1, d_p: 0.5, d_q: 0.2, tanphi: 0.4, v_min: 0.9, v_max: 1.1}
  - {index: 2, d_p: 0.3, d_q: 0.1, tanphi: 0.3333333333333333, v_min: 0.9, v_max: 1.1}
lines:
  - {from: 0, to: 1, r: 0.01, x: 0.02, s_max: 5}
  - {from: 0, to: 2, r: 0.02, x: 0.01, s_max: 5}
generators:
  - {bus: 0, p_max: 10, q_max: 10, cost: 2}
dr_cost: {beta1: [1, 1, 1], beta0: [0, 0, 0]}
non_dr_buses: [0, 1, 2]
`

type fixture struct {
	dir      string
	cfgPath  string
	casePath string
	pub      *mqtt.MockPublisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()
	fx := fixture{dir: dir, pub: mqtt.NewMockPublisher()}
	fx.cfgPath = filepath.Join(dir, "config.yaml")
	fx.casePath = filepath.Join(dir, "case.yaml")
	cfg := fmt.Sprintf("dispatch:\n  alpha: [1, 0, 0]\nrunlog:\n  backend: jsonl\n  path: %q\n", filepath.Join(dir, "runs.jsonl"))
	require.NoError(t, os.WriteFile(fx.cfgPath, []byte(cfg), 0o644))
	require.NoError(t, os.WriteFile(fx.casePath, []byte(caseYAML), 0o644))
	return fx
}

func (fx fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(&rootFlags{opts: []app.Option{app.WithPublisher(fx.pub)}})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", fx.cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestSolveAndSettleByRunID(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.run(t, "solve", "--case", fx.casePath, "-o", "json")
	require.NoError(t, err)

	var rec opf.Record
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.True(t, rec.Optimal())
	assert.InDelta(t, 0.8, rec.Buses[0].GP, 1e-9)
	assert.InDelta(t, 0.8, fx.pub.Setpoints[0].GP, 1e-9)

	out, err = fx.run(t, "settle", "--case", fx.casePath, "--run-id", rec.RunID.String(), "--observed", "0,0,0", "-o", "json")
	require.NoError(t, err)
	var o settlement.Outcome
	require.NoError(t, json.Unmarshal([]byte(out), &o))
	assert.Equal(t, rec.RunID, o.DispatchID)
	assert.InDelta(t, 1.6, o.GenerationCost, 1e-9)
}

func TestSolveTable(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.run(t, "solve", "--case", fx.casePath)
	require.NoError(t, err)
	assert.Contains(t, out, "status=optimal")
	assert.Contains(t, out, "dual_p")
	assert.Equal(t, 5, strings.Count(out, "\n"))
}

func TestSettleFromResultFile(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.run(t, "solve", "--case", fx.casePath, "-o", "json")
	require.NoError(t, err)
	result := filepath.Join(fx.dir, "run.json")
	require.NoError(t, os.WriteFile(result, []byte(out), 0o644))

	out, err = fx.run(t, "settle", "--case", fx.casePath, "--result", result, "--observed", "0,0,0")
	require.NoError(t, err)
	assert.Contains(t, out, "v_status")
}

func TestBatch(t *testing.T) {
	fx := newFixture(t)
	steps := filepath.Join(fx.dir, "steps.yaml")
	require.NoError(t, os.WriteFile(steps, []byte("steps:\n  - {label: peak, demand_scale: 1}\n  - {label: night, demand_scale: 0.5}\n"), 0o644))
	out, err := fx.run(t, "batch", "--case", fx.casePath, "--steps", steps)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "peak"))
	assert.Contains(t, lines[1], "optimal")
}

func TestSolveCSV(t *testing.T) {
	fx := newFixture(t)
	out, err := fx.run(t, "solve", "--case", fx.casePath, "-o", "csv")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "run_id,status,bus"))
}

func TestCommandErrors(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.run(t, "solve")
	assert.ErrorContains(t, err, "--case")

	_, err = fx.run(t, "settle", "--case", fx.casePath)
	assert.ErrorContains(t, err, "exactly one")

	_, err = fx.run(t, "solve", "--case", fx.casePath, "-o", "xml")
	assert.ErrorContains(t, err, "output format")

	_, err = fx.run(t, "solve", "--case", fx.casePath, "--mode", "sometimes")
	assert.ErrorIs(t, err, opf.ErrUnknownMode)
}
