package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-circuit/internal/config"
	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/monitoring"
	"github.com/23skdu/longbow-circuit/internal/results"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "circuit dev\n", out)
}

func TestGenDataCmd_WritesReadableDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ds.arrow")
	_, err := execute(t, "gen-data", "-o", path, "--batches", "3", "--batch-size", "2", "--width", "5")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	loader, err := data.ReadArrow(f)
	require.NoError(t, err)
	require.Len(t, loader, 3)
	assert.Equal(t, []int{2, 5}, loader[0].Clean.Shape())
}

func TestRunCmd_WritesResults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "circuit.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
model:
  layers: 1
  heads: 2
  width: 3
  vocab: 4
data:
  synthetic:
    batches: 2
    batch_size: 2
    width: 3
log:
  level: error
`), 0o644))

	out, err := execute(t, "run", "-c", cfgPath, "-o", dir, "--algorithm", "random", "--render-dot")
	require.NoError(t, err)
	assert.Contains(t, out, "KL CLEAN")

	runs, err := filepath.Glob(filepath.Join(dir, "*", "summary.arrow"))
	require.NoError(t, err)
	require.Len(t, runs, 1)
	runDir := filepath.Dir(runs[0])

	f, err := os.Open(runs[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := results.ReadSummary(f)
	require.NoError(t, err)
	// 5 edges plus the unpruned checkpoint
	require.Len(t, rows, 6)
	assert.Equal(t, 0.0, rows[0].KLClean)

	for _, name := range []string{"outputs.arrow", "config.yaml", filepath.Join("dot", "Random-batch-0.dot"), filepath.Join("dot", "Random-batch-1.dot")} {
		_, err := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunCmd_RejectsBadPatch(t *testing.T) {
	_, err := execute(t, "run", "-o", t.TempDir(), "--patch", "mean", "--log-level", "error")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unsupported activation type"))
}

func TestRunExperiment_PublishesToFlight(t *testing.T) {
	mock := results.NewMockPublisher()
	orig := newPublisher
	newPublisher = func(context.Context, string) (results.Publisher, error) { return mock, nil }
	t.Cleanup(func() { newPublisher = orig })

	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Output.FlightAddr = "localhost:0"
	cfg.Algorithm.Key = "ground-truth"
	cfg.Algorithm.GroundTruth.Edges = []string{"A0.0->Resid End"}
	cfg.Experiment.TestEdgeCounts = []int{1, 999}
	require.NoError(t, cfg.Validate())

	mon := monitoring.NewMonitor()
	var out bytes.Buffer
	res, err := runExperiment(context.Background(), cfg, &out, mon)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, 1, res.Rows[1].EdgeCount)

	summary, ok := mock.Record([]string{"circuit", res.RunID, "summary"})
	require.True(t, ok)
	assert.EqualValues(t, 2, summary.NumRows())
	outputs, ok := mock.Record([]string{"circuit", res.RunID, "outputs"})
	require.True(t, ok)
	assert.EqualValues(t, 2*cfg.Data.Synthetic.Batches*cfg.Data.Synthetic.BatchSize, outputs.NumRows())
	assert.Equal(t, monitoring.PhaseDone, mon.Status().Phase)
	assert.Equal(t, res.RunID, mon.Status().RunID)
}

func TestRunExperiment_FailureMarksMonitor(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Algorithm.Key = "acdc"

	mon := monitoring.NewMonitor()
	_, err := runExperiment(context.Background(), cfg, &bytes.Buffer{}, mon)
	require.Error(t, err)
	s := mon.Status()
	assert.Equal(t, monitoring.PhaseFailed, s.Phase)
	assert.Equal(t, "degraded", s.Status)
}

func TestRunExperiment_ArrowDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ds.arrow")
	src, err := data.Synthetic(data.SyntheticConfig{Batches: 1, BatchSize: 3, Width: 8, Seed: 2})
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, data.WriteArrow(f, src))
	require.NoError(t, f.Close())

	cfg := config.Default()
	cfg.Data.Path = path
	cfg.Output.Dir = dir
	cfg.Experiment.EdgeCountMode = "log"

	res, err := runExperiment(context.Background(), cfg, &bytes.Buffer{}, monitoring.NewMonitor())
	require.NoError(t, err)
	last := res.Rows[len(res.Rows)-1]
	assert.GreaterOrEqual(t, last.KLClean, 0.0)
	assert.GreaterOrEqual(t, last.KLCorrupt, 0.0)
}

func TestRunExperiment_AllCheckpointsOverrun(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Dir = t.TempDir()
	cfg.Experiment.ExcludeZeroEdges = true
	cfg.Experiment.TestEdgeCounts = []int{999}
	require.NoError(t, cfg.Validate())

	mon := monitoring.NewMonitor()
	res, err := runExperiment(context.Background(), cfg, &bytes.Buffer{}, mon)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
	assert.Equal(t, monitoring.PhaseDone, mon.Status().Phase)
	assert.Equal(t, "healthy", mon.Status().Status)

	f, err := os.Open(filepath.Join(res.Dir, "outputs.arrow"))
	require.NoError(t, err)
	defer f.Close()
	pruned, err := results.ReadOutputs(f)
	require.NoError(t, err)
	assert.Empty(t, pruned)
}
