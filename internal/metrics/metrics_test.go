package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExistence(t *testing.T) {
	// Verify our exported metrics functions exist and don't panic
	RecordForwardPass("prune", 5*time.Millisecond)
	RecordBatch(100 * time.Millisecond)
	RecordHookBindings(4)
	RecordEdgesInstalled(2)
	RecordTensorMemory(1024)
	RecordPruneScores(12)
	RecordValidationError("patch", "multi_arg_input")
}

func TestRecordForwardPassCounts(t *testing.T) {
	before := TotalForwardPasses()
	beforePhase := testutil.ToFloat64(ForwardPassesTotal.WithLabelValues("measure"))

	RecordForwardPass("measure", time.Millisecond)
	RecordForwardPass("measure", time.Millisecond)

	if got := TotalForwardPasses() - before; got != 2 {
		t.Errorf("expected 2 new forward passes, got %d", got)
	}
	if got := testutil.ToFloat64(ForwardPassesTotal.WithLabelValues("measure")) - beforePhase; got != 2 {
		t.Errorf("expected phase counter +2, got %v", got)
	}
}

func TestRecordKLDivergence(t *testing.T) {
	beforeClamped := testutil.ToFloat64(DivergenceClamped.WithLabelValues("clean"))

	RecordKLDivergence("clean", 3, 0.25, false)
	if got := testutil.ToFloat64(KLDivergence.WithLabelValues("clean", "3")); got != 0.25 {
		t.Errorf("expected gauge 0.25, got %v", got)
	}

	RecordKLDivergence("clean", 4, 0, true)
	if got := testutil.ToFloat64(DivergenceClamped.WithLabelValues("clean")) - beforeClamped; got != 1 {
		t.Errorf("expected one clamp, got %v", got)
	}
}

func TestRecordHookBindingsGauge(t *testing.T) {
	RecordHookBindings(7)
	if got := testutil.ToFloat64(HookBindings); got != 7 {
		t.Errorf("expected 7 bindings, got %v", got)
	}
	RecordHookBindings(0)
	if got := testutil.ToFloat64(HookBindings); got != 0 {
		t.Errorf("expected gauge reset to 0, got %v", got)
	}
}

func TestRecordCheckpoint(t *testing.T) {
	before := testutil.ToFloat64(CheckpointsRecorded)
	RecordCheckpoint()
	RecordCheckpoint()
	RecordCheckpoint()
	if got := testutil.ToFloat64(CheckpointsRecorded) - before; got != 3 {
		t.Errorf("expected 3 checkpoints, got %v", got)
	}
}

func TestRecordResultsPublished(t *testing.T) {
	before := testutil.ToFloat64(ResultsPublished.WithLabelValues("ipc"))
	RecordResultsPublished("ipc", 5)
	if got := testutil.ToFloat64(ResultsPublished.WithLabelValues("ipc")) - before; got != 5 {
		t.Errorf("expected 5 records, got %v", got)
	}
}
