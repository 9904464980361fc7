package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalForwardPasses atomic.Int64

var (
	ForwardPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_forward_passes_total",
		Help: "Total number of model forward passes, by phase",
	}, []string{"phase"})

	ForwardPassDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "circuit_forward_pass_duration_seconds",
		Help: "Duration of model forward passes",
	})

	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "circuit_prune_batch_duration_seconds",
		Help:    "Duration of pruning one batch across all edges",
		Buckets: prometheus.DefBuckets,
	})

	HookBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_hook_bindings",
		Help: "Capture and patch bindings currently installed in the active intervention set",
	})

	EdgesInstalled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_edges_installed",
		Help: "Edges pruned so far in the current batch",
	})

	CheckpointsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuit_checkpoints_recorded_total",
		Help: "Total number of checkpoint outputs recorded",
	})

	KLDivergence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_kl_divergence",
		Help: "KL divergence of pruned outputs against a baseline, by edge count",
	}, []string{"baseline", "edges"})

	DivergenceClamped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_kl_divergence_clamped_total",
		Help: "Count of negative KL divergences clamped to zero",
	}, []string{"baseline"})

	TensorMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_tensor_memory_allocated_bytes",
		Help: "Bytes allocated for tensor storage since process start",
	})

	PruneScoreEdges = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "circuit_prune_score_edges",
		Help:    "Number of edges scored per pruning algorithm run",
		Buckets: []float64{1, 10, 100, 1000, 10000, 100000},
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_validation_errors_total",
		Help: "Total number of precondition violations",
	}, []string{"operation", "error_type"})

	ResultsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_results_published_total",
		Help: "Result records written, by sink",
	}, []string{"sink"})
)

func RecordForwardPass(phase string, duration time.Duration) {
	totalForwardPasses.Add(1)
	ForwardPassesTotal.WithLabelValues(phase).Inc()
	ForwardPassDuration.Observe(duration.Seconds())
}

// TotalForwardPasses returns the process-wide forward pass count.
func TotalForwardPasses() int64 {
	return totalForwardPasses.Load()
}

func RecordBatch(duration time.Duration) {
	BatchDuration.Observe(duration.Seconds())
}

func RecordHookBindings(n int) {
	HookBindings.Set(float64(n))
}

func RecordEdgesInstalled(n int) {
	EdgesInstalled.Set(float64(n))
}

func RecordCheckpoint() {
	CheckpointsRecorded.Inc()
}

// RecordKLDivergence records the clamped divergence for one checkpoint.
// clamped reports whether the raw value was negative before clamping.
func RecordKLDivergence(baseline string, edgeCount int, value float64, clamped bool) {
	KLDivergence.WithLabelValues(baseline, strconv.Itoa(edgeCount)).Set(value)
	if clamped {
		DivergenceClamped.WithLabelValues(baseline).Inc()
	}
}

func RecordTensorMemory(bytes int64) {
	TensorMemoryAllocated.Set(float64(bytes))
}

func RecordPruneScores(edges int) {
	PruneScoreEdges.Observe(float64(edges))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordResultsPublished(sink string, records int) {
	ResultsPublished.WithLabelValues(sink).Add(float64(records))
}
