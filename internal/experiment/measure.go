package experiment

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// ErrOutputMismatch is returned when pruned outputs and baselines differ in
// shape, usually because MeasureKLDiv got a different slice than RunPruned.
var ErrOutputMismatch = errors.New("pruned outputs do not match baseline outputs")

// Divergences maps an edge-count checkpoint to a divergence value.
type Divergences map[int]float64

// baselineOutputs runs every batch under t and concatenates the sliced
// outputs in batch order.
func baselineOutputs(ctx context.Context, m model.Model, loader data.Loader, t ActType, slice tensor.Index) (*tensor.Tensor, error) {
	var outs []*tensor.Tensor
	for _, b := range loader.Batches() {
		input, err := batchInput(b, t)
		if err != nil {
			return nil, err
		}
		out, err := model.Run(ctx, m, "measure", input, nil)
		if err != nil {
			return nil, fmt.Errorf("%s baseline batch %d: %w", t, b.Key, err)
		}
		if len(slice) > 0 {
			if out, err = out.Select(slice); err != nil {
				return nil, fmt.Errorf("output slice: %w", err)
			}
		}
		outs = append(outs, out)
	}
	return tensor.Concat(outs)
}

// KLDivergence returns KL(target || input) over the last dimension of two
// logit tensors, summed over classes and averaged over dim 0, and whether
// a negative result was clamped to zero.
func KLDivergence(input, target *tensor.Tensor) (float64, bool, error) {
	in, tg := input.Shape(), target.Shape()
	if len(in) != len(tg) {
		return 0, false, fmt.Errorf("kl: shape %v vs %v", in, tg)
	}
	for i := range in {
		if in[i] != tg[i] {
			return 0, false, fmt.Errorf("kl: shape %v vs %v", in, tg)
		}
	}
	if len(in) == 0 || in[0] == 0 {
		return 0, false, fmt.Errorf("kl: empty batch")
	}

	lp := input.LogSoftmax()
	lt := target.LogSoftmax()
	sum := 0.0
	for i := range lp {
		sum += math.Exp(lt[i]) * (lt[i] - lp[i])
	}
	kl := sum / float64(in[0])
	if kl < 0 {
		return 0, true, nil
	}
	return kl, false, nil
}

// MeasureKLDiv compares every checkpoint of pruned against the clean and the
// corrupt outputs of the same batches. Values are never negative. slice must
// be the Options.OutputSlice that pruned was recorded with; the baselines are
// cut the same way.
func MeasureKLDiv(ctx context.Context, m model.Model, loader data.Loader, pruned PrunedOuts, slice tensor.Index) (Divergences, Divergences, error) {
	cleanOuts, err := baselineOutputs(ctx, m, loader, Clean, slice)
	if err != nil {
		return nil, nil, err
	}
	corruptOuts, err := baselineOutputs(ctx, m, loader, Corrupt, slice)
	if err != nil {
		return nil, nil, err
	}

	klClean, klCorrupt := make(Divergences), make(Divergences)
	for _, n := range pruned.EdgeCounts() {
		out, err := tensor.Concat(pruned[n])
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint %d: %w", n, err)
		}
		if !sameShape(out.Shape(), cleanOuts.Shape()) {
			return nil, nil, fmt.Errorf("checkpoint %d: %w: %v vs %v (measure with the OutputSlice given to RunPruned)",
				n, ErrOutputMismatch, out.Shape(), cleanOuts.Shape())
		}
		c, clamped, err := KLDivergence(out, cleanOuts)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint %d clean: %w", n, err)
		}
		metrics.RecordKLDivergence("clean", n, c, clamped)

		r, clamped, err := KLDivergence(out, corruptOuts)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint %d corrupt: %w", n, err)
		}
		metrics.RecordKLDivergence("corrupt", n, r, clamped)

		klClean[n], klCorrupt[n] = c, r
		logger.Log.Debug("Measured divergence", "edges", n, "kl_clean", c, "kl_corrupt", r)
	}
	return klClean, klCorrupt, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Row is one checkpoint of a divergence summary.
type Row struct {
	EdgeCount int     `yaml:"edge_count"`
	KLClean   float64 `yaml:"kl_clean"`
	KLCorrupt float64 `yaml:"kl_corrupt"`
}

// Summarize joins the two divergence maps by checkpoint, ascending.
func Summarize(clean, corrupt Divergences) []Row {
	seen := make(PrunedOuts)
	for n := range clean {
		seen[n] = nil
	}
	for n := range corrupt {
		seen[n] = nil
	}
	rows := make([]Row, 0, len(seen))
	for _, n := range seen.EdgeCounts() {
		rows = append(rows, Row{EdgeCount: n, KLClean: clean[n], KLCorrupt: corrupt[n]})
	}
	return rows
}
