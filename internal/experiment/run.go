// Package experiment runs ordered edge-ablation experiments and measures
// how far the pruned outputs drift from the clean and corrupt baselines.
package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/hook"
	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

func batchInput(b data.Batch, t ActType) (*tensor.Tensor, error) {
	switch t {
	case Clean:
		return b.Clean, nil
	case Corrupt:
		return b.Corrupt, nil
	default:
		return nil, fmt.Errorf("%w: input type %s", ErrUnsupportedActType, t)
	}
}

// PatchActivations captures every source's activation for each batch under
// patchType. For Zero it returns one nil entry per batch.
func PatchActivations(ctx context.Context, m model.Model, loader data.Loader, patchType ActType, factorized bool) (PatchActs, error) {
	batches := loader.Batches()
	acts := make(PatchActs, len(batches))
	if patchType == Zero {
		return acts, nil
	}

	srcNodes, err := m.SrcNodes(factorized)
	if err != nil {
		return nil, fmt.Errorf("failed to list source nodes: %w", err)
	}
	for i, b := range batches {
		input, err := batchInput(b, patchType)
		if err != nil {
			return nil, err
		}
		outs, err := model.CaptureSourceOutputs(ctx, m, srcNodes, input)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Key, err)
		}
		acts[i] = outs
	}
	return acts, nil
}

// RunPruned prunes edges one at a time in score order and records the model
// output at each requested checkpoint, batch by batch. Pruned edges stay
// pruned for the rest of the batch; every intervention is released when the
// batch ends, whether or not it succeeded.
func RunPruned(ctx context.Context, m model.Model, loader data.Loader, exp ExperimentType, scores graph.PruneScores, opts Options) (PrunedOuts, error) {
	if err := exp.Validate(); err != nil {
		metrics.RecordValidationError("run_pruned", "act_type")
		return nil, err
	}

	edges, err := m.Edges(opts.Factorized)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	order, err := graph.SortEdges(edges, scores, exp.SortHighToLow)
	if err != nil {
		return nil, err
	}

	patchActs, err := PatchActivations(ctx, m, loader, exp.PatchType, opts.Factorized)
	if err != nil {
		return nil, err
	}

	checkpoints := make(map[int]bool, len(opts.TestEdgeCounts))
	for _, n := range opts.TestEdgeCounts {
		checkpoints[n] = true
	}

	log := logger.Log.With("model", m.Name(), "experiment", exp.String())
	log.Info("Pruning edges", "edges", len(order), "batches", len(patchActs), "checkpoints", len(checkpoints))

	pruned := make(PrunedOuts)
	for i, b := range loader.Batches() {
		if err := runBatch(ctx, m, b, exp, order, patchActs[i], checkpoints, opts, pruned); err != nil {
			return nil, fmt.Errorf("batch %d: %w", b.Key, err)
		}
		log.Debug("Pruned batch", "batch", b.Key)
	}
	return pruned, nil
}

func runBatch(ctx context.Context, m model.Model, b data.Batch, exp ExperimentType, order []graph.Edge, patch map[*graph.SrcNode]*tensor.Tensor, checkpoints map[int]bool, opts Options, pruned PrunedOuts) error {
	start := time.Now()
	defer func() { metrics.RecordBatch(time.Since(start)) }()

	input, err := batchInput(b, exp.InputType)
	if err != nil {
		return err
	}

	record := func(n int, set *hook.Set) error {
		out, err := model.Run(ctx, m, "prune", input, set)
		if err != nil {
			return fmt.Errorf("%d edges pruned: %w", n, err)
		}
		if len(opts.OutputSlice) > 0 {
			if out, err = out.Select(opts.OutputSlice); err != nil {
				return fmt.Errorf("output slice: %w", err)
			}
		}
		pruned[n] = append(pruned[n], out)
		metrics.RecordCheckpoint()
		return nil
	}

	if !opts.ExcludeZeroEdges {
		if err := record(0, nil); err != nil {
			return err
		}
	}

	set := hook.NewSet()
	defer set.Release()
	for i, edge := range order {
		var ref *tensor.Tensor
		if patch != nil {
			r, ok := patch[edge.Src]
			if !ok {
				return fmt.Errorf("no patch activation for source %s", edge.Src.Name)
			}
			ref = r
		}
		if err := set.Install(edge, ref); err != nil {
			return fmt.Errorf("install %s: %w", edge.Name(), err)
		}
		n := i + 1
		metrics.RecordEdgesInstalled(n)
		if checkpoints[n] {
			if err := record(n, set); err != nil {
				return err
			}
		}
	}

	if opts.Renderer != nil {
		if err := opts.Renderer.Render(ctx, m, opts.Factorized, b.Key, input, order, patch); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
	return nil
}
