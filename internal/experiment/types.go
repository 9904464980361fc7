package experiment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// ErrUnsupportedActType is returned when an activation type cannot serve
// the role it was given.
var ErrUnsupportedActType = errors.New("unsupported activation type")

// ActType names an input condition.
type ActType int

const (
	Clean ActType = iota
	Corrupt
	Zero
)

func (a ActType) String() string {
	switch a {
	case Clean:
		return "clean"
	case Corrupt:
		return "corrupt"
	case Zero:
		return "zero"
	default:
		return fmt.Sprintf("ActType(%d)", int(a))
	}
}

// ParseActType accepts clean, corrupt or zero, case-insensitively.
func ParseActType(s string) (ActType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clean":
		return Clean, nil
	case "corrupt":
		return Corrupt, nil
	case "zero":
		return Zero, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedActType, s)
	}
}

// ExperimentType fixes which input is run, which activations replace
// pruned edges and the direction edges are pruned in.
type ExperimentType struct {
	InputType     ActType
	PatchType     ActType
	SortHighToLow bool
}

func (e ExperimentType) Validate() error {
	if e.InputType != Clean && e.InputType != Corrupt {
		return fmt.Errorf("%w: input type %s", ErrUnsupportedActType, e.InputType)
	}
	if e.PatchType != Clean && e.PatchType != Corrupt && e.PatchType != Zero {
		return fmt.Errorf("%w: patch type %s", ErrUnsupportedActType, e.PatchType)
	}
	return nil
}

func (e ExperimentType) String() string {
	order := "low-to-high"
	if e.SortHighToLow {
		order = "high-to-low"
	}
	return fmt.Sprintf("input=%s patch=%s order=%s", e.InputType, e.PatchType, order)
}

// PrunedOuts maps an edge-count checkpoint to one output per batch, in
// batch order.
type PrunedOuts map[int][]*tensor.Tensor

// EdgeCounts returns the recorded checkpoints in ascending order.
func (p PrunedOuts) EdgeCounts() []int {
	counts := make([]int, 0, len(p))
	for n := range p {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	return counts
}

// PatchActs is the per-batch reference activation of every source; a nil
// entry means zero ablation.
type PatchActs []map[*graph.SrcNode]*tensor.Tensor

// Renderer draws the pruned graph of one batch. It is diagnostic only and
// must not change the model's behaviour.
type Renderer interface {
	Render(ctx context.Context, m model.Model, factorized bool, batch int, input *tensor.Tensor, edges []graph.Edge, patch map[*graph.SrcNode]*tensor.Tensor) error
}

// Options tunes RunPruned.
type Options struct {
	Factorized bool
	// TestEdgeCounts lists the checkpoints at which outputs are recorded.
	// Counts above the number of edges are never reached.
	TestEdgeCounts []int
	// ExcludeZeroEdges drops the unpruned baseline checkpoint.
	ExcludeZeroEdges bool
	// OutputSlice selects the part of the model output that is recorded.
	// Empty records the whole output.
	OutputSlice tensor.Index
	Renderer    Renderer
}
