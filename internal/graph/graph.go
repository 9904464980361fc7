// Package graph defines the edge graph over a model's activations: source
// nodes that produce activations, destination nodes that consume them and
// the directed edges between the two.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// ErrMissingScore is returned when a graph edge has no prune score.
var ErrMissingScore = errors.New("edge has no prune score")

// SrcNode is a model location that produces an activation. Identity is the
// pointer: providers hand out the same *SrcNode on every call.
type SrcNode struct {
	Name   string
	Module string
	Layer  int
	Head   int
	// OutIdx selects this node's slice of the module output.
	OutIdx tensor.Index
}

func (n *SrcNode) String() string { return n.Name }

// DestNode is a model location that consumes an activation as part of the
// owning module's input.
type DestNode struct {
	Name   string
	Module string
	Layer  int
	Head   int
	// InIdx selects where in the module input the node reads.
	InIdx tensor.Index
}

func (n *DestNode) String() string { return n.Name }

// Edge connects a source to a destination. Seq qualifies parallel edges
// between the same pair of nodes and is zero otherwise.
type Edge struct {
	Src  *SrcNode
	Dest *DestNode
	Seq  int
}

func (e Edge) Name() string {
	if e.Seq != 0 {
		return fmt.Sprintf("%s->%s#%d", e.Src.Name, e.Dest.Name, e.Seq)
	}
	return e.Src.Name + "->" + e.Dest.Name
}

func (e Edge) String() string { return e.Name() }

// PruneScores maps each edge to its importance.
type PruneScores map[Edge]float64

// SortEdges orders edges by score without touching scores. The sort is
// stable, so equal scores keep the order of edges as given.
func SortEdges(edges []Edge, scores PruneScores, highToLow bool) ([]Edge, error) {
	sorted := make([]Edge, len(edges))
	copy(sorted, edges)
	for _, e := range sorted {
		if _, ok := scores[e]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingScore, e.Name())
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if highToLow {
			return scores[sorted[i]] > scores[sorted[j]]
		}
		return scores[sorted[i]] < scores[sorted[j]]
	})
	return sorted, nil
}

// ByName indexes edges by Edge.Name.
func ByName(edges []Edge) map[string]Edge {
	m := make(map[string]Edge, len(edges))
	for _, e := range edges {
		m[e.Name()] = e
	}
	return m
}
