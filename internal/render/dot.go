// Package render draws pruned circuits as Graphviz DOT files.
package render

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// DOT writes one <Prefix>-batch-<n>.dot file per batch into Dir.
type DOT struct {
	Dir    string
	Prefix string
}

func NewDOT(dir, prefix string) *DOT {
	if prefix == "" {
		prefix = "circuit"
	}
	return &DOT{Dir: dir, Prefix: prefix}
}

// Path returns the file written for batch.
func (d *DOT) Path(batch int) string {
	return filepath.Join(d.Dir, fmt.Sprintf("%s-batch-%d.dot", d.Prefix, batch))
}

// Render lists the nodes of m and the edges in pruning order. Edges are red
// and dashed when zero-ablated, blue when patched from reference activations.
func (d *DOT) Render(ctx context.Context, m model.Model, factorized bool, batch int, input *tensor.Tensor, edges []graph.Edge, patch map[*graph.SrcNode]*tensor.Tensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create render dir: %w", err)
	}
	srcs, err := m.SrcNodes(factorized)
	if err != nil {
		return err
	}
	dests, err := m.DestNodes(factorized)
	if err != nil {
		return err
	}

	path := d.Path(batch)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)

	fmt.Fprintf(w, "digraph %q {\n", fmt.Sprintf("%s batch %d", m.Name(), batch))
	fmt.Fprintf(w, "  label=%q;\n  rankdir=LR;\n", fmt.Sprintf("input %v, %d edges pruned", input.Shape(), len(edges)))
	seen := make(map[string]bool)
	for _, s := range srcs {
		if !seen[s.Name] {
			seen[s.Name] = true
			fmt.Fprintf(w, "  %q [rank=%d];\n", s.Name, s.Layer)
		}
	}
	for _, n := range dests {
		if !seen[n.Name] {
			seen[n.Name] = true
			fmt.Fprintf(w, "  %q [rank=%d];\n", n.Name, n.Layer)
		}
	}
	for i, e := range edges {
		style := `color=red, style=dashed`
		if patch != nil {
			style = `color=blue`
		}
		fmt.Fprintf(w, "  %q -> %q [label=\"%d\", %s];\n", e.Src.Name, e.Dest.Name, i+1, style)
	}
	fmt.Fprintln(w, "}")

	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Log.Debug("Rendered circuit", "path", path, "edges", len(edges))
	return nil
}
