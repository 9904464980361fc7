package render

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/experiment"
	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

func TestRenderMarksPatchKind(t *testing.T) {
	m, err := model.NewResidual(model.Config{Layers: 1, Heads: 1, Width: 2, Vocab: 2})
	if err != nil {
		t.Fatal(err)
	}
	edges, _ := m.Edges(true)
	d := NewDOT(t.TempDir(), "")
	input := tensor.New(1, 2)

	if err := d.Render(context.Background(), m, true, 0, input, edges, nil); err != nil {
		t.Fatal(err)
	}
	patch := map[*graph.SrcNode]*tensor.Tensor{}
	if err := d.Render(context.Background(), m, true, 1, input, edges, patch); err != nil {
		t.Fatal(err)
	}

	zero, err := os.ReadFile(d.Path(0))
	if err != nil {
		t.Fatal(err)
	}
	ref, err := os.ReadFile(d.Path(1))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(zero), "style=dashed"); got != len(edges) {
		t.Errorf("expected %d dashed edges, got %d", len(edges), got)
	}
	if strings.Contains(string(ref), "dashed") {
		t.Error("patched edges should not be dashed")
	}
	for _, name := range []string{`"Resid Start" -> "A0.0"`, `"A0.0" -> "Resid End"`} {
		if !strings.Contains(string(zero), name) {
			t.Errorf("missing edge %s", name)
		}
	}
}

func TestRenderDoesNotChangeResults(t *testing.T) {
	m, err := model.NewResidual(model.Config{Layers: 1, Heads: 2, Width: 2, Vocab: 3, Seed: 2})
	if err != nil {
		t.Fatal(err)
	}
	loader, _ := data.Synthetic(data.SyntheticConfig{Batches: 2, BatchSize: 2, Width: 2, Seed: 3})
	edges, _ := m.Edges(true)
	scores := make(graph.PruneScores)
	for i, e := range edges {
		scores[e] = float64(i)
	}
	exp := experiment.ExperimentType{InputType: experiment.Clean, PatchType: experiment.Corrupt}

	plain, err := experiment.RunPruned(context.Background(), m, loader, exp, scores, experiment.Options{Factorized: true, TestEdgeCounts: []int{2, 5}})
	if err != nil {
		t.Fatal(err)
	}
	d := NewDOT(t.TempDir(), "run")
	drawn, err := experiment.RunPruned(context.Background(), m, loader, exp, scores, experiment.Options{Factorized: true, TestEdgeCounts: []int{2, 5}, Renderer: d})
	if err != nil {
		t.Fatal(err)
	}
	for n := range plain {
		for i := range plain[n] {
			if !tensor.Equal(plain[n][i], drawn[n][i]) {
				t.Errorf("checkpoint %d batch %d changed by rendering", n, i)
			}
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := os.Stat(d.Path(i)); err != nil {
			t.Errorf("batch %d not rendered: %v", i, err)
		}
	}
}
