package algos

import (
	"context"
	"math"
	"testing"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/model"
)

func testTask(t *testing.T) Task {
	t.Helper()
	m, err := model.NewResidual(model.Config{Layers: 2, Heads: 2, Width: 3, Vocab: 4, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}
	loader, err := data.Synthetic(data.SyntheticConfig{Batches: 2, BatchSize: 2, Width: 3, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}
	return Task{Model: m, Loader: loader, Factorized: true}
}

func TestEveryAlgoScoresEveryEdge(t *testing.T) {
	task := testTask(t)
	edges, _ := task.Model.Edges(true)
	reg := NewRegistry(Config{GroundTruth: GroundTruthConfig{Edges: []string{"A0.0->Resid End"}}})

	for _, key := range reg.Keys() {
		t.Run(key, func(t *testing.T) {
			algo, err := reg.Lookup(key)
			if err != nil {
				t.Fatal(err)
			}
			scores, err := algo.Run(context.Background(), task)
			if err != nil {
				t.Fatal(err)
			}
			if len(scores) != len(edges) {
				t.Fatalf("scored %d edges, want %d", len(scores), len(edges))
			}
			for _, e := range edges {
				s, ok := scores[e]
				if !ok {
					t.Errorf("edge %s has no score", e.Name())
				}
				if math.IsNaN(s) {
					t.Errorf("edge %s scored NaN", e.Name())
				}
			}
		})
	}
}

func TestRandomIsSeeded(t *testing.T) {
	task := testTask(t)
	a, _ := RandomConfig{Seed: 3}.Algo().Run(context.Background(), task)
	b, _ := RandomConfig{Seed: 3}.Algo().Run(context.Background(), task)
	c, _ := RandomConfig{Seed: 4}.Algo().Run(context.Background(), task)

	same, differs := true, false
	for e, v := range a {
		if b[e] != v {
			same = false
		}
		if c[e] != v {
			differs = true
		}
	}
	if !same {
		t.Error("same seed should give identical scores")
	}
	if !differs {
		t.Error("different seeds should give different scores")
	}
}

func TestActivationMagnitudeSharesSourceScore(t *testing.T) {
	task := testTask(t)
	scores, err := ActivationMagnitudeConfig{}.Algo().Run(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	edges, _ := task.Model.Edges(true)
	bySrc := make(map[string]float64)
	for _, e := range edges {
		s := scores[e]
		if s < 0 {
			t.Errorf("%s: negative magnitude %v", e.Name(), s)
		}
		if prev, ok := bySrc[e.Src.Name]; ok && prev != s {
			t.Errorf("edges from %s scored %v and %v", e.Src.Name, prev, s)
		}
		bySrc[e.Src.Name] = s
	}
}

func TestGroundTruth(t *testing.T) {
	task := testTask(t)
	scores, err := GroundTruthConfig{Edges: []string{"Resid Start->A1.1", "A0.0->Resid End"}}.Algo().Run(context.Background(), task)
	if err != nil {
		t.Fatal(err)
	}
	ones := 0
	for e, s := range scores {
		if s == 1 {
			ones++
			if n := e.Name(); n != "Resid Start->A1.1" && n != "A0.0->Resid End" {
				t.Errorf("unexpected circuit edge %s", n)
			}
		}
	}
	if ones != 2 {
		t.Errorf("expected 2 circuit edges, got %d", ones)
	}

	if _, err := (GroundTruthConfig{Edges: []string{"nope"}}).Algo().Run(context.Background(), task); err == nil {
		t.Error("expected error for unknown edge")
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := NewRegistry(Config{}).Lookup("acdc"); err == nil {
		t.Error("expected error for unknown key")
	}
}
