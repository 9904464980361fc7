// Package algos assigns a prune score to every edge of a model. Higher
// scores mark edges that matter more to the task.
package algos

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/model"
)

// Task bundles what a scoring algorithm may look at.
type Task struct {
	Model      model.Model
	Loader     data.Loader
	Factorized bool
}

// ScoreFunc computes scores for every edge of the task's model.
type ScoreFunc func(ctx context.Context, task Task) (graph.PruneScores, error)

type PruneAlgo struct {
	Key       string
	Name      string
	ShortName string
	Score     ScoreFunc
}

// Run scores the task and reports the number of scored edges.
func (a PruneAlgo) Run(ctx context.Context, task Task) (graph.PruneScores, error) {
	scores, err := a.Score(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Key, err)
	}
	metrics.RecordPruneScores(len(scores))
	return scores, nil
}

// RandomConfig scores edges uniformly at random.
type RandomConfig struct {
	Seed int64 `mapstructure:"seed" yaml:"seed"`
}

func (c RandomConfig) Algo() PruneAlgo {
	return PruneAlgo{
		Key:       "random",
		Name:      "Random",
		ShortName: "Random",
		Score: func(ctx context.Context, task Task) (graph.PruneScores, error) {
			edges, err := task.Model.Edges(task.Factorized)
			if err != nil {
				return nil, err
			}
			rng := rand.New(rand.NewSource(c.Seed))
			scores := make(graph.PruneScores, len(edges))
			for _, e := range edges {
				scores[e] = rng.Float64()
			}
			return scores, nil
		},
	}
}

// ActivationMagnitudeConfig scores each edge by the mean absolute
// activation of its source on the clean inputs.
type ActivationMagnitudeConfig struct{}

func (c ActivationMagnitudeConfig) Algo() PruneAlgo {
	return PruneAlgo{
		Key:       "act-mag",
		Name:      "Activation Magnitude",
		ShortName: "ActMag",
		Score: func(ctx context.Context, task Task) (graph.PruneScores, error) {
			srcs, err := task.Model.SrcNodes(task.Factorized)
			if err != nil {
				return nil, err
			}
			sums := make(map[*graph.SrcNode]float64, len(srcs))
			counts := make(map[*graph.SrcNode]int, len(srcs))
			for _, b := range task.Loader.Batches() {
				outs, err := model.CaptureSourceOutputs(ctx, task.Model, srcs, b.Clean)
				if err != nil {
					return nil, fmt.Errorf("batch %d: %w", b.Key, err)
				}
				for src, out := range outs {
					for _, v := range out.Data() {
						sums[src] += math.Abs(float64(v))
					}
					counts[src] += out.Len()
				}
			}

			edges, err := task.Model.Edges(task.Factorized)
			if err != nil {
				return nil, err
			}
			scores := make(graph.PruneScores, len(edges))
			for _, e := range edges {
				if n := counts[e.Src]; n > 0 {
					scores[e] = sums[e.Src] / float64(n)
				} else {
					scores[e] = 0
				}
			}
			return scores, nil
		},
	}
}

// GroundTruthConfig scores the named edges 1 and everything else 0.
type GroundTruthConfig struct {
	Edges []string `mapstructure:"edges" yaml:"edges"`
}

func (c GroundTruthConfig) Algo() PruneAlgo {
	return PruneAlgo{
		Key:       "ground-truth",
		Name:      "Ground Truth",
		ShortName: "GT",
		Score: func(ctx context.Context, task Task) (graph.PruneScores, error) {
			edges, err := task.Model.Edges(task.Factorized)
			if err != nil {
				return nil, err
			}
			byName := graph.ByName(edges)
			scores := make(graph.PruneScores, len(edges))
			for _, e := range edges {
				scores[e] = 0
			}
			for _, name := range c.Edges {
				e, ok := byName[name]
				if !ok {
					return nil, fmt.Errorf("unknown circuit edge %q", name)
				}
				scores[e] = 1
			}
			return scores, nil
		},
	}
}

// Config selects and parameterizes one algorithm.
type Config struct {
	Key         string            `mapstructure:"key" yaml:"key"`
	Random      RandomConfig      `mapstructure:"random" yaml:"random"`
	GroundTruth GroundTruthConfig `mapstructure:"ground_truth" yaml:"ground_truth"`
}

// Registry maps algorithm keys to presets.
type Registry map[string]PruneAlgo

// NewRegistry builds the presets from cfg.
func NewRegistry(cfg Config) Registry {
	r := make(Registry)
	for _, a := range []PruneAlgo{
		cfg.Random.Algo(),
		ActivationMagnitudeConfig{}.Algo(),
		cfg.GroundTruth.Algo(),
	} {
		r[a.Key] = a
	}
	return r
}

func (r Registry) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup returns the algorithm registered under key.
func (r Registry) Lookup(key string) (PruneAlgo, error) {
	a, ok := r[key]
	if !ok {
		return PruneAlgo{}, fmt.Errorf("unknown prune algorithm %q (available: %s)", key, strings.Join(r.Keys(), ", "))
	}
	return a, nil
}
