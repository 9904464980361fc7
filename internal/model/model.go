// Package model defines the hookable model contract the pruning engine
// drives, and the graph-provider operations built on it.
package model

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/hook"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// Module is one named computation step of a model.
type Module interface {
	Name() string
	Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error)
}

// Model is a forward-only network that runs a hook set and exposes its
// edge graph. Node pointers returned by Edges, SrcNodes and DestNodes are
// stable for the life of the model.
type Model interface {
	Name() string
	// Forward runs one pass. hooks may be nil.
	Forward(ctx context.Context, input *tensor.Tensor, hooks *hook.Set) (*tensor.Tensor, error)
	Edges(factorized bool) ([]graph.Edge, error)
	SrcNodes(factorized bool) ([]*graph.SrcNode, error)
	DestNodes(factorized bool) ([]*graph.DestNode, error)
}

// Call runs m inside pass p: patches fire on the way in, captures on the
// way out.
func Call(p *hook.Pass, m Module, inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	in, err := p.PreCall(m.Name(), inputs)
	if err != nil {
		return nil, err
	}
	out, err := m.Forward(in)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name(), err)
	}
	if err := p.PostCall(m.Name(), out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run is Forward with pass accounting under the given phase label.
func Run(ctx context.Context, m Model, phase string, input *tensor.Tensor, hooks *hook.Set) (*tensor.Tensor, error) {
	start := time.Now()
	out, err := m.Forward(ctx, input, hooks)
	if err != nil {
		return nil, err
	}
	metrics.RecordForwardPass(phase, time.Since(start))
	return out, nil
}

// CaptureSourceOutputs runs one clean pass over input and returns the
// activation of every node in nodes.
func CaptureSourceOutputs(ctx context.Context, m Model, nodes []*graph.SrcNode, input *tensor.Tensor) (map[*graph.SrcNode]*tensor.Tensor, error) {
	set := hook.NewSet()
	defer set.Release()
	for _, n := range nodes {
		if err := set.Capture(n); err != nil {
			return nil, err
		}
	}

	var captured map[*graph.SrcNode]*tensor.Tensor
	set.OnPassEnd(func(outs map[*graph.SrcNode]*tensor.Tensor) {
		captured = outs
	})
	if _, err := Run(ctx, m, "capture", input, set); err != nil {
		return nil, fmt.Errorf("capture source outputs: %w", err)
	}

	outs := make(map[*graph.SrcNode]*tensor.Tensor, len(nodes))
	for _, n := range nodes {
		t, ok := captured[n]
		if !ok {
			return nil, fmt.Errorf("source %s never fired during forward pass", n.Name)
		}
		outs[n] = t
	}
	return outs, nil
}
