// Package hook holds the interventions applied during a forward pass.
//
// A Set is built up edge by edge and handed to Model.Forward. For every
// pass the model calls Begin to get a Pass, then PreCall before each module
// runs and PostCall after it. PostCall captures the live activation of every
// source bound to the module; PreCall rewrites the module input for every
// edge whose destination lives there, replacing the edge's live
// contribution with a reference activation (or zero).
package hook

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

var (
	// ErrMultiArgInput is returned when a patched module takes more than
	// one input tensor.
	ErrMultiArgInput = errors.New("patch requires a single-tensor module input")
	// ErrSourceNotCaptured is returned when a patch fires before the
	// capture for its source in the same pass.
	ErrSourceNotCaptured = errors.New("source activation not captured in this pass")
	// ErrReleased is returned when installing into a released set.
	ErrReleased = errors.New("intervention set released")
)

type patch struct {
	edge graph.Edge
	// ref is the reference activation; nil means zero ablation.
	ref *tensor.Tensor
}

// Set is the explicit intervention state for one batch. Installing is
// idempotent: a source is captured once however many edges leave it, and an
// edge is patched once however often it is installed.
type Set struct {
	captures map[string][]*graph.SrcNode
	captured map[*graph.SrcNode]bool
	patches  map[string][]patch
	patched  map[graph.Edge]bool
	released bool

	observers []func(map[*graph.SrcNode]*tensor.Tensor)
}

func NewSet() *Set {
	return &Set{
		captures: make(map[string][]*graph.SrcNode),
		captured: make(map[*graph.SrcNode]bool),
		patches:  make(map[string][]patch),
		patched:  make(map[graph.Edge]bool),
	}
}

// Capture binds a capture of src to its module.
func (s *Set) Capture(src *graph.SrcNode) error {
	if s.released {
		return ErrReleased
	}
	if s.captured[src] {
		return nil
	}
	s.captured[src] = true
	s.captures[src.Module] = append(s.captures[src.Module], src)
	metrics.RecordHookBindings(s.Len())
	return nil
}

// Install binds the capture of edge.Src and the patch of edge.Dest. ref is
// the activation substituted for the source; nil zero-ablates the edge.
func (s *Set) Install(edge graph.Edge, ref *tensor.Tensor) error {
	if s.released {
		return ErrReleased
	}
	if err := s.Capture(edge.Src); err != nil {
		return err
	}
	if s.patched[edge] {
		return nil
	}
	s.patched[edge] = true
	s.patches[edge.Dest.Module] = append(s.patches[edge.Dest.Module], patch{edge: edge, ref: ref})
	metrics.RecordHookBindings(s.Len())
	return nil
}

// Len returns the number of capture and patch bindings.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.captured) + len(s.patched)
}

// Patched reports whether edge is patched by this set.
func (s *Set) Patched(edge graph.Edge) bool {
	return s != nil && s.patched[edge]
}

// Release drops every binding. A released set intervenes in nothing and
// rejects further installs. Release is safe to call more than once.
func (s *Set) Release() {
	if s == nil {
		return
	}
	s.captures = make(map[string][]*graph.SrcNode)
	s.captured = make(map[*graph.SrcNode]bool)
	s.patches = make(map[string][]patch)
	s.patched = make(map[graph.Edge]bool)
	s.observers = nil
	s.released = true
	metrics.RecordHookBindings(0)
}

// OnPassEnd registers fn to receive the captured activations when each
// pass ends.
func (s *Set) OnPassEnd(fn func(map[*graph.SrcNode]*tensor.Tensor)) {
	s.observers = append(s.observers, fn)
}

// Begin starts a forward pass. A nil set yields a nil pass, which passes
// everything through untouched.
func (s *Set) Begin() *Pass {
	if s == nil {
		return nil
	}
	return &Pass{set: s, srcOuts: make(map[*graph.SrcNode]*tensor.Tensor)}
}

// Pass is the per-forward-pass arena. srcOuts holds the live activation of
// every captured source seen so far in the pass.
type Pass struct {
	set     *Set
	srcOuts map[*graph.SrcNode]*tensor.Tensor
}

// End closes the pass: observers see the captured activations, then the
// arena is dropped. Models call End when Forward returns.
func (p *Pass) End() {
	if p == nil {
		return
	}
	for _, fn := range p.set.observers {
		fn(p.srcOuts)
	}
	p.srcOuts = nil
}

// SrcOut returns the activation captured for src in this pass.
func (p *Pass) SrcOut(src *graph.SrcNode) (*tensor.Tensor, bool) {
	if p == nil {
		return nil, false
	}
	t, ok := p.srcOuts[src]
	return t, ok
}

// SrcOuts returns every activation captured in this pass.
func (p *Pass) SrcOuts() map[*graph.SrcNode]*tensor.Tensor {
	if p == nil {
		return nil
	}
	return p.srcOuts
}

// PostCall records the module output for every source bound to module.
// The output itself is never modified.
func (p *Pass) PostCall(module string, output *tensor.Tensor) error {
	if p == nil {
		return nil
	}
	for _, src := range p.set.captures[module] {
		out, err := output.Select(src.OutIdx)
		if err != nil {
			return fmt.Errorf("capture %s from %s: %w", src.Name, module, err)
		}
		p.srcOuts[src] = out
	}
	return nil
}

// PreCall applies every patch bound to module, in installation order, and
// returns the inputs to run the module with. Each patch works on a clone, so
// the caller's tensors are never written.
func (p *Pass) PreCall(module string, inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	if p == nil {
		return inputs, nil
	}
	patches := p.set.patches[module]
	if len(patches) == 0 {
		return inputs, nil
	}
	if len(inputs) != 1 {
		metrics.RecordValidationError("patch", "multi_arg_input")
		return nil, fmt.Errorf("%s has %d inputs: %w", module, len(inputs), ErrMultiArgInput)
	}

	current := inputs[0]
	for _, pt := range patches {
		next, err := p.apply(current, pt)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return []*tensor.Tensor{current}, nil
}

func (p *Pass) apply(in *tensor.Tensor, pt patch) (*tensor.Tensor, error) {
	live, ok := p.srcOuts[pt.edge.Src]
	if !ok {
		metrics.RecordValidationError("patch", "source_not_captured")
		return nil, fmt.Errorf("%s: %w", pt.edge.Name(), ErrSourceNotCaptured)
	}
	ref := pt.ref
	if ref == nil {
		ref = live.ZerosLike()
	}
	delta, err := tensor.Sub(ref, live)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", pt.edge.Name(), err)
	}
	out := in.Clone()
	if err := out.AddAt(pt.edge.Dest.InIdx, delta); err != nil {
		return nil, fmt.Errorf("patch %s: %w", pt.edge.Name(), err)
	}
	return out, nil
}
