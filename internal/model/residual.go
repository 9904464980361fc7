package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-circuit/internal/graph"
	"github.com/23skdu/longbow-circuit/internal/hook"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

const (
	ResidStart = "Resid Start"
	ResidEnd   = "Resid End"
)

type Config struct {
	Layers int   `mapstructure:"layers" yaml:"layers"`
	Heads  int   `mapstructure:"heads" yaml:"heads"`
	Width  int   `mapstructure:"width" yaml:"width"`
	Vocab  int   `mapstructure:"vocab" yaml:"vocab"`
	Seed   int64 `mapstructure:"seed" yaml:"seed"`
}

func (c Config) Validate() error {
	if c.Layers < 0 {
		return fmt.Errorf("invalid layers: %d (must be non-negative)", c.Layers)
	}
	if c.Layers > 0 && c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.Width <= 0 {
		return fmt.Errorf("invalid width: %d (must be positive)", c.Width)
	}
	if c.Vocab <= 0 {
		return fmt.Errorf("invalid vocab: %d (must be positive)", c.Vocab)
	}
	return nil
}

// Residual is a small residual-stream network. Every block holds Heads
// independent elementwise tanh heads; each head reads its own copy of the
// residual stream and writes back into it. The final stream is read out
// linearly into Vocab logits.
//
// Inputs are [batch, width]; outputs are [batch, vocab].
type Residual struct {
	cfg     Config
	embed   *embed
	blocks  []*block
	unembed *unembed

	start *graph.SrcNode
	end   *graph.DestNode
	// heads[l][h] are the source and destination nodes of block l head h.
	srcHeads  [][]*graph.SrcNode
	destHeads [][]*graph.DestNode

	factorized   []graph.Edge
	unfactorized []graph.Edge
}

// NewResidual builds a model with weights drawn deterministically from
// cfg.Seed.
func NewResidual(cfg Config) (*Residual, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	r := &Residual{cfg: cfg, embed: &embed{}}
	for l := 0; l < cfg.Layers; l++ {
		b := &block{
			name:  fmt.Sprintf("blocks.%d", l),
			scale: tensor.New(cfg.Heads, cfg.Width),
			bias:  tensor.New(cfg.Heads, cfg.Width),
		}
		for i := range b.scale.Data() {
			b.scale.Data()[i] = float32(rng.NormFloat64())
			b.bias.Data()[i] = float32(0.1 * rng.NormFloat64())
		}
		r.blocks = append(r.blocks, b)
	}
	w := tensor.New(cfg.Width, cfg.Vocab)
	std := 1 / math.Sqrt(float64(cfg.Width))
	for i := range w.Data() {
		w.Data()[i] = float32(std * rng.NormFloat64())
	}
	r.unembed = &unembed{w: w}

	r.buildGraph()
	return r, nil
}

func (r *Residual) Name() string {
	return fmt.Sprintf("residual-l%d-h%d-w%d", r.cfg.Layers, r.cfg.Heads, r.cfg.Width)
}

func (r *Residual) Config() Config { return r.cfg }

// UnembedWeights exposes the [width, vocab] readout matrix.
func (r *Residual) UnembedWeights() *tensor.Tensor { return r.unembed.w }

func (r *Residual) buildGraph() {
	r.start = &graph.SrcNode{Name: ResidStart, Module: r.embed.Name()}
	r.end = &graph.DestNode{Name: ResidEnd, Module: r.unembed.Name(), Layer: r.cfg.Layers + 1}

	for l, b := range r.blocks {
		srcs := make([]*graph.SrcNode, r.cfg.Heads)
		dests := make([]*graph.DestNode, r.cfg.Heads)
		for h := 0; h < r.cfg.Heads; h++ {
			name := fmt.Sprintf("A%d.%d", l, h)
			idx := tensor.Index{tensor.All(), tensor.At(h)}
			srcs[h] = &graph.SrcNode{Name: name, Module: b.Name(), Layer: l + 1, Head: h, OutIdx: idx}
			dests[h] = &graph.DestNode{Name: name, Module: b.Name(), Layer: l + 1, Head: h, InIdx: idx}
		}
		r.srcHeads = append(r.srcHeads, srcs)
		r.destHeads = append(r.destHeads, dests)
	}

	// factorized: every upstream source feeds every downstream destination
	upstream := []*graph.SrcNode{r.start}
	for l := range r.blocks {
		for _, d := range r.destHeads[l] {
			for _, s := range upstream {
				r.factorized = append(r.factorized, graph.Edge{Src: s, Dest: d})
			}
		}
		upstream = append(upstream, r.srcHeads[l]...)
	}
	for _, s := range upstream {
		r.factorized = append(r.factorized, graph.Edge{Src: s, Dest: r.end})
	}

	// unfactorized: adjacent layers only
	prev := []*graph.SrcNode{r.start}
	for l := range r.blocks {
		for _, d := range r.destHeads[l] {
			for _, s := range prev {
				r.unfactorized = append(r.unfactorized, graph.Edge{Src: s, Dest: d})
			}
		}
		prev = r.srcHeads[l]
	}
	for _, s := range prev {
		r.unfactorized = append(r.unfactorized, graph.Edge{Src: s, Dest: r.end})
	}
}

func (r *Residual) Edges(factorized bool) ([]graph.Edge, error) {
	src := r.unfactorized
	if factorized {
		src = r.factorized
	}
	return append([]graph.Edge(nil), src...), nil
}

func (r *Residual) SrcNodes(factorized bool) ([]*graph.SrcNode, error) {
	nodes := []*graph.SrcNode{r.start}
	for _, hs := range r.srcHeads {
		nodes = append(nodes, hs...)
	}
	return nodes, nil
}

func (r *Residual) DestNodes(factorized bool) ([]*graph.DestNode, error) {
	var nodes []*graph.DestNode
	for _, hs := range r.destHeads {
		nodes = append(nodes, hs...)
	}
	return append(nodes, r.end), nil
}

func (r *Residual) Forward(ctx context.Context, input *tensor.Tensor, hooks *hook.Set) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if input.Dims() != 2 || input.Dim(1) != r.cfg.Width {
		return nil, fmt.Errorf("input shape %v, want [batch %d]", input.Shape(), r.cfg.Width)
	}

	p := hooks.Begin()
	defer p.End()

	resid, err := Call(p, r.embed, input)
	if err != nil {
		return nil, err
	}
	for _, b := range r.blocks {
		in, err := resid.Expand(1, r.cfg.Heads)
		if err != nil {
			return nil, err
		}
		out, err := Call(p, b, in)
		if err != nil {
			return nil, err
		}
		written, err := out.SumDim(1)
		if err != nil {
			return nil, err
		}
		if resid, err = tensor.Add(resid, written); err != nil {
			return nil, err
		}
	}
	return Call(p, r.unembed, resid)
}

type embed struct{}

func (e *embed) Name() string { return "embed" }

func (e *embed) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	return inputs[0].Clone(), nil
}

type block struct {
	name        string
	scale, bias *tensor.Tensor // [heads, width]
}

func (b *block) Name() string { return b.name }

// Forward maps [batch, heads, width] to [batch, heads, width], head h
// computing tanh(scale[h]*x + bias[h]) on its own slot.
func (b *block) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	in := inputs[0]
	heads, width := b.scale.Dim(0), b.scale.Dim(1)
	if in.Dims() != 3 || in.Dim(1) != heads || in.Dim(2) != width {
		return nil, fmt.Errorf("input shape %v, want [batch %d %d]", in.Shape(), heads, width)
	}
	out := in.ZerosLike()
	x, y := in.Data(), out.Data()
	scale, bias := b.scale.Data(), b.bias.Data()
	per := heads * width
	for i := range x {
		w := i % per
		y[i] = float32(math.Tanh(float64(scale[w]*x[i] + bias[w])))
	}
	return out, nil
}

type unembed struct {
	w *tensor.Tensor // [width, vocab]
}

func (u *unembed) Name() string { return "unembed" }

func (u *unembed) Forward(inputs []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected 1 input, got %d", len(inputs))
	}
	return tensor.MatMul(inputs[0], u.w)
}
