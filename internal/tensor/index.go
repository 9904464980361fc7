package tensor

import (
	"fmt"
	"strings"
)

type selKind uint8

const (
	selAll selKind = iota
	selAt
	selRange
)

// Selector addresses one dimension of a tensor.
type Selector struct {
	kind        selKind
	start, stop int
}

// All keeps the whole dimension.
func All() Selector { return Selector{kind: selAll} }

// At picks a single position and drops the dimension. Negative positions
// count from the end.
func At(i int) Selector { return Selector{kind: selAt, start: i} }

// Range keeps positions [start, stop). Negative bounds count from the end.
func Range(start, stop int) Selector { return Selector{kind: selRange, start: start, stop: stop} }

func (s Selector) String() string {
	switch s.kind {
	case selAt:
		return fmt.Sprintf("%d", s.start)
	case selRange:
		return fmt.Sprintf("%d:%d", s.start, s.stop)
	default:
		return ":"
	}
}

// Index addresses a region of a tensor. Dimensions past the end of the
// index are kept whole; an empty index addresses the whole tensor.
type Index []Selector

func (idx Index) String() string {
	parts := make([]string, len(idx))
	for i, s := range idx {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type region struct {
	starts []int
	counts []int
	shape  []int
}

func (t *Tensor) resolve(idx Index) (region, error) {
	if len(idx) > len(t.shape) {
		return region{}, fmt.Errorf("index %v has %d selectors for %d-d tensor", idx, len(idx), len(t.shape))
	}
	r := region{
		starts: make([]int, len(t.shape)),
		counts: make([]int, len(t.shape)),
		shape:  make([]int, 0, len(t.shape)),
	}
	for d, size := range t.shape {
		sel := All()
		if d < len(idx) {
			sel = idx[d]
		}
		switch sel.kind {
		case selAll:
			r.starts[d], r.counts[d] = 0, size
			r.shape = append(r.shape, size)
		case selAt:
			i := sel.start
			if i < 0 {
				i += size
			}
			if i < 0 || i >= size {
				return region{}, fmt.Errorf("index %d out of range for dim %d of size %d", sel.start, d, size)
			}
			r.starts[d], r.counts[d] = i, 1
		case selRange:
			lo, hi := sel.start, sel.stop
			if lo < 0 {
				lo += size
			}
			if hi < 0 {
				hi += size
			}
			if hi > size {
				hi = size
			}
			if lo < 0 || lo > hi {
				return region{}, fmt.Errorf("range %d:%d invalid for dim %d of size %d", sel.start, sel.stop, d, size)
			}
			r.starts[d], r.counts[d] = lo, hi-lo
			r.shape = append(r.shape, hi-lo)
		}
	}
	return r, nil
}

func (t *Tensor) strides() []int {
	s := make([]int, len(t.shape))
	acc := 1
	for d := len(t.shape) - 1; d >= 0; d-- {
		s[d] = acc
		acc *= t.shape[d]
	}
	return s
}

// walk calls fn with the flat offset into t of every element of r, in
// row-major order of the region.
func (t *Tensor) walk(r region, fn func(off int)) {
	n := numel(r.counts)
	if n == 0 {
		return
	}
	strides := t.strides()
	pos := make([]int, len(r.counts))
	for k := 0; k < n; k++ {
		off := 0
		for d := range pos {
			off += (r.starts[d] + pos[d]) * strides[d]
		}
		fn(off)
		for d := len(pos) - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < r.counts[d] {
				break
			}
			pos[d] = 0
		}
	}
}

// Select returns a copy of the region addressed by idx.
func (t *Tensor) Select(idx Index) (*Tensor, error) {
	r, err := t.resolve(idx)
	if err != nil {
		return nil, err
	}
	out := New(r.shape...)
	i := 0
	t.walk(r, func(off int) {
		out.data[i] = t.data[off]
		i++
	})
	return out, nil
}

// AddAt adds delta into the region addressed by idx, in place. delta must
// have the region's shape.
func (t *Tensor) AddAt(idx Index, delta *Tensor) error {
	r, err := t.resolve(idx)
	if err != nil {
		return err
	}
	if !sameShape(r.shape, delta.shape) {
		return fmt.Errorf("delta shape %v does not match region %v%v", delta.shape, t.shape, idx)
	}
	i := 0
	t.walk(r, func(off int) {
		t.data[off] += delta.data[i]
		i++
	})
	return nil
}
