// Package tensor is the dense float32 substrate the pruning engine runs on.
// It covers the forward-only operations the hookable models need and the
// region indexing used to read and patch node activations.
package tensor

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/23skdu/longbow-circuit/internal/metrics"
)

var allocatedBytes atomic.Int64

func traceAlloc(elems int) {
	n := allocatedBytes.Add(int64(elems) * 4)
	metrics.RecordTensorMemory(n)
}

// AllocatedBytes returns the bytes of tensor storage allocated so far.
func AllocatedBytes() int64 {
	return allocatedBytes.Load()
}

// Tensor is a row-major dense float32 array.
type Tensor struct {
	shape []int
	data  []float32
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New returns a zero-filled tensor.
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
	}
	n := numel(shape)
	traceAlloc(n)
	return &Tensor{
		shape: append([]int(nil), shape...),
		data:  make([]float32, n),
	}
}

// FromSlice wraps a copy of data in a tensor of the given shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, numel(shape), len(data))
	}
	t := New(shape...)
	copy(t.data, data)
	return t, nil
}

// MustFromSlice is FromSlice for literals known to be well formed.
func MustFromSlice(data []float32, shape ...int) *Tensor {
	t, err := FromSlice(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Data exposes the backing storage. Callers that mutate it own the tensor.
func (t *Tensor) Data() []float32 { return t.data }

func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) Dims() int { return len(t.shape) }

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

func (t *Tensor) Clone() *Tensor {
	c := New(t.shape...)
	copy(c.data, t.data)
	return c
}

func (t *Tensor) ZerosLike() *Tensor {
	return New(t.shape...)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v%v", t.shape, t.data)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Equal reports bit-identical shape and contents.
func Equal(a, b *Tensor) bool {
	if !sameShape(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float32bits(a.data[i]) != math.Float32bits(b.data[i]) {
			return false
		}
	}
	return true
}

// AllClose reports matching shapes and elementwise |a-b| <= tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !sameShape(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(float64(a.data[i])-float64(b.data[i])) > tol {
			return false
		}
	}
	return true
}
