package tensor

import (
	"fmt"
	"math"
)

func binary(a, b *Tensor, op string, fn func(x, y float32) float32) (*Tensor, error) {
	if !sameShape(a.shape, b.shape) {
		return nil, fmt.Errorf("%s: shape mismatch %v vs %v", op, a.shape, b.shape)
	}
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = fn(a.data[i], b.data[i])
	}
	return out, nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, "add", func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return binary(a, b, "sub", func(x, y float32) float32 { return x - y })
}

// Map applies fn elementwise into a new tensor.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	out := New(t.shape...)
	for i, v := range t.data {
		out.data[i] = fn(v)
	}
	return out
}

// Expand inserts a new dimension at dim holding n copies of t.
func (t *Tensor) Expand(dim, n int) (*Tensor, error) {
	if dim < 0 || dim > len(t.shape) {
		return nil, fmt.Errorf("expand: dim %d out of range for %d-d tensor", dim, len(t.shape))
	}
	shape := make([]int, 0, len(t.shape)+1)
	shape = append(shape, t.shape[:dim]...)
	shape = append(shape, n)
	shape = append(shape, t.shape[dim:]...)
	out := New(shape...)

	outer := numel(t.shape[:dim])
	inner := numel(t.shape[dim:])
	for o := 0; o < outer; o++ {
		src := t.data[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			copy(out.data[(o*n+k)*inner:], src)
		}
	}
	return out, nil
}

// SumDim sums over dim and removes it.
func (t *Tensor) SumDim(dim int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("sum: dim %d out of range for %d-d tensor", dim, len(t.shape))
	}
	shape := make([]int, 0, len(t.shape)-1)
	shape = append(shape, t.shape[:dim]...)
	shape = append(shape, t.shape[dim+1:]...)
	out := New(shape...)

	outer := numel(t.shape[:dim])
	n := t.shape[dim]
	inner := numel(t.shape[dim+1:])
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			base := (o*n + k) * inner
			for i := 0; i < inner; i++ {
				out.data[o*inner+i] += t.data[base+i]
			}
		}
	}
	return out, nil
}

// Concat joins tensors along dim 0. All trailing dims must match.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	first := ts[0]
	if len(first.shape) == 0 {
		return nil, fmt.Errorf("concat: scalar tensors have no dim 0")
	}
	rows := 0
	for i, t := range ts {
		if len(t.shape) != len(first.shape) || !sameShape(t.shape[1:], first.shape[1:]) {
			return nil, fmt.Errorf("concat: tensor %d shape %v incompatible with %v", i, t.shape, first.shape)
		}
		rows += t.shape[0]
	}
	shape := append([]int{rows}, first.shape[1:]...)
	out := New(shape...)
	off := 0
	for _, t := range ts {
		off += copy(out.data[off:], t.data)
	}
	return out, nil
}

// MatMul multiplies a [m,k] by b [k,n].
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) != 2 || len(b.shape) != 2 || a.shape[1] != b.shape[0] {
		return nil, fmt.Errorf("matmul: incompatible shapes %v x %v", a.shape, b.shape)
	}
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := New(m, n)
	for i := 0; i < m; i++ {
		row := a.data[i*k : (i+1)*k]
		for j := 0; j < n; j++ {
			var sum float32
			for p := 0; p < k; p++ {
				sum += row[p] * b.data[p*n+j]
			}
			out.data[i*n+j] = sum
		}
	}
	return out, nil
}

// Rows views t as a matrix of last-dim rows: [numel/last, last].
func (t *Tensor) Rows() (rows, width int) {
	if len(t.shape) == 0 {
		return 1, 1
	}
	width = t.shape[len(t.shape)-1]
	if width == 0 {
		return 0, 0
	}
	return len(t.data) / width, width
}

// LogSoftmax computes log-softmax along the last dimension in float64 and
// returns it flattened row-major.
func (t *Tensor) LogSoftmax() []float64 {
	rows, width := t.Rows()
	out := make([]float64, len(t.data))
	for r := 0; r < rows; r++ {
		logSoftmaxRow(t.data[r*width:(r+1)*width], out[r*width:(r+1)*width])
	}
	return out
}

func logSoftmaxRow(x []float32, out []float64) {
	if len(x) == 0 {
		return
	}
	max := float64(x[0])
	for _, v := range x {
		if float64(v) > max {
			max = float64(v)
		}
	}
	sum := 0.0
	for _, v := range x {
		sum += math.Exp(float64(v) - max)
	}
	lse := max + math.Log(sum)
	for i, v := range x {
		out[i] = float64(v) - lse
	}
}
