// Package tensor provides a minimal dense float32 array with the shape
// bookkeeping a decoder forward pass needs: reshape, axis swaps, splits
// and concatenation. All data is row-major and contiguous.
package tensor

import (
	"fmt"
	"math"
	"slices"
)

// Tensor is a contiguous row-major float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float32, numel(shape)),
	}
}

// FromData wraps data with the given shape without copying.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: %d elements do not fit shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i. Negative axes count from the end.
func (t *Tensor) Dim(i int) int {
	return t.Shape[t.axis(i)]
}

func (t *Tensor) axis(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		panic(fmt.Sprintf("tensor: axis %d out of range for shape %v", i, t.Shape))
	}
	return i
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a view sharing t's data. One dimension may be -1.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("tensor: only one dimension can be inferred")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
		}
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v into %v", t.Shape, shape))
	}
	return &Tensor{Shape: shape, Data: t.Data}
}

// outerInner splits the shape around axis into the product of the leading
// dimensions and the product of the trailing dimensions.
func (t *Tensor) outerInner(axis int) (outer, inner int) {
	outer, inner = 1, 1
	for _, d := range t.Shape[:axis] {
		outer *= d
	}
	for _, d := range t.Shape[axis+1:] {
		inner *= d
	}
	return outer, inner
}

// Transpose swaps axes a and b and returns a contiguous copy.
func (t *Tensor) Transpose(a, b int) *Tensor {
	a, b = t.axis(a), t.axis(b)
	if a == b {
		return t.Clone()
	}

	rank := len(t.Shape)
	outShape := slices.Clone(t.Shape)
	outShape[a], outShape[b] = outShape[b], outShape[a]
	out := New(outShape...)

	inStrides := strides(t.Shape)
	permStrides := slices.Clone(inStrides)
	permStrides[a], permStrides[b] = permStrides[b], permStrides[a]

	idx := make([]int, rank)
	for o := range out.Data {
		src := 0
		for i := 0; i < rank; i++ {
			src += idx[i] * permStrides[i]
		}
		out.Data[o] = t.Data[src]

		for i := rank - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Narrow returns a copy of n entries of axis starting at start.
func (t *Tensor) Narrow(axis, start, n int) *Tensor {
	axis = t.axis(axis)
	size := t.Shape[axis]
	if start < 0 || n < 0 || start+n > size {
		panic(fmt.Sprintf("tensor: narrow [%d:%d] out of range for axis %d of %v", start, start+n, axis, t.Shape))
	}

	outer, inner := t.outerInner(axis)
	outShape := slices.Clone(t.Shape)
	outShape[axis] = n
	out := New(outShape...)

	block := n * inner
	for o := 0; o < outer; o++ {
		src := (o*size + start) * inner
		copy(out.Data[o*block:(o+1)*block], t.Data[src:src+block])
	}
	return out
}

// Split cuts axis into consecutive pieces of the given sizes, which must
// sum to the axis length.
func (t *Tensor) Split(axis int, sizes ...int) []*Tensor {
	axis = t.axis(axis)
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != t.Shape[axis] {
		panic(fmt.Sprintf("tensor: split sizes %v do not sum to axis %d of %v", sizes, axis, t.Shape))
	}

	parts := make([]*Tensor, len(sizes))
	start := 0
	for i, s := range sizes {
		parts[i] = t.Narrow(axis, start, s)
		start += s
	}
	return parts
}

// Chunk splits axis into n equal pieces.
func (t *Tensor) Chunk(axis, n int) []*Tensor {
	axis = t.axis(axis)
	if n <= 0 || t.Shape[axis]%n != 0 {
		panic(fmt.Sprintf("tensor: axis %d of %v is not divisible into %d chunks", axis, t.Shape, n))
	}
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = t.Shape[axis] / n
	}
	return t.Split(axis, sizes...)
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: concat of nothing")
	}
	first := ts[0]
	axis = first.axis(axis)

	outShape := slices.Clone(first.Shape)
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != first.Rank() {
			panic(fmt.Sprintf("tensor: concat rank mismatch %v vs %v", t.Shape, first.Shape))
		}
		for i := range t.Shape {
			if i != axis && t.Shape[i] != first.Shape[i] {
				panic(fmt.Sprintf("tensor: concat shape mismatch %v vs %v on axis %d", t.Shape, first.Shape, i))
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	out := New(outShape...)
	outer, inner := first.outerInner(axis)
	dst := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			block := t.Shape[axis] * inner
			copy(out.Data[dst:dst+block], t.Data[o*block:(o+1)*block])
			dst += block
		}
	}
	return out
}

// RepeatInterleave repeats every entry of axis n times in place, so
// [a, b] becomes [a, a, b, b] for n == 2.
func (t *Tensor) RepeatInterleave(axis, n int) *Tensor {
	axis = t.axis(axis)
	if n == 1 {
		return t
	}

	outer, inner := t.outerInner(axis)
	size := t.Shape[axis]
	outShape := slices.Clone(t.Shape)
	outShape[axis] = size * n
	out := New(outShape...)

	dst := 0
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			src := (o*size + s) * inner
			for r := 0; r < n; r++ {
				copy(out.Data[dst:dst+inner], t.Data[src:src+inner])
				dst += inner
			}
		}
	}
	return out
}

// Mul multiplies element-wise into a new tensor.
func Mul(a, b *Tensor) *Tensor {
	if !slices.Equal(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: mul shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Add sums element-wise into a new tensor.
func Add(a, b *Tensor) *Tensor {
	if !slices.Equal(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// AllClose reports whether a and b have the same shape and every pair of
// elements satisfies |a-b| <= atol + rtol*|b|.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !slices.Equal(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		x, y := float64(a.Data[i]), float64(b.Data[i])
		if math.Abs(x-y) > atol+rtol*math.Abs(y) {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
