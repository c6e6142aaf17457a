package kvcache

import (
	"fmt"
	"slices"

	"github.com/headlands-org/go-stablelm/internal/tensor"
)

// AllocBlock is the default growth step of Dynamic, in tokens.
const AllocBlock = 256

// Dynamic keeps one growable key buffer and one value buffer per layer,
// laid out [batch, kvHeads, capacity, headDim]. Capacity grows in whole
// blocks so that single-token decode steps append without reallocating.
//
// Dynamic is not safe for concurrent use.
type Dynamic struct {
	layers []*layerKV
	block  int
	seen   int
}

type layerKV struct {
	key, value []float32
	batch      int
	heads      int
	headDim    int
	length     int
	capacity   int
}

type Option func(*Dynamic)

// WithBlock sets the growth step. Values <= 0 keep AllocBlock.
func WithBlock(n int) Option {
	return func(d *Dynamic) {
		if n > 0 {
			d.block = n
		}
	}
}

func NewDynamic(opts ...Option) *Dynamic {
	d := &Dynamic{block: AllocBlock}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (*Dynamic) isPast() {}

// Layers returns the number of layers holding history.
func (d *Dynamic) Layers() int {
	return len(d.layers)
}

// SeenTokens returns the number of tokens appended to layer 0.
func (d *Dynamic) SeenTokens() int {
	return d.seen
}

func (d *Dynamic) SeqLength(layer int) int {
	if layer < 0 || layer >= len(d.layers) {
		return 0
	}
	return d.layers[layer].length
}

// UsableLength is the full cached length: Dynamic has no maximum, so every
// cached token stays visible.
func (d *Dynamic) UsableLength(newTokens, layer int) int {
	return d.SeqLength(layer)
}

// Capacity returns the allocated token capacity of layer.
func (d *Dynamic) Capacity(layer int) int {
	if layer < 0 || layer >= len(d.layers) {
		return 0
	}
	return d.layers[layer].capacity
}

func (d *Dynamic) Update(key, value *tensor.Tensor, layer int, _ UpdateMeta) (*tensor.Tensor, *tensor.Tensor, error) {
	if key.Rank() != 4 || !slices.Equal(key.Shape, value.Shape) {
		return nil, nil, fmt.Errorf("%w: key %v, value %v", ErrShapeMismatch, key.Shape, value.Shape)
	}
	batch, heads, seq, headDim := key.Dim(0), key.Dim(1), key.Dim(2), key.Dim(3)

	switch {
	case layer < 0 || layer > len(d.layers):
		return nil, nil, fmt.Errorf("%w: layer %d with %d cached", ErrLayerOutOfOrder, layer, len(d.layers))
	case layer == len(d.layers):
		d.layers = append(d.layers, &layerKV{batch: batch, heads: heads, headDim: headDim})
	}

	l := d.layers[layer]
	if l.batch != batch || l.heads != heads || l.headDim != headDim {
		return nil, nil, fmt.Errorf("%w: layer %d holds [%d %d * %d], got %v",
			ErrShapeMismatch, layer, l.batch, l.heads, l.headDim, key.Shape)
	}

	if l.length+seq > l.capacity {
		l.grow(roundUp(l.length+seq, d.block))
	}
	l.write(l.key, key.Data, seq)
	l.write(l.value, value.Data, seq)
	l.length += seq

	if layer == 0 {
		d.seen += seq
	}

	return l.history(l.key), l.history(l.value), nil
}

// Mark is a snapshot of the per-layer lengths of a Dynamic.
type Mark struct {
	lengths []int
	seen    int
}

// Mark records the current lengths for a later Rollback.
func (d *Dynamic) Mark() Mark {
	m := Mark{lengths: make([]int, len(d.layers)), seen: d.seen}
	for i, l := range d.layers {
		m.lengths[i] = l.length
	}
	return m
}

// Rollback discards every token appended since m was taken, including
// layers created after it. Buffers keep their capacity.
func (d *Dynamic) Rollback(m Mark) {
	if len(d.layers) > len(m.lengths) {
		d.layers = d.layers[:len(m.lengths)]
	}
	for i, l := range d.layers {
		l.length = min(l.length, m.lengths[i])
	}
	d.seen = m.seen
}

// ToLegacy copies the history into the tuple-per-layer representation.
func (d *Dynamic) ToLegacy() Legacy {
	legacy := make(Legacy, len(d.layers))
	for i, l := range d.layers {
		legacy[i] = LayerKV{Key: l.history(l.key), Value: l.history(l.value)}
	}
	return legacy
}

// FromLegacy builds a Dynamic holding the same history as legacy. A nil
// or empty legacy yields an empty cache.
func FromLegacy(legacy Legacy, opts ...Option) (*Dynamic, error) {
	d := NewDynamic(opts...)
	for layer, kv := range legacy {
		if kv.Key == nil || kv.Value == nil {
			return nil, fmt.Errorf("legacy cache layer %d: missing key or value", layer)
		}
		if _, _, err := d.Update(kv.Key, kv.Value, layer, UpdateMeta{}); err != nil {
			return nil, fmt.Errorf("legacy cache layer %d: %w", layer, err)
		}
	}
	return d, nil
}

// Normalize returns past as a *Dynamic, converting Legacy values and
// creating an empty cache for nil.
func Normalize(past Past, opts ...Option) (*Dynamic, error) {
	switch p := past.(type) {
	case nil:
		return NewDynamic(opts...), nil
	case *Dynamic:
		if p == nil {
			return NewDynamic(opts...), nil
		}
		return p, nil
	case Legacy:
		return FromLegacy(p, opts...)
	default:
		return nil, fmt.Errorf("unsupported cache type %T", past)
	}
}

func roundUp(n, block int) int {
	return (n + block - 1) / block * block
}

func (l *layerKV) grow(capacity int) {
	rows := l.batch * l.heads
	key := make([]float32, rows*capacity*l.headDim)
	value := make([]float32, rows*capacity*l.headDim)
	for r := 0; r < rows; r++ {
		n := l.length * l.headDim
		copy(key[r*capacity*l.headDim:], l.key[r*l.capacity*l.headDim:r*l.capacity*l.headDim+n])
		copy(value[r*capacity*l.headDim:], l.value[r*l.capacity*l.headDim:r*l.capacity*l.headDim+n])
	}
	l.key, l.value, l.capacity = key, value, capacity
}

// write appends seq tokens of src ([batch, heads, seq, headDim]) after the
// current length.
func (l *layerKV) write(dst, src []float32, seq int) {
	rows := l.batch * l.heads
	n := seq * l.headDim
	for r := 0; r < rows; r++ {
		off := (r*l.capacity + l.length) * l.headDim
		copy(dst[off:off+n], src[r*n:(r+1)*n])
	}
}

func (l *layerKV) history(buf []float32) *tensor.Tensor {
	out := tensor.New(l.batch, l.heads, l.length, l.headDim)
	rows := l.batch * l.heads
	n := l.length * l.headDim
	for r := 0; r < rows; r++ {
		copy(out.Data[r*n:(r+1)*n], buf[r*l.capacity*l.headDim:r*l.capacity*l.headDim+n])
	}
	return out
}
