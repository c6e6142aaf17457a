// Package torch reads PyTorch pickle checkpoints (pytorch_model.bin).
package torch

import (
	"fmt"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
)

// stateDict is the subset of gopickle's dict types a state dict needs.
type stateDict interface {
	Keys() []interface{}
	Get(key interface{}) (interface{}, bool)
}

// File holds the tensors of one unpickled checkpoint in memory.
type File struct {
	path    string
	names   []string
	tensors map[string]*pytorch.Tensor
}

func Open(path string) (*File, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickle %s: %w", path, err)
	}

	dict, ok := obj.(stateDict)
	if !ok {
		return nil, fmt.Errorf("%s: top-level object is %T, want a state dict", path, obj)
	}

	f := &File{path: path, tensors: make(map[string]*pytorch.Tensor)}
	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			continue
		}
		v, _ := dict.Get(k)
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			// buffers like rotary inv_freq can be stored as other objects
			continue
		}
		f.tensors[name] = t
		f.names = append(f.names, name)
	}
	slices.Sort(f.names)
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Names() []string { return slices.Clone(f.names) }

func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// Float32 returns a contiguous copy of the named tensor.
func (f *File) Float32(name string) ([]float32, []int, error) {
	t, ok := f.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}

	var storage []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = s.Data
	case *pytorch.HalfStorage:
		storage = s.Data
	case *pytorch.BFloat16Storage:
		storage = s.Data
	default:
		return nil, nil, fmt.Errorf("%s: unsupported storage %T", name, s)
	}

	shape := slices.Clone(t.Size)
	out, err := gather(storage, t.StorageOffset, shape, t.Stride)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, shape, nil
}

// gather copies a strided view out of storage in row-major order.
func gather(storage []float32, offset int, shape, stride []int) ([]float32, error) {
	if len(stride) != len(shape) {
		return nil, fmt.Errorf("stride %v does not match shape %v", stride, shape)
	}

	n := 1
	last := offset
	for i, d := range shape {
		n *= d
		if d > 0 {
			last += (d - 1) * stride[i]
		}
	}
	if n == 0 {
		return []float32{}, nil
	}
	if offset < 0 || last >= len(storage) {
		return nil, fmt.Errorf("view [%d..%d] outside storage of %d", offset, last, len(storage))
	}

	out := make([]float32, n)
	idx := make([]int, len(shape))
	for i := range out {
		pos := offset
		for d, v := range idx {
			pos += v * stride[d]
		}
		out[i] = storage[pos]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

// Close releases the unpickled tensors.
func (f *File) Close() error {
	f.tensors = nil
	return nil
}
