package gguf

import (
	"encoding/binary"
	"fmt"
	"slices"
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorView provides typed access to tensor data
type TensorView struct {
	desc *TensorDesc
	data []byte
}

// NewTensorView creates a view over tensor data
func NewTensorView(desc *TensorDesc, data []byte) *TensorView {
	return &TensorView{
		desc: desc,
		data: data,
	}
}

// Shape returns the tensor shape in GGUF order
func (tv *TensorView) Shape() []int {
	return tv.desc.Shape
}

// DType returns the tensor data type
func (tv *TensorView) DType() DType {
	return tv.desc.DType
}

// NumElements returns total number of elements
func (tv *TensorView) NumElements() int {
	n := 1
	for _, d := range tv.desc.Shape {
		n *= d
	}
	return n
}

// AsFloat32 returns tensor data as []float32 (for F32 tensors) without
// copying. The slice aliases the mapped file.
func (tv *TensorView) AsFloat32() ([]float32, error) {
	if tv.desc.DType != DTypeF32 {
		return nil, fmt.Errorf("tensor is not F32: %s", tv.desc.DType)
	}

	n := tv.NumElements()
	if len(tv.data) < n*4 {
		return nil, fmt.Errorf("insufficient data for F32 tensor")
	}
	if n == 0 {
		return nil, nil
	}

	return unsafe.Slice((*float32)(unsafe.Pointer(&tv.data[0])), n), nil
}

// Dequantize decodes the tensor into a new float32 slice.
func (tv *TensorView) Dequantize() ([]float32, error) {
	n := tv.NumElements()
	switch tv.desc.DType {
	case DTypeF32:
		if len(tv.data) < n*4 {
			return nil, fmt.Errorf("insufficient data for F32 tensor")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float32frombytes(tv.data[i*4:])
		}
		return out, nil
	case DTypeF16:
		if len(tv.data) < n*2 {
			return nil, fmt.Errorf("insufficient data for F16 tensor")
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(tv.data[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		if len(tv.data) < n*2 {
			return nil, fmt.Errorf("insufficient data for BF16 tensor")
		}
		return bfloat16.DecodeFloat32(tv.data[:n*2]), nil
	case DTypeQ8_0:
		blocks := (n + 31) / 32
		if len(tv.data) < blocks*34 {
			return nil, fmt.Errorf("insufficient data for Q8_0 tensor")
		}
		return DequantizeQ8_0(tv.data, n), nil
	default:
		return nil, fmt.Errorf("unsupported tensor type %s", tv.desc.DType)
	}
}

func float32frombytes(b []byte) float32 {
	bits := binary.LittleEndian.Uint32(b)
	return *(*float32)(unsafe.Pointer(&bits))
}

// Names returns all tensor names in file order.
func (r *Reader) Names() []string {
	return r.ListTensors()
}

// Has reports whether the file holds a tensor called name.
func (r *Reader) Has(name string) bool {
	_, ok := r.tensors[name]
	return ok
}

// Float32 decodes the named tensor. The returned shape is row-major
// (slowest-varying dimension first), the reverse of the GGUF dims.
func (r *Reader) Float32(name string) ([]float32, []int, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}
	data, err := r.GetTensorData(name)
	if err != nil {
		return nil, nil, err
	}

	values, err := NewTensorView(desc, data).Dequantize()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}

	shape := slices.Clone(desc.Shape)
	slices.Reverse(shape)
	return values, shape, nil
}

// Q8_0Block represents a Q8_0 quantization block
// 32 int8 values + 1 float16 scale
type Q8_0Block struct {
	Scale float32  // dequantized from f16
	Qs    [32]int8 // quantized values
}

// ParseQ8_0Block parses a Q8_0 block from bytes
func ParseQ8_0Block(data []byte) Q8_0Block {
	if len(data) < 34 {
		return Q8_0Block{}
	}

	block := Q8_0Block{
		Scale: float16.Frombits(binary.LittleEndian.Uint16(data[0:2])).Float32(),
	}
	for i := 0; i < 32; i++ {
		block.Qs[i] = int8(data[2+i])
	}

	return block
}

// Dequantize dequantizes the block to float32 values
func (b *Q8_0Block) Dequantize(dst []float32) {
	for i := 0; i < 32; i++ {
		dst[i] = float32(b.Qs[i]) * b.Scale
	}
}

// DequantizeQ8_0 dequantizes an entire Q8_0 tensor to float32
func DequantizeQ8_0(data []byte, numElems int) []float32 {
	result := make([]float32, numElems)

	var tmp [32]float32
	for idx, off := 0, 0; idx < numElems && off+34 <= len(data); off += 34 {
		block := ParseQ8_0Block(data[off : off+34])
		block.Dequantize(tmp[:])

		// Copy to result (handle partial blocks at the end)
		remaining := min(numElems-idx, 32)
		copy(result[idx:idx+remaining], tmp[:remaining])
		idx += remaining
	}

	return result
}

// QuantizeQ8_0 is the inverse of DequantizeQ8_0: each block of 32 values
// is scaled by max|x|/127 and rounded to int8.
func QuantizeQ8_0(values []float32) []byte {
	blocks := (len(values) + 31) / 32
	out := make([]byte, blocks*34)
	for b := 0; b < blocks; b++ {
		chunk := values[b*32 : min((b+1)*32, len(values))]

		amax := float32(0)
		for _, v := range chunk {
			amax = max(amax, abs32(v))
		}
		scale := amax / 127
		inv := float32(0)
		if scale != 0 {
			inv = 1 / scale
		}

		block := out[b*34 : (b+1)*34]
		binary.LittleEndian.PutUint16(block, float16.Fromfloat32(scale).Bits())
		for i, v := range chunk {
			q := v * inv
			if q >= 0 {
				q += 0.5
			} else {
				q -= 0.5
			}
			block[2+i] = byte(int8(q))
		}
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
