package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Writer assembles a GGUF v3 file in memory order: header, metadata,
// tensor infos, then aligned tensor data.
type Writer struct {
	metadata []Metadata
	tensors  []pendingTensor
}

type pendingTensor struct {
	name  string
	dtype DType
	dims  []uint64 // GGUF order
	data  []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

// SetMetadata records a key. Supported values are the GGUF scalar types,
// string, and slices of those.
func (w *Writer) SetMetadata(key string, value interface{}) error {
	typ, err := metadataType(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	w.metadata = slices.DeleteFunc(w.metadata, func(m Metadata) bool { return m.Key == key })
	w.metadata = append(w.metadata, Metadata{Key: key, Type: typ, Value: value})
	return nil
}

func metadataType(value interface{}) (MetadataValueType, error) {
	switch value.(type) {
	case uint8:
		return MetadataUint8, nil
	case int8:
		return MetadataInt8, nil
	case uint16:
		return MetadataUint16, nil
	case int16:
		return MetadataInt16, nil
	case uint32:
		return MetadataUint32, nil
	case int32:
		return MetadataInt32, nil
	case float32:
		return MetadataFloat32, nil
	case bool:
		return MetadataBool, nil
	case string:
		return MetadataString, nil
	case uint64:
		return MetadataUint64, nil
	case int64:
		return MetadataInt64, nil
	case float64:
		return MetadataFloat64, nil
	case []string, []int32, []uint32, []float32:
		return MetadataArray, nil
	}
	return 0, fmt.Errorf("unsupported metadata value %T", value)
}

// AddTensor encodes values with the given row-major shape as dtype. F32,
// F16, BF16 and Q8_0 are supported.
func (w *Writer) AddTensor(name string, dtype DType, shape []int, values []float32) error {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if n != len(values) {
		return fmt.Errorf("tensor %s: %d values for shape %v", name, len(values), shape)
	}

	var data []byte
	switch dtype {
	case DTypeF32:
		data = make([]byte, 4*n)
		for i, v := range values {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
		}
	case DTypeF16:
		data = make([]byte, 2*n)
		for i, v := range values {
			binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case DTypeBF16:
		data = bfloat16.EncodeFloat32(values)
	case DTypeQ8_0:
		if len(shape) == 0 || shape[len(shape)-1]%32 != 0 {
			return fmt.Errorf("tensor %s: Q8_0 rows must be a multiple of 32, got shape %v", name, shape)
		}
		data = QuantizeQ8_0(values)
	default:
		return fmt.Errorf("tensor %s: cannot encode %s", name, dtype)
	}

	dims := make([]uint64, len(shape))
	for i, d := range shape {
		dims[len(shape)-1-i] = uint64(d)
	}
	w.tensors = append(w.tensors, pendingTensor{name: name, dtype: dtype, dims: dims, data: data})
	return nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) put(v interface{}) error {
	return binary.Write(c, byteOrder, v)
}

func (c *countingWriter) putString(s string) error {
	if err := c.put(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(c, s)
	return err
}

func (c *countingWriter) pad(alignment int) error {
	n := int64(align(int(c.n), alignment)) - c.n
	_, err := c.Write(make([]byte, n))
	return err
}

// WriteTo serializes the file.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}

	header := Header{
		Magic:          GGUFMagic,
		Version:        GGUFVersion,
		TensorCount:    uint64(len(w.tensors)),
		MetadataKVSize: uint64(len(w.metadata)),
	}
	if err := cw.put(header); err != nil {
		return cw.n, err
	}

	for _, md := range w.metadata {
		if err := cw.putString(md.Key); err != nil {
			return cw.n, err
		}
		if err := cw.put(uint32(md.Type)); err != nil {
			return cw.n, err
		}
		if err := cw.putValue(md.Value); err != nil {
			return cw.n, fmt.Errorf("%s: %w", md.Key, err)
		}
	}

	var offset uint64
	for _, t := range w.tensors {
		if err := cw.putString(t.name); err != nil {
			return cw.n, err
		}
		if err := cw.put(uint32(len(t.dims))); err != nil {
			return cw.n, err
		}
		if err := cw.put(t.dims); err != nil {
			return cw.n, err
		}
		if err := cw.put(uint32(t.dtype)); err != nil {
			return cw.n, err
		}
		if err := cw.put(offset); err != nil {
			return cw.n, err
		}
		offset = uint64(align(int(offset)+len(t.data), DefaultAlignment))
	}

	for _, t := range w.tensors {
		if err := cw.pad(DefaultAlignment); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(t.data); err != nil {
			return cw.n, err
		}
	}

	return cw.n, cw.w.Flush()
}

func (c *countingWriter) putValue(value interface{}) error {
	switch v := value.(type) {
	case string:
		return c.putString(v)
	case bool:
		if v {
			return c.put(uint8(1))
		}
		return c.put(uint8(0))
	case []string:
		if err := c.put(uint32(MetadataString)); err != nil {
			return err
		}
		if err := c.put(uint64(len(v))); err != nil {
			return err
		}
		for _, s := range v {
			if err := c.putString(s); err != nil {
				return err
			}
		}
		return nil
	case []int32:
		return c.putArray(MetadataInt32, len(v), v)
	case []uint32:
		return c.putArray(MetadataUint32, len(v), v)
	case []float32:
		return c.putArray(MetadataFloat32, len(v), v)
	default:
		return c.put(v)
	}
}

func (c *countingWriter) putArray(typ MetadataValueType, n int, v interface{}) error {
	if err := c.put(uint32(typ)); err != nil {
		return err
	}
	if err := c.put(uint64(n)); err != nil {
		return err
	}
	return c.put(v)
}

// WriteFile writes the file to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
