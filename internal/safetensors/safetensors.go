// Package safetensors reads Hugging Face .safetensors checkpoints.
//
// A file is an 8-byte little-endian header length, a JSON header mapping
// tensor names to dtype, shape and data offsets, then the raw tensor bytes.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/mmap"
)

// headers larger than this are treated as corrupt
const maxHeaderSize = 100 << 20

var ErrCorrupt = errors.New("safetensors: corrupt file")

type tensorInfo struct {
	DType   string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// File is an opened safetensors checkpoint backed by a memory map.
type File struct {
	path     string
	mm       *mmap.ReaderAt
	base     int64 // start of the data section
	tensors  map[string]tensorInfo
	names    []string
	metadata map[string]string
}

func Open(path string) (*File, error) {
	mm, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	f := &File{path: path, mm: mm}
	if err := f.parse(); err != nil {
		mm.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func (f *File) parse() error {
	var prefix [8]byte
	if _, err := f.mm.ReadAt(prefix[:], 0); err != nil {
		return fmt.Errorf("%w: short header", ErrCorrupt)
	}
	n := int64(binary.LittleEndian.Uint64(prefix[:]))
	if n <= 0 || n > maxHeaderSize || 8+n > int64(f.mm.Len()) {
		return fmt.Errorf("%w: header length %d", ErrCorrupt, n)
	}

	raw := make([]byte, n)
	if _, err := f.mm.ReadAt(raw, 8); err != nil {
		return err
	}

	var header map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&header); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	f.base = 8 + n
	f.tensors = make(map[string]tensorInfo, len(header))
	dataLen := int64(f.mm.Len()) - f.base
	for name, msg := range header {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &f.metadata); err != nil {
				return fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		if len(info.Offsets) != 2 || info.Offsets[0] > info.Offsets[1] || info.Offsets[1] > dataLen {
			return fmt.Errorf("%w: %s: offsets %v", ErrCorrupt, name, info.Offsets)
		}
		size, ok := elementSize(info.DType)
		if !ok {
			return fmt.Errorf("%s: unsupported dtype %q", name, info.DType)
		}
		if want := int64(numel(info.Shape) * size); want != info.Offsets[1]-info.Offsets[0] {
			return fmt.Errorf("%w: %s: %d bytes for shape %v", ErrCorrupt, name, info.Offsets[1]-info.Offsets[0], info.Shape)
		}
		f.tensors[name] = info
		f.names = append(f.names, name)
	}
	slices.Sort(f.names)
	return nil
}

func elementSize(dtype string) (int, bool) {
	switch dtype {
	case "F32":
		return 4, true
	case "F16", "BF16":
		return 2, true
	}
	return 0, false
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (f *File) Path() string { return f.path }

// Names returns tensor names sorted lexically.
func (f *File) Names() []string { return slices.Clone(f.names) }

func (f *File) Has(name string) bool {
	_, ok := f.tensors[name]
	return ok
}

// Metadata returns the free-form __metadata__ entry.
func (f *File) Metadata() map[string]string { return f.metadata }

// DType returns the stored dtype of a tensor ("F32", "F16" or "BF16").
func (f *File) DType(name string) (string, bool) {
	info, ok := f.tensors[name]
	return info.DType, ok
}

// Float32 decodes a tensor into float32 values with its row-major shape.
func (f *File) Float32(name string) ([]float32, []int, error) {
	info, ok := f.tensors[name]
	if !ok {
		return nil, nil, fmt.Errorf("tensor not found: %s", name)
	}

	raw := make([]byte, info.Offsets[1]-info.Offsets[0])
	if _, err := f.mm.ReadAt(raw, f.base+info.Offsets[0]); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%s: %w", name, err)
	}

	var out []float32
	switch info.DType {
	case "F32":
		out = make([]float32, len(raw)/4)
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, out); err != nil {
			return nil, nil, err
		}
	case "F16":
		out = make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		out = bfloat16.DecodeFloat32(raw)
	}
	return out, slices.Clone(info.Shape), nil
}

func (f *File) Close() error {
	if f.mm == nil {
		return nil
	}
	err := f.mm.Close()
	f.mm = nil
	return err
}

// Tensor is an F32 tensor queued for Write.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Write stores tensors as F32 in a new safetensors file.
func Write(path string, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]interface{}, len(tensors)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var offset int64
	for _, t := range tensors {
		if numel(t.Shape) != len(t.Data) {
			return fmt.Errorf("tensor %s: %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
		size := int64(len(t.Data) * 4)
		header[t.Name] = tensorInfo{DType: "F32", Shape: t.Shape, Offsets: []int64{offset, offset + size}}
		offset += size
	}

	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header so the data section is 8-byte aligned
	for len(raw)%8 != 0 {
		raw = append(raw, ' ')
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := writeAll(out, raw, tensors); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return out.Close()
}

func writeAll(w io.Writer, header []byte, tensors []Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, t := range tensors {
		if err := binary.Write(w, binary.LittleEndian, t.Data); err != nil {
			return err
		}
	}
	return nil
}
