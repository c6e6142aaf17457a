package gguf

import (
	"fmt"
	"math"
	"slices"

	"golang.org/x/exp/mmap"
)

// Reader provides read access to a GGUF file via memory mapping
type Reader struct {
	path     string
	mmap     *mmap.ReaderAt
	data     []byte
	header   Header
	metadata map[string]Metadata
	keys     []string // metadata keys in file order
	tensors  map[string]*TensorDesc
	names    []string // tensor names in file order
	dataOff  int64    // offset where tensor data begins
}

// TensorDesc describes a tensor with its location in the mapped file.
// Shape is in GGUF order: Shape[0] is the fastest-varying dimension.
type TensorDesc struct {
	Name   string
	DType  DType
	Shape  []int
	Offset int64 // offset relative to the data section
	Size   int64 // size in bytes
}

// Open opens a GGUF file and memory-maps it
func Open(path string) (*Reader, error) {
	mmapReader, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	data := make([]byte, mmapReader.Len())
	if _, err := mmapReader.ReadAt(data, 0); err != nil {
		mmapReader.Close()
		return nil, fmt.Errorf("read mmap: %w", err)
	}

	r := &Reader{
		path:     path,
		mmap:     mmapReader,
		data:     data,
		metadata: make(map[string]Metadata),
		tensors:  make(map[string]*TensorDesc),
	}

	if err := r.parse(); err != nil {
		r.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return r, nil
}

// Close closes the reader and unmaps the file
func (r *Reader) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := r.mmap.Close()
	r.mmap = nil
	r.data = nil
	return err
}

// Path returns the file the reader was opened from.
func (r *Reader) Path() string {
	return r.path
}

// parse reads the GGUF header, metadata, and tensor info
func (r *Reader) parse() error {
	offset := 0

	if len(r.data) < 24 {
		return fmt.Errorf("file too small for header")
	}

	r.header.Magic = byteOrder.Uint32(r.data[offset:])
	offset += 4
	if r.header.Magic != GGUFMagic {
		return fmt.Errorf("invalid magic: 0x%08x", r.header.Magic)
	}

	r.header.Version = byteOrder.Uint32(r.data[offset:])
	offset += 4
	if r.header.Version != 2 && r.header.Version != GGUFVersion {
		return fmt.Errorf("unsupported version: %d", r.header.Version)
	}

	r.header.TensorCount = byteOrder.Uint64(r.data[offset:])
	offset += 8

	r.header.MetadataKVSize = byteOrder.Uint64(r.data[offset:])
	offset += 8

	for i := uint64(0); i < r.header.MetadataKVSize; i++ {
		md, n, err := r.readMetadata(offset)
		if err != nil {
			return fmt.Errorf("read metadata %d: %w", i, err)
		}
		if _, dup := r.metadata[md.Key]; !dup {
			r.keys = append(r.keys, md.Key)
		}
		r.metadata[md.Key] = md
		offset += n
	}

	for i := uint64(0); i < r.header.TensorCount; i++ {
		ti, n, err := r.readTensorInfo(offset)
		if err != nil {
			return fmt.Errorf("read tensor info %d: %w", i, err)
		}
		offset += n

		shape := make([]int, len(ti.Dims))
		totalElems := int64(1)
		for j, dim := range ti.Dims {
			shape[j] = int(dim)
			totalElems *= int64(dim)
		}

		blockSize := ti.DType.BlockSize()
		elemsPerBlock := ti.DType.ElementsPerBlock()
		if blockSize == 0 || elemsPerBlock == 0 {
			return fmt.Errorf("tensor %s: unsupported dtype %s", ti.Name, ti.DType)
		}
		numBlocks := (totalElems + int64(elemsPerBlock) - 1) / int64(elemsPerBlock)

		if _, dup := r.tensors[ti.Name]; dup {
			return fmt.Errorf("duplicate tensor %s", ti.Name)
		}
		r.tensors[ti.Name] = &TensorDesc{
			Name:   ti.Name,
			DType:  ti.DType,
			Shape:  shape,
			Offset: int64(ti.Offset),
			Size:   numBlocks * int64(blockSize),
		}
		r.names = append(r.names, ti.Name)
	}

	alignment := DefaultAlignment
	if v, ok := r.Uint("general.alignment"); ok && v > 0 {
		alignment = int(v)
	}
	r.dataOff = int64(align(offset, alignment))

	for _, name := range r.names {
		desc := r.tensors[name]
		if end := r.dataOff + desc.Offset + desc.Size; end > int64(len(r.data)) {
			return fmt.Errorf("tensor %s: data ends at %d beyond file size %d", name, end, len(r.data))
		}
	}

	return nil
}

// need reports an error if n bytes are not available at offset.
func (r *Reader) need(offset, n int) error {
	if n < 0 || offset+n > len(r.data) {
		return fmt.Errorf("truncated file: need %d bytes at offset %d", n, offset)
	}
	return nil
}

func (r *Reader) readString(offset int) (string, int, error) {
	if err := r.need(offset, 8); err != nil {
		return "", offset, err
	}
	strlen := byteOrder.Uint64(r.data[offset:])
	offset += 8
	if strlen > uint64(len(r.data)) {
		return "", offset, fmt.Errorf("string length %d exceeds file size", strlen)
	}
	if err := r.need(offset, int(strlen)); err != nil {
		return "", offset, err
	}
	return string(r.data[offset : offset+int(strlen)]), offset + int(strlen), nil
}

// readMetadata reads a single metadata key-value pair
func (r *Reader) readMetadata(offset int) (Metadata, int, error) {
	start := offset
	md := Metadata{}

	var err error
	md.Key, offset, err = r.readString(offset)
	if err != nil {
		return md, 0, err
	}

	if err := r.need(offset, 4); err != nil {
		return md, 0, err
	}
	md.Type = MetadataValueType(byteOrder.Uint32(r.data[offset:]))
	offset += 4

	md.Value, offset, err = r.readMetadataValue(offset, md.Type)
	if err != nil {
		return md, 0, fmt.Errorf("%s: %w", md.Key, err)
	}

	return md, offset - start, nil
}

var metadataSizes = map[MetadataValueType]int{
	MetadataUint8: 1, MetadataInt8: 1, MetadataBool: 1,
	MetadataUint16: 2, MetadataInt16: 2,
	MetadataUint32: 4, MetadataInt32: 4, MetadataFloat32: 4,
	MetadataUint64: 8, MetadataInt64: 8, MetadataFloat64: 8,
}

// readMetadataValue reads a metadata value
func (r *Reader) readMetadataValue(offset int, typ MetadataValueType) (interface{}, int, error) {
	if size, ok := metadataSizes[typ]; ok {
		if err := r.need(offset, size); err != nil {
			return nil, offset, err
		}
	}

	switch typ {
	case MetadataUint8:
		return r.data[offset], offset + 1, nil
	case MetadataInt8:
		return int8(r.data[offset]), offset + 1, nil
	case MetadataUint16:
		return byteOrder.Uint16(r.data[offset:]), offset + 2, nil
	case MetadataInt16:
		return int16(byteOrder.Uint16(r.data[offset:])), offset + 2, nil
	case MetadataUint32:
		return byteOrder.Uint32(r.data[offset:]), offset + 4, nil
	case MetadataInt32:
		return int32(byteOrder.Uint32(r.data[offset:])), offset + 4, nil
	case MetadataFloat32:
		return math.Float32frombits(byteOrder.Uint32(r.data[offset:])), offset + 4, nil
	case MetadataUint64:
		return byteOrder.Uint64(r.data[offset:]), offset + 8, nil
	case MetadataInt64:
		return int64(byteOrder.Uint64(r.data[offset:])), offset + 8, nil
	case MetadataFloat64:
		return math.Float64frombits(byteOrder.Uint64(r.data[offset:])), offset + 8, nil
	case MetadataBool:
		return r.data[offset] != 0, offset + 1, nil
	case MetadataString:
		return r.readString(offset)
	case MetadataArray:
		if err := r.need(offset, 12); err != nil {
			return nil, offset, err
		}
		arrType := MetadataValueType(byteOrder.Uint32(r.data[offset:]))
		offset += 4
		arrLen := byteOrder.Uint64(r.data[offset:])
		offset += 8
		if arrLen > uint64(len(r.data)) {
			return nil, offset, fmt.Errorf("array length %d exceeds file size", arrLen)
		}
		arr := make([]interface{}, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			var err error
			arr[i], offset, err = r.readMetadataValue(offset, arrType)
			if err != nil {
				return nil, offset, err
			}
		}
		return arr, offset, nil
	default:
		return nil, offset, fmt.Errorf("unknown metadata type: %d", typ)
	}
}

// readTensorInfo reads tensor information
func (r *Reader) readTensorInfo(offset int) (TensorInfo, int, error) {
	start := offset
	ti := TensorInfo{}

	var err error
	ti.Name, offset, err = r.readString(offset)
	if err != nil {
		return ti, 0, err
	}

	if err := r.need(offset, 4); err != nil {
		return ti, 0, err
	}
	ti.NDim = byteOrder.Uint32(r.data[offset:])
	offset += 4
	if ti.NDim > 4 {
		return ti, 0, fmt.Errorf("tensor %s: %d dimensions", ti.Name, ti.NDim)
	}

	if err := r.need(offset, int(ti.NDim)*8+12); err != nil {
		return ti, 0, err
	}
	ti.Dims = make([]uint64, ti.NDim)
	for i := uint32(0); i < ti.NDim; i++ {
		ti.Dims[i] = byteOrder.Uint64(r.data[offset:])
		offset += 8
	}

	ti.DType = DType(byteOrder.Uint32(r.data[offset:]))
	offset += 4

	ti.Offset = byteOrder.Uint64(r.data[offset:])
	offset += 8

	return ti, offset - start, nil
}

// GetMetadata returns metadata value by key
func (r *Reader) GetMetadata(key string) (interface{}, bool) {
	md, ok := r.metadata[key]
	if !ok {
		return nil, false
	}
	return md.Value, true
}

// MetadataKeys returns every metadata key in file order.
func (r *Reader) MetadataKeys() []string {
	return slices.Clone(r.keys)
}

// Uint returns an unsigned or non-negative signed integer value.
func (r *Reader) Uint(key string) (uint64, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case int8:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	}
	return 0, false
}

// Float returns a floating point value.
func (r *Reader) Float(key string) (float64, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func (r *Reader) String(key string) (string, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (r *Reader) Bool(key string) (bool, bool) {
	v, ok := r.GetMetadata(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Architecture returns general.architecture, or "" when absent.
func (r *Reader) Architecture() string {
	arch, _ := r.String("general.architecture")
	return arch
}

// GetTensor returns tensor descriptor by name
func (r *Reader) GetTensor(name string) (*TensorDesc, bool) {
	desc, ok := r.tensors[name]
	return desc, ok
}

// ListTensors returns all tensor names in file order
func (r *Reader) ListTensors() []string {
	return slices.Clone(r.names)
}

// GetTensorData returns a view of the tensor data as a byte slice
func (r *Reader) GetTensorData(name string) ([]byte, error) {
	desc, ok := r.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}

	offset := r.dataOff + desc.Offset
	if offset < 0 || offset+desc.Size > int64(len(r.data)) {
		return nil, fmt.Errorf("tensor data out of bounds: %s", name)
	}

	return r.data[offset : offset+desc.Size], nil
}

// Header returns the GGUF header
func (r *Reader) Header() Header {
	return r.header
}

// align rounds up to the nearest multiple of alignment
func align(offset, alignment int) int {
	return (offset + alignment - 1) / alignment * alignment
}
