// Package gguf provides GGUF file format parsing and memory-mapped access to tensors.
package gguf

import (
	"encoding/binary"
	"fmt"
)

// GGUF format constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3          // Current version

	// DefaultAlignment is used when general.alignment is absent.
	DefaultAlignment = 32
)

// DType is a GGUF tensor type. Only types with a fixed block layout are
// listed; the reader rejects the rest.
type DType uint32

const (
	DTypeF32  DType = 0
	DTypeF16  DType = 1
	DTypeQ4_0 DType = 2
	DTypeQ4_1 DType = 3
	DTypeQ5_0 DType = 6
	DTypeQ5_1 DType = 7
	DTypeQ8_0 DType = 8
	DTypeQ8_1 DType = 9
	DTypeI8   DType = 16
	DTypeI16  DType = 17
	DTypeI32  DType = 18
	DTypeI64  DType = 19
	DTypeF64  DType = 20
	DTypeBF16 DType = 30
)

// dtypeLayout is the byte size of one block and the elements it holds.
type dtypeLayout struct {
	name  string
	bytes int
	elems int
}

var dtypeLayouts = map[DType]dtypeLayout{
	DTypeF32:  {"F32", 4, 1},
	DTypeF16:  {"F16", 2, 1},
	DTypeBF16: {"BF16", 2, 1},
	DTypeQ4_0: {"Q4_0", 18, 32}, // f16 scale + 32 nibbles
	DTypeQ4_1: {"Q4_1", 20, 32},
	DTypeQ5_0: {"Q5_0", 22, 32},
	DTypeQ5_1: {"Q5_1", 24, 32},
	DTypeQ8_0: {"Q8_0", 34, 32}, // f16 scale + 32 int8
	DTypeQ8_1: {"Q8_1", 36, 32},
	DTypeI8:   {"I8", 1, 1},
	DTypeI16:  {"I16", 2, 1},
	DTypeI32:  {"I32", 4, 1},
	DTypeI64:  {"I64", 8, 1},
	DTypeF64:  {"F64", 8, 1},
}

func (d DType) String() string {
	if l, ok := dtypeLayouts[d]; ok {
		return l.name
	}
	return fmt.Sprintf("Unknown(%d)", d)
}

// BlockSize returns the block size in bytes, 0 for unsupported types.
func (d DType) BlockSize() int {
	return dtypeLayouts[d].bytes
}

// ElementsPerBlock returns number of elements per block, 0 for unsupported
// types.
func (d DType) ElementsPerBlock() int {
	return dtypeLayouts[d].elems
}

// MetadataValueType represents the type of a metadata value
type MetadataValueType uint32

const (
	MetadataUint8   MetadataValueType = 0
	MetadataInt8    MetadataValueType = 1
	MetadataUint16  MetadataValueType = 2
	MetadataInt16   MetadataValueType = 3
	MetadataUint32  MetadataValueType = 4
	MetadataInt32   MetadataValueType = 5
	MetadataFloat32 MetadataValueType = 6
	MetadataBool    MetadataValueType = 7
	MetadataString  MetadataValueType = 8
	MetadataArray   MetadataValueType = 9
	MetadataUint64  MetadataValueType = 10
	MetadataInt64   MetadataValueType = 11
	MetadataFloat64 MetadataValueType = 12
)

// Header is the GGUF file header
type Header struct {
	Magic          uint32
	Version        uint32
	TensorCount    uint64
	MetadataKVSize uint64
}

// TensorInfo describes a tensor in the GGUF file
type TensorInfo struct {
	Name   string
	NDim   uint32
	Dims   []uint64
	DType  DType
	Offset uint64
}

// Metadata represents a key-value pair from GGUF metadata
type Metadata struct {
	Key   string
	Type  MetadataValueType
	Value interface{}
}

var byteOrder = binary.LittleEndian
