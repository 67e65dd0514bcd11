package gguf

import (
	"fmt"
	"strings"
)

const (
	GGUFMagic        = 0x46554747 // "GGUF"
	GGUFVersion      = 3
	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeBF16 GGMLType = 30
)

// typeTraits gives the block size in elements and the byte size of one block.
type typeTraits struct {
	name      string
	blockSize uint64
	typeSize  uint64
}

var traits = map[GGMLType]typeTraits{
	GGMLTypeF32:  {"F32", 1, 4},
	GGMLTypeF16:  {"F16", 1, 2},
	GGMLTypeBF16: {"BF16", 1, 2},
	GGMLTypeQ4_0: {"Q4_0", 32, 18},
	GGMLTypeQ4_1: {"Q4_1", 32, 20},
	GGMLTypeQ5_0: {"Q5_0", 32, 22},
	GGMLTypeQ5_1: {"Q5_1", 32, 24},
	GGMLTypeQ8_0: {"Q8_0", 32, 34},
	GGMLTypeQ8_1: {"Q8_1", 32, 36},
	GGMLTypeQ2_K: {"Q2_K", 256, 84},
	GGMLTypeQ3_K: {"Q3_K", 256, 110},
	GGMLTypeQ4_K: {"Q4_K", 256, 144},
	GGMLTypeQ5_K: {"Q5_K", 256, 176},
	GGMLTypeQ6_K: {"Q6_K", 256, 210},
	GGMLTypeQ8_K: {"Q8_K", 256, 292},
}

func (t GGMLType) String() string {
	if tr, ok := traits[t]; ok {
		return tr.name
	}
	return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
}

// Known reports whether the byte layout of t is known.
func (t GGMLType) Known() bool {
	_, ok := traits[t]
	return ok
}

// ParseType looks a type up by its name, ignoring case.
func ParseType(name string) (GGMLType, bool) {
	for t, tr := range traits {
		if strings.EqualFold(tr.name, name) {
			return t, true
		}
	}
	return 0, false
}

// BlockSize is the number of elements packed into one block of t.
func (t GGMLType) BlockSize() uint64 { return traits[t].blockSize }

// TypeSize is the number of bytes one block of t occupies.
func (t GGMLType) TypeSize() uint64 { return traits[t].typeSize }

// RowSize returns the byte length of n elements of type t.
func (t GGMLType) RowSize(n uint64) uint64 {
	tr, ok := traits[t]
	if !ok || tr.blockSize == 0 {
		return 0
	}
	return n / tr.blockSize * tr.typeSize
}

type ValueType uint32

const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

// TensorDescriptor describes one tensor in the directory. Shape[0] is the
// innermost (column) dimension. Offset is relative to the start of the data
// region.
type TensorDescriptor struct {
	Name   string
	Shape  []uint64
	Type   GGMLType
	Offset uint64
	Length uint64
}

// Elements returns the product of the shape.
func (d TensorDescriptor) Elements() uint64 {
	n := uint64(1)
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Cols is the innermost dimension.
func (d TensorDescriptor) Cols() int {
	if len(d.Shape) == 0 {
		return 0
	}
	return int(d.Shape[0])
}

// Rows is the product of every dimension but the innermost.
func (d TensorDescriptor) Rows() int {
	if len(d.Shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range d.Shape[1:] {
		n *= int(s)
	}
	return n
}

type Header struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}
