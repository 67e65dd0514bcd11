package gguf

import (
	"encoding/binary"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/logger"
)

const maxDims = 4

// File is a parsed GGUF container. Metadata and the tensor directory are
// decoded eagerly; tensor bytes stay in Region until a tensor arena asks for
// them.
type File struct {
	Path       string
	Header     Header
	Metadata   Metadata
	Tensors    []TensorDescriptor
	Alignment  uint64
	DataOffset uint64
	Region     *Region
}

// Region is the weight-data handle of an opened file. Slices handed out by
// Slice stay valid until Close.
type Region struct {
	mu      sync.Mutex
	data    []byte
	base    uint64
	release func([]byte) error
	closed  bool
}

// Len is the number of bytes available after the data offset.
func (r *Region) Len() uint64 {
	if uint64(len(r.data)) < r.base {
		return 0
	}
	return uint64(len(r.data)) - r.base
}

// Slice returns n bytes at off, relative to the start of the data region.
func (r *Region) Slice(off, n uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errs.Errorf(errs.Other, "gguf.region", "region closed")
	}
	if off > r.Len() || n > r.Len()-off {
		return nil, errs.Errorf(errs.Truncated, "gguf.region", "extent [%d,+%d) beyond region of %d bytes", off, n, r.Len())
	}
	start := r.base + off
	return r.data[start : start+n : start+n], nil
}

// Close releases the backing mapping. It is safe to call more than once.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.release != nil {
		err = r.release(r.data)
	}
	r.data = nil
	return err
}

// Open maps path and parses its header, metadata and tensor directory.
func Open(path string) (*File, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		if release != nil {
			_ = release(data)
		}
		return nil, err
	}
	f.Path = path
	f.Region.release = release
	logger.Log.Debug("gguf opened",
		"path", path,
		"version", f.Header.Version,
		"tensors", len(f.Tensors),
		"kv", len(f.Metadata),
		"data_offset", f.DataOffset)
	return f, nil
}

// Parse decodes a complete GGUF image held in memory.
func Parse(data []byte) (*File, error) {
	const op = "gguf.parse"
	c := &cursor{data: data}

	if len(data) < 4 {
		return nil, errs.Errorf(errs.Format, op, "file too small for header (%d bytes)", len(data))
	}
	magic, _ := c.u32()
	if magic != GGUFMagic {
		return nil, errs.Errorf(errs.Format, op, "invalid magic 0x%08x", magic)
	}
	f := &File{Metadata: make(Metadata)}
	f.Header.Magic = magic

	var err error
	if f.Header.Version, err = c.u32(); err != nil {
		return nil, err
	}
	if f.Header.Version < 2 || f.Header.Version > 3 {
		return nil, errs.Errorf(errs.Format, op, "unsupported version %d", f.Header.Version)
	}
	if f.Header.TensorCount, err = c.u64(); err != nil {
		return nil, err
	}
	if f.Header.KVCount, err = c.u64(); err != nil {
		return nil, err
	}
	// Every entry takes at least 8 bytes, so larger counts cannot fit.
	if f.Header.KVCount > c.remaining()/8 || f.Header.TensorCount > c.remaining()/8 {
		return nil, errs.Errorf(errs.Truncated, op, "declared %d kv and %d tensors exceed file size %d",
			f.Header.KVCount, f.Header.TensorCount, len(data))
	}

	for i := uint64(0); i < f.Header.KVCount; i++ {
		key, err := c.str()
		if err != nil {
			return nil, err
		}
		t, err := c.u32()
		if err != nil {
			return nil, err
		}
		val, err := c.value(ValueType(t), 0)
		if err != nil {
			return nil, err
		}
		f.Metadata[key] = val
	}

	seen := make(map[string]struct{}, f.Header.TensorCount)
	for i := uint64(0); i < f.Header.TensorCount; i++ {
		d, err := c.tensor()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[d.Name]; dup {
			return nil, errs.Errorf(errs.Schema, op, "duplicate tensor %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		f.Tensors = append(f.Tensors, d)
	}

	f.Alignment = DefaultAlignment
	if v, ok := f.Metadata.Int("general.alignment"); ok {
		if v <= 0 || v&(v-1) != 0 {
			return nil, errs.Errorf(errs.Schema, op, "general.alignment %d is not a power of two", v)
		}
		f.Alignment = uint64(v)
	}
	f.DataOffset = alignUp(c.off, f.Alignment)
	f.Region = &Region{data: data, base: f.DataOffset}

	if err := f.validateExtents(uint64(len(data))); err != nil {
		return nil, err
	}
	if err := f.Metadata.ValidateModel(); err != nil {
		return nil, err
	}
	return f, nil
}

// validateExtents checks alignment, file bounds and overlap of every tensor.
func (f *File) validateExtents(size uint64) error {
	const op = "gguf.parse"
	order := make([]int, len(f.Tensors))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return f.Tensors[order[a]].Offset < f.Tensors[order[b]].Offset
	})

	var prevEnd uint64
	prevName := ""
	for _, idx := range order {
		t := f.Tensors[idx]
		if t.Offset%f.Alignment != 0 {
			return errs.Errorf(errs.Schema, op, "tensor %q offset %d not aligned to %d", t.Name, t.Offset, f.Alignment)
		}
		end := t.Offset + t.Length
		if end < t.Offset || f.DataOffset+end > size {
			return errs.Errorf(errs.Truncated, op, "tensor %q extent [%d,%d) exceeds file size %d",
				t.Name, f.DataOffset+t.Offset, f.DataOffset+end, size)
		}
		if prevName != "" && t.Offset < prevEnd {
			return errs.Errorf(errs.Schema, op, "tensor %q overlaps %q", t.Name, prevName)
		}
		prevEnd, prevName = end, t.Name
	}
	return nil
}

// Tensor looks up a descriptor by name.
func (f *File) Tensor(name string) (TensorDescriptor, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorDescriptor{}, false
}

// Close releases the weight region.
func (f *File) Close() error {
	if f.Region == nil {
		return nil
	}
	return f.Region.Close()
}

func alignUp(off, align uint64) uint64 {
	if rem := off % align; rem != 0 {
		return off + align - rem
	}
	return off
}

type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) remaining() uint64 { return uint64(len(c.data)) - c.off }

func (c *cursor) need(n uint64) error {
	if n > c.remaining() {
		return errs.Errorf(errs.Truncated, "gguf.parse", "need %d bytes at offset %d, file has %d", n, c.off, len(c.data))
	}
	return nil
}

func (c *cursor) take(n uint64) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) u64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	b, err := c.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *cursor) value(t ValueType, depth int) (interface{}, error) {
	switch t {
	case ValueTypeUint8:
		return c.u8()
	case ValueTypeInt8:
		v, err := c.u8()
		return int8(v), err
	case ValueTypeUint16:
		return c.u16()
	case ValueTypeInt16:
		v, err := c.u16()
		return int16(v), err
	case ValueTypeUint32:
		return c.u32()
	case ValueTypeInt32:
		v, err := c.u32()
		return int32(v), err
	case ValueTypeFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case ValueTypeBool:
		v, err := c.u8()
		return v != 0, err
	case ValueTypeString:
		return c.str()
	case ValueTypeUint64:
		return c.u64()
	case ValueTypeInt64:
		v, err := c.u64()
		return int64(v), err
	case ValueTypeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	case ValueTypeArray:
		if depth > 2 {
			return nil, errs.Errorf(errs.Format, "gguf.parse", "array nesting too deep")
		}
		return c.array(depth)
	}
	return nil, errs.Errorf(errs.Format, "gguf.parse", "unknown metadata value type %d at offset %d", t, c.off)
}

func (c *cursor) array(depth int) (interface{}, error) {
	et, err := c.u32()
	if err != nil {
		return nil, err
	}
	n, err := c.u64()
	if err != nil {
		return nil, err
	}
	if n > c.remaining() {
		return nil, errs.Errorf(errs.Truncated, "gguf.parse", "array of %d elements exceeds file size", n)
	}
	switch ValueType(et) {
	case ValueTypeString:
		out := make([]string, n)
		for i := range out {
			if out[i], err = c.str(); err != nil {
				return nil, err
			}
		}
		return out, nil
	case ValueTypeFloat32:
		b, err := c.take(n * 4)
		if err != nil {
			return nil, err
		}
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case ValueTypeInt32:
		b, err := c.take(n * 4)
		if err != nil {
			return nil, err
		}
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	}
	out := make([]interface{}, n)
	for i := range out {
		if out[i], err = c.value(ValueType(et), depth+1); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *cursor) tensor() (TensorDescriptor, error) {
	const op = "gguf.parse"
	var d TensorDescriptor
	var err error
	if d.Name, err = c.str(); err != nil {
		return d, err
	}
	nd, err := c.u32()
	if err != nil {
		return d, err
	}
	if nd == 0 || nd > maxDims {
		return d, errs.Errorf(errs.Format, op, "tensor %q has %d dimensions", d.Name, nd)
	}
	d.Shape = make([]uint64, nd)
	for i := range d.Shape {
		if d.Shape[i], err = c.u64(); err != nil {
			return d, err
		}
	}
	t, err := c.u32()
	if err != nil {
		return d, err
	}
	d.Type = GGMLType(t)
	if !d.Type.Known() {
		return d, errs.Errorf(errs.Format, op, "tensor %q has unknown type %d", d.Name, t)
	}
	if d.Offset, err = c.u64(); err != nil {
		return d, err
	}
	if d.Shape[0]%d.Type.BlockSize() != 0 {
		return d, errs.Errorf(errs.Schema, op, "tensor %q row of %d elements not a multiple of %s block size %d",
			d.Name, d.Shape[0], d.Type, d.Type.BlockSize())
	}
	d.Length = d.Type.RowSize(d.Elements())
	return d, nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
