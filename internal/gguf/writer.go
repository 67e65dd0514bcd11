package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvEntry struct {
	key string
	val interface{}
}

type pendingTensor struct {
	desc TensorDescriptor
	data []byte
}

// Writer builds a GGUF v3 image. Keys and tensors are written in insertion
// order.
type Writer struct {
	kv        []kvEntry
	tensors   []pendingTensor
	alignment uint64
	next      uint64
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

// Set records a metadata value. Supported types are the GGUF scalar types,
// string, []string, []float32 and []int32.
func (w *Writer) Set(key string, val interface{}) *Writer {
	for i := range w.kv {
		if w.kv[i].key == key {
			w.kv[i].val = val
			return w
		}
	}
	if key == "general.alignment" {
		if a, ok := toInt(val); ok && a > 0 {
			w.alignment = uint64(a)
		}
	}
	w.kv = append(w.kv, kvEntry{key: key, val: val})
	return w
}

// AddTensor appends a tensor whose data must already be encoded for typ.
func (w *Writer) AddTensor(name string, shape []uint64, typ GGMLType, data []byte) error {
	d := TensorDescriptor{Name: name, Shape: shape, Type: typ}
	if !typ.Known() {
		return fmt.Errorf("add tensor %s: unknown type %d", name, typ)
	}
	if want := typ.RowSize(d.Elements()); uint64(len(data)) != want {
		return fmt.Errorf("add tensor %s: %d bytes, want %d for %s%v", name, len(data), want, typ, shape)
	}
	d.Offset = alignUp(w.next, w.alignment)
	d.Length = uint64(len(data))
	w.next = d.Offset + d.Length
	w.tensors = append(w.tensors, pendingTensor{desc: d, data: data})
	return nil
}

// AddF32 appends a float32 tensor.
func (w *Writer) AddF32(name string, shape []uint64, values []float32) error {
	return w.AddTensor(name, shape, GGMLTypeF32, EncodeF32(values))
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

// WriteTo serializes the image.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(out)}
	le := binary.LittleEndian
	put := func(v interface{}) error { return binary.Write(cw, le, v) }

	hdr := []interface{}{uint32(GGUFMagic), uint32(GGUFVersion), uint64(len(w.tensors)), uint64(len(w.kv))}
	for _, v := range hdr {
		if err := put(v); err != nil {
			return cw.n, err
		}
	}
	for _, e := range w.kv {
		if err := writeString(cw, e.key); err != nil {
			return cw.n, err
		}
		if err := writeValue(cw, e.val); err != nil {
			return cw.n, fmt.Errorf("key %s: %w", e.key, err)
		}
	}
	for _, t := range w.tensors {
		if err := writeString(cw, t.desc.Name); err != nil {
			return cw.n, err
		}
		if err := put(uint32(len(t.desc.Shape))); err != nil {
			return cw.n, err
		}
		for _, s := range t.desc.Shape {
			if err := put(s); err != nil {
				return cw.n, err
			}
		}
		if err := put(uint32(t.desc.Type)); err != nil {
			return cw.n, err
		}
		if err := put(t.desc.Offset); err != nil {
			return cw.n, err
		}
	}

	dataStart := alignUp(uint64(cw.n), w.alignment)
	if err := pad(cw, dataStart-uint64(cw.n)); err != nil {
		return cw.n, err
	}
	for _, t := range w.tensors {
		if err := pad(cw, dataStart+t.desc.Offset-uint64(cw.n)); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(t.data); err != nil {
			return cw.n, err
		}
	}
	return cw.n, cw.w.Flush()
}

// WriteFile serializes the image to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func pad(w io.Writer, n uint64) error {
	if n == 0 {
		return nil
	}
	_, err := w.Write(make([]byte, n))
	return err
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, v interface{}) error {
	le := binary.LittleEndian
	typed := func(t ValueType, x interface{}) error {
		if err := binary.Write(w, le, uint32(t)); err != nil {
			return err
		}
		return binary.Write(w, le, x)
	}
	switch x := v.(type) {
	case uint8:
		return typed(ValueTypeUint8, x)
	case int8:
		return typed(ValueTypeInt8, x)
	case uint16:
		return typed(ValueTypeUint16, x)
	case int16:
		return typed(ValueTypeInt16, x)
	case uint32:
		return typed(ValueTypeUint32, x)
	case int32:
		return typed(ValueTypeInt32, x)
	case int:
		return typed(ValueTypeInt32, int32(x))
	case uint64:
		return typed(ValueTypeUint64, x)
	case int64:
		return typed(ValueTypeInt64, x)
	case float32:
		return typed(ValueTypeFloat32, math.Float32bits(x))
	case float64:
		return typed(ValueTypeFloat64, math.Float64bits(x))
	case bool:
		var b uint8
		if x {
			b = 1
		}
		return typed(ValueTypeBool, b)
	case string:
		if err := binary.Write(w, le, uint32(ValueTypeString)); err != nil {
			return err
		}
		return writeString(w, x)
	case []string:
		if err := arrayHeader(w, ValueTypeString, len(x)); err != nil {
			return err
		}
		for _, s := range x {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	case []float32:
		if err := arrayHeader(w, ValueTypeFloat32, len(x)); err != nil {
			return err
		}
		return binary.Write(w, le, x)
	case []int32:
		if err := arrayHeader(w, ValueTypeInt32, len(x)); err != nil {
			return err
		}
		return binary.Write(w, le, x)
	}
	return fmt.Errorf("unsupported metadata type %T", v)
}

func arrayHeader(w io.Writer, t ValueType, n int) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(ValueTypeArray)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint64(n))
}
