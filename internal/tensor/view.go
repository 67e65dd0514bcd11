package tensor

import (
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/gguf"
)

// View is a non-owning reference to one tensor of an Arena. It is valid
// while the arena holds at least one reference.
type View struct {
	Desc  gguf.TensorDescriptor
	arena *Arena
	entry *entry
}

func (v *View) Name() string { return v.Desc.Name }

// Rows is the number of rows (output features for a weight matrix).
func (v *View) Rows() int { return v.Desc.Rows() }

// Cols is the row length (input features for a weight matrix).
func (v *View) Cols() int { return v.Desc.Cols() }

// Raw returns the stored bytes, still in the tensor's quantized encoding.
func (v *View) Raw() ([]byte, error) {
	return v.arena.region.Slice(v.Desc.Offset, v.Desc.Length)
}

// Float32 returns the dequantized values. The slice is shared; callers must
// not modify it.
func (v *View) Float32() ([]float32, error) {
	if v.arena.Released() {
		return nil, errs.Errorf(errs.Other, "tensor.view", "arena released, tensor %q unavailable", v.Desc.Name)
	}
	return v.arena.dequantize(v.entry)
}

// Row returns row i of the dequantized tensor.
func (v *View) Row(i int) ([]float32, error) {
	if i < 0 || i >= v.Rows() {
		return nil, errs.Errorf(errs.Other, "tensor.row", "row %d outside %q with %d rows", i, v.Desc.Name, v.Rows())
	}
	data, err := v.Float32()
	if err != nil {
		return nil, err
	}
	c := v.Cols()
	return data[i*c : (i+1)*c], nil
}
