package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeF32 packs values as little-endian float32.
func EncodeF32(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// EncodeF16 packs values as binary16.
func EncodeF16(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], Float32ToHalf(v))
	}
	return out
}

// QuantizeQ8_0 packs values, whose length must be a multiple of 32, as Q8_0.
func QuantizeQ8_0(values []float32) ([]byte, error) {
	if len(values)%BlockSizeQ8_0 != 0 {
		return nil, fmt.Errorf("quantize q8_0: %d values not a multiple of %d", len(values), BlockSizeQ8_0)
	}
	out := make([]byte, 0, len(values)/BlockSizeQ8_0*34)
	for i := 0; i < len(values); i += BlockSizeQ8_0 {
		blk := values[i : i+BlockSizeQ8_0]
		amax := float32(0)
		for _, v := range blk {
			amax = float32(math.Max(float64(amax), math.Abs(float64(v))))
		}
		d := amax / 127
		inv := float32(0)
		if d != 0 {
			inv = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, Float32ToHalf(d))
		for _, v := range blk {
			out = append(out, byte(int8(math.Round(float64(v*inv)))))
		}
	}
	return out, nil
}

// QuantizeQ4_0 packs values, whose length must be a multiple of 32, as Q4_0.
func QuantizeQ4_0(values []float32) ([]byte, error) {
	if len(values)%BlockSizeQ4_0 != 0 {
		return nil, fmt.Errorf("quantize q4_0: %d values not a multiple of %d", len(values), BlockSizeQ4_0)
	}
	out := make([]byte, 0, len(values)/BlockSizeQ4_0*18)
	for i := 0; i < len(values); i += BlockSizeQ4_0 {
		blk := values[i : i+BlockSizeQ4_0]
		amax, maxv := float32(0), float32(0)
		for _, v := range blk {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax, maxv = a, v
			}
		}
		d := maxv / -8
		inv := float32(0)
		if d != 0 {
			inv = 1 / d
		}
		out = binary.LittleEndian.AppendUint16(out, Float32ToHalf(d))
		var qs [16]byte
		for j := 0; j < 16; j++ {
			q0 := clampNibble(blk[j]*inv + 8.5)
			q1 := clampNibble(blk[j+16]*inv + 8.5)
			qs[j] = q0 | q1<<4
		}
		out = append(out, qs[:]...)
	}
	return out, nil
}

func clampNibble(x float32) byte {
	q := int(x)
	if q > 15 {
		q = 15
	}
	if q < 0 {
		q = 0
	}
	return byte(q)
}
