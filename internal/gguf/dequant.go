package gguf

import (
	"encoding/binary"
	"math"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/x448/float16"
)

const (
	BlockSizeQ4_0 = 32
	BlockSizeQ8_0 = 32
	BlockSizeQ4K  = 256
	BlockSizeQ6K  = 256
)

// CanDequantize reports whether Dequantize supports t.
func CanDequantize(t GGMLType) bool {
	switch t {
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeBF16, GGMLTypeQ4_0, GGMLTypeQ8_0, GGMLTypeQ4_K, GGMLTypeQ6_K:
		return true
	}
	return false
}

// Dequantize expands n elements of type t from data into a new float32 slice.
func Dequantize(t GGMLType, data []byte, n int) ([]float32, error) {
	const op = "gguf.dequantize"
	if !CanDequantize(t) {
		return nil, errs.Errorf(errs.Schema, op, "no dequantizer for %s", t)
	}
	want := t.RowSize(uint64(n))
	if uint64(n)%t.BlockSize() != 0 {
		return nil, errs.Errorf(errs.Schema, op, "%d elements not a multiple of %s block size", n, t)
	}
	if uint64(len(data)) < want {
		return nil, errs.Errorf(errs.Truncated, op, "%s: have %d bytes, need %d", t, len(data), want)
	}
	out := make([]float32, n)
	switch t {
	case GGMLTypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case GGMLTypeF16:
		for i := range out {
			out[i] = HalfToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case GGMLTypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
		}
	case GGMLTypeQ4_0:
		dequantizeQ4_0(data, out)
	case GGMLTypeQ8_0:
		dequantizeQ8_0(data, out)
	case GGMLTypeQ4_K:
		dequantizeQ4K(data, out)
	case GGMLTypeQ6_K:
		dequantizeQ6K(data, out)
	}
	return out, nil
}

// HalfToFloat32 converts IEEE 754 binary16 bits to float32.
func HalfToFloat32(b uint16) float32 {
	return float16.Frombits(b).Float32()
}

// Float32ToHalf converts f to IEEE 754 binary16 bits, rounding to nearest even.
func Float32ToHalf(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Q4_0 block: d (f16), qs[16]. Low nibbles hold elements 0..15, high nibbles
// hold 16..31. value = (q - 8) * d.
func dequantizeQ4_0(data []byte, out []float32) {
	const blockBytes = 18
	for i := 0; i < len(out)/BlockSizeQ4_0; i++ {
		b := data[i*blockBytes : (i+1)*blockBytes]
		d := HalfToFloat32(binary.LittleEndian.Uint16(b))
		qs := b[2:]
		y := out[i*BlockSizeQ4_0:]
		for j := 0; j < 16; j++ {
			y[j] = float32(int(qs[j]&0x0F)-8) * d
			y[j+16] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

// Q8_0 block: d (f16), qs[32] int8. value = q * d.
func dequantizeQ8_0(data []byte, out []float32) {
	const blockBytes = 34
	for i := 0; i < len(out)/BlockSizeQ8_0; i++ {
		b := data[i*blockBytes : (i+1)*blockBytes]
		d := HalfToFloat32(binary.LittleEndian.Uint16(b))
		y := out[i*BlockSizeQ8_0:]
		for j := 0; j < 32; j++ {
			y[j] = float32(int8(b[2+j])) * d
		}
	}
}

// scaleMinK4 unpacks the j-th 6-bit scale and min from the 12 packed bytes
// shared by Q4_K and Q5_K.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q4_K super-block (144 bytes): d (f16), dmin (f16), scales[12], qs[128].
// Each 64-element chunk uses 32 bytes of qs: low nibbles for the first 32
// elements, high nibbles for the next 32, with separate scale/min pairs.
func dequantizeQ4K(data []byte, out []float32) {
	const blockBytes = 144
	for i := 0; i < len(out)/BlockSizeQ4K; i++ {
		b := data[i*blockBytes : (i+1)*blockBytes]
		d := HalfToFloat32(binary.LittleEndian.Uint16(b[0:]))
		dmin := HalfToFloat32(binary.LittleEndian.Uint16(b[2:]))
		scales := b[4:16]
		q := b[16:144]
		y := out[i*BlockSizeQ4K:]
		is := 0
		for j := 0; j < BlockSizeQ4K; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0x0F) - m1
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
}

// Q6_K super-block (210 bytes): ql[128], qh[64], scales[16] int8, d (f16).
func dequantizeQ6K(data []byte, out []float32) {
	const blockBytes = 210
	for i := 0; i < len(out)/BlockSizeQ6K; i++ {
		b := data[i*blockBytes : (i+1)*blockBytes]
		ql := b[0:128]
		qh := b[128:192]
		sc := b[192:208]
		d := HalfToFloat32(binary.LittleEndian.Uint16(b[208:]))
		y := out[i*BlockSizeQ6K:]
		for n := 0; n < 2; n++ {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				y[l] = d * float32(int8(sc[is])) * float32(q1)
				y[l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				y[l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				y[l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			y = y[128:]
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
}

// Tolerance is the largest dequantization error of t, relative to the
// largest magnitude in the quantized block. Float formats are exact.
func Tolerance(t GGMLType) float64 {
	switch t {
	case GGMLTypeQ8_0:
		return 0.005
	case GGMLTypeQ6_K:
		return 0.02
	case GGMLTypeQ4_K:
		return 0.07
	case GGMLTypeQ4_0:
		return 0.13
	}
	return 0
}
