package gguf

import (
	"math"
	"testing"
)

const dequantTol = 1e-3

func TestDequantizeQ2KAllZero(t *testing.T) {
	data := make([]byte, q2kBlockSize)
	// d = 1.0 (fp16), dmin = 0
	putFP16(data[80:82], 1.0)
	out, err := DequantizeQ2K(data, QK_K)
	if err != nil {
		t.Fatalf("DequantizeQ2K: %v", err)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0 (scales all zero => dl=0, ml=0)", i, v)
		}
	}
}

func TestDequantizeQ3KBias(t *testing.T) {
	data := make([]byte, q3kBlockSize)
	// hmask all zero => every value reads hbit=4 (since bit not set)
	// qs all zero => raw 2-bit quant is 0 for every lane
	// scales all zero => (0 - 32) * d
	putFP16(data[108:110], 1.0)
	out, err := DequantizeQ3K(data, QK_K)
	if err != nil {
		t.Fatalf("DequantizeQ3K: %v", err)
	}
	want := float32(-32) * float32(-4)
	for i, v := range out {
		if math.Abs(float64(v-want)) > dequantTol {
			t.Fatalf("out[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestDequantizeQ6KScenarioS2Shape(t *testing.T) {
	// Mirrors scenario S2 from the kernel spec: d=1, scales=1, ql=0x11, qh=0
	// dequantizes every value to 1*(1-32) = -31.
	data := make([]byte, q6kBlockSize)
	ql := data[2 : 2+128]
	for i := range ql {
		ql[i] = 0x11
	}
	scales := data[2+128+64 : q6kBlockSize]
	for i := range scales {
		scales[i] = 1
	}
	putFP16(data[0:2], 1.0)
	out, err := DequantizeQ6K(data, QK_K)
	if err != nil {
		t.Fatalf("DequantizeQ6K: %v", err)
	}
	for i, v := range out {
		if math.Abs(float64(v-(-31))) > dequantTol {
			t.Fatalf("out[%d] = %v, want -31", i, v)
		}
	}
}

func TestDequantizeIQ4XSSingleIndex(t *testing.T) {
	data := make([]byte, iq4xsBlockSize)
	putFP16(data[0:2], 1.0)
	// scales_l / scales_h all zero => ls = 0 - 32 = -32, dl = -32.
	// Set qs[0] low nibble to 8 (codebook index 8 -> value 1).
	qs := data[8:iq4xsBlockSize]
	qs[0] = 0x08
	out, err := DequantizeIQ4XS(data, QK_K)
	if err != nil {
		t.Fatalf("DequantizeIQ4XS: %v", err)
	}
	want := float32(-32) * float32(1)
	if math.Abs(float64(out[0]-want)) > dequantTol {
		t.Fatalf("out[0] = %v, want %v", out[0], want)
	}
	for i := 1; i < len(out); i++ {
		// kvaluesIQ4NL[0] = -127, scaled by dl=-32 for every other zero nibble.
		expected := float32(-32) * float32(-127)
		if math.Abs(float64(out[i]-expected)) > dequantTol {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], expected)
		}
	}
}

func putFP16(dst []byte, v float32) {
	// float32ToFP16 round-trip via fp16ToFloat32's bit layout; only exact
	// powers of two and small integers used in these tests need to survive.
	bits := math.Float32bits(v)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits>>23)&0xFF) - 127 + 15
	frac := uint16((bits >> 13) & 0x3FF)
	var h uint16
	if exp <= 0 {
		h = sign
	} else if exp >= 0x1F {
		h = sign | 0x7C00
	} else {
		h = sign | uint16(exp)<<10 | frac
	}
	dst[0] = byte(h)
	dst[1] = byte(h >> 8)
}
