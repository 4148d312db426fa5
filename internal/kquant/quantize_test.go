package kquant

import (
	"math"
	"testing"
)

func TestQuantizeQ8KRejectsBadLength(t *testing.T) {
	if _, err := QuantizeQ8K(make([]float32, KBlock+1)); err != ErrBadDimension {
		t.Fatalf("expected ErrBadDimension, got %v", err)
	}
}

func TestQuantizeQ8KAllZero(t *testing.T) {
	out, err := QuantizeQ8K(make([]float32, KBlock))
	if err != nil {
		t.Fatal(err)
	}
	blk := readQ8K(out, 0)
	if blk.d != 0 {
		t.Errorf("expected zero scale, got %v", blk.d)
	}
	for i, v := range blk.qs {
		if v != 0 {
			t.Fatalf("qs[%d] = %d, want 0", i, v)
		}
	}
}

func TestQuantizeQ8KScaleAndBsums(t *testing.T) {
	x := make([]float32, KBlock)
	for i := range x {
		x[i] = 1.0
	}
	x[5] = -254.0 // drives the block absolute maximum

	out, err := QuantizeQ8K(x)
	if err != nil {
		t.Fatal(err)
	}
	blk := readQ8K(out, 0)

	wantD := float32(254.0 / 127)
	if math.Abs(float64(blk.d-wantD)) > 1e-4 {
		t.Errorf("scale = %v, want %v", blk.d, wantD)
	}
	if got := int8(blk.qs[5]); got != -127 {
		t.Errorf("qs[5] = %d, want -127", got)
	}

	// Sub-block 0 (indices 0-15) holds the -127 value plus fifteen values
	// quantized to round(1*id) = round(0.5) = 1 (math.Round rounds halves
	// away from zero), for a sum of 15*1 + (-127) = -112.
	if got := blk.bsum(0); got != -112 {
		t.Errorf("bsum(0) = %d, want -112", got)
	}
}
