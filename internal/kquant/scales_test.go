package kquant

import "testing"

// These tests exercise the three bit-packed scale decoders directly
// against hand-computed expectations, rather than only indirectly through
// MulMat against ReferenceMulMat. An end-to-end comparison can't isolate a
// decoder that, say, subtracts the Q3_K/IQ4_XS +32 bias twice: both the
// fused kernel and the reference oracle would apply the same wrong value
// and still agree with each other.

func TestMakeQ4Scales(t *testing.T) {
	scales := []byte{
		0xC5, 0x81, 0x42, 0x07,
		0x09, 0x0A, 0x0B, 0x0C,
		0x3A, 0x15, 0x2C, 0x07,
	}
	wantSc := [8]uint8{5, 1, 2, 7, 58, 37, 28, 7}
	wantMn := [8]uint8{9, 10, 11, 12, 3, 1, 2, 0}

	sc, mn := makeQ4Scales(scales)
	if sc != wantSc {
		t.Errorf("sc = %v, want %v", sc, wantSc)
	}
	if mn != wantMn {
		t.Errorf("mn = %v, want %v", mn, wantMn)
	}
}

func TestDecodeQ3Scales(t *testing.T) {
	scaleBytes := []byte{
		0x1F, 0x2A, 0x3C, 0x0B,
		0x05, 0x16, 0x27, 0x38,
		0x00, 0x00, 0x00, 0x00,
	}
	want := [16]int8{15, 10, 12, 11, 5, 6, 7, 8, 1, 2, 3, 0, 0, 1, 2, 3}

	// decodeQ3Scales's contract is to hand back the raw, still
	// biased-by-+32 values; callers subtract 32 exactly once. want above
	// was derived straight from the aux[4]uint32 bit transform without
	// applying that bias, so a decoder that subtracted it here (or
	// subtracted it twice) would fail this comparison even though it
	// could still agree with ReferenceMulMat if both paths shared the
	// same mistake.
	got := decodeQ3Scales(scaleBytes)
	if got != want {
		t.Errorf("decodeQ3Scales = %v, want %v", got, want)
	}
}

func TestDecodeIQ4XSScale(t *testing.T) {
	wb := iq4xsBlock{
		scalesL: []byte{0x3A, 0x5C, 0x71, 0x9D},
		scalesH: 58596,
	}
	want := []int32{10, 19, 44, 53, 1, 23, 45, 57}

	for ib, w := range want {
		if got := decodeIQ4XSScale(wb, ib); got != w {
			t.Errorf("decodeIQ4XSScale(ib=%d) = %d, want %d", ib, got, w)
		}
	}
}
