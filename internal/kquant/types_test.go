package kquant

import "testing"

func TestWeightTypeIsSupported(t *testing.T) {
	for wt := Q2K; wt <= IQ4XS; wt++ {
		if !wt.IsSupported() {
			t.Errorf("%v should be supported", wt)
		}
	}
	if WeightType(-1).IsSupported() {
		t.Error("negative weight type reported supported")
	}
	if numWeightTypes.IsSupported() {
		t.Error("sentinel numWeightTypes reported supported")
	}
}

func TestWeightTypeString(t *testing.T) {
	cases := map[WeightType]string{
		Q2K:   "Q2_K",
		Q3K:   "Q3_K",
		Q4K:   "Q4_K",
		Q5K:   "Q5_K",
		Q6K:   "Q6_K",
		IQ4XS: "IQ4_XS",
	}
	for wt, want := range cases {
		if got := wt.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", wt, got, want)
		}
	}
	if got := WeightType(99).String(); got != "unsupported" {
		t.Errorf("unsupported type stringified as %q", got)
	}
}

func TestRowSizeRejectsNonMultiple(t *testing.T) {
	if _, err := RowSize(Q4K, 100); err != ErrBadDimension {
		t.Fatalf("expected ErrBadDimension, got %v", err)
	}
}

func TestRowSizeUnsupportedType(t *testing.T) {
	if _, err := RowSize(WeightType(99), KBlock); err != ErrUnsupportedWeightType {
		t.Fatalf("expected ErrUnsupportedWeightType, got %v", err)
	}
}

func TestRowSizeMatchesBlockCount(t *testing.T) {
	k := KBlock * 3
	cases := []struct {
		t    WeightType
		want int
	}{
		{Q2K, 3 * q2kBlockSize},
		{Q3K, 3 * q3kBlockSize},
		{Q4K, 3 * q4kBlockSize},
		{Q5K, 3 * q5kBlockSize},
		{Q6K, 3 * q6kBlockSize},
		{IQ4XS, 3 * iq4xsBlockSize},
	}
	for _, c := range cases {
		got, err := RowSize(c.t, k)
		if err != nil {
			t.Fatalf("%v: %v", c.t, err)
		}
		if got != c.want {
			t.Errorf("%v: RowSize = %d, want %d", c.t, got, c.want)
		}
	}
}

func TestQ8KRowSize(t *testing.T) {
	got, err := Q8KRowSize(KBlock * 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2*q8kBlockSize {
		t.Errorf("Q8KRowSize = %d, want %d", got, 2*q8kBlockSize)
	}
}
