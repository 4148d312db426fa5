package kquant

import (
	"math"
	"math/rand"
	"testing"
)

const mulMatTol = 1e-2

func randomRow(t *testing.T, wt WeightType, k int, seed int64) []byte {
	t.Helper()
	size, err := RowSize(wt, k)
	if err != nil {
		t.Fatal(err)
	}
	row := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(row)
	return row
}

func randomQ8KCol(t *testing.T, k int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	x := make([]float32, k)
	for i := range x {
		x[i] = float32(r.NormFloat64())
	}
	col, err := QuantizeQ8K(x)
	if err != nil {
		t.Fatal(err)
	}
	return col
}

// TestFusedKernelMatchesReference is the core property every weight type
// must satisfy: MulMat's fused dot product and the dequantize-then-dot
// reference oracle must agree, since they implement the same arithmetic
// via two different code paths.
func TestFusedKernelMatchesReference(t *testing.T) {
	const nx, ny, k = 3, 2, KBlock * 2

	for wt := Q2K; wt <= IQ4XS; wt++ {
		t.Run(wt.String(), func(t *testing.T) {
			a := make([]byte, 0)
			rowSize, err := RowSize(wt, k)
			if err != nil {
				t.Fatal(err)
			}
			for x := 0; x < nx; x++ {
				a = append(a, randomRow(t, wt, k, int64(x+1))...)
			}
			if len(a) != nx*rowSize {
				t.Fatalf("unexpected row buffer size")
			}

			colSize, err := Q8KRowSize(k)
			if err != nil {
				t.Fatal(err)
			}
			b := make([]byte, 0)
			for y := 0; y < ny; y++ {
				b = append(b, randomQ8KCol(t, k, int64(100+y))...)
			}
			if len(b) != ny*colSize {
				t.Fatalf("unexpected col buffer size")
			}

			got := make([]float32, nx*ny)
			if !MulMat(nx, ny, k, wt, a, b, got, ny, 0, 1) {
				t.Fatal("MulMat returned false")
			}

			want := make([]float32, nx*ny)
			if !ReferenceMulMat(nx, ny, k, wt, a, b, want, ny) {
				t.Fatal("ReferenceMulMat returned false")
			}

			for i := range got {
				if math.Abs(float64(got[i]-want[i])) > mulMatTol*float64(1+math.Abs(float64(want[i]))) {
					t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestMulMatWorkerPartitioning(t *testing.T) {
	const nx, ny, k = 5, 1, KBlock
	wt := Q4K
	rowSize, _ := RowSize(wt, k)
	full := make([]byte, nx*rowSize)
	for x := 0; x < nx; x++ {
		copy(full[x*rowSize:], randomRow(t, wt, k, int64(x)))
	}
	b := randomQ8KCol(t, k, 55)

	const workers = 3
	got := make([]float32, nx*ny)
	for w := 0; w < workers; w++ {
		if !MulMat(nx, ny, k, wt, full, b, got, ny, w, workers) {
			t.Fatalf("worker %d: MulMat returned false", w)
		}
	}

	want := make([]float32, nx*ny)
	if !ReferenceMulMat(nx, ny, k, wt, full, b, want, ny) {
		t.Fatal("ReferenceMulMat returned false")
	}
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > mulMatTol*float64(1+math.Abs(float64(want[i]))) {
			t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMulMatRejectsUnsupportedType(t *testing.T) {
	a := make([]byte, 0)
	b := make([]byte, 0)
	c := make([]float32, 1)
	if MulMat(1, 1, KBlock, WeightType(42), a, b, c, 1, 0, 1) {
		t.Error("expected false for unsupported weight type")
	}
}

// expectPanic runs fn and fails the test unless it panics; K and worker
// contract violations are programmer errors, so MulMat aborts on them
// rather than returning false.
func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected panic, got none")
		}
	}()
	fn()
}

func TestMulMatRejectsBadK(t *testing.T) {
	c := make([]float32, 1)
	expectPanic(t, func() {
		MulMat(1, 1, KBlock+1, Q4K, nil, nil, c, 1, 0, 1)
	})
}

func TestMulMatRejectsBadWorkerIndex(t *testing.T) {
	c := make([]float32, 1)
	expectPanic(t, func() {
		MulMat(1, 1, KBlock, Q4K, nil, nil, c, 1, 2, 2)
	})
	expectPanic(t, func() {
		MulMat(1, 1, KBlock, Q4K, nil, nil, c, 1, 0, 0)
	})
}

func TestRowBandCoversAllRowsExactlyOnce(t *testing.T) {
	const nx, workers = 10, 3
	seen := make([]int, nx)
	for w := 0; w < workers; w++ {
		start, end := rowBand(nx, w, workers)
		for x := start; x < end; x++ {
			seen[x]++
		}
	}
	for x, n := range seen {
		if n != 1 {
			t.Errorf("row %d covered %d times, want 1", x, n)
		}
	}
}

func TestNextTileGreedy(t *testing.T) {
	cases := map[int]int{9: 8, 8: 8, 7: 4, 5: 4, 4: 4, 3: 2, 2: 2, 1: 1, 0: 1}
	for remaining, want := range cases {
		if got := nextTile(remaining); got != want {
			t.Errorf("nextTile(%d) = %d, want %d", remaining, got, want)
		}
	}
}
