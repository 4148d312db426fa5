package kquant

import "errors"

// MulMat computes C[x*strideC+y] = dot(A_row[x], B_col[y]) for the band of
// weight rows owned by worker workerIndex out of workerCount, where A holds
// Nx rows of a weightType-quantized weight matrix and B holds Ny columns of
// Q8_K-quantized activations, both spanning K values.
//
// It returns false, doing nothing, if weightType is not one of the six
// supported types — the one caller contract violation a dispatch loop is
// expected to probe for and route around at runtime. Every other
// malformed input (K not a multiple of KBlock, a worker index or count
// out of range, or buffers too short for nx/ny/k) is a programmer error
// in the caller, not a recoverable condition, and aborts execution
// exactly like tensor.quantLayoutForMat's errors.New-then-panic.
func MulMat(nx, ny, k int, weightType WeightType, a, b []byte, c []float32, strideC, workerIndex, workerCount int) bool {
	if !weightType.IsSupported() {
		return false
	}
	if k%KBlock != 0 {
		panic(ErrBadDimension)
	}
	if workerCount < 1 || workerIndex < 0 || workerIndex >= workerCount {
		panic(errors.New("kquant: worker index out of range"))
	}

	rowSize, err := RowSize(weightType, k)
	if err != nil {
		panic(err)
	}
	colSize, err := Q8KRowSize(k)
	if err != nil {
		panic(err)
	}
	if len(a) < nx*rowSize || len(b) < ny*colSize {
		panic(errors.New("kquant: a or b too short for nx/ny/k"))
	}

	start, end := rowBand(nx, workerIndex, workerCount)

	nb := k / KBlock
	// Activation blocks are decoded once per column and reused across
	// every weight row in this worker's band, rather than re-parsed per
	// (row, column) pair.
	cols := make([][]q8kBlock, ny)
	for y := 0; y < ny; y++ {
		col := b[y*colSize : (y+1)*colSize]
		blocks := make([]q8kBlock, nb)
		for bi := 0; bi < nb; bi++ {
			blocks[bi] = readQ8K(col, bi)
		}
		cols[y] = blocks
	}

	var decoded [KBlock]float32
	var sums [8]float32
	for x := start; x < end; x++ {
		row := a[x*rowSize : (x+1)*rowSize]
		y := 0
		for y < ny {
			width := nextTile(ny - y)
			for w := 0; w < width; w++ {
				sums[w] = 0
			}
			// Each weight block is decoded exactly once per (row, block
			// index) and reused across all `width` columns of this
			// tile — the sharing that amortizes a block's scale/min
			// arithmetic over up to eight columns instead of repeating
			// it per column.
			for bi := 0; bi < nb; bi++ {
				decodeWeightBlock(weightType, row, bi, &decoded)
				for w := 0; w < width; w++ {
					sums[w] += dotDecoded(&decoded, cols[y+w][bi])
				}
			}
			for w := 0; w < width; w++ {
				c[x*strideC+y+w] = sums[w]
			}
			y += width
		}
	}

	return true
}
