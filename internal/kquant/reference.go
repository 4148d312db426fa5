package kquant

// DequantizeRow expands one packed weight row of k values (k a multiple of
// KBlock) into a plain float32 slice. It exists purely as a reference
// oracle: the production path in kernel.go never materializes a whole
// dequantized weight row; it decodes one block at a time into a reusable
// [KBlock]float32 buffer and dots that buffer against each column.
func DequantizeRow(t WeightType, row []byte, k int) ([]float32, error) {
	if !t.IsSupported() {
		return nil, ErrUnsupportedWeightType
	}
	if k%KBlock != 0 {
		return nil, ErrBadDimension
	}
	nb := k / KBlock
	out := make([]float32, k)

	for blk := 0; blk < nb; blk++ {
		y := out[blk*KBlock : (blk+1)*KBlock]
		switch t {
		case Q2K:
			dequantizeQ2KBlock(readQ2K(row, blk), y)
		case Q3K:
			dequantizeQ3KBlock(readQ3K(row, blk), y)
		case Q4K:
			dequantizeQ4KBlock(readQ4K(row, blk), y)
		case Q5K:
			dequantizeQ5KBlock(readQ5K(row, blk), y)
		case Q6K:
			dequantizeQ6KBlock(readQ6K(row, blk), y)
		case IQ4XS:
			dequantizeIQ4XSBlock(readIQ4XS(row, blk), y)
		}
	}
	return out, nil
}

// DequantizeQ8KCol expands one packed Q8_K activation column of k values
// into a plain float32 slice, for use by the reference oracle only.
func DequantizeQ8KCol(col []byte, k int) ([]float32, error) {
	if k%KBlock != 0 {
		return nil, ErrBadDimension
	}
	nb := k / KBlock
	out := make([]float32, k)
	for blk := 0; blk < nb; blk++ {
		b := readQ8K(col, blk)
		y := out[blk*KBlock : (blk+1)*KBlock]
		for i := range y {
			y[i] = b.d * float32(b.qs[i])
		}
	}
	return out, nil
}

// ReferenceMulMat is the unoptimized dequantize-then-dot-product oracle
// property tests check the fused kernel in mulmat.go against. It ignores
// worker partitioning entirely and computes every element of C directly.
func ReferenceMulMat(nx, ny, k int, weightType WeightType, a, b []byte, c []float32, strideC int) bool {
	if !weightType.IsSupported() || k%KBlock != 0 {
		return false
	}
	rowSize, err := RowSize(weightType, k)
	if err != nil {
		return false
	}
	colSize, err := Q8KRowSize(k)
	if err != nil {
		return false
	}
	if len(a) < nx*rowSize || len(b) < ny*colSize {
		return false
	}

	cols := make([][]float32, ny)
	for y := 0; y < ny; y++ {
		col, err := DequantizeQ8KCol(b[y*colSize:(y+1)*colSize], k)
		if err != nil {
			return false
		}
		cols[y] = col
	}

	for x := 0; x < nx; x++ {
		row, err := DequantizeRow(weightType, a[x*rowSize:(x+1)*rowSize], k)
		if err != nil {
			return false
		}
		for y := 0; y < ny; y++ {
			var sum float32
			col := cols[y]
			for i := 0; i < k; i++ {
				sum += row[i] * col[i]
			}
			c[x*strideC+y] = sum
		}
	}
	return true
}

func dequantizeQ2KBlock(wb q2kBlock, y []float32) {
	d := wb.d
	dmin := wb.dmin
	is := 0
	yi := 0
	q := wb.qs
	for n := 0; n < KBlock; n += 128 {
		shift := uint(0)
		for j := 0; j < 4; j++ {
			sc := wb.scales[is]
			dl := d * float32(sc&0x0F)
			ml := dmin * float32(sc>>4)
			for l := range 16 {
				v := float32((q[l] >> shift) & 3)
				y[yi] = dl*v - ml
				yi++
			}
			is++

			sc = wb.scales[is]
			dl = d * float32(sc&0x0F)
			ml = dmin * float32(sc>>4)
			for l := range 16 {
				v := float32((q[l+16] >> shift) & 3)
				y[yi] = dl*v - ml
				yi++
			}
			is++

			shift += 2
		}
		q = q[32:]
	}
}

func dequantizeQ3KBlock(wb q3kBlock, y []float32) {
	d := wb.d
	scales := decodeQ3Scales(wb.scales)
	is := 0
	yi := 0
	q := wb.qs
	m := uint8(1)
	for n := 0; n < KBlock; n += 128 {
		shift := uint(0)
		for j := 0; j < 4; j++ {
			dl := d * float32(int32(scales[is])-32)
			is++
			for l := range 16 {
				hbit := int32(0)
				if wb.hmask[l]&m == 0 {
					hbit = 4
				}
				v := int32((q[l]>>shift)&3) - hbit
				y[yi] = dl * float32(v)
				yi++
			}

			dl = d * float32(int32(scales[is])-32)
			is++
			for l := range 16 {
				hbit := int32(0)
				if wb.hmask[l+16]&m == 0 {
					hbit = 4
				}
				v := int32((q[l+16]>>shift)&3) - hbit
				y[yi] = dl * float32(v)
				yi++
			}

			shift += 2
			m <<= 1
		}
		q = q[32:]
	}
}

func dequantizeQ4KBlock(wb q4kBlock, y []float32) {
	d := wb.d
	dmin := wb.dmin
	sc, mn := makeQ4Scales(wb.scales)
	is := 0
	yi := 0
	q := wb.qs
	for j := 0; j < KBlock; j += 64 {
		d1 := d * float32(sc[is])
		mm1 := dmin * float32(mn[is])
		d2 := d * float32(sc[is+1])
		mm2 := dmin * float32(mn[is+1])
		for l := range 32 {
			y[yi] = d1*float32(q[l]&0x0F) - mm1
			yi++
		}
		for l := range 32 {
			y[yi] = d2*float32(q[l]>>4) - mm2
			yi++
		}
		q = q[32:]
		is += 2
	}
}

func dequantizeQ5KBlock(wb q5kBlock, y []float32) {
	d := wb.d
	dmin := wb.dmin
	sc, mn := makeQ4Scales(wb.scales)
	is := 0
	yi := 0
	ql := wb.qs
	u1 := uint8(1)
	u2 := uint8(2)
	for j := 0; j < KBlock; j += 64 {
		d1 := d * float32(sc[is])
		mm1 := dmin * float32(mn[is])
		d2 := d * float32(sc[is+1])
		mm2 := dmin * float32(mn[is+1])
		for l := range 32 {
			hi := float32(0)
			if wb.qh[l]&u1 != 0 {
				hi = 16
			}
			y[yi] = d1*(float32(ql[l]&0x0F)+hi) - mm1
			yi++
		}
		for l := range 32 {
			hi := float32(0)
			if wb.qh[l]&u2 != 0 {
				hi = 16
			}
			y[yi] = d2*(float32(ql[l]>>4)+hi) - mm2
			yi++
		}
		ql = ql[32:]
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}

func dequantizeQ6KBlock(wb q6kBlock, y []float32) {
	d := wb.d
	ql := wb.ql
	qh := wb.qh
	scp := wb.scales
	yi := 0
	for n := 0; n < KBlock; n += 128 {
		for l := range 32 {
			is := l / 16
			q1 := int8((ql[l+0]&0x0F)|(((qh[l]>>0)&3)<<4)) - 32
			q2 := int8((ql[l+32]&0x0F)|(((qh[l]>>2)&3)<<4)) - 32
			q3 := int8((ql[l+0]>>4)|(((qh[l]>>4)&3)<<4)) - 32
			q4 := int8((ql[l+32]>>4)|(((qh[l]>>6)&3)<<4)) - 32
			y[yi+0] = d * float32(int8(scp[is+0])) * float32(q1)
			y[yi+32] = d * float32(int8(scp[is+2])) * float32(q2)
			y[yi+64] = d * float32(int8(scp[is+4])) * float32(q3)
			y[yi+96] = d * float32(int8(scp[is+6])) * float32(q4)
			yi++
		}
		yi += 96
		ql = ql[64:]
		qh = qh[32:]
		scp = scp[8:]
	}
}

func dequantizeIQ4XSBlock(wb iq4xsBlock, y []float32) {
	d := wb.d
	qp := wb.qs
	yi := 0
	for ib := 0; ib < KBlock/32; ib++ {
		ls := decodeIQ4XSScale(wb, ib)
		dl := d * float32(ls-32)
		for j := range 16 {
			y[yi+j] = dl * float32(kvaluesIQ4NL[qp[j]&0x0F])
			y[yi+16+j] = dl * float32(kvaluesIQ4NL[qp[j]>>4])
		}
		yi += 32
		qp = qp[16:]
	}
}
