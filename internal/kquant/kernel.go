package kquant

// decodeWeightBlock expands one 256-wide weight block of type t into out,
// folding each sub-block's scale (and min, for the three asymmetric types)
// into the per-element value. This is the one point where a block's
// scale/min arithmetic is paid for: the caller computes it once per (row,
// block index) and reuses out, unchanged, across every activation column
// in the current tile via dotDecoded — the sharing that lets a tile of up
// to eight columns amortize one decode instead of repeating it per column.
func decodeWeightBlock(t WeightType, row []byte, blockIdx int, out *[KBlock]float32) {
	switch t {
	case Q2K:
		decodeQ2K(readQ2K(row, blockIdx), out)
	case Q3K:
		decodeQ3K(readQ3K(row, blockIdx), out)
	case Q4K:
		decodeQ4K(readQ4K(row, blockIdx), out)
	case Q5K:
		decodeQ5K(readQ5K(row, blockIdx), out)
	case Q6K:
		decodeQ6K(readQ6K(row, blockIdx), out)
	case IQ4XS:
		decodeIQ4XS(readIQ4XS(row, blockIdx), out)
	}
}

// dotDecoded dots one already-decoded weight block against a Q8_K
// activation block and applies the activation block's own scale factor.
// archsimd does the int8-times-float32 reduction (dotInt8Float32); this is
// the per-column step a tile repeats, unchanged, against the same decode.
func dotDecoded(decoded *[KBlock]float32, ab q8kBlock) float32 {
	return dotInt8Float32(ab.qs, decoded[:], KBlock) * ab.d
}

func decodeQ2K(wb q2kBlock, out *[KBlock]float32) {
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
				out[yi+l] = dl*v - ml
			}
			is++
			yi += 16

			sc = wb.scales[is]
			dl = d * float32(sc&0x0F)
			ml = dmin * float32(sc>>4)
			for l := range 16 {
				v := float32((q[l+16] >> shift) & 3)
				out[yi+l] = dl*v - ml
			}
			is++
			yi += 16

			shift += 2
		}
		q = q[32:]
	}
}

func decodeQ3K(wb q3kBlock, out *[KBlock]float32) {
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
				out[yi+l] = dl * float32(v)
			}
			yi += 16

			dl = d * float32(int32(scales[is])-32)
			is++
			for l := range 16 {
				hbit := int32(0)
				if wb.hmask[l+16]&m == 0 {
					hbit = 4
				}
				v := int32((q[l+16]>>shift)&3) - hbit
				out[yi+l] = dl * float32(v)
			}
			yi += 16

			shift += 2
			m <<= 1
		}
		q = q[32:]
	}
}

func decodeQ4K(wb q4kBlock, out *[KBlock]float32) {
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
			v := float32(q[l] & 0x0F)
			out[yi+l] = d1*v - mm1
		}
		yi += 32
		for l := range 32 {
			v := float32(q[l] >> 4)
			out[yi+l] = d2*v - mm2
		}
		yi += 32
		q = q[32:]
		is += 2
	}
}

func decodeQ5K(wb q5kBlock, out *[KBlock]float32) {
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
			v := float32(ql[l]&0x0F) + hi
			out[yi+l] = d1*v - mm1
		}
		yi += 32
		for l := range 32 {
			hi := float32(0)
			if wb.qh[l]&u2 != 0 {
				hi = 16
			}
			v := float32(ql[l]>>4) + hi
			out[yi+l] = d2*v - mm2
		}
		yi += 32
		ql = ql[32:]
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}

func decodeQ6K(wb q6kBlock, out *[KBlock]float32) {
	d := wb.d
	ql := wb.ql
	qh := wb.qh
	scp := wb.scales
	yi := 0
	for n := 0; n < KBlock; n += 128 {
		for l := range 32 {
			is := l / 16
			q1 := float32(int8((ql[l+0]&0x0F)|(((qh[l]>>0)&3)<<4)) - 32)
			q2 := float32(int8((ql[l+32]&0x0F)|(((qh[l]>>2)&3)<<4)) - 32)
			q3 := float32(int8((ql[l+0]>>4)|(((qh[l]>>4)&3)<<4)) - 32)
			q4 := float32(int8((ql[l+32]>>4)|(((qh[l]>>6)&3)<<4)) - 32)
			out[yi+l+0] = d * float32(int8(scp[is+0])) * q1
			out[yi+l+32] = d * float32(int8(scp[is+2])) * q2
			out[yi+l+64] = d * float32(int8(scp[is+4])) * q3
			out[yi+l+96] = d * float32(int8(scp[is+6])) * q4
		}
		yi += 128
		ql = ql[64:]
		qh = qh[32:]
		scp = scp[8:]
	}
}

func decodeIQ4XS(wb iq4xsBlock, out *[KBlock]float32) {
	d := wb.d
	qp := wb.qs
	yi := 0
	for ib := 0; ib < KBlock/32; ib++ {
		ls := decodeIQ4XSScale(wb, ib)
		dl := d * float32(ls-32)
		for j := range 16 {
			out[yi+j] = dl * float32(kvaluesIQ4NL[qp[j]&0x0F])
			out[yi+16+j] = dl * float32(kvaluesIQ4NL[qp[j]>>4])
		}
		yi += 32
		qp = qp[16:]
	}
}
