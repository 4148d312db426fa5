package gguf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	QK_K         = 256
	q2kBlockSize = 16 + 64 + 2 + 2
	q3kBlockSize = 32 + 64 + 12 + 2
	q4kBlockSize = 2 + 2 + 12 + 128
	q5kBlockSize = 2 + 2 + 12 + 32 + 128
	q6kBlockSize   = 2 + 128 + 64 + 16
	iq4xsBlockSize = 2 + 2 + 4 + 128

	kvaluesIQ4NLLen = 16
)

// kvaluesIQ4NL is the fixed 16-entry non-uniform codebook IQ4_XS indices
// decode through. Values are signed and intentionally not evenly spaced.
var kvaluesIQ4NL = [kvaluesIQ4NLLen]int8{
	-127, -104, -83, -65, -49, -35, -22, -10,
	1, 13, 25, 38, 53, 69, 89, 113,
}

func DequantizeQ2K(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("q2_k: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*q2kBlockSize {
		return nil, fmt.Errorf("q2_k: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	for b := range blocks {
		scales := data[off : off+16]
		qs := data[off+16 : off+16+64]
		d := fp16ToFloat32(data[off+80 : off+82])
		dmin := fp16ToFloat32(data[off+82 : off+84])

		y := out[b*QK_K:]
		yi := 0
		is := 0
		q := qs
		for n := 0; n < QK_K; n += 128 {
			shift := uint(0)
			for j := 0; j < 4; j++ {
				sc := scales[is]
				is++
				dl := d * float32(sc&0x0F)
				ml := dmin * float32(sc>>4)
				for l := range 16 {
					v := int8((q[l] >> shift) & 3)
					y[yi] = dl*float32(v) - ml
					yi++
				}

				sc = scales[is]
				is++
				dl = d * float32(sc&0x0F)
				ml = dmin * float32(sc>>4)
				for l := range 16 {
					v := int8((q[l+16] >> shift) & 3)
					y[yi] = dl*float32(v) - ml
					yi++
				}

				shift += 2
			}
			q = q[32:]
		}

		off += q2kBlockSize
	}
	return out, nil
}

func DequantizeQ3K(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("q3_k: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*q3kBlockSize {
		return nil, fmt.Errorf("q3_k: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	const kmask1 = uint32(0x03030303)
	const kmask2 = uint32(0x0f0f0f0f)
	for b := range blocks {
		hmask := data[off : off+32]
		qs := data[off+32 : off+32+64]
		scaleBytes := data[off+96 : off+96+12]
		d := fp16ToFloat32(data[off+108 : off+110])

		var aux [4]uint32
		aux[0] = binary.LittleEndian.Uint32(scaleBytes[0:4])
		aux[1] = binary.LittleEndian.Uint32(scaleBytes[4:8])
		aux[2] = binary.LittleEndian.Uint32(scaleBytes[8:12])
		tmp := aux[2]
		aux[2] = ((aux[0] >> 4) & kmask2) | (((tmp >> 4) & kmask1) << 4)
		aux[3] = ((aux[1] >> 4) & kmask2) | (((tmp >> 6) & kmask1) << 4)
		aux[0] = (aux[0] & kmask2) | (((tmp >> 0) & kmask1) << 4)
		aux[1] = (aux[1] & kmask2) | (((tmp >> 2) & kmask1) << 4)

		var scales [16]int8
		for w := range 4 {
			for bi := range 4 {
				scales[w*4+bi] = int8(byte(aux[w] >> (8 * uint(bi))))
			}
		}

		y := out[b*QK_K:]
		yi := 0
		is := 0
		q := qs
		m := uint8(1)
		for n := 0; n < QK_K; n += 128 {
			shift := uint(0)
			for j := 0; j < 4; j++ {
				dl := d * float32(int32(scales[is])-32)
				is++
				for l := range 16 {
					hbit := int8(0)
					if hmask[l]&m == 0 {
						hbit = 4
					}
					v := int8((q[l]>>shift)&3) - hbit
					y[yi] = dl * float32(v)
					yi++
				}

				dl = d * float32(int32(scales[is])-32)
				is++
				for l := range 16 {
					hbit := int8(0)
					if hmask[l+16]&m == 0 {
						hbit = 4
					}
					v := int8((q[l+16]>>shift)&3) - hbit
					y[yi] = dl * float32(v)
					yi++
				}

				shift += 2
				m <<= 1
			}
			q = q[32:]
		}

		off += q3kBlockSize
	}
	return out, nil
}

func DequantizeQ4K(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("q4_k: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*q4kBlockSize {
		return nil, fmt.Errorf("q4_k: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	for b := range blocks {
		d := fp16ToFloat32(data[off : off+2])
		dmin := fp16ToFloat32(data[off+2 : off+4])
		scales := data[off+4 : off+4+12]
		qs := data[off+4+12 : off+q4kBlockSize]

		y := out[b*QK_K:]
		is := 0
		q := qs
		yi := 0
		for j := 0; j < QK_K; j += 64 {
			sc1, m1 := getScaleMinK4(is+0, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1 := d * float32(sc1)
			d2 := d * float32(sc2)
			mm1 := dmin * float32(m1)
			mm2 := dmin * float32(m2)
			for l := range 32 {
				v := q[l]
				y[yi] = d1*float32(v&0x0F) - mm1
				yi++
			}
			for l := range 32 {
				v := q[l]
				y[yi] = d2*float32(v>>4) - mm2
				yi++
			}
			q = q[32:]
			is += 2
		}

		off += q4kBlockSize
	}
	return out, nil
}

func DequantizeQ5K(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("q5_k: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*q5kBlockSize {
		return nil, fmt.Errorf("q5_k: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	for b := range blocks {
		d := fp16ToFloat32(data[off : off+2])
		dmin := fp16ToFloat32(data[off+2 : off+4])
		scales := data[off+4 : off+4+12]
		qh := data[off+16 : off+16+32]
		ql := data[off+48 : off+q5kBlockSize]

		y := out[b*QK_K:]
		yi := 0
		is := 0
		qlp := ql
		u1 := uint8(1)
		u2 := uint8(2)
		for j := 0; j < QK_K; j += 64 {
			sc1, m1 := getScaleMinK4(is+0, scales)
			sc2, m2 := getScaleMinK4(is+1, scales)
			d1 := d * float32(sc1)
			mm1 := dmin * float32(m1)
			d2 := d * float32(sc2)
			mm2 := dmin * float32(m2)
			for l := range 32 {
				hi := float32(0)
				if qh[l]&u1 != 0 {
					hi = 16
				}
				y[yi] = d1*(float32(qlp[l]&0x0F)+hi) - mm1
				yi++
			}
			for l := range 32 {
				hi := float32(0)
				if qh[l]&u2 != 0 {
					hi = 16
				}
				y[yi] = d2*(float32(qlp[l]>>4)+hi) - mm2
				yi++
			}
			qlp = qlp[32:]
			is += 2
			u1 <<= 2
			u2 <<= 2
		}

		off += q5kBlockSize
	}
	return out, nil
}

func DequantizeIQ4XS(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("iq4_xs: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*iq4xsBlockSize {
		return nil, fmt.Errorf("iq4_xs: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	for b := range blocks {
		d := fp16ToFloat32(data[off : off+2])
		scalesH := uint16(data[off+2]) | uint16(data[off+3])<<8
		scalesL := data[off+4 : off+8]
		qs := data[off+8 : off+iq4xsBlockSize]

		y := out[b*QK_K:]
		yi := 0
		qp := qs
		for ib := 0; ib < QK_K/32; ib++ {
			shift := uint(4 * (ib % 2))
			ls := int32((scalesL[ib/2]>>shift)&0x0F) | (int32((scalesH>>(2*uint(ib)))&3) << 4)
			dl := d * float32(ls-32)
			for j := range 16 {
				y[yi+j] = dl * float32(kvaluesIQ4NL[qp[j]&0x0F])
				y[yi+16+j] = dl * float32(kvaluesIQ4NL[qp[j]>>4])
			}
			yi += 32
			qp = qp[16:]
		}

		off += iq4xsBlockSize
	}
	return out, nil
}

func DequantizeQ6K(data []byte, n int) ([]float32, error) {
	if n%QK_K != 0 {
		return nil, fmt.Errorf("q6_k: n must be multiple of %d", QK_K)
	}
	blocks := n / QK_K
	if len(data) != blocks*q6kBlockSize {
		return nil, fmt.Errorf("q6_k: invalid data length %d for n=%d", len(data), n)
	}
	out := make([]float32, n)
	off := 0
	for b := range blocks {
		d := fp16ToFloat32(data[off : off+2])
		ql := data[off+2 : off+2+128]
		qh := data[off+2+128 : off+2+128+64]
		scales := data[off+2+128+64 : off+q6kBlockSize]

		y := out[b*QK_K:]
		yi := 0
		qlp := ql
		qhp := qh
		scp := scales
		for n := 0; n < QK_K; n += 128 {
			for l := range 32 {
				is := l / 16
				q1 := int8((qlp[l+0]&0x0F)|(((qhp[l]>>0)&3)<<4)) - 32
				q2 := int8((qlp[l+32]&0x0F)|(((qhp[l]>>2)&3)<<4)) - 32
				q3 := int8((qlp[l+0]>>4)|(((qhp[l]>>4)&3)<<4)) - 32
				q4 := int8((qlp[l+32]>>4)|(((qhp[l]>>6)&3)<<4)) - 32
				y[yi+0] = d * float32(int8(scp[is+0])) * float32(q1)
				y[yi+32] = d * float32(int8(scp[is+2])) * float32(q2)
				y[yi+64] = d * float32(int8(scp[is+4])) * float32(q3)
				y[yi+96] = d * float32(int8(scp[is+6])) * float32(q4)
				yi++
			}
			yi += 96
			qlp = qlp[64:]
			qhp = qhp[32:]
			scp = scp[8:]
		}

		off += q6kBlockSize
	}
	return out, nil
}

func getScaleMinK4(j int, scales []byte) (uint8, uint8) {
	if j < 4 {
		return scales[j] & 63, scales[j+4] & 63
	}
	d := (scales[j+4] & 0x0F) | ((scales[j-4] >> 6) << 4)
	m := (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
	return d, m
}

func fp16ToFloat32(b []byte) float32 {
	if len(b) < 2 {
		return float32(math.NaN())
	}
	h := uint16(b[0]) | uint16(b[1])<<8
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}

var ErrUnsupportedType = errors.New("unsupported tensor type")
