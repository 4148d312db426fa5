package kquant

import "math"

// fp16ToFloat32 converts an IEEE-754 binary16 value stored as two
// little-endian bytes into a float32. This conversion, and the six block
// byte layouts below, are fixed bit-exact contracts the kernel consumes
// from its caller; they are not derived here, only reproduced.
func fp16ToFloat32(lo, hi byte) float32 {
	h := uint16(lo) | uint16(hi)<<8
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

func fp16At(b []byte, off int) float32 {
	return fp16ToFloat32(b[off], b[off+1])
}

// q2kBlock is the decoded view over one Q2_K weight block.
type q2kBlock struct {
	scales []byte // 16 bytes: low nibble = 4-bit scale, high nibble = 4-bit min
	qs     []byte // 64 bytes: four 2-bit values per byte
	d      float32
	dmin   float32
}

func readQ2K(row []byte, i int) q2kBlock {
	base := i * q2kBlockSize
	b := row[base : base+q2kBlockSize]
	return q2kBlock{
		scales: b[0:16],
		qs:     b[16:80],
		d:      fp16At(b, 80),
		dmin:   fp16At(b, 82),
	}
}

// q3kBlock is the decoded view over one Q3_K weight block.
type q3kBlock struct {
	hmask  []byte // 32 bytes: high (third) bit, one bit per value
	qs     []byte // 64 bytes: low 2 bits, four values per byte
	scales []byte // 12 bytes packed 6-bit scales, biased by +32
	d      float32
}

func readQ3K(row []byte, i int) q3kBlock {
	base := i * q3kBlockSize
	b := row[base : base+q3kBlockSize]
	return q3kBlock{
		hmask:  b[0:32],
		qs:     b[32:96],
		scales: b[96:108],
		d:      fp16At(b, 108),
	}
}

// q4kBlock is the decoded view over one Q4_K weight block.
type q4kBlock struct {
	scales []byte // 12 bytes, make_q4_scales packing
	qs     []byte // 128 bytes: low/high nibble per value
	d      float32
	dmin   float32
}

func readQ4K(row []byte, i int) q4kBlock {
	base := i * q4kBlockSize
	b := row[base : base+q4kBlockSize]
	return q4kBlock{
		d:      fp16At(b, 0),
		dmin:   fp16At(b, 2),
		scales: b[4:16],
		qs:     b[16:144],
	}
}

// q5kBlock is the decoded view over one Q5_K weight block.
type q5kBlock struct {
	scales []byte // 12 bytes, same packing as Q4_K
	qh     []byte // 32 bytes: the fifth (high) bit, one bit per value
	qs     []byte // 128 bytes: low 4 bits per value
	d      float32
	dmin   float32
}

func readQ5K(row []byte, i int) q5kBlock {
	base := i * q5kBlockSize
	b := row[base : base+q5kBlockSize]
	return q5kBlock{
		d:      fp16At(b, 0),
		dmin:   fp16At(b, 2),
		scales: b[4:16],
		qh:     b[16:48],
		qs:     b[48:176],
	}
}

// q6kBlock is the decoded view over one Q6_K weight block. As in Q4_K,
// Q5_K and IQ4_XS (and unlike Q2_K and Q3_K), the super-block scale here
// comes first in the byte layout, ahead of the quant data, matching the
// gguf tensor reader's DequantizeQ6K.
type q6kBlock struct {
	ql     []byte // 128 bytes: low 4 bits per value
	qh     []byte // 64 bytes: high 2 bits, two values per byte
	scales []byte // 16 signed bytes, one per sub-block
	d      float32
}

func readQ6K(row []byte, i int) q6kBlock {
	base := i * q6kBlockSize
	b := row[base : base+q6kBlockSize]
	return q6kBlock{
		d:      fp16At(b, 0),
		ql:     b[2:130],
		qh:     b[130:194],
		scales: b[194:210],
	}
}

// iq4xsBlock is the decoded view over one IQ4_XS weight block.
type iq4xsBlock struct {
	scalesL []byte // 4 bytes: low 4 bits of each of 8 sub-block scale indices
	scalesH uint16 // high 2 bits of each of 8 sub-block scale indices
	qs      []byte // 128 bytes: codebook index, low/high nibble per value
	d       float32
}

func readIQ4XS(row []byte, i int) iq4xsBlock {
	base := i * iq4xsBlockSize
	b := row[base : base+iq4xsBlockSize]
	return iq4xsBlock{
		d:       fp16At(b, 0),
		scalesH: uint16(b[2]) | uint16(b[3])<<8,
		scalesL: b[4:8],
		qs:      b[8:136],
	}
}

// q8kBlock is the decoded view over one Q8_K activation block.
type q8kBlock struct {
	qs     []int8 // 256 signed int8 quantized activation values
	bsums  []byte // 16 little-endian int16 sub-block sums
	d      float32
}

func readQ8K(col []byte, i int) q8kBlock {
	base := i * q8kBlockSize
	b := col[base : base+q8kBlockSize]
	d := math.Float32frombits(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	return q8kBlock{
		d:     d,
		qs:    asInt8(b[4:260]),
		bsums: b[260:292],
	}
}

// asInt8 reinterprets a byte slice of two's-complement signed values as
// []int8. Used once per activation block, when it is first read, so the
// conversion is never repeated across the tile columns that reuse it.
func asInt8(b []byte) []int8 {
	out := make([]int8, len(b))
	for i, v := range b {
		out[i] = int8(v)
	}
	return out
}

func (b q8kBlock) bsum(i int) int16 {
	off := i * 2
	return int16(uint16(b.bsums[off]) | uint16(b.bsums[off+1])<<8)
}
