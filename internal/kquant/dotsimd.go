package kquant

import "simd/archsimd"

// cpuFeatures holds detected CPU capabilities, checked once at init. The
// kernel falls back to the scalar path below AVX2, or for any remainder
// shorter than one vector width.
type cpuFeatures struct {
	HasAVX2 bool
}

var cpu cpuFeatures

func init() {
	cpu.HasAVX2 = archsimd.X86.AVX2()
}

// dotInt8Float32 computes sum(q[i]*x[i]) over n lanes, where q is one
// tile column's signed int8 Q8_K values and x is a weight block already
// decoded to float32 by decodeWeightBlock. Every one of the six weight
// types funnels through this same inner loop once its per-sub-block
// scale and min arithmetic has been folded into x, so a single decode is
// reused, unchanged, across every activation column a tile carries.
func dotInt8Float32(q []int8, x []float32, n int) float32 {
	if cpu.HasAVX2 && n >= 16 {
		return dotInt8Float32SIMD(q, x, n)
	}
	return dotInt8Float32Scalar(q, x, n)
}

func dotInt8Float32Scalar(q []int8, x []float32, n int) float32 {
	var sum float32
	for i := 0; i < n; i++ {
		sum += float32(q[i]) * x[i]
	}
	return sum
}

func dotInt8Float32SIMD(q []int8, x []float32, n int) float32 {
	var acc archsimd.Float32x8
	i := 0
	for ; i+16 <= n; i += 16 {
		vq := archsimd.LoadInt8x16Slice(q[i:])
		v16 := vq.ExtendToInt16()

		lo := v16.GetLo().ExtendToInt32().ConvertToFloat32()
		hi := v16.GetHi().ExtendToInt32().ConvertToFloat32()

		vxLo := archsimd.LoadFloat32x8Slice(x[i:])
		vxHi := archsimd.LoadFloat32x8Slice(x[i+8:])

		acc = acc.Add(lo.Mul(vxLo))
		acc = acc.Add(hi.Mul(vxHi))
	}

	var tmp [8]float32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += float32(q[i]) * x[i]
	}
	return sum
}
