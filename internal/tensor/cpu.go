package tensor

import "simd/archsimd"

// cpuFeatures holds detected CPU capabilities, checked once at init.
type cpuFeatures struct {
	HasAVX2 bool
}

var cpu cpuFeatures

func init() {
	cpu.HasAVX2 = archsimd.X86.AVX2()
}
