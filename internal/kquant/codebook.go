package kquant

// kvaluesIQ4NL is the 16-entry non-uniform codebook IQ4_XS indices map into.
// Values are fixed constants from the weight-quantization scheme this
// package only consumes; they are not derived or tunable here.
var kvaluesIQ4NL = [16]int8{
	-127, -104, -83, -65, -49, -35, -22, -10,
	1, 13, 25, 38, 53, 69, 89, 113,
}
