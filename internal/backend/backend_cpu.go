//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/qkernel/internal/backend/simd"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend not implemented in this build")

func Has(name string) bool {
	return name == CPU
}

func newCPU() (Backend, error) {
	return simd.New(), nil
}

func newCUDA() (Backend, error) {
	return nil, errCUDAUnavailable
}
