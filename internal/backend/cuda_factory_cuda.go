//go:build cuda

package backend

import "github.com/samcharles93/qkernel/internal/backend/cuda"

func NewCUDA() (Backend, error) {
	return cuda.New()
}
