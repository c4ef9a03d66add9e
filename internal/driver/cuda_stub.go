//go:build !cuda
// +build !cuda

package driver

import (
	"errors"

	"go.uber.org/zap"
)

// ErrCUDAUnavailable is returned when the binary was built without the cuda tag.
var ErrCUDAUnavailable = errors.New("CUDA driver support not compiled in (build with -tags cuda)")

func newCUDA(log *zap.Logger) (Driver, error) {
	return nil, ErrCUDAUnavailable
}
