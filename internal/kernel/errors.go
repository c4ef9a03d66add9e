package kernel

import "errors"

var (
	// ErrUnsupportedHardware is returned for devices below MinimumCapability.
	ErrUnsupportedHardware = errors.New("unsupported hardware")

	// ErrBinaryNotFound is returned when precompiled kernels are required
	// but none matches the device.
	ErrBinaryNotFound = errors.New("kernel binary not found")

	// ErrCompilerNotFound is returned when no compiler is installed.
	ErrCompilerNotFound = errors.New("kernel compiler not found")

	// ErrUnsupportedToolchain is returned for compiler versions known not to work.
	ErrUnsupportedToolchain = errors.New("unsupported kernel compiler version")

	// ErrCompileFailed is returned when the compiler fails or produces no output.
	ErrCompileFailed = errors.New("kernel compilation failed")
)
