package device

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrOutOfMemory is returned when neither device memory nor mapped host
	// memory can hold an allocation.
	ErrOutOfMemory = errors.New("system is out of GPU and shared host memory")

	// ErrDeviceFailed is returned by operations on a device that recorded an
	// error earlier. It wraps the first recorded error.
	ErrDeviceFailed = errors.New("device is in an error state")

	// ErrUnsupportedOperation is returned when an operation does not apply to
	// the kind of the memory object.
	ErrUnsupportedOperation = errors.New("operation not supported for this memory kind")

	// ErrNoModule is returned when writing a module global before kernels
	// were loaded.
	ErrNoModule = errors.New("no kernel module loaded")
)

const errorHint = "Refer to the device troubleshooting guide for tips on how to resolve driver errors."

// setError records err as the device's sticky error. Only the first error is
// kept; the troubleshooting hint is logged once per device.
func (d *Device) setError(err error) {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	if d.err == nil {
		d.err = err
	}
	d.log.Error("Device error", zap.Error(err))
	if !d.hinted {
		d.hinted = true
		d.log.Info(errorHint)
	}
}

// fail records err and returns it, for use in return statements.
func (d *Device) fail(err error) error {
	d.setError(err)
	return err
}

// check records and wraps a driver error. A nil err passes through.
func (d *Device) check(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return d.fail(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err))
}

// failed returns ErrDeviceFailed wrapping the sticky error, or nil.
func (d *Device) failed() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrDeviceFailed, d.err)
}

// Err returns the first error recorded on the device.
func (d *Device) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// HaveError reports whether the device recorded an error.
func (d *Device) HaveError() bool {
	return d.Err() != nil
}

// ClearError drops the sticky error. It is meant for the owner
// re-initialising the device; nothing in this package calls it.
func (d *Device) ClearError() {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.err = nil
}
