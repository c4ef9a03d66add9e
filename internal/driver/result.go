package driver

import (
	"errors"
	"fmt"
)

// Result is a driver status code. Any value other than Success is an error.
type Result int32

const (
	Success                       Result = 0
	ErrorInvalidValue             Result = 1
	ErrorOutOfMemory              Result = 2
	ErrorNotInitialized           Result = 3
	ErrorDeinitialized            Result = 4
	ErrorNoDevice                 Result = 100
	ErrorInvalidDevice            Result = 101
	ErrorInvalidImage             Result = 200
	ErrorInvalidContext           Result = 201
	ErrorPeerAccessUnsupported    Result = 217
	ErrorFileNotFound             Result = 301
	ErrorInvalidHandle            Result = 400
	ErrorNotFound                 Result = 500
	ErrorPeerAccessAlreadyEnabled Result = 704
	ErrorUnknown                  Result = 999
)

var resultStrings = map[Result]string{
	Success:                       "no error",
	ErrorInvalidValue:             "invalid argument",
	ErrorOutOfMemory:              "out of memory",
	ErrorNotInitialized:           "driver not initialized",
	ErrorDeinitialized:            "driver shutting down",
	ErrorNoDevice:                 "no CUDA-capable device is detected",
	ErrorInvalidDevice:            "invalid device ordinal",
	ErrorInvalidImage:             "device kernel image is invalid",
	ErrorInvalidContext:           "invalid device context",
	ErrorPeerAccessUnsupported:    "peer access is not supported between these two devices",
	ErrorFileNotFound:             "file not found",
	ErrorInvalidHandle:            "invalid resource handle",
	ErrorNotFound:                 "named symbol not found",
	ErrorPeerAccessAlreadyEnabled: "peer access is already enabled",
	ErrorUnknown:                  "unknown error",
}

// Error returns the human readable driver string for the code.
func (r Result) Error() string {
	if s, ok := resultStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized driver error (%d)", int32(r))
}

// Check converts a status code into an error, nil for Success.
func Check(r Result) error {
	if r == Success {
		return nil
	}
	return r
}

// IsOutOfMemory reports whether err is, or wraps, ErrorOutOfMemory.
func IsOutOfMemory(err error) bool {
	var r Result
	return errors.As(err, &r) && r == ErrorOutOfMemory
}
