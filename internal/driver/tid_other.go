//go:build !linux

package driver

// gettid treats the process as a single thread where thread ids are not
// available; concurrent contexts on the simulated driver then share one stack.
func gettid() int {
	return 0
}
