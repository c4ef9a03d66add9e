//go:build !linux

package device

// systemPhysicalRAM is not implemented off Linux. A zero result disables
// mapped host memory unless a host limit is configured.
func systemPhysicalRAM() uint64 {
	return 0
}
