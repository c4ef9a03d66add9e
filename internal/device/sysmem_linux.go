//go:build linux

package device

import "golang.org/x/sys/unix"

// systemPhysicalRAM returns the installed RAM in bytes, or 0 if unknown.
func systemPhysicalRAM() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}
