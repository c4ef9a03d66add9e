package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// Capability is a hardware revision.
type Capability struct {
	Major int
	Minor int
}

// MinimumCapability is the oldest hardware revision kernels are built for.
var MinimumCapability = Capability{Major: 3, Minor: 0}

func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// Less reports whether c is an older revision than o.
func (c Capability) Less(o Capability) bool {
	return c.Major < o.Major || (c.Major == o.Major && c.Minor < o.Minor)
}

// Supported checks c against MinimumCapability.
func (c Capability) Supported() error {
	if c.Less(MinimumCapability) {
		return fmt.Errorf("%w: requires compute capability %s or up, but found %s",
			ErrUnsupportedHardware, MinimumCapability, c)
	}
	return nil
}

// digits renders the revision the way file names carry it, e.g. "86".
func (c Capability) digits() string {
	return fmt.Sprintf("%d%d", c.Major, c.Minor)
}

// Arch is the kind of binary an artifact holds.
type Arch string

const (
	// ArchSM is machine code for one hardware revision.
	ArchSM Arch = "sm"
	// ArchCompute is intermediate code the driver compiles for newer hardware.
	ArchCompute Arch = "compute"
)

// Ext returns the file extension of the arch.
func (a Arch) Ext() string {
	if a == ArchCompute {
		return "ptx"
	}
	return "cubin"
}

// ArtifactName is the file name of a locally compiled kernel:
// <prefix>_<kernel>_<arch>_<major><minor>_<hash>.<ext>
type ArtifactName struct {
	Prefix     string
	Kernel     string
	Arch       Arch
	Capability Capability
	Hash       string
}

func (n ArtifactName) String() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s.%s", n.Prefix, n.Kernel, n.Arch, n.Capability.digits(), n.Hash, n.Arch.Ext())
}

// ParseArtifactName parses a file name produced by ArtifactName.String. The
// prefix must not contain underscores; the kernel name may.
func ParseArtifactName(name string) (ArtifactName, error) {
	base, ext, ok := strings.Cut(name, ".")
	if !ok {
		return ArtifactName{}, fmt.Errorf("artifact %q has no extension", name)
	}
	prefix, rest, ok := strings.Cut(base, "_")
	if !ok {
		return ArtifactName{}, fmt.Errorf("artifact %q has no prefix", name)
	}
	parts := strings.Split(rest, "_")
	if len(parts) < 4 {
		return ArtifactName{}, fmt.Errorf("artifact %q does not match <prefix>_<kernel>_<arch>_<rev>_<hash>.<ext>", name)
	}
	n := len(parts)
	hash, rev, arch := parts[n-1], parts[n-2], Arch(parts[n-3])
	kernel := strings.Join(parts[:n-3], "_")

	if arch != ArchSM && arch != ArchCompute {
		return ArtifactName{}, fmt.Errorf("artifact %q has unknown arch %q", name, arch)
	}
	if ext != arch.Ext() {
		return ArtifactName{}, fmt.Errorf("artifact %q: extension %q does not match arch %q", name, ext, arch)
	}
	if len(rev) < 2 || hash == "" || kernel == "" {
		return ArtifactName{}, fmt.Errorf("artifact %q is malformed", name)
	}
	// The minor revision is always one digit.
	major, err := strconv.Atoi(rev[:len(rev)-1])
	if err != nil {
		return ArtifactName{}, fmt.Errorf("artifact %q: bad revision %q: %w", name, rev, err)
	}
	minor, err := strconv.Atoi(rev[len(rev)-1:])
	if err != nil {
		return ArtifactName{}, fmt.Errorf("artifact %q: bad revision %q: %w", name, rev, err)
	}
	return ArtifactName{
		Prefix:     prefix,
		Kernel:     kernel,
		Arch:       arch,
		Capability: Capability{Major: major, Minor: minor},
		Hash:       hash,
	}, nil
}

// precompiledName is the file name of a binary shipped in the lib directory.
func precompiledName(kernel string, arch Arch, c Capability) string {
	return fmt.Sprintf("%s_%s_%s.%s", kernel, arch, c.digits(), arch.Ext())
}
