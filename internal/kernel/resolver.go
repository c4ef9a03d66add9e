package kernel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/metrics"
)

// ExtraFlagsEnv names the environment variable appended to the compiler flags
// of every local compilation.
const ExtraFlagsEnv = "COMPUTEDEVICE_KERNEL_EXTRA_CFLAGS"

// MinimumToolchainVersion is the oldest compiler release that can build the
// kernel, as major*10+minor.
const MinimumToolchainVersion = 80

// State is the progress of a resolution.
type State int

const (
	StateUnresolved State = iota
	StateProbingPrecompiled
	StateProbingCache
	StateCompiling
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateProbingPrecompiled:
		return "probing-precompiled"
	case StateProbingCache:
		return "probing-cache"
	case StateCompiling:
		return "compiling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Source is where a resolved artifact came from.
type Source int

const (
	SourcePrecompiled Source = iota
	SourceIntermediate
	SourceCache
	SourceCompiled
)

func (s Source) String() string {
	switch s {
	case SourcePrecompiled:
		return "precompiled"
	case SourceIntermediate:
		return "ptx"
	case SourceCache:
		return "cache"
	case SourceCompiled:
		return "compiled"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Artifact is a kernel binary ready to load.
type Artifact struct {
	Path   string
	Source Source
}

// Options configure kernel resolution.
type Options struct {
	// Name is the kernel name, e.g. "kernel".
	Name string
	// Base is the directory of the kernel below source/kernel/device.
	Base string
	// Prefix starts the names of locally compiled artifacts. No underscores.
	Prefix string

	// LibPath holds precompiled binaries.
	LibPath string
	// SourcePath is the root of the kernel sources.
	SourcePath string
	// CachePath is where compiled artifacts are stored, under "kernels".
	CachePath string

	// Adaptive compiles a kernel specialised for BuildOptions instead of
	// using precompiled binaries.
	Adaptive     bool
	BuildOptions string
	// ForcePTX builds intermediate code instead of machine code.
	ForcePTX bool
	// RequirePrecompiled refuses to compile locally when precompiled
	// binaries are installed but none matches the hardware.
	RequirePrecompiled bool

	// SupportedVersions are the compiler releases known to work. Others
	// newer than MinimumToolchainVersion are tried with a warning.
	SupportedVersions []int
	// MachineBits is the host word size passed to the compiler.
	MachineBits int
}

func (o Options) validate() error {
	if o.Name == "" {
		return errors.New("kernel name is empty")
	}
	if o.Prefix == "" || strings.ContainsAny(o.Prefix, "_./") {
		return fmt.Errorf("kernel artifact prefix %q must be non-empty without '_', '.' or '/'", o.Prefix)
	}
	return nil
}

type resolution struct {
	artifact Artifact
	err      error
}

// Resolver finds or builds the kernel binary for a hardware revision.
// Results are remembered per revision; a failed resolution is not retried.
type Resolver struct {
	opts      Options
	toolchain Toolchain
	logger    *zap.Logger
	getenv    func(string) string

	mu       sync.Mutex
	state    State
	resolved map[Capability]resolution
}

// NewResolver creates a resolver using toolchain for local compilation.
func NewResolver(opts Options, toolchain Toolchain, logger *zap.Logger) (*Resolver, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MachineBits == 0 {
		opts.MachineBits = strconv.IntSize
	}
	return &Resolver{
		opts:      opts,
		toolchain: toolchain,
		logger:    logger.Named("kernel"),
		getenv:    os.Getenv,
		resolved:  make(map[Capability]resolution),
	}, nil
}

// State returns the state of the most recent resolution.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// HavePrecompiledKernels reports whether a precompiled kernel directory exists.
func (r *Resolver) HavePrecompiledKernels() bool {
	info, err := os.Stat(r.opts.LibPath)
	return err == nil && info.IsDir()
}

// CommonFlags returns the compiler flags shared by every build. They are
// part of the artifact hash.
func (r *Resolver) CommonFlags() []string {
	flags := []string{
		fmt.Sprintf("-m%d", r.opts.MachineBits),
		"--ptxas-options=-v",
		"--use_fast_math",
		"-DNVCC",
		"-I" + r.opts.SourcePath,
	}
	if r.opts.Adaptive {
		flags = append(flags, strings.Fields(r.opts.BuildOptions)...)
	}
	if extra := r.getenv(ExtraFlagsEnv); extra != "" {
		flags = append(flags, strings.Fields(extra)...)
	}
	return flags
}

func (r *Resolver) arch() Arch {
	if r.opts.ForcePTX {
		return ArchCompute
	}
	return ArchSM
}

// ArtifactName returns the cache file name for c given the source hash.
func (r *Resolver) ArtifactName(c Capability, sourceHash string) ArtifactName {
	return ArtifactName{
		Prefix:     r.opts.Prefix,
		Kernel:     r.opts.Name,
		Arch:       r.arch(),
		Capability: c,
		Hash:       HashString(sourceHash + strings.Join(r.CommonFlags(), " ")),
	}
}

// Resolve returns the kernel binary for c, compiling it if needed.
// Resolutions are serialised. A remembered artifact that was removed from
// disk is resolved again.
func (r *Resolver) Resolve(ctx context.Context, c Capability) (Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if res, ok := r.resolved[c]; ok && (res.err != nil || fileExists(res.artifact.Path)) {
		return res.artifact, res.err
	}
	artifact, err := r.resolve(ctx, c)
	if err != nil {
		r.state = StateFailed
		r.logger.Error("Kernel resolution failed", zap.Stringer("capability", c), zap.Error(err))
	} else {
		r.state = StateReady
		metrics.KernelResolutions.WithLabelValues(artifact.Source.String()).Inc()
		r.logger.Info("Kernel resolved", zap.String("path", artifact.Path), zap.Stringer("source", artifact.Source))
	}
	// A cancelled or timed out caller says nothing about the kernel.
	if err != nil && ctx.Err() != nil {
		delete(r.resolved, c)
		return artifact, err
	}
	r.resolved[c] = resolution{artifact: artifact, err: err}
	return artifact, err
}

func (r *Resolver) resolve(ctx context.Context, c Capability) (Artifact, error) {
	r.state = StateProbingPrecompiled
	if err := c.Supported(); err != nil {
		return Artifact{}, err
	}
	if !r.opts.Adaptive {
		if artifact, ok := r.probePrecompiled(c); ok {
			return artifact, nil
		}
	}

	r.state = StateProbingCache
	sourceHash, err := HashSources(r.opts.SourcePath)
	if err != nil {
		return Artifact{}, err
	}
	name := r.ArtifactName(c, sourceHash)
	path := filepath.Join(r.opts.CachePath, "kernels", name.String())
	r.logger.Debug("Testing for locally compiled kernel", zap.String("path", path))
	if fileExists(path) {
		return Artifact{Path: path, Source: SourceCache}, nil
	}

	if r.opts.RequirePrecompiled && !r.opts.Adaptive && r.HavePrecompiledKernels() {
		return Artifact{}, fmt.Errorf("%w: no binary kernel for compute capability %s", ErrBinaryNotFound, c)
	}

	r.state = StateCompiling
	if err := r.compile(ctx, c, path); err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, Source: SourceCompiled}, nil
}

// probePrecompiled looks for machine code for c, then for intermediate code
// for c or any older revision down to major 3.
func (r *Resolver) probePrecompiled(c Capability) (Artifact, bool) {
	if !r.opts.ForcePTX {
		path := filepath.Join(r.opts.LibPath, precompiledName(r.opts.Name, ArchSM, c))
		r.logger.Debug("Testing for pre-compiled kernel", zap.String("path", path))
		if fileExists(path) {
			return Artifact{Path: path, Source: SourcePrecompiled}, true
		}
	}

	// The driver can compile intermediate code generated for older
	// generations, so take the closest one.
	ptx := c
	for ptx.Major >= MinimumCapability.Major {
		path := filepath.Join(r.opts.LibPath, precompiledName(r.opts.Name, ArchCompute, ptx))
		r.logger.Debug("Testing for pre-compiled kernel", zap.String("path", path))
		if fileExists(path) {
			return Artifact{Path: path, Source: SourceIntermediate}, true
		}
		if ptx.Minor > 0 {
			ptx.Minor--
		} else {
			ptx.Major--
			ptx.Minor = 9
		}
	}
	return Artifact{}, false
}

func (r *Resolver) compile(ctx context.Context, c Capability, output string) error {
	if r.toolchain == nil {
		return fmt.Errorf("%w: no toolchain configured", ErrCompilerNotFound)
	}
	compiler, err := r.toolchain.Path()
	if err != nil {
		return err
	}
	version, err := r.toolchain.Version(ctx)
	if err != nil {
		return fmt.Errorf("query compiler version: %w", err)
	}
	r.logger.Debug("Found compiler", zap.String("path", compiler), zap.String("version", formatVersion(version)))
	if version < MinimumToolchainVersion {
		return fmt.Errorf("%w: %s detected, %s or newer is needed",
			ErrUnsupportedToolchain, formatVersion(version), formatVersion(MinimumToolchainVersion))
	}
	if !r.supportedVersion(version) {
		r.logger.Warn(fmt.Sprintf("Compiler version %s detected, build may succeed but it is not officially supported",
			formatVersion(version)))
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return fmt.Errorf("create kernel cache directory: %w", err)
	}

	arch := r.arch()
	source := filepath.Join(r.opts.SourcePath, "kernel", "device", r.opts.Base, r.opts.Name+".cu")
	args := []string{
		fmt.Sprintf("-arch=%s_%s", arch, c.digits()),
		"--" + arch.Ext(), source,
		"-o", output,
	}
	args = append(args, r.CommonFlags()...)

	start := time.Now()
	if err := r.toolchain.Compile(ctx, args); err != nil {
		return fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	if !fileExists(output) {
		return fmt.Errorf("%w: compiler produced no %s", ErrCompileFailed, output)
	}
	elapsed := time.Since(start)
	metrics.KernelCompileDuration.Observe(elapsed.Seconds())
	r.logger.Info(fmt.Sprintf("Kernel compilation finished in %.2fs", elapsed.Seconds()))
	return nil
}

func (r *Resolver) supportedVersion(version int) bool {
	if len(r.opts.SupportedVersions) == 0 {
		return true
	}
	for _, v := range r.opts.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

func formatVersion(v int) string {
	return fmt.Sprintf("%d.%d", v/10, v%10)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
