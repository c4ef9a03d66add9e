package kernel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeToolchain records compiler invocations and writes the output file.
type fakeToolchain struct {
	missing  bool
	version  int
	fail     error
	noOutput bool
	calls    [][]string
}

func (f *fakeToolchain) Path() (string, error) {
	if f.missing {
		return "", ErrCompilerNotFound
	}
	return "/opt/cuda/bin/nvcc", nil
}

func (f *fakeToolchain) Version(context.Context) (int, error) {
	return f.version, nil
}

func (f *fakeToolchain) Compile(ctx context.Context, args []string) error {
	f.calls = append(f.calls, args)
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.fail != nil {
		return f.fail
	}
	if f.noOutput {
		return nil
	}
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			return os.WriteFile(args[i+1], []byte(".global __texture_info 8\n"), 0o644)
		}
	}
	return errors.New("no output argument")
}

type fixture struct {
	root string
	opts Options
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		Name:              "kernel",
		Base:              "cuda",
		Prefix:            "fxn",
		LibPath:           filepath.Join(root, "lib"),
		SourcePath:        filepath.Join(root, "source"),
		CachePath:         filepath.Join(root, "cache"),
		SupportedVersions: []int{122},
		MachineBits:       64,
	}
	writeFile(t, filepath.Join(opts.SourcePath, "kernel", "device", "cuda", "kernel.cu"), "__global__ void kernel() {}\n")
	writeFile(t, filepath.Join(opts.SourcePath, "kernel", "types.h"), "#pragma once\n")
	return fixture{root: root, opts: opts}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newResolver(t *testing.T, opts Options, tc Toolchain) *Resolver {
	t.Helper()
	r, err := NewResolver(opts, tc, zap.NewNop())
	require.NoError(t, err)
	r.getenv = func(string) string { return "" }
	return r
}

func TestResolver_Precompiled(t *testing.T) {
	ctx := context.Background()

	t.Run("machine code for the exact revision", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_sm_86.cubin"), "cubin")
		tc := &fakeToolchain{version: 122}

		artifact, err := newResolver(t, f.opts, tc).Resolve(ctx, Capability{8, 6})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(f.opts.LibPath, "kernel_sm_86.cubin"), artifact.Path)
		assert.Equal(t, SourcePrecompiled, artifact.Source)
		assert.Empty(t, tc.calls)
	})

	t.Run("closest older intermediate code", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_compute_75.ptx"), "ptx")
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_compute_50.ptx"), "ptx")

		artifact, err := newResolver(t, f.opts, &fakeToolchain{version: 122}).Resolve(ctx, Capability{8, 6})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(f.opts.LibPath, "kernel_compute_75.ptx"), artifact.Path)
		assert.Equal(t, SourceIntermediate, artifact.Source)
	})

	t.Run("newer intermediate code is not used", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_compute_90.ptx"), "ptx")
		tc := &fakeToolchain{version: 122}

		artifact, err := newResolver(t, f.opts, tc).Resolve(ctx, Capability{8, 6})
		require.NoError(t, err)
		assert.Equal(t, SourceCompiled, artifact.Source)
		assert.Len(t, tc.calls, 1)
	})

	t.Run("adaptive compilation skips precompiled kernels", func(t *testing.T) {
		f := newFixture(t)
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_sm_86.cubin"), "cubin")
		f.opts.Adaptive = true
		f.opts.BuildOptions = "-D__NO_BAKING__ -D__NO_HAIR__"
		tc := &fakeToolchain{version: 122}

		artifact, err := newResolver(t, f.opts, tc).Resolve(ctx, Capability{8, 6})
		require.NoError(t, err)
		assert.Equal(t, SourceCompiled, artifact.Source)
		require.Len(t, tc.calls, 1)
		assert.Contains(t, tc.calls[0], "-D__NO_HAIR__")
	})
}

func TestResolver_CompileOnceThenReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tc := &fakeToolchain{version: 122}

	r := newResolver(t, f.opts, tc)
	first, err := r.Resolve(ctx, Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, SourceCompiled, first.Source)
	assert.Equal(t, StateReady, r.State())
	require.Len(t, tc.calls, 1)

	name, err := ParseArtifactName(filepath.Base(first.Path))
	require.NoError(t, err)
	assert.Equal(t, "fxn", name.Prefix)
	assert.Equal(t, ArchSM, name.Arch)
	assert.Equal(t, Capability{8, 6}, name.Capability)
	assert.Equal(t, filepath.Join(f.opts.CachePath, "kernels"), filepath.Dir(first.Path))

	// A new resolver finds the artifact on disk.
	second, err := newResolver(t, f.opts, tc).Resolve(ctx, Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, SourceCache, second.Source)
	assert.Len(t, tc.calls, 1, "cached artifact must not be recompiled")

	// The same resolver remembers its result.
	again, err := r.Resolve(ctx, Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Len(t, tc.calls, 1)

	// A removed artifact is rebuilt.
	require.NoError(t, os.Remove(first.Path))
	rebuilt, err := r.Resolve(ctx, Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, SourceCompiled, rebuilt.Source)
	assert.FileExists(t, rebuilt.Path)
	assert.Len(t, tc.calls, 2)
}

func TestResolver_CancelledCompileIsRetried(t *testing.T) {
	f := newFixture(t)
	tc := &fakeToolchain{version: 122}
	r := newResolver(t, f.opts, tc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, Capability{8, 6})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, r.State())

	artifact, err := r.Resolve(context.Background(), Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, SourceCompiled, artifact.Source)
	assert.FileExists(t, artifact.Path)
	assert.Len(t, tc.calls, 2)
}

func TestResolver_CompilerArguments(t *testing.T) {
	f := newFixture(t)
	f.opts.ForcePTX = true
	tc := &fakeToolchain{version: 122}

	artifact, err := newResolver(t, f.opts, tc).Resolve(context.Background(), Capability{7, 5})
	require.NoError(t, err)
	require.Len(t, tc.calls, 1)

	args := tc.calls[0]
	assert.Equal(t, "-arch=compute_75", args[0])
	assert.Equal(t, "--ptx", args[1])
	assert.Equal(t, filepath.Join(f.opts.SourcePath, "kernel", "device", "cuda", "kernel.cu"), args[2])
	assert.Equal(t, []string{"-o", artifact.Path}, args[3:5])
	assert.Equal(t, []string{"-m64", "--ptxas-options=-v", "--use_fast_math", "-DNVCC", "-I" + f.opts.SourcePath}, args[5:])
	assert.Equal(t, ".ptx", filepath.Ext(artifact.Path))
}

func TestResolver_HashInputs(t *testing.T) {
	f := newFixture(t)
	c := Capability{8, 6}
	sourceHash, err := HashSources(f.opts.SourcePath)
	require.NoError(t, err)

	base := newResolver(t, f.opts, nil).ArtifactName(c, sourceHash)

	t.Run("environment flags", func(t *testing.T) {
		r := newResolver(t, f.opts, nil)
		r.getenv = func(key string) string {
			if key == ExtraFlagsEnv {
				return "-lineinfo -G"
			}
			return ""
		}
		flags := r.CommonFlags()
		assert.Equal(t, []string{"-lineinfo", "-G"}, flags[len(flags)-2:])
		assert.NotEqual(t, base.Hash, r.ArtifactName(c, sourceHash).Hash)
	})

	t.Run("build options only count when adaptive", func(t *testing.T) {
		opts := f.opts
		opts.BuildOptions = "-D__NO_HAIR__"
		assert.Equal(t, base.Hash, newResolver(t, opts, nil).ArtifactName(c, sourceHash).Hash)

		opts.Adaptive = true
		assert.NotEqual(t, base.Hash, newResolver(t, opts, nil).ArtifactName(c, sourceHash).Hash)
	})

	t.Run("source contents", func(t *testing.T) {
		again, err := HashSources(f.opts.SourcePath)
		require.NoError(t, err)
		assert.Equal(t, sourceHash, again)

		writeFile(t, filepath.Join(f.opts.SourcePath, "kernel", "types.h"), "#pragma once\n#define X 1\n")
		changed, err := HashSources(f.opts.SourcePath)
		require.NoError(t, err)
		assert.NotEqual(t, sourceHash, changed)
	})
}

func TestResolver_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("hardware too old", func(t *testing.T) {
		f := newFixture(t)
		tc := &fakeToolchain{version: 122}
		r := newResolver(t, f.opts, tc)

		_, err := r.Resolve(ctx, Capability{2, 1})
		assert.ErrorIs(t, err, ErrUnsupportedHardware)
		assert.Equal(t, StateFailed, r.State())
		assert.Empty(t, tc.calls)
	})

	t.Run("binary not found for this hardware", func(t *testing.T) {
		f := newFixture(t)
		f.opts.RequirePrecompiled = true
		writeFile(t, filepath.Join(f.opts.LibPath, "kernel_sm_75.cubin"), "cubin")
		tc := &fakeToolchain{version: 122}
		r := newResolver(t, f.opts, tc)
		require.True(t, r.HavePrecompiledKernels())

		_, err := r.Resolve(ctx, Capability{3, 5})
		assert.ErrorIs(t, err, ErrBinaryNotFound)
		assert.NotErrorIs(t, err, ErrUnsupportedHardware)
		assert.Contains(t, err.Error(), "3.5")
		assert.Empty(t, tc.calls)
	})

	t.Run("compiler missing", func(t *testing.T) {
		f := newFixture(t)
		r := newResolver(t, f.opts, &fakeToolchain{missing: true})
		_, err := r.Resolve(ctx, Capability{8, 6})
		assert.ErrorIs(t, err, ErrCompilerNotFound)
		assert.Equal(t, StateFailed, r.State())
	})

	t.Run("toolchain too old", func(t *testing.T) {
		f := newFixture(t)
		tc := &fakeToolchain{version: 75}
		_, err := newResolver(t, f.opts, tc).Resolve(ctx, Capability{8, 6})
		assert.ErrorIs(t, err, ErrUnsupportedToolchain)
		assert.Contains(t, err.Error(), "7.5")
		assert.Empty(t, tc.calls)
	})

	t.Run("compiler fails", func(t *testing.T) {
		f := newFixture(t)
		tc := &fakeToolchain{version: 122, fail: errors.New("exit status 1")}
		r := newResolver(t, f.opts, tc)
		_, err := r.Resolve(ctx, Capability{8, 6})
		assert.ErrorIs(t, err, ErrCompileFailed)

		// Failures are remembered, not retried.
		_, err = r.Resolve(ctx, Capability{8, 6})
		assert.ErrorIs(t, err, ErrCompileFailed)
		assert.Len(t, tc.calls, 1)
	})

	t.Run("compiler writes no output", func(t *testing.T) {
		f := newFixture(t)
		_, err := newResolver(t, f.opts, &fakeToolchain{version: 122, noOutput: true}).Resolve(ctx, Capability{8, 6})
		assert.ErrorIs(t, err, ErrCompileFailed)
	})
}

func TestResolver_UntestedToolchainWarns(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.WarnLevel)
	r, err := NewResolver(f.opts, &fakeToolchain{version: 131}, zap.New(core))
	require.NoError(t, err)
	r.getenv = func(string) string { return "" }

	artifact, err := r.Resolve(context.Background(), Capability{8, 6})
	require.NoError(t, err)
	assert.Equal(t, SourceCompiled, artifact.Source)

	warnings := logs.FilterMessageSnippet("13.1").All()
	assert.Len(t, warnings, 1)
}

func TestNewResolver_ValidatesOptions(t *testing.T) {
	_, err := NewResolver(Options{Name: "kernel", Prefix: "my_prefix"}, nil, nil)
	assert.Error(t, err)
	_, err = NewResolver(Options{Prefix: "fxn"}, nil, nil)
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	out := "nvcc: NVIDIA (R) Cuda compiler driver\nCuda compilation tools, release 12.2, V12.2.140\n"
	v, err := ParseVersion(out)
	require.NoError(t, err)
	assert.Equal(t, 122, v)

	_, err = ParseVersion("gcc (GCC) 13.2.0")
	assert.Error(t, err)
}
