package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Toolchain is the external kernel compiler.
type Toolchain interface {
	// Path returns the compiler executable, or ErrCompilerNotFound.
	Path() (string, error)
	// Version returns the compiler release as major*10+minor, e.g. 122 for 12.2.
	Version(ctx context.Context) (int, error)
	// Compile runs the compiler with args.
	Compile(ctx context.Context, args []string) error
}

// NVCC runs the CUDA compiler driver.
type NVCC struct {
	path   string
	logger *zap.Logger
}

// NewNVCC returns a toolchain using the compiler at path, or searching PATH,
// $CUDA_PATH/bin and /usr/local/cuda/bin when path is empty.
func NewNVCC(path string, logger *zap.Logger) *NVCC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NVCC{path: path, logger: logger}
}

func (n *NVCC) Path() (string, error) {
	if n.path != "" {
		if _, err := os.Stat(n.path); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrCompilerNotFound, n.path, err)
		}
		return n.path, nil
	}
	if path, err := exec.LookPath("nvcc"); err == nil {
		return path, nil
	}
	var candidates []string
	if root := os.Getenv("CUDA_PATH"); root != "" {
		candidates = append(candidates, filepath.Join(root, "bin", "nvcc"))
	}
	candidates = append(candidates, "/usr/local/cuda/bin/nvcc")
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: nvcc is not in PATH, $CUDA_PATH/bin or /usr/local/cuda/bin", ErrCompilerNotFound)
}

var releasePattern = regexp.MustCompile(`release (\d+)\.(\d+)`)

// ParseVersion extracts the release from compiler version output.
func ParseVersion(output string) (int, error) {
	m := releasePattern.FindStringSubmatch(output)
	if m == nil {
		return 0, errors.New("no release in compiler version output")
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return major*10 + minor, nil
}

func (n *NVCC) Version(ctx context.Context) (int, error) {
	path, err := n.Path()
	if err != nil {
		return 0, err
	}
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return 0, fmt.Errorf("run %s --version: %w", path, err)
	}
	return ParseVersion(string(out))
}

func (n *NVCC) Compile(ctx context.Context, args []string) error {
	path, err := n.Path()
	if err != nil {
		return err
	}
	n.logger.Info("Compiling kernel", zap.String("command", path+" "+strings.Join(args, " ")))

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	err = cmd.Run()
	if output.Len() > 0 {
		n.logger.Debug("Compiler output", zap.String("output", output.String()))
	}
	if err != nil {
		return fmt.Errorf("%s: %w\n%s", filepath.Base(path), err, strings.TrimSpace(output.String()))
	}
	return nil
}
