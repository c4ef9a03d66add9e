package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DriverAuto = "auto"
	DriverCUDA = "cuda"
	DriverSim  = "sim"
)

// ByteSize is a size in bytes. In YAML it is written as a plain number or
// with a unit, e.g. "32 MiB" or "1.5GB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// SimDevice shapes one device of the simulated driver. Unset fields keep
// the defaults of the driver's mid-range device.
type SimDevice struct {
	Name                        string   `yaml:"name"`
	TotalMemory                 ByteSize `yaml:"totalMemory"`
	PitchAlignment              int      `yaml:"pitchAlignment"`
	CanMapHost                  *bool    `yaml:"canMapHost"`
	ComputeCapability           string   `yaml:"computeCapability"`
	Multiprocessors             int      `yaml:"multiprocessors"`
	MaxThreadsPerMultiprocessor int      `yaml:"maxThreadsPerMultiprocessor"`
	PeerAccess                  *bool    `yaml:"peerAccess"`
}

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Devices struct {
		Driver      string      `yaml:"driver"`
		Ordinals    []int       `yaml:"ordinals"`
		PeerSharing bool        `yaml:"peerSharing"`
		Sim         []SimDevice `yaml:"sim"`
	} `yaml:"devices"`
	Memory struct {
		WorkingHeadroom    ByteSize `yaml:"workingHeadroom"`
		TextureHeadroom    ByteSize `yaml:"textureHeadroom"`
		HostLimit          ByteSize `yaml:"hostLimit"`
		DisableHostMapping bool     `yaml:"disableHostMapping"`
	} `yaml:"memory"`
	Kernel struct {
		Name               string        `yaml:"name"`
		Base               string        `yaml:"base"`
		Prefix             string        `yaml:"prefix"`
		LibPath            string        `yaml:"libPath"`
		SourcePath         string        `yaml:"sourcePath"`
		CachePath          string        `yaml:"cachePath"`
		Adaptive           bool          `yaml:"adaptive"`
		BuildOptions       string        `yaml:"buildOptions"`
		ForcePTX           bool          `yaml:"forcePTX"`
		RequirePrecompiled bool          `yaml:"requirePrecompiled"`
		CompilerPath       string        `yaml:"compilerPath"`
		SupportedVersions  []int         `yaml:"supportedVersions"`
		CompileTimeout     time.Duration `yaml:"compileTimeout"`
	} `yaml:"kernel"`
	Metrics struct {
		ListenAddress   string        `yaml:"listenAddress"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"metrics"`
}

// GetDefaultConfigHome returns the directory holding config.yaml and the
// kernel cache.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".computedevice"
	}
	return filepath.Join(home, ".computedevice")
}

// ConfigPath returns the config file inside home.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.yaml")
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults(filepath.Dir(path))
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyDefaults fills unset fields. Relative kernel paths are resolved
// against home.
func (c *Config) ApplyDefaults(home string) {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Devices.Driver == "" {
		c.Devices.Driver = DriverAuto
	}

	k := &c.Kernel
	if k.Name == "" {
		k.Name = "kernel"
	}
	if k.Base == "" {
		k.Base = "cuda"
	}
	if k.Prefix == "" {
		k.Prefix = "computedevice"
	}
	if k.LibPath == "" {
		k.LibPath = "lib"
	}
	if k.SourcePath == "" {
		k.SourcePath = "source"
	}
	if k.CachePath == "" {
		k.CachePath = "cache"
	}
	for _, p := range []*string{&k.LibPath, &k.SourcePath, &k.CachePath} {
		if !filepath.IsAbs(*p) {
			*p = filepath.Join(home, *p)
		}
	}
	if k.CompileTimeout == 0 {
		k.CompileTimeout = 30 * time.Minute
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = "127.0.0.1:9464"
	}
	if c.Metrics.ShutdownTimeout == 0 {
		c.Metrics.ShutdownTimeout = 5 * time.Second
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Devices.Driver {
	case DriverAuto, DriverCUDA, DriverSim:
	default:
		return fmt.Errorf("unknown driver %q, expected %s, %s or %s", c.Devices.Driver, DriverAuto, DriverCUDA, DriverSim)
	}
	for _, o := range c.Devices.Ordinals {
		if o < 0 {
			return fmt.Errorf("invalid device ordinal %d", o)
		}
	}
	for i, s := range c.Devices.Sim {
		if s.ComputeCapability == "" {
			continue
		}
		if _, _, err := ParseComputeCapability(s.ComputeCapability); err != nil {
			return fmt.Errorf("sim device %d: %w", i, err)
		}
	}
	return nil
}

// ParseComputeCapability parses a "major.minor" revision.
func ParseComputeCapability(s string) (int, int, error) {
	var major, minor int
	if n, err := fmt.Sscanf(s, "%d.%d", &major, &minor); err != nil || n != 2 || major < 0 || minor < 0 {
		return 0, 0, fmt.Errorf("invalid compute capability %q", s)
	}
	return major, minor, nil
}
