package main

import (
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/config"
	"github.com/fxnlabs/computedevice/internal/device"
	"github.com/fxnlabs/computedevice/internal/driver"
	"github.com/fxnlabs/computedevice/internal/kernel"
)

func simDevices(cfg *config.Config) ([]driver.SimDevice, error) {
	var sims []driver.SimDevice
	for _, s := range cfg.Devices.Sim {
		d := driver.DefaultSimDevice()
		if s.Name != "" {
			d.Name = s.Name
		}
		if s.TotalMemory > 0 {
			d.TotalMemory = uint64(s.TotalMemory)
		}
		if s.PitchAlignment > 0 {
			d.PitchAlignment = s.PitchAlignment
		}
		if s.CanMapHost != nil {
			d.CanMapHost = *s.CanMapHost
		}
		if s.ComputeCapability != "" {
			major, minor, err := config.ParseComputeCapability(s.ComputeCapability)
			if err != nil {
				return nil, err
			}
			d.Major, d.Minor = major, minor
		}
		if s.Multiprocessors > 0 {
			d.Multiprocessors = s.Multiprocessors
		}
		if s.MaxThreadsPerMultiprocessor > 0 {
			d.MaxThreadsPerMultiprocessor = s.MaxThreadsPerMultiprocessor
		}
		if s.PeerAccess != nil {
			d.PeerAccess = *s.PeerAccess
		}
		sims = append(sims, d)
	}
	return sims, nil
}

func deviceOptions(cfg *config.Config) device.Options {
	return device.Options{
		WorkingHeadroom:    uint64(cfg.Memory.WorkingHeadroom),
		TextureHeadroom:    uint64(cfg.Memory.TextureHeadroom),
		HostLimit:          uint64(cfg.Memory.HostLimit),
		DisableHostMapping: cfg.Memory.DisableHostMapping,
	}
}

func kernelOptions(cfg *config.Config) kernel.Options {
	k := cfg.Kernel
	return kernel.Options{
		Name:               k.Name,
		Base:               k.Base,
		Prefix:             k.Prefix,
		LibPath:            k.LibPath,
		SourcePath:         k.SourcePath,
		CachePath:          k.CachePath,
		Adaptive:           k.Adaptive,
		BuildOptions:       k.BuildOptions,
		ForcePTX:           k.ForcePTX,
		RequirePrecompiled: k.RequirePrecompiled,
		SupportedVersions:  k.SupportedVersions,
	}
}

func openManager(cfg *config.Config, log *zap.Logger) (*device.Manager, error) {
	sims, err := simDevices(cfg)
	if err != nil {
		return nil, err
	}
	drv, err := driver.New(cfg.Devices.Driver, sims, log)
	if err != nil {
		return nil, err
	}
	opts := deviceOptions(cfg)
	log.Debug("Opening devices",
		zap.String("working_headroom", humanize.IBytes(opts.WorkingHeadroom)),
		zap.String("texture_headroom", humanize.IBytes(opts.TextureHeadroom)))
	return device.NewManager(drv, cfg.Devices.Ordinals, opts, log)
}

func newResolver(cfg *config.Config, log *zap.Logger) (*kernel.Resolver, error) {
	return kernel.NewResolver(kernelOptions(cfg), kernel.NewNVCC(cfg.Kernel.CompilerPath, log), log)
}
