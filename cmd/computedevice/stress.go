package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/device"
)

// surface is what the stress run needs from a single device or the
// combined multi-device view.
type surface interface {
	device.Allocator
	BindTexture(mem *device.Memory) error
	UnbindTexture(mem *device.Memory) error
}

type stressOptions struct {
	Buffers     int
	BufferSize  uint64
	Textures    int
	TextureSize uint64
}

type stressResult struct {
	Buffers  int
	Textures int
	Bytes    uint64
}

func stressCommand() *cli.Command {
	return &cli.Command{
		Name:  "stress",
		Usage: "Fill device memory with buffers and textures to exercise host fallback and eviction",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "buffers", Value: 8, Usage: "Number of linear buffers"},
			&cli.StringFlag{Name: "buffer-size", Value: "64 MiB", Usage: "Size of each buffer"},
			&cli.IntFlag{Name: "textures", Value: 4, Usage: "Number of 2D images"},
			&cli.StringFlag{Name: "texture-size", Value: "32 MiB", Usage: "Size of each image"},
			&cli.BoolFlag{Name: "multi", Usage: "Replicate across every open device"},
		},
		Action: func(c *cli.Context) error {
			cfg, log := metadata(c)
			opts := stressOptions{
				Buffers:  c.Int("buffers"),
				Textures: c.Int("textures"),
			}
			var err error
			if opts.BufferSize, err = humanize.ParseBytes(c.String("buffer-size")); err != nil {
				return fmt.Errorf("invalid buffer size: %w", err)
			}
			if opts.TextureSize, err = humanize.ParseBytes(c.String("texture-size")); err != nil {
				return fmt.Errorf("invalid texture size: %w", err)
			}

			m, err := openManager(cfg, log)
			if err != nil {
				return err
			}
			defer m.Close()

			var s surface = m.Devices()[0]
			if c.Bool("multi") {
				multi, err := m.Multi(cfg.Devices.PeerSharing)
				if err != nil {
					return err
				}
				s = multi
			}

			var summary []device.Info
			result, err := runStress(s, opts, log, func() {
				summary, _ = m.Info()
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Allocated %d buffers and %d textures, %s in total\n\n",
				result.Buffers, result.Textures, humanize.IBytes(result.Bytes))
			renderInfo(c.App.Writer, m.DriverName(), summary)
			return nil
		},
	}
}

// runStress allocates the requested objects on s, calls report while they
// are all live, then frees them.
func runStress(s surface, opts stressOptions, log *zap.Logger, report func()) (stressResult, error) {
	var (
		result   stressResult
		buffers  []*device.Memory
		textures []*device.Memory
	)
	release := func() error {
		var errs *multierror.Error
		for _, mem := range textures {
			if err := s.UnbindTexture(mem); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		for _, mem := range buffers {
			if err := s.MemFree(mem); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return errs.ErrorOrNil()
	}

	const texelSize = 4
	for i := 0; i < opts.Textures; i++ {
		width := 1024
		height := int(opts.TextureSize / (texelSize * uint64(width)))
		if height < 1 {
			height = 1
		}
		mem := device.NewTexture(fmt.Sprintf("stress_image_%d", i), i, device.TypeUChar, texelSize, device.TextureInfo{
			DataType:  device.ImageByte4,
			Extension: device.ExtensionExtend,
		})
		fill(mem.Alloc(width, height, 0), i)
		if err := s.BindTexture(mem); err != nil {
			return result, multierror.Append(fmt.Errorf("bind %s: %w", mem.Name, err), release()).ErrorOrNil()
		}
		textures = append(textures, mem)
		result.Textures++
		result.Bytes += mem.Size()
	}

	for i := 0; i < opts.Buffers; i++ {
		mem := device.NewMemory(fmt.Sprintf("stress_buffer_%d", i), device.KindGeneric, device.TypeUChar, 1)
		fill(mem.Alloc(int(opts.BufferSize), 0, 0), i)
		if err := s.MemAlloc(mem); err != nil {
			return result, multierror.Append(fmt.Errorf("allocate %s: %w", mem.Name, err), release()).ErrorOrNil()
		}
		buffers = append(buffers, mem)
		if err := s.MemCopyTo(mem); err != nil {
			return result, multierror.Append(fmt.Errorf("copy %s: %w", mem.Name, err), release()).ErrorOrNil()
		}
		result.Buffers++
		result.Bytes += mem.Size()
	}

	log.Info("Stress allocations complete",
		zap.Int("buffers", result.Buffers),
		zap.Int("textures", result.Textures),
		zap.String("total", humanize.IBytes(result.Bytes)))
	if report != nil {
		report()
	}
	return result, release()
}

func fill(buf []byte, seed int) {
	for i := range buf {
		buf[i] = byte(i + seed)
	}
}
