package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/config"
	"github.com/fxnlabs/computedevice/internal/kernel"
)

func kernelCommands() *cli.Command {
	return &cli.Command{
		Name:  "kernel",
		Usage: "Locate and build kernel binaries",
		Subcommands: []*cli.Command{
			{
				Name:  "resolve",
				Usage: "Find or compile the kernel for a compute capability",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "capability",
						Usage: "Compute capability such as 8.6. Defaults to those of the open devices",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, log := metadata(c)
					caps, err := capabilities(cfg, log, c.StringSlice("capability"))
					if err != nil {
						return err
					}
					resolver, err := newResolver(cfg, log)
					if err != nil {
						return err
					}
					ctx, cancel := context.WithTimeout(c.Context, cfg.Kernel.CompileTimeout)
					defer cancel()
					return resolveKernels(ctx, c.App.Writer, resolver, caps)
				},
			},
			{
				Name:      "name",
				Usage:     "Print the cache file name the current sources compile to",
				ArgsUsage: "<capability>",
				Action: func(c *cli.Context) error {
					cfg, log := metadata(c)
					if c.NArg() != 1 {
						return fmt.Errorf("expected one compute capability argument")
					}
					major, minor, err := config.ParseComputeCapability(c.Args().First())
					if err != nil {
						return err
					}
					resolver, err := newResolver(cfg, log)
					if err != nil {
						return err
					}
					hash, err := kernel.HashSources(cfg.Kernel.SourcePath)
					if err != nil {
						return fmt.Errorf("failed to hash kernel sources: %w", err)
					}
					name := resolver.ArtifactName(kernel.Capability{Major: major, Minor: minor}, hash)
					fmt.Fprintln(c.App.Writer, name.String())
					return nil
				},
			},
		},
	}
}

// capabilities parses the requested revisions, or collects the distinct
// revisions of the configured devices when none are given.
func capabilities(cfg *config.Config, log *zap.Logger, requested []string) ([]kernel.Capability, error) {
	var caps []kernel.Capability
	for _, s := range requested {
		major, minor, err := config.ParseComputeCapability(s)
		if err != nil {
			return nil, err
		}
		caps = append(caps, kernel.Capability{Major: major, Minor: minor})
	}
	if len(caps) > 0 {
		return caps, nil
	}

	m, err := openManager(cfg, log)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	seen := make(map[kernel.Capability]bool)
	for _, d := range m.Devices() {
		c := d.ComputeCapability()
		if !seen[c] {
			seen[c] = true
			caps = append(caps, c)
		}
	}
	return caps, nil
}

func resolveKernels(ctx context.Context, w io.Writer, resolver *kernel.Resolver, caps []kernel.Capability) error {
	for _, c := range caps {
		artifact, err := resolver.Resolve(ctx, c)
		if err != nil {
			return fmt.Errorf("compute capability %s: %w", c, err)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c, artifact.Source, artifact.Path)
	}
	return nil
}
