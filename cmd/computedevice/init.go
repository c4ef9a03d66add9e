package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/fixtures"
	"github.com/fxnlabs/computedevice/internal/config"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write the default configuration into the home directory",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config.yaml",
			},
		},
		Action: func(c *cli.Context) error {
			_, log := metadata(c)
			home := c.App.Metadata["homeDir"].(string)
			path, err := writeConfig(home, c.Bool("force"))
			if err != nil {
				return err
			}
			log.Info("Configuration written", zap.String("path", path))
			return nil
		},
	}
}

// writeConfig writes the configuration template into home and creates the
// kernel directories it refers to.
func writeConfig(home string, force bool) (string, error) {
	path := config.ConfigPath(home)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists, use --force to overwrite it", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", home, err)
	}
	if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return "", err
	}
	for _, dir := range []string{cfg.Kernel.SourcePath, cfg.Kernel.CachePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return path, nil
}
