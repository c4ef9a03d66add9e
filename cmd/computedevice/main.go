package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/config"
	"github.com/fxnlabs/computedevice/internal/logger"
)

func main() {
	var home string
	var verbosity string

	app := &cli.App{
		Name:  "computedevice",
		Usage: "Manage accelerator device memory and kernels",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "home",
				Value:       config.GetDefaultConfigHome(),
				Usage:       "Path to the computedevice home directory",
				EnvVars:     []string{"COMPUTEDEVICE_HOME"},
				Destination: &home,
			},
			&cli.StringFlag{
				Name:        "verbosity",
				Usage:       "Override the configured log level",
				Destination: &verbosity,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(home)
			if err != nil {
				return err
			}
			if verbosity != "" {
				cfg.Logger.Verbosity = verbosity
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, logger.WithConsole(), logger.WithOutputPaths("stderr"))
			if err != nil {
				return err
			}
			c.App.Metadata["homeDir"] = home
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(),
			kernelCommands(),
			stressCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads config.yaml from home. A missing file yields the
// defaults so every command works before init.
func loadConfig(home string) (*config.Config, error) {
	path := config.ConfigPath(home)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		cfg := &config.Config{}
		cfg.ApplyDefaults(home)
		return cfg, nil
	}
	return config.LoadConfig(path)
}

func metadata(c *cli.Context) (*config.Config, *zap.Logger) {
	return c.App.Metadata["config"].(*config.Config), c.App.Metadata["logger"].(*zap.Logger)
}
