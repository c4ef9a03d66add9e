package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/computedevice/internal/config"
	"github.com/fxnlabs/computedevice/internal/device"
	"github.com/fxnlabs/computedevice/internal/kernel"
	"github.com/fxnlabs/computedevice/internal/logger"
	"github.com/fxnlabs/computedevice/internal/status"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Open the devices, load kernels and serve status and metrics over HTTP",
		Action: func(c *cli.Context) error {
			cfg, _ := metadata(c)
			app := fx.New(serveOptions(cfg))
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}

			<-app.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Metrics.ShutdownTimeout)
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func serveOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideManager,
			provideResolver,
			provideStatusServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(loadKernels),
		fx.Invoke(func(*status.Server) {}),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.Logger.Verbosity)
}

func provideManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*device.Manager, error) {
	m, err := openManager(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return m.Close()
		},
	})
	return m, nil
}

func provideResolver(cfg *config.Config, log *zap.Logger) (*kernel.Resolver, error) {
	return newResolver(cfg, log)
}

func provideStatusServer(lc fx.Lifecycle, cfg *config.Config, m *device.Manager, log *zap.Logger) *status.Server {
	s := status.NewServer(m, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			_, err := s.Start(cfg.Metrics.ListenAddress)
			return err
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
	return s
}

// loadKernels loads kernels when the server starts. A failure marks the
// affected devices in the status report instead of stopping the server.
func loadKernels(lc fx.Lifecycle, cfg *config.Config, m *device.Manager, resolver *kernel.Resolver, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Kernel.CompileTimeout)
			defer cancel()
			if err := m.LoadKernels(ctx, resolver); err != nil {
				log.Warn("Kernels are not loaded", zap.Error(err))
			}
			return nil
		},
	})
}
