package logger

import (
	"go.uber.org/zap"
)

// Option adjusts the logger configuration.
type Option func(*zap.Config)

// WithConsole switches to human readable output without call sites, used
// by interactive commands.
func WithConsole() Option {
	return func(c *zap.Config) {
		c.Encoding = "console"
		c.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		c.DisableCaller = true
	}
}

// WithOutputPaths sets where log entries are written.
func WithOutputPaths(paths ...string) Option {
	return func(c *zap.Config) {
		c.OutputPaths = paths
	}
}

func New(verbosity string, opts ...Option) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	// Allocation messages are emitted in bursts during scene upload.
	config.Sampling = nil
	for _, opt := range opts {
		opt(&config)
	}
	return config.Build()
}
