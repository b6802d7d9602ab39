package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control how the process logger is built.
type Options struct {
	Level       string
	Environment string
	Service     string
	Version     string
}

// New builds a structured zap.Logger. Production environments emit JSON;
// development gets the console encoder with colored levels.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.Environment == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var fields []zap.Option
	if opts.Service != "" {
		fields = append(fields, zap.Fields(
			zap.String("service", opts.Service),
			zap.String("version", opts.Version),
		))
	}

	logger, err := cfg.Build(fields...)
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}
