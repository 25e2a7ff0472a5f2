// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control logger construction.
type Options struct {
	Verbose bool
	// JSON selects the production JSON encoder; otherwise a console encoder is
	// used, which reads better in CI logs.
	JSON bool
	// Output replaces stderr as the destination when set.
	Output io.Writer
}

// New builds a logger from the production configuration, raising the level to
// debug when Verbose is set. Output goes to stderr so stdout stays free for
// command results.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if !opts.JSON {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.DisableStacktrace = !opts.Verbose
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	var buildOpts []zap.Option
	if opts.Output != nil {
		enc := zapcore.NewConsoleEncoder(cfg.EncoderConfig)
		if opts.JSON {
			enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
		}
		core := zapcore.NewCore(enc, zapcore.AddSync(opts.Output), cfg.Level)
		buildOpts = append(buildOpts, zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))
	}
	logger, err := cfg.Build(buildOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
