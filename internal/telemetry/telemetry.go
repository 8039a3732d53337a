// Package telemetry builds the zap.Logger every other package takes as a
// constructor argument. There is no package-level logger anywhere in this
// module — callers inject one, the way edirooss-zmux-server's services take
// a *zap.Logger and call log.Named(...) for their own subsystem.
package telemetry

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cpucoord/lewi/internal/config"
)

// New builds a logger from the verbose/verbose-fmt options. Verbose
// logging and its format are a pure observability surface: neither
// changes coordinator semantics.
func New(opts config.Options) (*zap.Logger, error) {
	var cfg zap.Config
	if opts.Verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch opts.VerboseFormat {
	case config.FormatJSON:
		cfg.Encoding = "json"
	default:
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if !opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// Nop returns a logger that discards everything, for callers (mostly
// tests) that don't care about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
