// Package logging constructs the process-wide structured logger. A
// *zap.Logger is built once in cmd/ingestd and passed down by constructor
// injection; no package reaches for a package-level global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's format and level.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// JSON selects the production JSON encoder; false uses the
	// human-readable console encoder for local runs.
	JSON bool
}

// New builds a *zap.Logger per cfg. Callers must Sync before exit.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zcfg.Build()
}

// Nop returns a logger that discards everything, for tests that don't
// assert on log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
