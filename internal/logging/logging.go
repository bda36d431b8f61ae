// Package logging builds the zap loggers used process-wide, so every
// package that takes a *zap.SugaredLogger (formula.Engine, device.Runtime)
// gets one configured the same way.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the base logger's verbosity and encoding.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to
	// "info".
	Level string
	// Development switches to a human-readable console encoder with
	// stack traces on warn+, matching zap.NewDevelopment. Production
	// (the default) emits structured JSON.
	Development bool
}

// New builds the process-wide base logger.
func New(cfg Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := levelOf(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func levelOf(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return lvl, nil
}

// ForDevice returns a child logger tagged with the owning device's name,
// so every log line from a device's runtime, adapter and formula engine
// can be filtered by it.
func ForDevice(base *zap.Logger, name string) *zap.SugaredLogger {
	return base.With(zap.String("device", name)).Sugar()
}
