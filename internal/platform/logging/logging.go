// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console development logger when env is "development".
// level is one of debug, info, warn, error; empty means info.
func New(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(env, "development") {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// Must is New that falls back to zap.NewNop on error after printing it.
func Must(env, level string) *zap.Logger {
	logger, err := New(env, level)
	if err != nil {
		fallback, ferr := zap.NewProduction()
		if ferr != nil {
			return zap.NewNop()
		}
		fallback.Warn("logger config rejected, using production defaults", zap.Error(err))
		return fallback
	}
	return logger
}
