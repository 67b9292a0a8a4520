// Package logging builds the zap loggers used across edgeflow.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and output format.
type Config struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	// Encoding is "json" or "console". Empty picks console for development
	// loggers and json otherwise.
	Encoding string `mapstructure:"encoding"`
}

// ParseLevel maps a level name to an atomic level, defaulting to info.
func ParseLevel(levelString string) zap.AtomicLevel {
	switch strings.ToLower(levelString) {
	case "debug":
		return zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn", "warning":
		return zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
}

// New builds a logger from cfg.
func New(cfg Config, initialFields ...zap.Field) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = ParseLevel(cfg.Level)
	if cfg.Encoding != "" {
		zcfg.Encoding = cfg.Encoding
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(initialFields...), nil
}
