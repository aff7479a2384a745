package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	// One of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`

	// Console encoder with development defaults instead of production JSON.
	Development *bool `yaml:"development" json:"development"`
}

// NewLogger builds the process logger. The returned level drives its verbosity and is
// shared with the AdaptiveLogger.
func NewLogger(cfg LoggerConfig) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, level, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development != nil && *cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zapConfig.Level = level

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, level, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, level, nil
}
