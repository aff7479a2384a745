package logging

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/utils"
	"github.com/aprovafacil/cachemon/utils/merge"
)

var ErrInvalidConfig = errors.New("invalid adaptive logging configuration")

// Threshold is the duration at which an operation counts as slow (Warn) or very slow
// (Error).
type Threshold struct {
	Warn  time.Duration `yaml:"warn" json:"warn"`
	Error time.Duration `yaml:"error" json:"error"`
}

type Config struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Level restored after a quiet window.
	BaseLevel *zapcore.Level `yaml:"base_level" json:"base_level"`

	// Level applied when warn or error threshold breaches reach TriggerCount.
	WarnLevel  *zapcore.Level `yaml:"warn_level" json:"warn_level"`
	ErrorLevel *zapcore.Level `yaml:"error_level" json:"error_level"`

	// Breaches of the same severity within Window that escalate the level.
	TriggerCount int           `yaml:"trigger_count" json:"trigger_count"`
	Window       time.Duration `yaml:"window" json:"window"`

	// Number of observations kept for statistics.
	MaxHistory int `yaml:"max_history" json:"max_history"`

	Thresholds map[cache.OperationKind]Threshold `yaml:"thresholds" json:"thresholds,omitempty"`
}

func DefaultThresholds() map[cache.OperationKind]Threshold {
	return map[cache.OperationKind]Threshold{
		cache.OpGet:        {Warn: 100 * time.Millisecond, Error: 500 * time.Millisecond},
		cache.OpSet:        {Warn: 200 * time.Millisecond, Error: time.Second},
		cache.OpDelete:     {Warn: 100 * time.Millisecond, Error: 500 * time.Millisecond},
		cache.OpInvalidate: {Warn: 200 * time.Millisecond, Error: time.Second},
		cache.OpClear:      {Warn: 500 * time.Millisecond, Error: 2 * time.Second},
	}
}

func DefaultConfig() Config {
	return Config{
		Enabled:      utils.ToPtr(true),
		BaseLevel:    utils.ToPtr(zapcore.WarnLevel),
		WarnLevel:    utils.ToPtr(zapcore.InfoLevel),
		ErrorLevel:   utils.ToPtr(zapcore.DebugLevel),
		TriggerCount: 3,
		Window:       time.Minute,
		MaxHistory:   1000,
		Thresholds:   DefaultThresholds(),
	}
}

// Merged returns c with the non-zero fields of partial applied. Thresholds merge per
// operation.
func (c Config) Merged(partial Config) (Config, error) {
	merged := c.Clone()
	if err := merge.Into(&merged, partial.Clone()); err != nil {
		return Config{}, err
	}
	return merged, nil
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.Enabled != nil {
		out.Enabled = utils.ToPtr(*c.Enabled)
	}
	for _, level := range []**zapcore.Level{&out.BaseLevel, &out.WarnLevel, &out.ErrorLevel} {
		if *level != nil {
			*level = utils.ToPtr(**level)
		}
	}
	if c.Thresholds != nil {
		out.Thresholds = make(map[cache.OperationKind]Threshold, len(c.Thresholds))
		for k, v := range c.Thresholds {
			out.Thresholds[k] = v
		}
	}
	return out
}

func (c Config) Validate() error {
	for name, level := range map[string]*zapcore.Level{"base_level": c.BaseLevel, "warn_level": c.WarnLevel, "error_level": c.ErrorLevel} {
		if level == nil {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, name)
		}
		if *level < zapcore.DebugLevel || *level > zapcore.ErrorLevel {
			return fmt.Errorf("%w: %s must be one of debug, info, warn, error", ErrInvalidConfig, name)
		}
	}
	if c.TriggerCount < 1 {
		return fmt.Errorf("%w: trigger_count must be at least 1", ErrInvalidConfig)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if c.MaxHistory <= 0 {
		return fmt.Errorf("%w: max_history must be positive", ErrInvalidConfig)
	}
	for op, threshold := range c.Thresholds {
		if threshold.Warn <= 0 || threshold.Error < threshold.Warn {
			return fmt.Errorf("%w: threshold for %s needs 0 < warn <= error", ErrInvalidConfig, op)
		}
	}
	return nil
}

func (c Config) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}
