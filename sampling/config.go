package sampling

import (
	"errors"
	"fmt"
	"time"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/utils"
	"github.com/aprovafacil/cachemon/utils/merge"
)

var (
	ErrInvalidRate     = errors.New("sampling rate out of range")
	ErrInvalidConfig   = errors.New("invalid sampling configuration")
	ErrStrategyChanged = errors.New("sampling strategy kind cannot change in place")
)

type StrategyKind string

const (
	StrategyFixed    StrategyKind = "fixed"
	StrategyAdaptive StrategyKind = "adaptive"
	StrategyPriority StrategyKind = "priority"
)

// LoadSourceKind selects how the adaptive strategy measures load.
type LoadSourceKind string

const (
	// LoadOperations derives load from the rate of sampling attempts.
	LoadOperations LoadSourceKind = "operations"

	// LoadSystem reads the OS load average normalized by CPU count.
	LoadSystem LoadSourceKind = "system"

	// LoadManual uses a value supplied through ManualLoad.SetLoad.
	LoadManual LoadSourceKind = "manual"
)

type KeyPattern struct {
	Pattern  string  `yaml:"pattern" json:"pattern"`
	Priority float64 `yaml:"priority" json:"priority"`
}

// Config selects and parameterizes a sampling strategy. Pointer fields distinguish an
// explicit zero from "unchanged" when the config is merged as a partial update.
type Config struct {
	Strategy StrategyKind `yaml:"strategy" json:"strategy"`

	// Base probability in [0, 1].
	Rate *float64 `yaml:"rate" json:"rate"`

	// Bounds of the adaptive effective rate.
	MinRate *float64 `yaml:"min_rate" json:"min_rate"`
	MaxRate *float64 `yaml:"max_rate" json:"max_rate"`

	// Load in (0, 1] above which the adaptive rate is reduced.
	LoadThreshold float64        `yaml:"load_threshold" json:"load_threshold"`
	LoadSource    LoadSourceKind `yaml:"load_source" json:"load_source"`

	// Sliding window and target throughput for LoadOperations.
	RateWindow         time.Duration `yaml:"rate_window" json:"rate_window"`
	TargetOpsPerSecond float64       `yaml:"target_ops_per_second" json:"target_ops_per_second"`

	OperationPriorities map[cache.OperationKind]float64 `yaml:"operation_priorities" json:"operation_priorities,omitempty"`
	BackendPriorities   map[cache.BackendKind]float64   `yaml:"backend_priorities" json:"backend_priorities,omitempty"`
	KeyPatterns         []KeyPattern                    `yaml:"key_patterns" json:"key_patterns,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:           StrategyFixed,
		Rate:               utils.ToPtr(1.0),
		MinRate:            utils.ToPtr(0.0),
		MaxRate:            utils.ToPtr(1.0),
		LoadThreshold:      0.7,
		LoadSource:         LoadOperations,
		RateWindow:         10 * time.Second,
		TargetOpsPerSecond: 1000,
	}
}

// Merged returns c with the non-zero fields of partial applied.
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
	for _, rate := range []**float64{&out.Rate, &out.MinRate, &out.MaxRate} {
		if *rate != nil {
			value := **rate
			*rate = &value
		}
	}
	if c.OperationPriorities != nil {
		out.OperationPriorities = make(map[cache.OperationKind]float64, len(c.OperationPriorities))
		for k, v := range c.OperationPriorities {
			out.OperationPriorities[k] = v
		}
	}
	if c.BackendPriorities != nil {
		out.BackendPriorities = make(map[cache.BackendKind]float64, len(c.BackendPriorities))
		for k, v := range c.BackendPriorities {
			out.BackendPriorities[k] = v
		}
	}
	if c.KeyPatterns != nil {
		out.KeyPatterns = append([]KeyPattern(nil), c.KeyPatterns...)
	}
	return out
}

// Validate rejects configurations that cannot produce a probability. Unset fields are
// filled from DefaultConfig before checking. Key patterns are not compiled here; a bad
// pattern only disables that pattern.
func (c Config) Validate() error {
	c = c.withDefaults()

	switch c.Strategy {
	case StrategyFixed, StrategyAdaptive, StrategyPriority:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	switch c.LoadSource {
	case LoadOperations, LoadSystem, LoadManual:
	default:
		return fmt.Errorf("%w: unknown load source %q", ErrInvalidConfig, c.LoadSource)
	}

	for name, rate := range map[string]float64{"rate": *c.Rate, "min_rate": *c.MinRate, "max_rate": *c.MaxRate} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidRate, name, rate)
		}
	}
	if *c.MinRate > *c.MaxRate {
		return fmt.Errorf("%w: min_rate %v exceeds max_rate %v", ErrInvalidRate, *c.MinRate, *c.MaxRate)
	}
	if c.LoadThreshold < 0 || c.LoadThreshold > 1 {
		return fmt.Errorf("%w: load_threshold=%v", ErrInvalidConfig, c.LoadThreshold)
	}
	if c.RateWindow < 0 || c.TargetOpsPerSecond < 0 {
		return fmt.Errorf("%w: rate window and target throughput must not be negative", ErrInvalidConfig)
	}

	for op, p := range c.OperationPriorities {
		if p < 0 {
			return fmt.Errorf("%w: negative priority for operation %s", ErrInvalidConfig, op)
		}
	}
	for backend, p := range c.BackendPriorities {
		if p < 0 {
			return fmt.Errorf("%w: negative priority for backend %s", ErrInvalidConfig, backend)
		}
	}
	for _, pattern := range c.KeyPatterns {
		if pattern.Priority < 0 {
			return fmt.Errorf("%w: negative priority for key pattern %q", ErrInvalidConfig, pattern.Pattern)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = defaults.Strategy
	}
	if c.Rate == nil {
		c.Rate = defaults.Rate
	}
	if c.MinRate == nil {
		c.MinRate = defaults.MinRate
	}
	if c.MaxRate == nil {
		c.MaxRate = defaults.MaxRate
	}
	if c.LoadThreshold == 0 {
		c.LoadThreshold = defaults.LoadThreshold
	}
	if c.LoadSource == "" {
		c.LoadSource = defaults.LoadSource
	}
	if c.RateWindow == 0 {
		c.RateWindow = defaults.RateWindow
	}
	if c.TargetOpsPerSecond == 0 {
		c.TargetOpsPerSecond = defaults.TargetOpsPerSecond
	}
	return c
}
