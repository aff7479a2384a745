package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/sampling"
	"github.com/aprovafacil/cachemon/utils"
	"github.com/aprovafacil/cachemon/utils/merge"
)

var ErrInvalidConfig = errors.New("invalid metrics configuration")

type Config struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// Capacity of the record buffer.
	HistorySize int `yaml:"history_size" json:"history_size"`

	// Store payload sizes on records.
	CollectSizes *bool `yaml:"collect_sizes" json:"collect_sizes"`

	// Records older than MaxAge are removed by the periodic sweep.
	MaxAge        time.Duration `yaml:"max_age" json:"max_age"`
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval"`

	// Estimated bytes the records may hold. Zero disables the limit. When exceeded, the
	// oldest records are evicted until usage is at most MemoryLimitBytes×MemoryTargetFraction.
	MemoryLimitBytes     int64   `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
	MemoryTargetFraction float64 `yaml:"memory_target_fraction" json:"memory_target_fraction"`

	Sampling sampling.Config `yaml:"sampling" json:"sampling"`

	// Backends absent from the map are monitored.
	MonitoredBackends map[cache.BackendKind]bool `yaml:"monitored_backends" json:"monitored_backends,omitempty"`
}

func DefaultConfig() Config {
	monitored := make(map[cache.BackendKind]bool, len(cache.Backends))
	for _, backend := range cache.Backends {
		monitored[backend] = true
	}
	return Config{
		Enabled:              utils.ToPtr(true),
		HistorySize:          1000,
		CollectSizes:         utils.ToPtr(true),
		MaxAge:               time.Hour,
		PruneInterval:        time.Minute,
		MemoryLimitBytes:     5 * 1024 * 1024,
		MemoryTargetFraction: 0.8,
		Sampling:             sampling.DefaultConfig(),
		MonitoredBackends:    monitored,
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

func (c Config) Clone() Config {
	out := c
	if c.Enabled != nil {
		out.Enabled = utils.ToPtr(*c.Enabled)
	}
	if c.CollectSizes != nil {
		out.CollectSizes = utils.ToPtr(*c.CollectSizes)
	}
	if c.MonitoredBackends != nil {
		out.MonitoredBackends = make(map[cache.BackendKind]bool, len(c.MonitoredBackends))
		for k, v := range c.MonitoredBackends {
			out.MonitoredBackends[k] = v
		}
	}
	out.Sampling = c.Sampling.Clone()
	return out
}

func (c Config) Validate() error {
	if c.HistorySize <= 0 {
		return fmt.Errorf("%w: history_size must be positive, got %d", ErrInvalidConfig, c.HistorySize)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("%w: max_age must not be negative", ErrInvalidConfig)
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("%w: prune_interval must be positive", ErrInvalidConfig)
	}
	if c.MemoryLimitBytes < 0 {
		return fmt.Errorf("%w: memory_limit_bytes must not be negative", ErrInvalidConfig)
	}
	if c.MemoryTargetFraction <= 0 || c.MemoryTargetFraction > 1 {
		return fmt.Errorf("%w: memory_target_fraction must be in (0, 1], got %v", ErrInvalidConfig, c.MemoryTargetFraction)
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) enabled() bool {
	return c.Enabled == nil || *c.Enabled
}

func (c Config) collectSizes() bool {
	return c.CollectSizes == nil || *c.CollectSizes
}

func (c Config) monitors(backend cache.BackendKind) bool {
	monitored, ok := c.MonitoredBackends[backend]
	return !ok || monitored
}
