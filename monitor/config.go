package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/utils/merge"
)

var ErrInvalidConfig = errors.New("invalid monitor config")

// Config holds the thresholds above which an instrumented verb is logged at warn level.
type Config struct {
	// Payloads strictly larger than this many bytes are reported.
	LargePayloadBytes int `yaml:"large_payload_bytes" json:"large_payload_bytes"`

	SlowThresholds map[cache.OperationKind]time.Duration `yaml:"slow_thresholds" json:"slow_thresholds"`
}

func DefaultConfig() Config {
	return Config{
		LargePayloadBytes: 100 * 1024,
		SlowThresholds: map[cache.OperationKind]time.Duration{
			cache.OpGet:        100 * time.Millisecond,
			cache.OpSet:        200 * time.Millisecond,
			cache.OpDelete:     100 * time.Millisecond,
			cache.OpInvalidate: 300 * time.Millisecond,
			cache.OpClear:      500 * time.Millisecond,
		},
	}
}

// Merged returns c with the non-zero fields of partial applied on top.
func (c Config) Merged(partial Config) (Config, error) {
	merged := c.Clone()
	if err := merge.Into(&merged, partial.Clone()); err != nil {
		return c, fmt.Errorf("failed to merge monitor config: %w", err)
	}
	return merged, nil
}

func (c Config) Clone() Config {
	clone := c
	if c.SlowThresholds != nil {
		clone.SlowThresholds = make(map[cache.OperationKind]time.Duration, len(c.SlowThresholds))
		for op, d := range c.SlowThresholds {
			clone.SlowThresholds[op] = d
		}
	}
	return clone
}

func (c Config) Validate() error {
	if c.LargePayloadBytes < 0 {
		return fmt.Errorf("%w: large_payload_bytes must not be negative, got %d", ErrInvalidConfig, c.LargePayloadBytes)
	}
	for op, d := range c.SlowThresholds {
		if d < 0 {
			return fmt.Errorf("%w: slow threshold for %s must not be negative, got %s", ErrInvalidConfig, op, d)
		}
	}
	return nil
}

// slow reports whether d exceeds the threshold of operation. Operations without a
// threshold are never slow.
func (c Config) slow(operation cache.OperationKind, d time.Duration) bool {
	threshold, ok := c.SlowThresholds[operation]
	return ok && threshold > 0 && d > threshold
}

func (c Config) large(size int) bool {
	return c.LargePayloadBytes > 0 && size > c.LargePayloadBytes
}
