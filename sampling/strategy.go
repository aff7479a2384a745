// Package sampling decides which cache operations are recorded.
//
// Three strategies share the Strategy interface: Fixed samples with a constant
// probability, Adaptive scales the probability with the load reported by a LoadSource, and
// Priority weights the probability by operation, backend and key pattern. Every strategy
// first applies AlwaysRecord, so invalidations, clears and errors are recorded regardless
// of the configured rate.
package sampling

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/cache"
)

// Context describes the operation being considered. Result is empty when the decision is
// made before the operation completes.
type Context struct {
	Operation cache.OperationKind
	Backend   cache.BackendKind
	Key       string
	Result    cache.Result
}

type Strategy interface {
	ShouldSample(ctx Context) bool

	// EffectiveRate returns the probability the strategy currently applies to an
	// operation with neutral priority.
	EffectiveRate() float64

	// UpdateConfig merges partial into the current configuration.
	UpdateConfig(partial Config) error

	Config() Config
}

// AlwaysRecord reports whether the operation bypasses sampling.
func AlwaysRecord(ctx Context) bool {
	return ctx.Operation == cache.OpInvalidate ||
		ctx.Operation == cache.OpClear ||
		ctx.Result == cache.ResultError
}

type options struct {
	random     func() float64
	clock      clock.Clock
	loadSource LoadSource
}

type Option func(*options)

// WithRandom replaces the source of uniform [0, 1) values.
func WithRandom(random func() float64) Option {
	return func(o *options) {
		o.random = random
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithLoadSource makes the adaptive strategy use source instead of building one from
// Config.LoadSource.
func WithLoadSource(source LoadSource) Option {
	return func(o *options) {
		o.loadSource = source
	}
}

// New builds the strategy selected by cfg.Strategy.
func New(cfg Config, logger *zap.SugaredLogger, opts ...Option) (Strategy, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{random: rand.Float64, clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	switch cfg.Strategy {
	case StrategyAdaptive:
		return newAdaptive(cfg, logger, o)
	case StrategyPriority:
		return newPriority(cfg, logger, o), nil
	default:
		return newFixed(cfg, o), nil
	}
}

// base holds the configuration and random source shared by every strategy.
type base struct {
	mu     sync.RWMutex
	cfg    Config
	random func() float64
}

func (b *base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg.Clone()
}

// merge validates partial against the current configuration and returns the result
// without applying it.
func (b *base) merge(partial Config) (Config, error) {
	b.mu.RLock()
	current := b.cfg
	b.mu.RUnlock()

	if partial.Strategy != "" && partial.Strategy != current.Strategy {
		return Config{}, ErrStrategyChanged
	}
	merged, err := current.Merged(partial)
	if err != nil {
		return Config{}, err
	}
	if err := merged.Validate(); err != nil {
		return Config{}, err
	}
	return merged, nil
}

func (b *base) sample(probability float64) bool {
	if probability >= 1 {
		return true
	}
	if probability <= 0 {
		return false
	}
	return b.random() < probability
}

func clamp(value, lower, upper float64) float64 {
	return math.Max(lower, math.Min(upper, value))
}
