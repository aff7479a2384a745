package sampling

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/utils"
)

func seeded() Option {
	return WithRandom(rand.New(rand.NewPCG(1, 2)).Float64)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{name: "defaults", cfg: Config{}},
		{name: "rate above one", cfg: Config{Rate: utils.ToPtr(1.5)}, wantErr: ErrInvalidRate},
		{name: "negative rate", cfg: Config{Rate: utils.ToPtr(-0.1)}, wantErr: ErrInvalidRate},
		{name: "min above max", cfg: Config{MinRate: utils.ToPtr(0.8), MaxRate: utils.ToPtr(0.2)}, wantErr: ErrInvalidRate},
		{name: "unknown strategy", cfg: Config{Strategy: "random"}, wantErr: ErrInvalidConfig},
		{name: "unknown load source", cfg: Config{LoadSource: "gpu"}, wantErr: ErrInvalidConfig},
		{name: "negative priority", cfg: Config{OperationPriorities: map[cache.OperationKind]float64{cache.OpGet: -1}}, wantErr: ErrInvalidConfig},
		{name: "zero rate is valid", cfg: Config{Rate: utils.ToPtr(0.0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	t.Run("construction fails fast", func(t *testing.T) {
		_, err := New(Config{Rate: utils.ToPtr(2.0)}, zaptest.NewLogger(t).Sugar())
		assert.ErrorIs(t, err, ErrInvalidRate)
	})
}

func TestAlwaysRecord(t *testing.T) {
	assert.True(t, AlwaysRecord(Context{Operation: cache.OpInvalidate}))
	assert.True(t, AlwaysRecord(Context{Operation: cache.OpClear}))
	assert.True(t, AlwaysRecord(Context{Operation: cache.OpGet, Result: cache.ResultError}))
	assert.False(t, AlwaysRecord(Context{Operation: cache.OpGet, Result: cache.ResultHit}))
	assert.False(t, AlwaysRecord(Context{Operation: cache.OpSet}))
}

func TestFixed(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("empirical rate converges", func(t *testing.T) {
		for _, rate := range []float64{0, 0.1, 0.5, 0.9, 1} {
			strategy, err := New(Config{Strategy: StrategyFixed, Rate: utils.ToPtr(rate)}, logger, seeded())
			require.NoError(t, err)

			const trials = 100000
			sampled := 0
			for i := 0; i < trials; i++ {
				if strategy.ShouldSample(Context{Operation: cache.OpGet, Backend: cache.BackendMemory}) {
					sampled++
				}
			}
			assert.InDelta(t, rate, float64(sampled)/trials, 0.01, "rate %v", rate)
		}
	})

	t.Run("rate zero still records errors and structural operations", func(t *testing.T) {
		strategy, err := New(Config{Rate: utils.ToPtr(0.0)}, logger, seeded())
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			assert.False(t, strategy.ShouldSample(Context{Operation: cache.OpGet}))
			assert.True(t, strategy.ShouldSample(Context{Operation: cache.OpGet, Result: cache.ResultError}))
			assert.True(t, strategy.ShouldSample(Context{Operation: cache.OpInvalidate}))
			assert.True(t, strategy.ShouldSample(Context{Operation: cache.OpClear}))
		}
	})

	t.Run("update config", func(t *testing.T) {
		strategy, err := New(Config{Rate: utils.ToPtr(0.5)}, logger)
		require.NoError(t, err)

		require.NoError(t, strategy.UpdateConfig(Config{Rate: utils.ToPtr(0.0)}))
		assert.Equal(t, 0.0, strategy.EffectiveRate())

		assert.ErrorIs(t, strategy.UpdateConfig(Config{Rate: utils.ToPtr(3.0)}), ErrInvalidRate)
		assert.Equal(t, 0.0, strategy.EffectiveRate())

		assert.ErrorIs(t, strategy.UpdateConfig(Config{Strategy: StrategyPriority}), ErrStrategyChanged)
	})

	t.Run("rate is clamped to the configured bounds", func(t *testing.T) {
		strategy, err := New(Config{Rate: utils.ToPtr(0.05), MinRate: utils.ToPtr(0.2), MaxRate: utils.ToPtr(0.6)}, logger)
		require.NoError(t, err)
		assert.Equal(t, 0.2, strategy.EffectiveRate())

		require.NoError(t, strategy.UpdateConfig(Config{Rate: utils.ToPtr(0.9)}))
		assert.Equal(t, 0.6, strategy.EffectiveRate())
	})

	t.Run("config is a copy", func(t *testing.T) {
		strategy, err := New(Config{Rate: utils.ToPtr(0.5)}, logger)
		require.NoError(t, err)

		cfg := strategy.Config()
		*cfg.Rate = 0.9
		assert.Equal(t, 0.5, strategy.EffectiveRate())
	})
}

func TestAdaptiveRate(t *testing.T) {
	tests := []struct {
		name string
		load float64
		want float64
	}{
		{name: "normal load keeps base", load: 0.5, want: 0.5},
		{name: "at threshold keeps base", load: 0.8, want: 0.5},
		{name: "full load reaches min", load: 1, want: 0.1},
		{name: "halfway above threshold", load: 0.9, want: 0.3},
		{name: "idle reaches max", load: 0, want: 0.9},
		{name: "halfway below half threshold", load: 0.2, want: 0.7},
		{name: "just under half threshold", load: 0.4, want: 0.5},
		{name: "out of range load is clamped", load: 3, want: 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdaptiveRate(tt.load, 0.5, 0.1, 0.9, 0.8), 1e-9)
		})
	}

	t.Run("always within bounds", func(t *testing.T) {
		for load := 0.0; load <= 1.0; load += 0.05 {
			rate := AdaptiveRate(load, 1, 0.2, 0.6, 0.5)
			assert.GreaterOrEqual(t, rate, 0.2)
			assert.LessOrEqual(t, rate, 0.6)
		}
	})
}

func TestAdaptive(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("manual load", func(t *testing.T) {
		load := NewManualLoad(0.5)
		strategy, err := New(Config{
			Strategy:      StrategyAdaptive,
			Rate:          utils.ToPtr(0.5),
			MinRate:       utils.ToPtr(0.1),
			MaxRate:       utils.ToPtr(0.9),
			LoadThreshold: 0.8,
		}, logger, WithLoadSource(load), seeded())
		require.NoError(t, err)

		assert.InDelta(t, 0.5, strategy.EffectiveRate(), 1e-9)
		load.SetLoad(1)
		assert.InDelta(t, 0.1, strategy.EffectiveRate(), 1e-9)
		load.SetLoad(0)
		assert.InDelta(t, 0.9, strategy.EffectiveRate(), 1e-9)

		assert.Same(t, load, strategy.(*Adaptive).LoadSource())
	})

	t.Run("manual load source from config", func(t *testing.T) {
		strategy, err := New(Config{Strategy: StrategyAdaptive, LoadSource: LoadManual}, logger)
		require.NoError(t, err)

		manual, ok := strategy.(*Adaptive).LoadSource().(*ManualLoad)
		require.True(t, ok)
		manual.SetLoad(1)
		assert.InDelta(t, 0.0, strategy.EffectiveRate(), 1e-9)
	})

	t.Run("operation rate lowers the rate under load", func(t *testing.T) {
		clk := clock.NewMock()
		strategy, err := New(Config{
			Strategy:           StrategyAdaptive,
			Rate:               utils.ToPtr(0.5),
			MinRate:            utils.ToPtr(0.1),
			MaxRate:            utils.ToPtr(0.9),
			LoadThreshold:      0.5,
			RateWindow:         time.Second,
			TargetOpsPerSecond: 100,
		}, logger, WithClock(clk), seeded())
		require.NoError(t, err)

		assert.InDelta(t, 0.9, strategy.EffectiveRate(), 1e-9, "idle")

		for i := 0; i < 100; i++ {
			strategy.ShouldSample(Context{Operation: cache.OpGet})
		}
		assert.InDelta(t, 0.1, strategy.EffectiveRate(), 1e-9, "saturated")

		clk.Add(2 * time.Second)
		assert.InDelta(t, 0.9, strategy.EffectiveRate(), 1e-9, "window expired")
	})

	t.Run("always records structural operations", func(t *testing.T) {
		strategy, err := New(Config{
			Strategy: StrategyAdaptive,
			Rate:     utils.ToPtr(0.0),
			MinRate:  utils.ToPtr(0.0),
			MaxRate:  utils.ToPtr(0.0),
		}, logger, WithLoadSource(NewManualLoad(1)))
		require.NoError(t, err)

		assert.False(t, strategy.ShouldSample(Context{Operation: cache.OpSet}))
		assert.True(t, strategy.ShouldSample(Context{Operation: cache.OpClear}))
	})
}

func TestOperationRate(t *testing.T) {
	_, err := NewOperationRate(0, 10, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	clk := clock.NewMock()
	rate, err := NewOperationRate(10*time.Second, 2, clk)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		rate.Observe()
	}
	assert.InDelta(t, 0.5, rate.Load(), 1e-9)

	clk.Add(5 * time.Second)
	for i := 0; i < 10; i++ {
		rate.Observe()
	}
	assert.InDelta(t, 1.0, rate.Load(), 1e-9)

	clk.Add(6 * time.Second)
	assert.InDelta(t, 0.5, rate.Load(), 1e-9)
}

func TestSystemLoad(t *testing.T) {
	dir := t.TempDir()
	writeLoadAvg := func(t *testing.T, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte(content), 0o644))
	}
	writeLoadAvg(t, "2.00 1.50 1.00 1/200 12345\n")

	fs, err := procfs.NewFS(dir)
	require.NoError(t, err)
	clk := clock.NewMock()
	core, logs := observer.New(zapcore.WarnLevel)
	load, err := NewSystemLoad(clk, zap.New(core).Sugar(), WithProcFS(fs), WithCPUs(4))
	require.NoError(t, err)

	t.Run("Normalizes by CPU count", func(t *testing.T) {
		assert.InDelta(t, 0.5, load.Load(), 1e-9)
	})

	t.Run("Caches reads within the refresh interval", func(t *testing.T) {
		writeLoadAvg(t, "1.00 1.00 1.00 1/200 12345\n")
		clk.Add(time.Second)
		assert.InDelta(t, 0.5, load.Load(), 1e-9)

		clk.Add(5 * time.Second)
		assert.InDelta(t, 0.25, load.Load(), 1e-9)
	})

	t.Run("Clamps to one", func(t *testing.T) {
		writeLoadAvg(t, "12.00 8.00 4.00 1/200 12345\n")
		clk.Add(5 * time.Second)
		assert.Equal(t, 1.0, load.Load())
	})

	t.Run("Failed read keeps the previous value", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "loadavg")))
		clk.Add(5 * time.Second)
		assert.Equal(t, 1.0, load.Load())
		clk.Add(5 * time.Second)
		assert.Equal(t, 1.0, load.Load())
		assert.Equal(t, 1, logs.FilterMessage("Failed to read load average, keeping previous value").Len())
	})
}

func TestManualLoad(t *testing.T) {
	load := NewManualLoad(2)
	assert.Equal(t, 1.0, load.Load())
	load.SetLoad(-1)
	assert.Equal(t, 0.0, load.Load())
	load.SetLoad(0.25)
	assert.Equal(t, 0.25, load.Load())
}

func TestPriority(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core).Sugar()

	strategy, err := New(Config{
		Strategy: StrategyPriority,
		Rate:     utils.ToPtr(0.2),
		OperationPriorities: map[cache.OperationKind]float64{
			cache.OpSet: 2,
		},
		BackendPriorities: map[cache.BackendKind]float64{
			cache.BackendRemote: 3,
		},
		KeyPatterns: []KeyPattern{
			{Pattern: "([", Priority: 100},
			{Pattern: "^user:", Priority: 2},
			{Pattern: "^user:admin", Priority: 50},
		},
	}, logger, seeded())
	require.NoError(t, err)
	priority := strategy.(*Priority)

	t.Run("invalid pattern is logged and skipped", func(t *testing.T) {
		entries := logs.FilterMessage("Skipping invalid key pattern").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "([", entries[0].ContextMap()["pattern"])
	})

	tests := []struct {
		name string
		ctx  Context
		want float64
	}{
		{name: "missing entries weigh one", ctx: Context{Operation: cache.OpGet, Backend: cache.BackendMemory}, want: 0.2},
		{name: "operation", ctx: Context{Operation: cache.OpSet, Backend: cache.BackendMemory}, want: 0.4},
		{name: "operation and backend", ctx: Context{Operation: cache.OpSet, Backend: cache.BackendRemote}, want: 1},
		{name: "first matching pattern wins", ctx: Context{Operation: cache.OpGet, Key: "user:admin"}, want: 0.4},
		{name: "capped at one", ctx: Context{Operation: cache.OpSet, Backend: cache.BackendRemote, Key: "user:1"}, want: 1},
		{name: "no pattern match", ctx: Context{Operation: cache.OpGet, Key: "session:1"}, want: 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, priority.Probability(tt.ctx), 1e-9)
		})
	}

	t.Run("certain probability always samples", func(t *testing.T) {
		for i := 0; i < 100; i++ {
			assert.True(t, strategy.ShouldSample(Context{Operation: cache.OpSet, Backend: cache.BackendRemote}))
		}
	})

	t.Run("update recompiles patterns", func(t *testing.T) {
		require.NoError(t, strategy.UpdateConfig(Config{KeyPatterns: []KeyPattern{{Pattern: "^session:", Priority: 4}}}))
		assert.InDelta(t, 0.8, priority.Probability(Context{Operation: cache.OpGet, Key: "session:1"}), 1e-9)
		assert.InDelta(t, 0.2, priority.Probability(Context{Operation: cache.OpGet, Key: "user:1"}), 1e-9)
	})

	t.Run("probability respects rate bounds", func(t *testing.T) {
		require.NoError(t, strategy.UpdateConfig(Config{MinRate: utils.ToPtr(0.3), MaxRate: utils.ToPtr(0.5)}))
		assert.InDelta(t, 0.5, priority.Probability(Context{Operation: cache.OpGet, Key: "session:1"}), 1e-9)
		assert.InDelta(t, 0.3, priority.Probability(Context{Operation: cache.OpGet, Key: "user:1"}), 1e-9)
	})
}
