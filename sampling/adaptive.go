package sampling

import (
	"go.uber.org/zap"
)

// Adaptive scales the base rate with the current load. Above LoadThreshold the rate
// falls linearly toward MinRate as the load approaches 1. Below half the threshold it rises
// linearly toward MaxRate as the load approaches 0. In between the base rate applies.
type Adaptive struct {
	base
	source   LoadSource
	injected bool
	options  options
	logger   *zap.SugaredLogger
}

func newAdaptive(cfg Config, logger *zap.SugaredLogger, o options) (*Adaptive, error) {
	a := &Adaptive{
		base:     base{cfg: cfg, random: o.random},
		source:   o.loadSource,
		injected: o.loadSource != nil,
		options:  o,
		logger:   logger,
	}
	if a.source == nil {
		source, err := newLoadSource(cfg, o.clock, logger)
		if err != nil {
			return nil, err
		}
		a.source = source
	}
	return a, nil
}

// LoadSource returns the source the strategy reads, for example to feed a ManualLoad.
func (a *Adaptive) LoadSource() LoadSource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source
}

func (a *Adaptive) ShouldSample(ctx Context) bool {
	a.mu.RLock()
	source := a.source
	a.mu.RUnlock()

	if observer, ok := source.(attemptObserver); ok {
		observer.Observe()
	}
	if AlwaysRecord(ctx) {
		return true
	}
	return a.sample(a.EffectiveRate())
}

func (a *Adaptive) EffectiveRate() float64 {
	a.mu.RLock()
	cfg := a.cfg
	source := a.source
	a.mu.RUnlock()

	return AdaptiveRate(source.Load(), *cfg.Rate, *cfg.MinRate, *cfg.MaxRate, cfg.LoadThreshold)
}

// AdaptiveRate computes the effective rate for load, clamped to [minRate, maxRate].
func AdaptiveRate(load, rate, minRate, maxRate, threshold float64) float64 {
	load = clamp(load, 0, 1)
	effective := rate

	switch {
	case load > threshold && threshold < 1:
		pressure := (load - threshold) / (1 - threshold)
		effective = rate - (rate-minRate)*pressure
	case load < threshold/2:
		half := threshold / 2
		idle := (half - load) / half
		effective = rate + (maxRate-rate)*idle
	}

	return clamp(effective, minRate, maxRate)
}

func (a *Adaptive) UpdateConfig(partial Config) error {
	merged, err := a.merge(partial)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rebuild := !a.injected && (merged.LoadSource != a.cfg.LoadSource ||
		merged.RateWindow != a.cfg.RateWindow ||
		merged.TargetOpsPerSecond != a.cfg.TargetOpsPerSecond)
	if rebuild {
		source, err := newLoadSource(merged, a.options.clock, a.logger)
		if err != nil {
			return err
		}
		a.source = source
	}
	a.cfg = merged
	return nil
}
