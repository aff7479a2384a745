package sampling

import (
	"regexp"

	"go.uber.org/zap"
)

type compiledPattern struct {
	re       *regexp.Regexp
	priority float64
}

// Priority weights the base rate by the operation, the backend and the first key pattern
// matching the key. Missing entries weigh 1.
type Priority struct {
	base
	patterns []compiledPattern
	logger   *zap.SugaredLogger
}

func newPriority(cfg Config, logger *zap.SugaredLogger, o options) *Priority {
	p := &Priority{
		base:   base{cfg: cfg, random: o.random},
		logger: logger,
	}
	p.patterns = p.compile(cfg.KeyPatterns)
	return p
}

// compile skips patterns that fail to compile so sampling keeps working with the rest.
func (p *Priority) compile(patterns []KeyPattern) []compiledPattern {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			p.logger.Warnw("Skipping invalid key pattern", "pattern", pattern.Pattern, "error", err)
			continue
		}
		compiled = append(compiled, compiledPattern{re: re, priority: pattern.Priority})
	}
	return compiled
}

func (p *Priority) ShouldSample(ctx Context) bool {
	if AlwaysRecord(ctx) {
		return true
	}
	return p.sample(p.Probability(ctx))
}

// Probability returns rate × factor for ctx, clamped to [MinRate, MaxRate].
func (p *Priority) Probability(ctx Context) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clamp(*p.cfg.Rate*p.factor(ctx), *p.cfg.MinRate, *p.cfg.MaxRate)
}

func (p *Priority) factor(ctx Context) float64 {
	factor := 1.0
	if weight, ok := p.cfg.OperationPriorities[ctx.Operation]; ok {
		factor *= weight
	}
	if weight, ok := p.cfg.BackendPriorities[ctx.Backend]; ok {
		factor *= weight
	}
	if ctx.Key != "" {
		for _, pattern := range p.patterns {
			if pattern.re.MatchString(ctx.Key) {
				factor *= pattern.priority
				break
			}
		}
	}
	return factor
}

func (p *Priority) EffectiveRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return clamp(*p.cfg.Rate, *p.cfg.MinRate, *p.cfg.MaxRate)
}

func (p *Priority) UpdateConfig(partial Config) error {
	merged, err := p.merge(partial)
	if err != nil {
		return err
	}
	patterns := p.compile(merged.KeyPatterns)

	p.mu.Lock()
	p.cfg = merged
	p.patterns = patterns
	p.mu.Unlock()
	return nil
}
