package sampling

// Fixed samples every operation with the configured rate, clamped to [MinRate, MaxRate].
type Fixed struct {
	base
}

func newFixed(cfg Config, o options) *Fixed {
	return &Fixed{base: base{cfg: cfg, random: o.random}}
}

func (f *Fixed) ShouldSample(ctx Context) bool {
	if AlwaysRecord(ctx) {
		return true
	}
	return f.sample(f.EffectiveRate())
}

func (f *Fixed) EffectiveRate() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return clamp(*f.cfg.Rate, *f.cfg.MinRate, *f.cfg.MaxRate)
}

func (f *Fixed) UpdateConfig(partial Config) error {
	merged, err := f.merge(partial)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = merged
	f.mu.Unlock()
	return nil
}
