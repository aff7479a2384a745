// Package logging raises log verbosity while cache operations are slow.
//
// The AdaptiveLogger compares every tracked operation against per-operation thresholds.
// When the number of breaches of one severity within the window reaches the trigger count,
// the ambient level moves to the level configured for that severity, provided it is more
// verbose than the current one. A single re-check runs one window later and returns to the
// base level once breaches have fallen below the trigger count.
package logging

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aprovafacil/cachemon/buffer"
	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/utils"
)

// LevelController is the ambient log level. zap.AtomicLevel implements it.
type LevelController interface {
	Level() zapcore.Level
	SetLevel(zapcore.Level)
}

type Severity int

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "none"
	}
}

type observation struct {
	at        time.Time
	operation cache.OperationKind
	backend   cache.BackendKind
	duration  time.Duration
	result    cache.Result
	severity  Severity
}

type AdaptiveLogger struct {
	mu sync.Mutex

	cfg     Config
	level   LevelController
	history *buffer.Circular[observation]

	// Pending re-check, nil when none is scheduled. A timer that fires after being
	// replaced sees a different generation and does nothing.
	recheck           *clock.Timer
	recheckGeneration uint64

	// Severity whose breaches caused the active escalation.
	escalatedBy Severity

	clock  clock.Clock
	logger *zap.SugaredLogger
}

type Option func(*AdaptiveLogger)

func WithClock(clk clock.Clock) Option {
	return func(l *AdaptiveLogger) {
		l.clock = clk
	}
}

// NewAdaptiveLogger merges cfg over DefaultConfig. When enabled, the ambient level is set to
// the base level.
func NewAdaptiveLogger(cfg Config, level LevelController, logger *zap.SugaredLogger, opts ...Option) (*AdaptiveLogger, error) {
	merged, err := DefaultConfig().Merged(cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if level == nil {
		level = zap.NewAtomicLevelAt(*merged.BaseLevel)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	history, err := buffer.New[observation](merged.MaxHistory)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	l := &AdaptiveLogger{
		cfg:     merged,
		level:   level,
		history: history,
		clock:   clock.New(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	if merged.enabled() {
		level.SetLevel(*merged.BaseLevel)
	}
	return l, nil
}

// Level returns the current ambient level.
func (l *AdaptiveLogger) Level() zapcore.Level {
	return l.level.Level()
}

// Classify returns the severity of duration for the operation kind. Kinds without a
// threshold never breach.
func (l *AdaptiveLogger) Classify(operation cache.OperationKind, duration time.Duration) Severity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classify(operation, duration)
}

func (l *AdaptiveLogger) classify(operation cache.OperationKind, duration time.Duration) Severity {
	threshold, ok := l.cfg.Thresholds[operation]
	if !ok {
		return SeverityNone
	}
	switch {
	case duration >= threshold.Error:
		return SeverityError
	case duration >= threshold.Warn:
		return SeverityWarn
	default:
		return SeverityNone
	}
}

// TrackOperationPerformance logs the operation at the severity its duration deserves and
// escalates the ambient level when breaches of that severity reach the trigger count.
func (l *AdaptiveLogger) TrackOperationPerformance(operation cache.OperationKind, backend cache.BackendKind, duration time.Duration, result cache.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.enabled() {
		return
	}

	now := l.clock.Now()
	severity := l.classify(operation, duration)
	l.history.Push(observation{
		at:        now,
		operation: operation,
		backend:   backend,
		duration:  duration,
		result:    result,
		severity:  severity,
	})

	fields := []any{
		"operation", operation,
		"backend", backend,
		"duration_ms", durationMillis(duration),
		"result", result,
	}
	switch severity {
	case SeverityError:
		l.logger.Errorw("Very slow cache operation", fields...)
	case SeverityWarn:
		l.logger.Warnw("Slow cache operation", fields...)
	default:
		l.logger.Debugw("Cache operation performance", fields...)
		return
	}

	if l.countBreaches(now, func(s Severity) bool { return s == severity }) < l.cfg.TriggerCount {
		return
	}

	target := *l.cfg.WarnLevel
	if severity == SeverityError {
		target = *l.cfg.ErrorLevel
	}
	current := l.level.Level()
	if target >= current {
		return
	}

	l.level.SetLevel(target)
	l.escalatedBy = severity
	l.logger.Warnw("Log level escalated after slow cache operations",
		"old_level", current.String(),
		"new_level", target.String(),
		"severity", severity.String(),
		"trigger_count", l.cfg.TriggerCount,
		"window", l.cfg.Window.String(),
	)
	l.scheduleRecheck()
}

// countBreaches counts observations within the window whose severity matches.
func (l *AdaptiveLogger) countBreaches(now time.Time, match func(Severity) bool) int {
	cutoff := now.Add(-l.cfg.Window)
	count := 0
	for i := l.history.Len() - 1; i >= 0; i-- {
		obs, _ := l.history.Get(i)
		if !obs.at.After(cutoff) {
			break
		}
		if match(obs.severity) {
			count++
		}
	}
	return count
}

func (l *AdaptiveLogger) scheduleRecheck() {
	if l.recheck != nil {
		return
	}
	l.recheckGeneration++
	generation := l.recheckGeneration
	l.recheck = l.clock.AfterFunc(l.cfg.Window, func() {
		l.runRecheck(generation)
	})
}

func (l *AdaptiveLogger) runRecheck(generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if generation != l.recheckGeneration || l.recheck == nil {
		return
	}
	l.recheck = nil
	if !l.cfg.enabled() {
		return
	}

	breaches := l.countBreaches(l.clock.Now(), func(s Severity) bool { return s == l.escalatedBy })
	if breaches >= l.cfg.TriggerCount {
		l.scheduleRecheck()
		l.logger.Infow("Cache operations still slow, keeping log level",
			"breaches", breaches,
			"level", l.level.Level().String(),
		)
		return
	}
	l.resetLevel("quiet_window")
}

// resetLevel returns to the base level and cancels a pending re-check.
func (l *AdaptiveLogger) resetLevel(reason string) {
	if l.recheck != nil {
		l.recheck.Stop()
		l.recheck = nil
	}

	l.escalatedBy = SeverityNone
	current := l.level.Level()
	base := *l.cfg.BaseLevel
	if current == base {
		return
	}
	l.level.SetLevel(base)
	l.logger.Warnw("Log level reset",
		"old_level", current.String(),
		"new_level", base.String(),
		"reason", reason,
	)
}

// Enable resumes tracking and resets the ambient level to the base level.
func (l *AdaptiveLogger) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Enabled = utils.ToPtr(true)
	l.resetLevel("enabled")
}

// Disable stops tracking and resets the ambient level to the base level.
func (l *AdaptiveLogger) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Enabled = utils.ToPtr(false)
	l.resetLevel("disabled")
}

func (l *AdaptiveLogger) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.enabled()
}

// Escalated reports whether the ambient level differs from the base level.
func (l *AdaptiveLogger) Escalated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level.Level() != *l.cfg.BaseLevel
}

// Configure merges partial into the current configuration. The history is resized when
// MaxHistory changed and, unless escalated, the ambient level follows a new base level.
func (l *AdaptiveLogger) Configure(partial Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged, err := l.cfg.Merged(partial)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	if merged.MaxHistory != l.history.Capacity() {
		if _, err := l.history.Resize(merged.MaxHistory); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	escalated := l.level.Level() != *l.cfg.BaseLevel
	l.cfg = merged
	if !escalated && merged.enabled() {
		l.level.SetLevel(*merged.BaseLevel)
	}
	return nil
}

func (l *AdaptiveLogger) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Clone()
}

// Stop cancels the pending re-check.
func (l *AdaptiveLogger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recheck != nil {
		l.recheck.Stop()
		l.recheck = nil
	}
}

type OperationPerformance struct {
	Count int `json:"count"`

	// Milliseconds.
	AverageDuration float64 `json:"average_duration"`
	MaxDuration     float64 `json:"max_duration"`

	SlowCount     int `json:"slow_count"`
	VerySlowCount int `json:"very_slow_count"`
}

type PerformanceStatistics struct {
	TotalOperations int     `json:"total_operations"`
	AverageDuration float64 `json:"average_duration"`
	SlowCount       int     `json:"slow_count"`
	VerySlowCount   int     `json:"very_slow_count"`

	// Breaches within the current window.
	RecentBreaches int `json:"recent_breaches"`

	CurrentLevel string `json:"current_level"`
	BaseLevel    string `json:"base_level"`
	Escalated    bool   `json:"escalated"`

	Operations map[cache.OperationKind]OperationPerformance `json:"operations"`
}

// PerformanceStatistics aggregates the retained observations.
func (l *AdaptiveLogger) PerformanceStatistics() PerformanceStatistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.level.Level()
	stats := PerformanceStatistics{
		CurrentLevel:   current.String(),
		BaseLevel:      l.cfg.BaseLevel.String(),
		Escalated:      current != *l.cfg.BaseLevel,
		RecentBreaches: l.countBreaches(l.clock.Now(), func(s Severity) bool { return s != SeverityNone }),
		Operations:     make(map[cache.OperationKind]OperationPerformance),
	}

	var total time.Duration
	totals := make(map[cache.OperationKind]time.Duration)
	l.history.Each(func(obs observation) bool {
		stats.TotalOperations++
		total += obs.duration
		totals[obs.operation] += obs.duration

		perf := stats.Operations[obs.operation]
		perf.Count++
		perf.MaxDuration = max(perf.MaxDuration, durationMillis(obs.duration))
		switch obs.severity {
		case SeverityError:
			stats.VerySlowCount++
			perf.VerySlowCount++
			fallthrough
		case SeverityWarn:
			stats.SlowCount++
			perf.SlowCount++
		}
		stats.Operations[obs.operation] = perf
		return true
	})

	if stats.TotalOperations > 0 {
		stats.AverageDuration = durationMillis(total) / float64(stats.TotalOperations)
	}
	for op, perf := range stats.Operations {
		perf.AverageDuration = durationMillis(totals[op]) / float64(perf.Count)
		stats.Operations[op] = perf
	}
	return stats
}

// ProblemSummary groups the retained operations that reached their warn threshold.
type ProblemSummary struct {
	Operation cache.OperationKind  `json:"operation"`
	Count     int                  `json:"count"`
	Backends  []cache.BackendKind  `json:"backends"`
	Results   map[cache.Result]int `json:"results"`

	// Milliseconds.
	AverageDuration float64 `json:"average_duration"`
	MaxDuration     float64 `json:"max_duration"`
}

// LogProblematicOperations logs one summary per operation kind with slow observations and
// returns the summaries ordered by operation.
func (l *AdaptiveLogger) LogProblematicOperations() []ProblemSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	groups := make(map[cache.OperationKind]*ProblemSummary)
	backends := make(map[cache.OperationKind]map[cache.BackendKind]struct{})
	totals := make(map[cache.OperationKind]time.Duration)

	l.history.Each(func(obs observation) bool {
		if obs.severity == SeverityNone {
			return true
		}
		group, ok := groups[obs.operation]
		if !ok {
			group = &ProblemSummary{Operation: obs.operation, Results: make(map[cache.Result]int)}
			groups[obs.operation] = group
			backends[obs.operation] = make(map[cache.BackendKind]struct{})
		}
		group.Count++
		group.Results[obs.result]++
		group.MaxDuration = max(group.MaxDuration, durationMillis(obs.duration))
		backends[obs.operation][obs.backend] = struct{}{}
		totals[obs.operation] += obs.duration
		return true
	})

	if len(groups) == 0 {
		l.logger.Infow("No problematic cache operations")
		return nil
	}

	summaries := make([]ProblemSummary, 0, len(groups))
	for op, group := range groups {
		group.AverageDuration = durationMillis(totals[op]) / float64(group.Count)
		for backend := range backends[op] {
			group.Backends = append(group.Backends, backend)
		}
		sort.Slice(group.Backends, func(i, j int) bool { return group.Backends[i] < group.Backends[j] })
		summaries = append(summaries, *group)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Operation < summaries[j].Operation })

	for _, summary := range summaries {
		l.logger.Warnw("Problematic cache operations",
			"operation", summary.Operation,
			"count", summary.Count,
			"backends", summary.Backends,
			"results", summary.Results,
			"average_duration_ms", summary.AverageDuration,
			"max_duration_ms", summary.MaxDuration,
		)
	}
	return summaries
}

func durationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
