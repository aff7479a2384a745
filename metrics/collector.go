// Package metrics records observed cache operations.
//
// The Collector keeps records in a fixed-capacity ring buffer and decides which operations
// to record with a sampling strategy. It tracks an estimate of the bytes held by the
// records and evicts the oldest ones when a memory limit is exceeded, and a periodic sweep
// removes records older than the configured maximum age.
package metrics

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/buffer"
	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/sampling"
)

type pendingOperation struct {
	startedAt time.Time
	operation cache.OperationKind
	backend   cache.BackendKind
	key       string
}

type Collector struct {
	mu sync.Mutex

	cfg      Config
	records  *buffer.Circular[OperationRecord]
	inFlight map[string]pendingOperation
	strategy sampling.Strategy

	// Sum of cost() over the buffer contents.
	memoryUsage int64

	running   bool
	stopPrune func()

	stats           StatsSource
	samplingOptions []sampling.Option

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock  clock.Clock
	logger *zap.SugaredLogger
}

type Option func(*Collector)

func WithClock(clk clock.Clock) Option {
	return func(c *Collector) {
		c.clock = clk
	}
}

// WithStatsSource adds cache size and entry count to Statistics.
func WithStatsSource(source StatsSource) Option {
	return func(c *Collector) {
		c.stats = source
	}
}

// WithSamplingOptions is passed to every sampling strategy the collector builds.
func WithSamplingOptions(opts ...sampling.Option) Option {
	return func(c *Collector) {
		c.samplingOptions = append(c.samplingOptions, opts...)
	}
}

// NewCollector merges cfg over DefaultConfig. The collector records nothing until Start.
func NewCollector(cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Collector, error) {
	merged, err := DefaultConfig().Merged(cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	c := &Collector{
		cfg:      merged,
		inFlight: make(map[string]pendingOperation),
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.records, err = buffer.New[OperationRecord](merged.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	c.strategy, err = c.newStrategy(merged.Sampling)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) newStrategy(cfg sampling.Config) (sampling.Strategy, error) {
	opts := append([]sampling.Option{sampling.WithClock(c.clock)}, c.samplingOptions...)
	strategy, err := sampling.New(cfg, c.logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return strategy, nil
}

// Start begins collection and the periodic sweep. Calling it again has no effect.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.stopPrune = c.startPrune(c.cfg.PruneInterval)
	c.logger.Infow("Metrics collection started", "history_size", c.cfg.HistorySize, "sampling_strategy", c.cfg.Sampling.Strategy)
}

// Stop ends collection. Recorded metrics stay readable.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	c.stopPrune()
	c.stopPrune = nil
	c.logger.Infow("Metrics collection stopped")
}

func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Configure merges partial into the current configuration. The sampling strategy is rebuilt
// when its configuration changed, the buffer is resized when the history size changed and
// the sweep restarts with the new interval. On error nothing is applied.
func (c *Collector) Configure(partial Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	merged, err := c.cfg.Merged(partial)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}

	strategy := c.strategy
	if !reflect.DeepEqual(merged.Sampling, c.cfg.Sampling) {
		if strategy, err = c.newStrategy(merged.Sampling); err != nil {
			return err
		}
	}

	if merged.HistorySize != c.records.Capacity() {
		discarded, err := c.records.Resize(merged.HistorySize)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		for _, record := range discarded {
			c.memoryUsage -= record.cost()
		}
	}

	c.cfg = merged
	c.strategy = strategy
	c.enforceMemoryLimit()

	if c.running {
		c.stopPrune()
		c.stopPrune = c.startPrune(merged.PruneInterval)
	}
	c.logger.Infow("Metrics configuration updated",
		"history_size", merged.HistorySize,
		"sampling_strategy", merged.Sampling.Strategy,
		"memory_limit_bytes", merged.MemoryLimitBytes,
	)
	return nil
}

// Config returns a copy of the current configuration.
func (c *Collector) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

func (c *Collector) collecting(backend cache.BackendKind) bool {
	return c.running && c.cfg.enabled() && c.cfg.monitors(backend)
}

// RecordOperationStart returns a token for RecordOperationEnd, or "" when the operation is
// not recorded because collection is off, the backend is not monitored or sampling skipped
// it.
func (c *Collector) RecordOperationStart(operation cache.OperationKind, backend cache.BackendKind, key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting(backend) {
		return ""
	}
	if !c.strategy.ShouldSample(sampling.Context{Operation: operation, Backend: backend, Key: key}) {
		return ""
	}

	id := uuid.NewString()
	c.inFlight[id] = pendingOperation{
		startedAt: c.clock.Now(),
		operation: operation,
		backend:   backend,
		key:       key,
	}
	return id
}

// RecordOperationEnd stores the record of a started operation. Unknown ids are ignored.
func (c *Collector) RecordOperationEnd(id string, result cache.Result, details EndDetails) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.inFlight[id]
	if !ok {
		return
	}
	delete(c.inFlight, id)

	now := c.clock.Now()
	duration := now.Sub(pending.startedAt)
	if details.Duration != nil {
		duration = *details.Duration
	}
	c.store(c.newRecord(id, now, pending.operation, pending.backend, pending.key,
		duration, result, details))
}

// RecordOperation stores an already completed operation under the same sampling rules as
// the start and end pair. Errors are always recorded.
func (c *Collector) RecordOperation(in OperationInput) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.collecting(in.Backend) {
		return
	}
	result := in.Result
	if in.Err != nil {
		result = cache.ResultError
	}
	ctx := sampling.Context{Operation: in.Operation, Backend: in.Backend, Key: in.Key, Result: result}
	if !c.strategy.ShouldSample(ctx) {
		return
	}

	timestamp := in.Timestamp
	if timestamp.IsZero() {
		timestamp = c.clock.Now()
	}
	c.store(c.newRecord(uuid.NewString(), timestamp, in.Operation, in.Backend, in.Key,
		in.Duration, result, EndDetails{Err: in.Err, Size: in.Size, UserID: in.UserID}))
}

func (c *Collector) newRecord(id string, timestamp time.Time, operation cache.OperationKind,
	backend cache.BackendKind, key string, duration time.Duration, result cache.Result, details EndDetails,
) OperationRecord {
	record := OperationRecord{
		ID:        id,
		Timestamp: timestamp,
		Operation: operation,
		Backend:   backend,
		Key:       key,
		Duration:  max(float64(duration)/float64(time.Millisecond), 0),
		Result:    result,
		UserID:    details.UserID,
	}
	if details.Err != nil {
		record.Result = cache.ResultError
		record.Error = details.Err.Error()
	}
	if record.Result == "" {
		record.Result = cache.ResultSuccess
	}
	if c.cfg.collectSizes() && details.Size != nil && *details.Size >= 0 {
		size := *details.Size
		record.Size = &size
	}
	return record
}

func (c *Collector) store(record OperationRecord) {
	if evicted, ok := c.records.Push(record); ok {
		c.memoryUsage -= evicted.cost()
	}
	c.memoryUsage += record.cost()
	c.enforceMemoryLimit()
}

// enforceMemoryLimit evicts the oldest records once usage exceeds the limit, down to the
// target fraction of the limit.
func (c *Collector) enforceMemoryLimit() {
	limit := c.cfg.MemoryLimitBytes
	if limit <= 0 || c.memoryUsage <= limit {
		return
	}

	target := int64(float64(limit) * c.cfg.MemoryTargetFraction)
	evicted := 0
	for c.memoryUsage > target {
		record, ok := c.records.Shift()
		if !ok {
			break
		}
		c.memoryUsage -= record.cost()
		evicted++
	}
	c.logger.Debugw("Evicted records over memory limit",
		"evicted", evicted,
		"memory_usage", c.memoryUsage,
		"memory_limit_bytes", limit,
	)
}

// Metrics returns the records matching filter, newest first.
func (c *Collector) Metrics(filter Filter) []OperationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matching(filter)
}

func (c *Collector) matching(filter Filter) []OperationRecord {
	result := make([]OperationRecord, 0)
	for i := c.records.Len() - 1; i >= 0; i-- {
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
		record, _ := c.records.Get(i)
		if filter.matches(record) {
			result = append(result, record)
		}
	}
	return result
}

// Statistics aggregates the records matching filter in a single pass. Hit and miss rates
// only consider get operations.
func (c *Collector) Statistics(filter Filter) Statistics {
	c.mu.Lock()
	records := c.matching(filter)
	stats := c.stats
	c.mu.Unlock()

	result := Statistics{
		TotalOperations: len(records),
		OperationCounts: make(map[cache.OperationKind]int),
	}

	var gets, hits, misses, errs int
	var totalDuration float64
	for _, record := range records {
		result.OperationCounts[record.Operation]++
		totalDuration += record.Duration
		if record.Result == cache.ResultError {
			errs++
		}
		if record.Operation != cache.OpGet {
			continue
		}
		gets++
		switch record.Result {
		case cache.ResultHit:
			hits++
		case cache.ResultMiss:
			misses++
		}
	}

	if len(records) > 0 {
		result.AverageDuration = totalDuration / float64(len(records))
		result.ErrorRate = float64(errs) / float64(len(records))
	}
	if gets > 0 {
		result.HitRate = float64(hits) / float64(gets)
		result.MissRate = float64(misses) / float64(gets)
	}
	if stats != nil {
		cacheStats := stats.Stats()
		result.CacheSize = &cacheStats.Bytes
		result.EntryCount = &cacheStats.Entries
	}
	return result
}

// MemoryUsage returns the estimated bytes held by the stored records.
func (c *Collector) MemoryUsage() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryUsage
}

// Len returns the number of stored records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records.Len()
}

// InFlight returns the number of started operations not yet ended.
func (c *Collector) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Collector) EffectiveSamplingRate() float64 {
	c.mu.Lock()
	strategy := c.strategy
	c.mu.Unlock()
	return strategy.EffectiveRate()
}

func (c *Collector) Strategy() sampling.Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Reset drops every record and pending operation.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records.Clear()
	c.inFlight = make(map[string]pendingOperation)
	c.memoryUsage = 0
}

// prune removes records older than MaxAge and started operations that never ended within
// MaxAge.
func (c *Collector) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.MaxAge <= 0 {
		return
	}
	cutoff := c.clock.Now().Add(-c.cfg.MaxAge)
	expired := func(r OperationRecord) bool {
		return r.Timestamp.Before(cutoff)
	}

	removed := 0
	for {
		oldest, ok := c.records.Peek()
		if !ok || !expired(oldest) {
			break
		}
		c.records.Shift()
		c.memoryUsage -= oldest.cost()
		removed++
	}

	// Records stored with an explicit timestamp may be out of order.
	if stale := c.records.Filter(expired); len(stale) > 0 {
		kept := c.records.Filter(func(r OperationRecord) bool { return !expired(r) })
		c.records.Clear()
		for _, record := range kept {
			c.records.Push(record)
		}
		for _, record := range stale {
			c.memoryUsage -= record.cost()
		}
		removed += len(stale)
	}

	for id, pending := range c.inFlight {
		if pending.startedAt.Before(cutoff) {
			delete(c.inFlight, id)
		}
	}

	if removed > 0 {
		c.logger.Debugw("Pruned expired records", "removed", removed, "remaining", c.records.Len())
	}
}

func (c *Collector) startPrune(interval time.Duration) func() {
	ticker := c.clock.Ticker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				c.prune()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
