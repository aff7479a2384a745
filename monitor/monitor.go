package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/metrics"
)

const tracerName = "github.com/aprovafacil/cachemon/monitor"

// Recorder stores observed operations. Satisfied by *metrics.Collector.
type Recorder interface {
	RecordOperationStart(operation cache.OperationKind, backend cache.BackendKind, key string) string
	RecordOperationEnd(id string, result cache.Result, details metrics.EndDetails)
	RecordOperation(in metrics.OperationInput)
}

// PerformanceTracker reacts to operation durations. Satisfied by *logging.AdaptiveLogger.
type PerformanceTracker interface {
	TrackOperationPerformance(operation cache.OperationKind, backend cache.BackendKind, duration time.Duration, result cache.Result)
}

// Monitor decorates a cache.Manager. Once initialized every verb is timed, recorded, traced,
// logged and published to the event listeners. Values and errors of the wrapped manager are
// returned untouched.
type Monitor struct {
	raw cache.Manager

	recorder Recorder
	tracker  PerformanceTracker

	active atomic.Bool
	seq    atomic.Uint64

	mu  sync.RWMutex
	cfg Config

	events *dispatcher
	tracer trace.Tracer

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock  clock.Clock
	logger *zap.SugaredLogger
}

type Option func(*Monitor)

func WithRecorder(recorder Recorder) Option {
	return func(m *Monitor) {
		m.recorder = recorder
	}
}

func WithPerformanceTracker(tracker PerformanceTracker) Option {
	return func(m *Monitor) {
		m.tracker = tracker
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Monitor) {
		m.tracer = tracer
	}
}

func WithClock(clk clock.Clock) Option {
	return func(m *Monitor) {
		m.clock = clk
	}
}

// New wraps raw. The returned Monitor is inactive until Initialize is called.
func New(raw cache.Manager, cfg Config, logger *zap.SugaredLogger, opts ...Option) (*Monitor, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: raw manager is required", ErrInvalidConfig)
	}
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

	m := &Monitor{
		raw:    raw,
		cfg:    merged,
		clock:  clock.New(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	m.events = newDispatcher(m.logger)
	return m, nil
}

// Initialize activates instrumentation. Calling it again has no effect.
func (m *Monitor) Initialize() {
	if m.active.CompareAndSwap(false, true) {
		m.logger.Infow("Cache monitoring initialized")
	}
}

// Restore deactivates instrumentation. Calling it on an inactive Monitor has no effect.
func (m *Monitor) Restore() {
	if m.active.CompareAndSwap(true, false) {
		m.logger.Infow("Cache monitoring restored")
	}
}

func (m *Monitor) Initialized() bool {
	return m.active.Load()
}

// Raw returns the wrapped manager.
func (m *Monitor) Raw() cache.Manager {
	return m.raw
}

func (m *Monitor) Configure(partial Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := m.cfg.Merged(partial)
	if err != nil {
		return err
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	m.cfg = merged
	return nil
}

func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// AddListener registers fn for one event type.
func (m *Monitor) AddListener(eventType EventType, fn Listener) ListenerID {
	return m.events.add(eventType, fn)
}

// AddWildcardListener registers fn for every event type.
func (m *Monitor) AddWildcardListener(fn Listener) ListenerID {
	return m.events.add("", fn)
}

// RemoveListener reports whether id was registered.
func (m *Monitor) RemoveListener(id ListenerID) bool {
	return m.events.remove(id)
}

// ListenerErrors counts listener failures and panics since construction.
func (m *Monitor) ListenerErrors() uint64 {
	return m.events.failures.Load()
}

func (m *Monitor) Get(ctx context.Context, key string, opts ...cache.Option) ([]byte, bool, error) {
	if !m.active.Load() {
		return m.raw.Get(ctx, key, opts...)
	}

	c := m.begin(ctx, cache.OpGet, key, -1, opts)
	value, found, err := m.raw.Get(c.ctx, key, opts...)
	result, size := cache.ResultMiss, -1
	if found {
		result, size = cache.ResultHit, len(value)
	}
	m.finish(c, result, size, err)
	return value, found, err
}

func (m *Monitor) Set(ctx context.Context, key string, value []byte, opts ...cache.Option) error {
	if !m.active.Load() {
		return m.raw.Set(ctx, key, value, opts...)
	}

	c := m.begin(ctx, cache.OpSet, key, len(value), opts)
	err := m.raw.Set(c.ctx, key, value, opts...)
	m.finish(c, cache.ResultSuccess, len(value), err)
	return err
}

func (m *Monitor) Delete(ctx context.Context, key string, opts ...cache.Option) error {
	if !m.active.Load() {
		return m.raw.Delete(ctx, key, opts...)
	}

	c := m.begin(ctx, cache.OpDelete, key, -1, opts)
	err := m.raw.Delete(c.ctx, key, opts...)
	m.finish(c, cache.ResultSuccess, -1, err)
	return err
}

func (m *Monitor) Invalidate(ctx context.Context, key string, opts ...cache.Option) error {
	if !m.active.Load() {
		return m.raw.Invalidate(ctx, key, opts...)
	}

	c := m.begin(ctx, cache.OpInvalidate, key, -1, opts)
	err := m.raw.Invalidate(c.ctx, key, opts...)
	m.finish(c, cache.ResultSuccess, -1, err)
	return err
}

func (m *Monitor) Clear(ctx context.Context, opts ...cache.Option) error {
	if !m.active.Load() {
		return m.raw.Clear(ctx, opts...)
	}

	c := m.begin(ctx, cache.OpClear, "", -1, opts)
	err := m.raw.Clear(c.ctx, opts...)
	m.finish(c, cache.ResultSuccess, -1, err)
	return err
}

// call is the bookkeeping of one instrumented verb.
type call struct {
	ctx       context.Context
	span      trace.Span
	id        uint64
	recordID  string
	operation cache.OperationKind
	options   cache.Options
	key       string
	startedAt time.Time
}

func (m *Monitor) begin(ctx context.Context, operation cache.OperationKind, key string, size int, opts []cache.Option) call {
	o := cache.ResolveOptions(opts...)
	ctx, span := m.tracer.Start(ctx, "cache."+string(operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.operation", string(operation)),
			attribute.String("cache.backend", string(o.Backend)),
			attribute.String("cache.key", key),
		),
	)

	c := call{
		ctx:       ctx,
		span:      span,
		id:        m.seq.Add(1),
		operation: operation,
		options:   o,
		key:       key,
	}
	if m.recorder != nil {
		c.recordID = m.recorder.RecordOperationStart(operation, o.Backend, key)
	}

	m.events.emit(Event{
		Type:        BeforeEvent(operation),
		OperationID: c.id,
		Operation:   operation,
		Backend:     o.Backend,
		Key:         key,
		PayloadSize: size,
		Time:        m.clock.Now(),
	})
	c.startedAt = m.clock.Now()
	return c
}

func (m *Monitor) finish(c call, result cache.Result, size int, err error) {
	now := m.clock.Now()
	duration := max(now.Sub(c.startedAt), 0)
	if err != nil {
		result = cache.ResultError
	}

	if m.recorder != nil {
		var sizePtr *int64
		if size >= 0 {
			s := int64(size)
			sizePtr = &s
		}
		switch {
		case c.recordID != "":
			m.recorder.RecordOperationEnd(c.recordID, result, metrics.EndDetails{
				Err:      err,
				Size:     sizePtr,
				UserID:   c.options.UserID,
				Duration: &duration,
			})
		case err != nil:
			// Skipped by sampling at start. Errors are always kept.
			m.recorder.RecordOperation(metrics.OperationInput{
				Operation: c.operation,
				Backend:   c.options.Backend,
				Key:       c.key,
				Duration:  duration,
				Result:    result,
				Err:       err,
				Size:      sizePtr,
				UserID:    c.options.UserID,
				Timestamp: now,
			})
		}
	}
	if m.tracker != nil {
		m.tracker.TrackOperationPerformance(c.operation, c.options.Backend, duration, result)
	}

	evt := Event{
		Type:        AfterEvent(c.operation),
		OperationID: c.id,
		Operation:   c.operation,
		Backend:     c.options.Backend,
		Key:         c.key,
		PayloadSize: size,
		Err:         err,
		Duration:    duration,
		Result:      result,
		Time:        now,
	}
	m.events.emit(evt)
	if err != nil {
		evt.Type = EventError
		m.events.emit(evt)
	}

	m.log(c, result, size, duration, err)

	c.span.SetAttributes(
		attribute.String("cache.result", string(result)),
		attribute.Int64("cache.duration_ms", duration.Milliseconds()),
	)
	if size >= 0 {
		c.span.SetAttributes(attribute.Int("cache.payload_bytes", size))
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
}

func (m *Monitor) log(c call, result cache.Result, size int, duration time.Duration, err error) {
	cfg := m.Config()
	fields := []interface{}{
		"operation_id", c.id,
		"operation", c.operation,
		"backend", c.options.Backend,
		"key", c.key,
		"result", result,
		"duration_ms", float64(duration) / float64(time.Millisecond),
	}
	if size >= 0 {
		fields = append(fields, "payload_bytes", size)
	}

	if err != nil {
		m.logger.Errorw("Cache operation failed", append(fields, "error", err)...)
		return
	}

	warned := false
	if cfg.slow(c.operation, duration) {
		m.logger.Warnw("Slow cache operation detected", append(fields, "threshold_ms", cfg.SlowThresholds[c.operation].Milliseconds())...)
		warned = true
	}
	if size >= 0 && cfg.large(size) {
		m.logger.Warnw("Large cache payload", append(fields, "limit_bytes", cfg.LargePayloadBytes)...)
		warned = true
	}
	if !warned {
		m.logger.Debugw("Cache operation", fields...)
	}
}
