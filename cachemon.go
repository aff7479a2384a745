package cachemon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/config"
	"github.com/aprovafacil/cachemon/graph"
	"github.com/aprovafacil/cachemon/logging"
	"github.com/aprovafacil/cachemon/metrics"
	"github.com/aprovafacil/cachemon/monitor"
	"github.com/aprovafacil/cachemon/monitoring"
	"github.com/aprovafacil/cachemon/utils/merge"
)

// Service wires the collector, the adaptive logger, the relationship tracker and the
// interception layer around one raw cache manager.
type Service struct {
	raw         cache.Manager
	collector   *metrics.Collector
	adaptive    *logging.AdaptiveLogger
	tracker     *graph.Tracker
	monitor     *monitor.Monitor
	exporter    *monitoring.PrometheusExporter
	otelMetrics *monitoring.OTelMetrics

	mu    sync.RWMutex
	graph config.GraphConfig

	closeOnce sync.Once
	logger    *zap.SugaredLogger
}

type options struct {
	logger      *zap.SugaredLogger
	level       logging.LevelController
	clock       clock.Clock
	tracker     *graph.Tracker
	statsSource metrics.StatsSource
	tracer      trace.Tracer
	meter       metric.Meter
}

type Option func(*options)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLevel gives the adaptive logger control over the level of the process logger.
func WithLevel(level logging.LevelController) Option {
	return func(o *options) {
		o.level = level
	}
}

func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

// WithTracker overrides the tracker taken from the raw manager.
func WithTracker(tracker *graph.Tracker) Option {
	return func(o *options) {
		o.tracker = tracker
	}
}

// WithStatsSource overrides the cache size source taken from the raw manager.
func WithStatsSource(source metrics.StatsSource) Option {
	return func(o *options) {
		o.statsSource = source
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithMeter records every observed operation on OpenTelemetry instruments from meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		o.meter = meter
	}
}

type trackerProvider interface {
	Tracker() *graph.Tracker
}

// New builds the service and initializes monitoring. The tracker and the size source
// default to the ones exposed by raw, as *cache.MultiBackend does.
func New(cfg config.Config, raw cache.Manager, opts ...Option) (*Service, error) {
	if raw == nil {
		return nil, errors.New("raw cache manager is required")
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop().Sugar()
	}
	if o.level == nil {
		o.level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	if o.tracker == nil {
		if provider, ok := raw.(trackerProvider); ok {
			o.tracker = provider.Tracker()
		} else {
			o.tracker = graph.NewTracker()
		}
	}
	if o.statsSource == nil {
		if source, ok := raw.(metrics.StatsSource); ok {
			o.statsSource = source
		}
	}

	collectorOpts := []metrics.Option{metrics.WithClock(o.clock)}
	if o.statsSource != nil {
		collectorOpts = append(collectorOpts, metrics.WithStatsSource(o.statsSource))
	}
	collector, err := metrics.NewCollector(cfg.Monitoring, o.logger, collectorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	adaptive, err := logging.NewAdaptiveLogger(cfg.Logging, o.level, o.logger, logging.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to create adaptive logger: %w", err)
	}

	monitorOpts := []monitor.Option{
		monitor.WithRecorder(collector),
		monitor.WithPerformanceTracker(adaptive),
		monitor.WithClock(o.clock),
	}
	if o.tracer != nil {
		monitorOpts = append(monitorOpts, monitor.WithTracer(o.tracer))
	}
	mon, err := monitor.New(raw, cfg.Monitor, o.logger, monitorOpts...)
	if err != nil {
		adaptive.Stop()
		return nil, fmt.Errorf("failed to create monitor: %w", err)
	}

	s := &Service{
		raw:       raw,
		collector: collector,
		adaptive:  adaptive,
		tracker:   o.tracker,
		monitor:   mon,
		graph:     cfg.Graph,
		logger:    o.logger,
	}

	if cfg.Prometheus.IsEnabled() {
		s.exporter, err = monitoring.NewPrometheusExporter(cfg.Prometheus, o.logger,
			monitoring.WithCollectorSource(collector),
			monitoring.WithLevelSource(adaptive),
		)
		if err != nil {
			adaptive.Stop()
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		s.exporter.Attach(mon)
	}

	if o.meter != nil {
		s.otelMetrics, err = monitoring.NewOTelMetrics(o.meter)
		if err != nil {
			adaptive.Stop()
			return nil, fmt.Errorf("failed to create OpenTelemetry instruments: %w", err)
		}
		s.otelMetrics.Attach(mon)
	}

	collector.Start()
	mon.Initialize()
	return s, nil
}

// Manager returns the monitored manager, or the raw one after Restore.
func (s *Service) Manager() cache.Manager {
	if s.monitor.Initialized() {
		return s.monitor
	}
	return s.raw
}

// Initialize re-enables instrumentation after Restore.
func (s *Service) Initialize() {
	s.monitor.Initialize()
}

// Restore disables instrumentation. Manager then returns the raw manager.
func (s *Service) Restore() {
	s.monitor.Restore()
}

func (s *Service) Collector() *metrics.Collector {
	return s.collector
}

func (s *Service) AdaptiveLogger() *logging.AdaptiveLogger {
	return s.adaptive
}

func (s *Service) Tracker() *graph.Tracker {
	return s.tracker
}

func (s *Service) Monitor() *monitor.Monitor {
	return s.monitor
}

// Exporter is nil when the Prometheus exporter is disabled.
func (s *Service) Exporter() *monitoring.PrometheusExporter {
	return s.exporter
}

// Graph exports the relationship graph. Unset limits fall back to the configured defaults.
func (s *Service) Graph(opts graph.Options) graph.Graph {
	s.mu.RLock()
	defaults := s.graph
	s.mu.RUnlock()

	if opts.MaxDepth == 0 {
		opts.MaxDepth = defaults.DefaultMaxDepth
	}
	if opts.MaxNodes == 0 {
		opts.MaxNodes = defaults.DefaultMaxNodes
	}
	return s.tracker.BuildGraph(opts)
}

// Config reports the runtime sections of the configuration.
func (s *Service) Config() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return config.Config{
		Monitoring: s.collector.Config(),
		Logging:    s.adaptive.Config(),
		Monitor:    s.monitor.Config(),
		Graph:      s.graph,
	}
}

// Configure deep merges the runtime sections of partial into the current configuration.
// Every section is validated before any is applied.
func (s *Service) Configure(partial config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	monitoringCfg, err := s.collector.Config().Merged(partial.Monitoring)
	if err != nil {
		return err
	}
	loggingCfg, err := s.adaptive.Config().Merged(partial.Logging)
	if err != nil {
		return err
	}
	monitorCfg, err := s.monitor.Config().Merged(partial.Monitor)
	if err != nil {
		return err
	}
	graphCfg := s.graph
	if err := merge.Into(&graphCfg, partial.Graph); err != nil {
		return fmt.Errorf("failed to merge graph config: %w", err)
	}

	for section, validate := range map[string]func() error{
		"monitoring": monitoringCfg.Validate,
		"logging":    loggingCfg.Validate,
		"monitor":    monitorCfg.Validate,
	} {
		if err := validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", config.ErrInvalidConfig, section, err)
		}
	}
	if graphCfg.DefaultMaxDepth < 0 || graphCfg.DefaultMaxNodes < 0 {
		return fmt.Errorf("%w: graph: default limits must not be negative", config.ErrInvalidConfig)
	}

	if err := s.collector.Configure(partial.Monitoring); err != nil {
		return err
	}
	if err := s.adaptive.Configure(partial.Logging); err != nil {
		return err
	}
	if err := s.monitor.Configure(partial.Monitor); err != nil {
		return err
	}
	s.graph = graphCfg

	s.logger.Infow("Cache monitoring reconfigured",
		"enabled", monitoringCfg.Enabled == nil || *monitoringCfg.Enabled,
		"sampling_strategy", monitoringCfg.Sampling.Strategy,
		"adaptive_logging", loggingCfg.Enabled == nil || *loggingCfg.Enabled,
	)
	return nil
}

// Close stops background work. The raw manager is left open.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.monitor.Restore()
		if s.exporter != nil {
			s.exporter.Detach(s.monitor)
		}
		if s.otelMetrics != nil {
			s.otelMetrics.Detach(s.monitor)
		}
		s.collector.Stop()
		s.adaptive.Stop()
	})
}

var (
	defaultMu      sync.RWMutex
	defaultService *Service
)

// Default returns the service registered with SetDefault, or nil.
func Default() *Service {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultService
}

func SetDefault(s *Service) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultService = s
}
