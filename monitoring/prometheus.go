package monitoring

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aprovafacil/cachemon/monitor"
	"github.com/aprovafacil/cachemon/utils"
)

// PrometheusConfig represents Prometheus configuration
type PrometheusConfig struct {
	Enabled   *bool  `yaml:"enabled" json:"enabled"`
	Path      string `yaml:"path" json:"path"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
}

func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Enabled:   utils.ToPtr(true),
		Path:      "/metrics",
		Namespace: "cachemon",
		Subsystem: "cache",
	}
}

func (c PrometheusConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CollectorSource reports the state of the metrics collector.
type CollectorSource interface {
	Len() int
	MemoryUsage() int64
	EffectiveSamplingRate() float64
}

// LevelSource reports the ambient log level.
type LevelSource interface {
	Level() zapcore.Level
}

// PrometheusExporter publishes the events of a monitor.Monitor as Prometheus metrics on a
// private registry.
type PrometheusExporter struct {
	config   PrometheusConfig
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	payloadBytes      *prometheus.HistogramVec

	mu       sync.Mutex
	attached map[*monitor.Monitor]attachment

	// Listener errors counted by monitors that were detached since.
	retiredListenerErrors uint64
}

type attachment struct {
	listener monitor.ListenerID

	// Listener errors the monitor had already counted when it was attached.
	baseline uint64
}

type ExporterOption func(*exporterSources)

type exporterSources struct {
	collector CollectorSource
	level     LevelSource
}

// WithCollectorSource exports the buffered record count, estimated memory and effective
// sampling rate of source.
func WithCollectorSource(source CollectorSource) ExporterOption {
	return func(s *exporterSources) {
		s.collector = source
	}
}

// WithLevelSource exports the log level of source as its numeric zapcore value.
func WithLevelSource(source LevelSource) ExporterOption {
	return func(s *exporterSources) {
		s.level = source
	}
}

func NewPrometheusExporter(config PrometheusConfig, logger *zap.SugaredLogger, opts ...ExporterOption) (*PrometheusExporter, error) {
	var sources exporterSources
	for _, opt := range opts {
		opt(&sources)
	}

	p := &PrometheusExporter{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger,
		attached: make(map[*monitor.Monitor]attachment),
	}
	if err := p.initializeMetrics(sources); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return p, nil
}

func (p *PrometheusExporter) initializeMetrics(sources exporterSources) error {
	namespace := p.config.Namespace
	subsystem := p.config.Subsystem

	p.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total number of observed cache operations",
		},
		[]string{"operation", "backend", "result"},
	)

	p.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Cache operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1, 2.5},
		},
		[]string{"operation", "backend"},
	)

	p.payloadBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "payload_bytes",
			Help:      "Size of cache payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"operation", "backend"},
	)

	collectors := []prometheus.Collector{
		p.operationsTotal,
		p.operationDuration,
		p.payloadBytes,
		prometheus.NewCounterFunc(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "listener_errors_total",
				Help:      "Total number of failed or panicking event listeners",
			},
			p.listenerErrors,
		),
	}

	if source := sources.collector; source != nil {
		collectors = append(collectors,
			p.gaugeFunc("buffered_records", "Operation records held by the collector", func() float64 {
				return float64(source.Len())
			}),
			p.gaugeFunc("buffer_memory_bytes", "Estimated memory held by the collector buffer", func() float64 {
				return float64(source.MemoryUsage())
			}),
			p.gaugeFunc("sampling_rate", "Effective sampling rate of the collector", source.EffectiveSamplingRate),
		)
	}
	if source := sources.level; source != nil {
		collectors = append(collectors, p.gaugeFunc("log_level", "Current log level, -1 debug to 2 error", func() float64 {
			return float64(source.Level())
		}))
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}

func (p *PrometheusExporter) gaugeFunc(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: p.config.Namespace,
		Subsystem: p.config.Subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func (p *PrometheusExporter) listenerErrors() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.retiredListenerErrors
	for m, a := range p.attached {
		total += m.ListenerErrors() - a.baseline
	}
	return float64(total)
}

// Attach subscribes the exporter to every event of m. Attaching twice has no effect.
func (p *PrometheusExporter) Attach(m *monitor.Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.attached[m]; ok {
		return
	}
	baseline := m.ListenerErrors()
	id := m.AddWildcardListener(func(evt monitor.Event) error {
		p.Observe(evt)
		return nil
	})
	p.attached[m] = attachment{listener: id, baseline: baseline}
}

// Detach removes the subscription made by Attach.
func (p *PrometheusExporter) Detach(m *monitor.Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.attached[m]; ok {
		m.RemoveListener(a.listener)
		p.retiredListenerErrors += m.ListenerErrors() - a.baseline
		delete(p.attached, m)
	}
}

// Observe records a completed operation. Before and error events are ignored since the
// after event already carries the outcome.
func (p *PrometheusExporter) Observe(evt monitor.Event) {
	if !strings.HasPrefix(string(evt.Type), "after_") {
		return
	}

	operation, backend := string(evt.Operation), string(evt.Backend)
	p.operationsTotal.WithLabelValues(operation, backend, string(evt.Result)).Inc()
	p.operationDuration.WithLabelValues(operation, backend).Observe(evt.Duration.Seconds())
	if evt.PayloadSize >= 0 {
		p.payloadBytes.WithLabelValues(operation, backend).Observe(float64(evt.PayloadSize))
	}
}

// Registry returns the private registry holding the exporter's metrics.
func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(p.logger.Desugar()),
	})
}
