package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/monitor"
)

// OTelMetricsConfig represents OpenTelemetry metrics export configuration
type OTelMetricsConfig struct {
	Enabled     *bool             `yaml:"enabled" json:"enabled"`
	Endpoint    string            `yaml:"endpoint" json:"endpoint"`
	ServiceName string            `yaml:"service_name" json:"service_name"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Insecure    *bool             `yaml:"insecure" json:"insecure"`
	Interval    time.Duration     `yaml:"interval" json:"interval"`
}

func (c OTelMetricsConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

func (c OTelMetricsConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("metrics endpoint is required")
	}
	if c.Interval < 0 {
		return fmt.Errorf("metrics interval must not be negative")
	}
	return nil
}

// NewMeterProvider builds a provider exporting over OTLP gRPC and installs it as the
// global meter provider.
func NewMeterProvider(ctx context.Context, config OTelMetricsConfig, logger *zap.SugaredLogger) (*sdkmetric.MeterProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "cachemon"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	options := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure != nil && *config.Insecure {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlpmetricgrpc.WithHeaders(config.Headers))
	}
	exporter, err := otlpmetricgrpc.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metrics exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
	)
	otel.SetMeterProvider(provider)

	logger.Infow("OpenTelemetry metrics enabled", "endpoint", config.Endpoint)
	return provider, nil
}

// OTelMetrics records the events of a monitor.Monitor as OpenTelemetry instruments.
type OTelMetrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	payload    metric.Int64Histogram

	mu       sync.Mutex
	attached map[*monitor.Monitor]monitor.ListenerID
}

func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	o := &OTelMetrics{attached: make(map[*monitor.Monitor]monitor.ListenerID)}

	var err error
	o.operations, err = meter.Int64Counter(
		"cache.operations",
		metric.WithDescription("Total number of observed cache operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation counter: %w", err)
	}

	o.duration, err = meter.Float64Histogram(
		"cache.operation.duration",
		metric.WithDescription("Cache operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	o.payload, err = meter.Int64Histogram(
		"cache.payload.size",
		metric.WithDescription("Size of cache payloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload histogram: %w", err)
	}
	return o, nil
}

// Attach subscribes to every event of m. Attaching twice has no effect.
func (o *OTelMetrics) Attach(m *monitor.Monitor) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.attached[m]; ok {
		return
	}
	o.attached[m] = m.AddWildcardListener(func(evt monitor.Event) error {
		o.Observe(context.Background(), evt)
		return nil
	})
}

func (o *OTelMetrics) Detach(m *monitor.Monitor) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id, ok := o.attached[m]; ok {
		m.RemoveListener(id)
		delete(o.attached, m)
	}
}

// Observe records an after event. Other events are ignored.
func (o *OTelMetrics) Observe(ctx context.Context, evt monitor.Event) {
	if !strings.HasPrefix(string(evt.Type), "after_") {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", string(evt.Operation)),
		attribute.String("backend", string(evt.Backend)),
	)
	o.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(evt.Operation)),
		attribute.String("backend", string(evt.Backend)),
		attribute.String("result", string(evt.Result)),
	))
	o.duration.Record(ctx, evt.Duration.Seconds(), attrs)
	if evt.PayloadSize >= 0 {
		o.payload.Record(ctx, int64(evt.PayloadSize), attrs)
	}
}
