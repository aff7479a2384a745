package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/aprovafacil/cachemon/utils"
)

// TracingConfig represents OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        *bool             `yaml:"enabled" json:"enabled"`
	Endpoint       string            `yaml:"endpoint" json:"endpoint"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Insecure       *bool             `yaml:"insecure" json:"insecure"`

	// Fraction of root spans kept, 0.0 to 1.0.
	SampleRate *float64 `yaml:"sample_rate" json:"sample_rate"`
}

func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		Enabled:     utils.ToPtr(false),
		ServiceName: "cachemon",
		Environment: "development",
		SampleRate:  utils.ToPtr(0.1),
	}
}

func (c TracingConfig) IsEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}

func (c TracingConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required")
	}
	if c.SampleRate != nil && (*c.SampleRate < 0 || *c.SampleRate > 1) {
		return fmt.Errorf("tracing sample_rate must be between 0 and 1, got %v", *c.SampleRate)
	}
	return nil
}

// NewTracerProvider builds a provider exporting spans over OTLP HTTP and installs it as the
// global provider, so monitors built without an explicit tracer use it.
func NewTracerProvider(ctx context.Context, config TracingConfig, logger *zap.SugaredLogger) (*sdktrace.TracerProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Endpoint)}
	if config.Insecure != nil && *config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	if len(config.Headers) > 0 {
		options = append(options, otlptracehttp.WithHeaders(config.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	rate := 1.0
	if config.SampleRate != nil {
		rate = *config.SampleRate
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(provider)

	logger.Infow("OpenTelemetry tracing enabled",
		"endpoint", config.Endpoint,
		"service_name", config.ServiceName,
		"sample_rate", rate,
	)
	return provider, nil
}

// ShutdownTracerProvider flushes pending spans and stops provider.
func ShutdownTracerProvider(provider *sdktrace.TracerProvider, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush traces: %w", err)
	}
	if err := provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
