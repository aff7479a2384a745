package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Measure runs fn inside a span named name and returns its result with the elapsed time.
// The error of fn is returned unchanged.
func Measure[T any](ctx context.Context, m *Monitor, name string, fn func(context.Context) (T, error)) (T, time.Duration, error) {
	ctx, span := m.tracer.Start(ctx, name)
	defer span.End()

	start := m.clock.Now()
	value, err := fn(ctx)
	elapsed := max(m.clock.Since(start), 0)

	span.SetAttributes(attribute.Int64("duration_ms", elapsed.Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warnw("Measured operation failed", "name", name, "duration_ms", elapsed.Milliseconds(), "error", err)
		return value, elapsed, err
	}
	m.logger.Debugw("Measured operation", "name", name, "duration_ms", elapsed.Milliseconds())
	return value, elapsed, nil
}
