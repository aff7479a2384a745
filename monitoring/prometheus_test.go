package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/aprovafacil/cachemon/cache"
	"github.com/aprovafacil/cachemon/monitor"
	"github.com/aprovafacil/cachemon/store"
)

type staticCollector struct{}

func (staticCollector) Len() int                       { return 7 }
func (staticCollector) MemoryUsage() int64             { return 2048 }
func (staticCollector) EffectiveSamplingRate() float64 { return 0.25 }

type staticLevel zapcore.Level

func (l staticLevel) Level() zapcore.Level { return zapcore.Level(l) }

func newMonitor(t *testing.T) *monitor.Monitor {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	raw := cache.NewMultiBackend(map[cache.BackendKind]store.Store{
		cache.BackendMemory: store.NewMemoryStore(1 << 20),
	}, logger)
	t.Cleanup(func() { raw.Close() })

	m, err := monitor.New(raw, monitor.Config{}, logger)
	require.NoError(t, err)
	m.Initialize()
	return m
}

func TestNewPrometheusExporter(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	tests := []struct {
		name   string
		opts   []ExporterOption
		series int
	}{
		{name: "Without sources", series: 1},
		{name: "With collector source", opts: []ExporterOption{WithCollectorSource(staticCollector{})}, series: 4},
		{name: "With every source", opts: []ExporterOption{WithCollectorSource(staticCollector{}), WithLevelSource(staticLevel(zapcore.WarnLevel))}, series: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter, err := NewPrometheusExporter(DefaultPrometheusConfig(), logger, tt.opts...)
			require.NoError(t, err)

			// Vectors without observations expose no series.
			count, err := testutil.GatherAndCount(exporter.Registry())
			require.NoError(t, err)
			assert.Equal(t, tt.series, count)
		})
	}
}

func TestPrometheusExporter_Attach(t *testing.T) {
	exporter, err := NewPrometheusExporter(DefaultPrometheusConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	m := newMonitor(t)
	exporter.Attach(m)
	exporter.Attach(m)

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "key", []byte("value")))
	_, _, err = m.Get(ctx, "key")
	require.NoError(t, err)
	_, _, err = m.Get(ctx, "missing")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationsTotal.WithLabelValues("set", "memory", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationsTotal.WithLabelValues("get", "memory", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationsTotal.WithLabelValues("get", "memory", "miss")))

	m.AddListener(monitor.AfterDelete, func(monitor.Event) error { return errors.New("listener error") })
	require.NoError(t, m.Delete(ctx, "key"))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationsTotal.WithLabelValues("delete", "memory", "success")))

	count, err := testutil.GatherAndCount(exporter.Registry(), "cachemon_cache_listener_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, uint64(1), m.ListenerErrors())

	exporter.Detach(m)
	require.NoError(t, m.Delete(ctx, "key"))
	assert.Equal(t, 1.0, testutil.ToFloat64(exporter.operationsTotal.WithLabelValues("delete", "memory", "success")))
}

func TestPrometheusExporter_ListenerErrorsNeverDecrease(t *testing.T) {
	exporter, err := NewPrometheusExporter(DefaultPrometheusConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	m := newMonitor(t)
	m.AddListener(monitor.AfterDelete, func(monitor.Event) error { return errors.New("listener error") })

	ctx := context.Background()
	require.NoError(t, m.Delete(ctx, "before-attach"))

	exporter.Attach(m)
	assert.Equal(t, 0.0, exporter.listenerErrors(), "errors counted before attaching are not reported")

	require.NoError(t, m.Delete(ctx, "key"))
	assert.Equal(t, 1.0, exporter.listenerErrors())

	exporter.Detach(m)
	assert.Equal(t, 1.0, exporter.listenerErrors())
	require.NoError(t, m.Delete(ctx, "key"))
	assert.Equal(t, 1.0, exporter.listenerErrors())

	exporter.Attach(m)
	require.NoError(t, m.Delete(ctx, "key"))
	assert.Equal(t, 2.0, exporter.listenerErrors())
	assert.Equal(t, uint64(4), m.ListenerErrors())
}

func TestPrometheusExporter_Observe(t *testing.T) {
	exporter, err := NewPrometheusExporter(DefaultPrometheusConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	exporter.Observe(monitor.Event{Type: monitor.BeforeGet, Operation: cache.OpGet, Backend: cache.BackendMemory})
	exporter.Observe(monitor.Event{Type: monitor.EventError, Operation: cache.OpGet, Backend: cache.BackendMemory, Result: cache.ResultError})
	assert.Equal(t, 0, testutil.CollectAndCount(exporter.operationsTotal))

	exporter.Observe(monitor.Event{
		Type:        monitor.AfterSet,
		Operation:   cache.OpSet,
		Backend:     cache.BackendRemote,
		Result:      cache.ResultSuccess,
		PayloadSize: 512,
		Duration:    20 * time.Millisecond,
	})
	assert.Equal(t, 1, testutil.CollectAndCount(exporter.operationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(exporter.payloadBytes))
	assert.Equal(t, 1, testutil.CollectAndCount(exporter.operationDuration))
}

func TestPrometheusExporter_Handler(t *testing.T) {
	exporter, err := NewPrometheusExporter(DefaultPrometheusConfig(), zaptest.NewLogger(t).Sugar(),
		WithCollectorSource(staticCollector{}), WithLevelSource(staticLevel(zapcore.DebugLevel)))
	require.NoError(t, err)

	server := httptest.NewServer(exporter.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "cachemon_cache_buffered_records 7")
	assert.Contains(t, string(body), "cachemon_cache_buffer_memory_bytes 2048")
	assert.Contains(t, string(body), "cachemon_cache_sampling_rate 0.25")
	assert.Contains(t, string(body), "cachemon_cache_log_level -1")
}
