package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tinytelemetry/probelog/internal/model"
)

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetricsRecordRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	run := &model.Run{
		Agent:  model.AgentPing,
		Stats:  model.RunStats{Lines: 10, Retained: 6, Stale: 2, Foreign: 1, Malformed: 1},
		Tables: []model.Table{{Name: "a"}, {Name: "b"}},
	}
	ctx := context.Background()
	m.RecordRun(ctx, run, 3*time.Millisecond)
	m.RecordFailure(ctx, model.AgentIPerf)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(1), sumOf(t, rm, "probelog.engine.runs"))
	assert.Equal(t, int64(2), sumOf(t, rm, "probelog.engine.tables"))
	assert.Equal(t, int64(10), sumOf(t, rm, "probelog.engine.lines"))
	assert.Equal(t, int64(1), sumOf(t, rm, "probelog.engine.failures"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun(context.Background(), &model.Run{}, time.Second)
	m.RecordFailure(context.Background(), model.AgentPing)
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "probelog", "test", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
