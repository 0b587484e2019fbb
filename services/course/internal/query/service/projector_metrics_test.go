package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func TestProjector_CountsAppliedAndStale(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	p, err := NewProjector(newMemViews(), newMemCache(), zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Apply(ctx, courseEvent(1, "Newer", 200)))
	require.NoError(t, p.Apply(ctx, courseEvent(1, "Newer", 200)))
	require.NoError(t, p.Apply(ctx, courseEvent(1, "Older", 100)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	require.Equal(t, int64(2), counterTotal(rm, "projection_applied_total"))
	require.Equal(t, int64(1), counterTotal(rm, "projection_stale_total"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
