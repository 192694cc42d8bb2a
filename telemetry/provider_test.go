package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keryx-io/keryx/core"
)

func setupTestProvider(t *testing.T) (*tracetest.InMemoryExporter, *Provider) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider, err := newProvider(exporter, "keryx-test", &core.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})
	return exporter, provider
}

func TestProviderStartSpan(t *testing.T) {
	exporter, provider := setupTestProvider(t)

	ctx, span := provider.StartSpan(context.Background(), "action.status")
	require.NotNil(t, ctx)
	span.SetAttribute("action.name", "status")
	span.SetAttribute("attempt", 3)
	span.SetAttribute("sampled", true)
	span.SetAttribute("latency", 1.5)
	span.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "action.status", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.String("action.name", "status"))
	assert.Contains(t, spans[0].Attributes, attribute.Int("attempt", 3))
	assert.Contains(t, spans[0].Attributes, attribute.Bool("sampled", true))
}

func TestProviderSpanRecordsError(t *testing.T) {
	exporter, provider := setupTestProvider(t)

	_, span := provider.StartSpan(context.Background(), "action.user:create")
	span.RecordError(core.NewTypedError(core.KindActionRun, "boom"))
	span.RecordError(nil) // must be a no-op
	span.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestProviderNestedSpansShareTrace(t *testing.T) {
	exporter, provider := setupTestProvider(t)

	ctx, parent := provider.StartSpan(context.Background(), "request")
	_, child := provider.StartSpan(ctx, "action.status")
	child.End()
	parent.End()

	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, spans[0].SpanContext.TraceID(), spans[1].SpanContext.TraceID())
}

func TestProviderRecordMetric(t *testing.T) {
	_, provider := setupTestProvider(t)

	// Counters and histograms are cached after the first recording; loop to
	// exercise both the create and cached paths.
	for i := 0; i < 3; i++ {
		provider.RecordMetric("actions.total", 1, map[string]string{"action": "status", "status": "ok"})
		provider.RecordMetric("action.duration.ms", 12.5, map[string]string{"action": "status", "status": "ok"})
	}

	provider.mu.RLock()
	defer provider.mu.RUnlock()
	assert.Contains(t, provider.counters, MetricPrefix+"actions.total")
	assert.Contains(t, provider.histograms, MetricPrefix+"action.duration.ms")
}

func TestProviderImplementsCoreTelemetry(t *testing.T) {
	_, provider := setupTestProvider(t)
	var _ core.Telemetry = provider
}
