// Package telemetry implements core.Telemetry on the OpenTelemetry SDK.
//
// A Provider owns one tracer provider and one meter provider for the whole
// process. Spans export over OTLP/gRPC when an endpoint is configured and to
// stdout otherwise, which keeps local development usable without a collector.
// Metric instruments are created lazily and cached by name, so dispatch-path
// recording stays a map lookup plus an Add or Record.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keryx-io/keryx/core"
)

// MetricPrefix namespaces every metric recorded through the provider, so
// RecordMetric("actions.total", ...) lands as keryx.actions.total.
const MetricPrefix = "keryx."

const instrumentationName = "github.com/keryx-io/keryx/telemetry"

// Provider implements core.Telemetry with OpenTelemetry tracer and meter
// providers. Safe for concurrent use.
type Provider struct {
	tracer        trace.Tracer
	meter         metric.Meter
	traceProvider *sdktrace.TracerProvider
	meterProvider *sdkmetric.MeterProvider
	logger        core.Logger

	mu         sync.RWMutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a Provider for the given service. When endpoint is non-empty
// spans ship to that OTLP/gRPC collector; an empty endpoint falls back to a
// pretty-printed stdout exporter. The provider is installed as the global
// OTel tracer/meter provider so instrumented libraries (otelhttp) pick it up.
func New(ctx context.Context, serviceName, endpoint string, logger core.Logger) (*Provider, error) {
	exporter, err := newSpanExporter(ctx, endpoint)
	if err != nil {
		return nil, core.WrapError(core.KindServerInitialization, "failed to create span exporter", err)
	}

	provider, err := newProvider(exporter, serviceName, logger)
	if err != nil {
		return nil, err
	}

	provider.logger.Info("Telemetry enabled", map[string]interface{}{
		"service":  serviceName,
		"endpoint": endpoint,
		"exporter": exporterName(endpoint),
	})
	return provider, nil
}

func newSpanExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

func exporterName(endpoint string) string {
	if endpoint == "" {
		return "stdout"
	}
	return "otlp-grpc"
}

// newProvider wires the SDK around an arbitrary span exporter. Split from
// New so tests can substitute an in-memory exporter.
func newProvider(exporter sdktrace.SpanExporter, serviceName string, logger core.Logger) (*Provider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/telemetry")
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, core.WrapError(core.KindServerInitialization, "failed to build telemetry resource", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:        tp.Tracer(instrumentationName),
		meter:         mp.Meter(instrumentationName),
		traceProvider: tp,
		meterProvider: mp,
		logger:        logger,
		counters:      make(map[string]metric.Float64Counter),
		histograms:    make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan starts a span under the current context.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, s := p.tracer.Start(ctx, name)
	return ctx, &span{span: s}
}

// RecordMetric records one measurement. Names containing "duration" become
// histograms; everything else is a monotonic counter. The instrument name is
// MetricPrefix + name and labels become string attributes.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	ctx := context.Background()
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	option := metric.WithAttributes(attrs...)

	if strings.Contains(name, "duration") {
		histogram, err := p.histogram(MetricPrefix + name)
		if err != nil {
			p.logger.Error("Failed to create histogram", map[string]interface{}{
				"metric": name,
				"error":  err.Error(),
			})
			return
		}
		histogram.Record(ctx, value, option)
		return
	}

	counter, err := p.counter(MetricPrefix + name)
	if err != nil {
		p.logger.Error("Failed to create counter", map[string]interface{}{
			"metric": name,
			"error":  err.Error(),
		})
		return
	}
	counter.Add(ctx, value, option)
}

func (p *Provider) counter(name string) (metric.Float64Counter, error) {
	p.mu.RLock()
	counter, ok := p.counters[name]
	p.mu.RUnlock()
	if ok {
		return counter, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if counter, ok = p.counters[name]; ok {
		return counter, nil
	}
	counter, err := p.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = counter
	return counter, nil
}

func (p *Provider) histogram(name string) (metric.Float64Histogram, error) {
	p.mu.RLock()
	histogram, ok := p.histograms[name]
	p.mu.RUnlock()
	if ok {
		return histogram, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if histogram, ok = p.histograms[name]; ok {
		return histogram, nil
	}
	histogram, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = histogram
	return histogram, nil
}

// ForceFlush drains any batched spans, for shutdown paths that need exports
// on the wire before the process exits.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.traceProvider.ForceFlush(ctx)
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.traceProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}

// span adapts an OTel span to core.Span.
type span struct {
	span trace.Span
}

func (s *span) End() {
	s.span.End()
}

func (s *span) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
