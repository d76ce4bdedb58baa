// Package observability provides OpenTelemetry tracing and metrics for the
// control plane: OTLP export over gRPC and RED (rate, errors, duration)
// instrumentation of the intent pipeline.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // e.g. "localhost:4317" for gRPC
	SampleRate     float64 // 0.0 to 1.0
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mycelia-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
	}
}

// Provider manages the trace and metric providers plus the intent-pipeline
// instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	intentsSubmitted metric.Int64Counter
	intentsRejected  metric.Int64Counter
	intentDuration   metric.Float64Histogram
	intentsInFlight  metric.Int64UpDownCounter
	breakerTrips     metric.Int64Counter
}

// New creates the provider. When disabled it is a safe no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("mycelia.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer("mycelia.core",
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter("mycelia.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initIntentMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init intent metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initIntentMetrics() error {
	var err error

	p.intentsSubmitted, err = p.meter.Int64Counter("mycelia.intents.submitted.total",
		metric.WithDescription("Intent submissions by type and outcome"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.intentsRejected, err = p.meter.Int64Counter("mycelia.intents.rejected.total",
		metric.WithDescription("Intent rejections before acceptance"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.intentDuration, err = p.meter.Float64Histogram("mycelia.intent.duration",
		metric.WithDescription("Accept-to-terminal intent duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.intentsInFlight, err = p.meter.Int64UpDownCounter("mycelia.intents.inflight",
		metric.WithDescription("Non-terminal intents currently in memory"),
		metric.WithUnit("{intent}"),
	)
	if err != nil {
		return err
	}

	p.breakerTrips, err = p.meter.Int64Counter("mycelia.breaker.trips.total",
		metric.WithDescription("Circuit breaker trips by layer"),
		metric.WithUnit("{trip}"),
	)
	return err
}

// Shutdown drains and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer("mycelia.core")
	}
	return p.tracer
}

// RecordSubmission counts one submission attempt.
func (p *Provider) RecordSubmission(ctx context.Context, intentType, outcome string) {
	if p.intentsSubmitted != nil {
		p.intentsSubmitted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent.type", intentType),
			attribute.String("intent.outcome", outcome),
		))
	}
}

// RecordRejection counts a pre-acceptance rejection.
func (p *Provider) RecordRejection(ctx context.Context, intentType, code string) {
	if p.intentsRejected != nil {
		p.intentsRejected.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent.type", intentType),
			attribute.String("reject.code", code),
		))
	}
}

// RecordBreakerTrip counts one breaker trip.
func (p *Provider) RecordBreakerTrip(ctx context.Context, layer string) {
	if p.breakerTrips != nil {
		p.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("breaker.layer", layer)))
	}
}

// TrackIntent instruments one intent from acceptance to terminal status.
// The returned func records duration and errors when called.
func (p *Provider) TrackIntent(ctx context.Context, intentType string) (context.Context, func(error)) {
	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String("intent.type", intentType)}

	ctx, span := p.Tracer().Start(ctx, "intent.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.intentsInFlight != nil {
		p.intentsInFlight.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p.intentsInFlight != nil {
			p.intentsInFlight.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.intentDuration != nil {
			p.intentDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
