// Package observability wires OpenTelemetry tracing and metrics for the
// gateway. A Provider owns the trace and meter providers, exports over OTLP
// gRPC, and carries the RED instruments for the execute path. The pipeline
// reports into the Provider through its ExecuteStarted and ExecuteFinished
// methods so the hot path never imports the SDK directly.
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

	"github.com/moatlabs/moat/pkg/contracts"
)

// scopeName identifies the instrumentation scope on every span and metric.
const scopeName = "moat.gateway"

// Config holds the exporter and sampling settings for the provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns settings suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "moat-gateway",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider bundles the configured tracer, meter, and execute-path
// instruments. A disabled or zero-value Provider is safe to call and
// records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger
	red            *redInstruments
}

// redInstruments are the rate, error, and duration metrics for the
// execute pipeline plus an in-flight gauge.
type redInstruments struct {
	executions metric.Int64Counter
	errors     metric.Int64Counter
	duration   metric.Float64Histogram
	active     metric.Int64UpDownCounter
}

// New builds a Provider, installs the global tracer and meter providers,
// and starts the OTLP exporters. When config.Enabled is false no exporters
// are created and every instrument is a no-op.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.Info("observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("moat.component", "gateway"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}

	if err := p.initMeterProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init meter provider: %w", err)
	}

	p.tracer = p.tracerProvider.Tracer(
		scopeName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = p.meterProvider.Meter(
		scopeName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	red, err := newREDInstruments(p.meter)
	if err != nil {
		return nil, fmt.Errorf("init execute metrics: %w", err)
	}
	p.red = red

	p.logger.Info("observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate)

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
		return fmt.Errorf("create trace exporter: %w", err)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithSampler(samplerFor(p.config.SampleRate)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return nil
}

func (p *Provider) initMeterProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}

	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(interval),
		)),
	)

	otel.SetMeterProvider(p.meterProvider)

	return nil
}

// samplerFor maps the configured rate onto the SDK samplers. Rates at or
// above 1 trace everything, at or below 0 trace nothing.
func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newREDInstruments(meter metric.Meter) (*redInstruments, error) {
	r := &redInstruments{}

	var err error
	r.executions, err = meter.Int64Counter(
		"moat.execute.total",
		metric.WithDescription("Completed executions by capability and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create execution counter: %w", err)
	}

	r.errors, err = meter.Int64Counter(
		"moat.execute.errors.total",
		metric.WithDescription("Faulted, denied, and failed executions by taxonomy code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create error counter: %w", err)
	}

	r.duration, err = meter.Float64Histogram(
		"moat.execute.duration",
		metric.WithDescription("End to end execution latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(
			0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	r.active, err = meter.Int64UpDownCounter(
		"moat.execute.active",
		metric.WithDescription("Executions currently in flight"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create active counter: %w", err)
	}

	return r, nil
}

// ExecuteStarted records an execution entering the pipeline.
func (p *Provider) ExecuteStarted(capabilityID string) {
	if p == nil || p.red == nil {
		return
	}
	p.red.active.Add(context.Background(), 1,
		metric.WithAttributes(AttrCapabilityID.String(capabilityID)))
}

// ExecuteFinished records a completed execution. Every outcome increments
// the request counter and the latency histogram; anything other than a
// successful or replayed receipt also increments the error counter with
// its taxonomy code.
func (p *Provider) ExecuteFinished(capabilityID, outcome string, code contracts.ErrorCode, elapsed time.Duration) {
	if p == nil || p.red == nil {
		return
	}

	ctx := context.Background()
	capAttr := AttrCapabilityID.String(capabilityID)
	outAttr := AttrOutcome.String(outcome)

	p.red.active.Add(ctx, -1, metric.WithAttributes(capAttr))
	p.red.executions.Add(ctx, 1, metric.WithAttributes(capAttr, outAttr))
	p.red.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(capAttr, outAttr))

	if outcome == string(contracts.ReceiptSuccess) || outcome == string(contracts.ReceiptIdempotentHit) {
		return
	}
	attrs := []attribute.KeyValue{capAttr, outAttr}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(string(code)))
	}
	p.red.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Tracer returns the provider's tracer, falling back to the global one
// when the provider is disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// Meter returns the provider's meter, falling back to the global one when
// the provider is disabled.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(scopeName)
	}
	return p.meter
}

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// Shutdown flushes and stops both providers. Errors are logged rather than
// returned so shutdown ordering in main stays simple.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Error("tracer provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Error("meter provider shutdown failed", "error", err)
		}
	}
	return nil
}
