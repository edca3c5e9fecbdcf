package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPConfig configures the OTLP gRPC trace exporter.
type OTLPConfig struct {
	// Endpoint is the OTLP gRPC endpoint, e.g. "localhost:4317".
	Endpoint string

	// ServiceName identifies the pipeline in traces.
	ServiceName string

	// ServiceVersion is the pipeline version.
	ServiceVersion string

	// Environment tags the deployment, e.g. "production".
	Environment string

	// Insecure disables TLS on the gRPC connection.
	Insecure bool

	// Headers are sent with each export, e.g. auth tokens.
	Headers map[string]string

	// BatchTimeout is how long spans buffer before export.
	BatchTimeout time.Duration

	// ExportTimeout bounds a single export call.
	ExportTimeout time.Duration

	// SamplingRatio is the fraction of traces kept, in [0,1].
	SamplingRatio float64
}

// DefaultOTLPConfig returns exporter defaults for the given service.
func DefaultOTLPConfig(serviceName string) OTLPConfig {
	return OTLPConfig{
		Endpoint:       "localhost:4317",
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Insecure:       true,
		BatchTimeout:   5 * time.Second,
		ExportTimeout:  30 * time.Second,
		SamplingRatio:  1.0,
	}
}

// OTLPExporter manages the trace exporter lifecycle.
type OTLPExporter struct {
	mu sync.Mutex

	cfg            OTLPConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	shutdown       func(context.Context) error
	initialized    bool
}

// NewOTLPExporter creates an exporter with the given config.
func NewOTLPExporter(cfg OTLPConfig) *OTLPExporter {
	return &OTLPExporter{cfg: cfg}
}

// Init connects the exporter and installs the global tracer provider.
// The returned shutdown function flushes and closes the exporter.
func (e *OTLPExporter) Init(ctx context.Context) (func(context.Context) error, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized {
		return e.shutdown, nil
	}

	var dialOpts []grpc.DialOption
	if e.cfg.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(e.cfg.Endpoint),
		otlptracegrpc.WithDialOption(dialOpts...),
		otlptracegrpc.WithTimeout(e.cfg.ExportTimeout),
	}
	if e.cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(e.cfg.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(e.cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(e.cfg.ServiceName),
			semconv.ServiceVersion(e.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(e.cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case e.cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case e.cfg.SamplingRatio <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(e.cfg.SamplingRatio)
	}

	e.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(e.cfg.BatchTimeout),
			sdktrace.WithExportTimeout(e.cfg.ExportTimeout),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(e.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	e.tracer = e.tracerProvider.Tracer(e.cfg.ServiceName)

	e.shutdown = func(ctx context.Context) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.initialized {
			return nil
		}
		e.initialized = false
		return e.tracerProvider.Shutdown(ctx)
	}

	e.initialized = true
	return e.shutdown, nil
}

// Tracer returns the exporter's tracer, nil before Init.
func (e *OTLPExporter) Tracer() trace.Tracer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracer
}

// IsInitialized reports whether Init has completed.
func (e *OTLPExporter) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// InitOTLP connects an exporter and returns its shutdown function. This
// is the entry point for enabling trace export.
func InitOTLP(cfg OTLPConfig) (func(context.Context) error, error) {
	return NewOTLPExporter(cfg).Init(context.Background())
}

// StartSpan starts a span on the global tracer. A no-op provider is in
// place until InitOTLP runs, so callers never need to gate on it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer("pulse").Start(ctx, name, opts...)
}

// RecordError records err on the span in ctx and marks it failed.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// IntAttr builds an int span attribute.
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// StringAttr builds a string span attribute.
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
