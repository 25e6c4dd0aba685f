package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names accepted in Config.Exporter.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
	ExporterJaeger   = "jaeger"
	ExporterZipkin   = "zipkin"
)

const defaultZipkinEndpoint = "http://localhost:9411/api/v2/spans"

// Config describes the tracer provider to build.
type Config struct {
	Enabled bool

	// ServiceName is reported as service.name on every span.
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter is one of the Exporter* names. Jaeger is reached over OTLP gRPC.
	Exporter string

	// Endpoint is the collector address. Zipkin takes a full URL.
	Endpoint string

	// SampleRate is the fraction of traces kept, from 0 to 1.
	SampleRate float64

	// Insecure disables TLS for OTLP exporters.
	Insecure bool
}

// DefaultConfig returns tracing disabled with development defaults.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "headerberry",
		ServiceVersion: "0.0.0",
		Environment:    "development",
		Exporter:       ExporterNone,
		Endpoint:       "localhost:4317",
		SampleRate:     0.1,
		Insecure:       true,
	}
}

// NewProvider creates an SDK tracer provider that exports through the
// configured exporter. With ExporterNone spans are sampled but dropped.
func NewProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	)

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case ExporterOTLPGRPC, "otlp", ExporterJaeger:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP gRPC exporter: %w", err)
		}
		exporter = exp

	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP HTTP exporter: %w", err)
		}
		exporter = exp

	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
		exporter = exp

	case ExporterZipkin:
		endpoint := cfg.Endpoint
		if endpoint == "" || endpoint == DefaultConfig().Endpoint {
			endpoint = defaultZipkinEndpoint
		}
		exp, err := zipkin.New(endpoint)
		if err != nil {
			return nil, fmt.Errorf("creating Zipkin exporter: %w", err)
		}
		exporter = exp

	case ExporterNone, "":

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.Exporter)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Setup builds the provider for cfg and installs it as the global provider
// with W3C trace context propagation. When tracing is disabled it returns a
// no-op provider and leaves the globals alone. The returned function flushes
// and shuts the provider down.
func Setup(cfg Config) (trace.TracerProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	provider, err := NewProvider(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider: %w", err)
	}

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider, provider.Shutdown, nil
}
