package observe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/httptrace/otelhttptrace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/trustform/session-bridge/internal/config"
)

// ShutdownFunc flushes and stops the telemetry providers.
type ShutdownFunc func(context.Context) error

// Configure bootstraps the OpenTelemetry SDK from configuration. When
// telemetry is disabled a no-op shutdown function is returned and the global
// providers are left untouched.
func Configure(ctx context.Context, cfg config.ObserveConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		log.Info().Msg("telemetry: disabled")
		return func(context.Context) error { return nil }, nil
	}

	logger, err := sdkLogger(cfg)
	if err != nil {
		return nil, err
	}
	otel.SetLogger(logger)

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	)

	var shutdowns []ShutdownFunc

	tracerProvider, err := configureTracing(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	shutdowns = append(shutdowns, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	if cfg.MetricsEnabled {
		meterProvider, err := configureMetrics(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, meterProvider.Shutdown)
		otel.SetMeterProvider(meterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("type", cfg.Type).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry: configured")

	return func(ctx context.Context) error {
		var firstErr error
		for _, shutdown := range shutdowns {
			if err := shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}

// sdkLogger routes OTel SDK internal logging through zerolog, filtered at
// the configured level.
func sdkLogger(cfg config.ObserveConfig) (logr.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.SDKLogLevel)
	if err != nil {
		return logr.Logger{}, fmt.Errorf("invalid OTel SDK log level %q: %w", cfg.SDKLogLevel, err)
	}

	sdk := log.Logger.Level(level)
	return zerologr.New(&sdk), nil
}

func configureTracing(ctx context.Context, cfg config.ObserveConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch cfg.Type {
	case "grpc":
		exporter, err = otlptracegrpc.New(ctx)
	case "stdout":
		exporter, err = stdouttrace.New()
	default:
		return nil, fmt.Errorf("invalid telemetry type %q: must be \"grpc\" or \"stdout\"", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second),
		),
		sdktrace.WithResource(res),
	), nil
}

func configureMetrics(ctx context.Context, cfg config.ObserveConfig, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	var (
		exporter sdkmetric.Exporter
		err      error
	)

	switch cfg.Type {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx)
	case "stdout":
		exporter, err = stdoutmetric.New()
	default:
		return nil, fmt.Errorf("invalid telemetry type %q: must be \"grpc\" or \"stdout\"", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second),
		)),
		sdkmetric.WithResource(res),
	), nil
}

// HTTPTransport wraps an outgoing transport with OTel instrumentation,
// optionally including connection-level client traces.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return base
	}

	opts := []otelhttp.Option{}
	if cfg.HTTPConnectionTraceEnabled {
		opts = append(opts, otelhttp.WithClientTrace(
			func(ctx context.Context) *httptrace.ClientTrace {
				return otelhttptrace.NewClientTrace(ctx)
			},
		))
	}

	return otelhttp.NewTransport(base, opts...)
}
