// Package telemetry initialises optional OpenTelemetry trace, metric, and log
// providers backed by an OTLP gRPC collector. All three providers share a
// single gRPC connection.
//
// Call [Setup] once during startup. The returned [ShutdownFunc] must be called
// before the process exits to flush pending telemetry. [LogHandler] forwards
// slog records to the log provider.
//
// If telemetry is not configured, the global providers remain no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is the service.name resource attribute when none is
// configured.
const DefaultServiceName = "cardrelay"

// Config groups all telemetry settings. It maps 1-to-1 with the
// [config.TelemetryConfig] YAML block plus the build version.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector.
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	Insecure bool

	// ServiceName overrides the service.name resource attribute.
	ServiceName string

	// ServiceVersion sets service.version when non-empty.
	ServiceVersion string

	// Headers is sent as gRPC metadata on every OTLP request, e.g.
	// {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes and closes all OTel providers.
// It must be called with a fresh context (the main context may already be
// cancelled by the time shutdown runs).
type ShutdownFunc func(context.Context) error

// Setup initialises the global OpenTelemetry trace, metric, and log providers.
//
// The returned [ShutdownFunc] is always non-nil; on error it is a no-op so
// callers can defer unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("telemetry: OTLP endpoint is required")
	}
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return noopShutdown, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}

	// Shutdown funcs in creation order; a failure unwinds what exists.
	var shutdowns []func(context.Context) error
	unwind := func() {
		for i := len(shutdowns) - 1; i >= 0; i-- {
			_ = shutdowns[i](ctx)
		}
		_ = conn.Close()
	}

	tp, err := newTracerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		unwind()
		return noopShutdown, err
	}
	shutdowns = append(shutdowns, tp.Shutdown)

	mp, err := newMeterProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		unwind()
		return noopShutdown, err
	}
	shutdowns = append(shutdowns, mp.Shutdown)

	lp, err := newLoggerProvider(ctx, conn, cfg.Headers, res)
	if err != nil {
		unwind()
		return noopShutdown, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("OTLP gRPC connection close: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// newResource describes this service instance. resource.NewSchemaless avoids
// a schema URL conflict between resource.Default and our semconv version.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	attrs := resource.NewSchemaless(semconv.ServiceName(name))
	if cfg.ServiceVersion != "" {
		attrs = resource.NewSchemaless(semconv.ServiceName(name), semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), attrs)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		sdkmetric.WithResource(res),
	), nil
}

func newLoggerProvider(ctx context.Context, conn *grpc.ClientConn, headers map[string]string, res *resource.Resource) (*sdklog.LoggerProvider, error) {
	exp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(headers),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// noopShutdown is returned on error so callers can always defer unconditionally.
func noopShutdown(_ context.Context) error { return nil }
