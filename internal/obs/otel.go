package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the providers and the server's instruments. Shutdown
// flushes both providers.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider

	Tracer trace.Tracer

	CommandCount   metric.Int64Counter
	CommandLatency metric.Float64Histogram
	ActiveSessions metric.Int64UpDownCounter
	NotifyFanout   metric.Int64Counter
}

// TelemetryOptions selects the exporters. With an empty OTLPEndpoint,
// only the stdout exporters run (and only when Debug is set, to keep
// normal operation quiet).
type TelemetryOptions struct {
	OTLPEndpoint string
	Debug        bool
}

// NewTelemetry wires the metric and trace providers and builds the
// server's instruments.
func NewTelemetry(ctx context.Context, opts TelemetryOptions) (*Telemetry, error) {
	var readers []sdkmetric.Option
	if opts.Debug {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("obs: stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(time.Minute))))
	}
	if opts.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(opts.OTLPEndpoint),
			otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("obs: otlp metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)

	var traceOpts []sdktrace.TracerProviderOption
	if opts.Debug {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("obs: stdout trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tp)

	t := &Telemetry{
		meterProvider:  mp,
		tracerProvider: tp,
		Tracer:         tp.Tracer("pimd/server"),
	}
	meter := mp.Meter("pimd/server")
	var err error
	if t.CommandCount, err = meter.Int64Counter("pimd.commands",
		metric.WithDescription("Commands handled, by name and status")); err != nil {
		return nil, err
	}
	if t.CommandLatency, err = meter.Float64Histogram("pimd.command.latency",
		metric.WithDescription("Command handling latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if t.ActiveSessions, err = meter.Int64UpDownCounter("pimd.sessions.active",
		metric.WithDescription("Currently connected sessions")); err != nil {
		return nil, err
	}
	if t.NotifyFanout, err = meter.Int64Counter("pimd.notify.batches",
		metric.WithDescription("Notification batches delivered")); err != nil {
		return nil, err
	}
	return t, nil
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
