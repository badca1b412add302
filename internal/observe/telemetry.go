package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig describes the process to the telemetry backends.
type TelemetryConfig struct {
	// ServiceName defaults to "pianobridge".
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives finished spans in batches. Nil keeps spans
	// in-process only; correlation IDs still work.
	TraceExporter sdktrace.SpanExporter

	// RuntimeCollectors adds the Go runtime and process collectors to the
	// scrape output.
	RuntimeCollectors bool
}

// Telemetry owns the relay's meter and tracer providers and the Prometheus
// registry they are scraped from.
type Telemetry struct {
	// Metrics is bound to this Telemetry's meter provider.
	Metrics *Metrics

	reg     *prometheus.Registry
	handler http.Handler
	mp      *sdkmetric.MeterProvider
	tp      *sdktrace.TracerProvider
}

// Setup builds the providers, installs them as the OpenTelemetry globals
// along with the W3C trace context propagator, and creates [Metrics] on them.
// Call [Telemetry.Shutdown] before exit to flush pending spans.
func Setup(ctx context.Context, cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pianobridge"
	}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if cfg.RuntimeCollectors {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	t := &Telemetry{
		reg: reg,
		handler: promhttp.InstrumentMetricHandler(reg,
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		mp: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
	}
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	t.tp = sdktrace.NewTracerProvider(tpOpts...)

	if t.Metrics, err = NewMetrics(t.mp); err != nil {
		return nil, errors.Join(fmt.Errorf("observe: instruments: %w", err), t.Shutdown(ctx))
	}

	otel.SetMeterProvider(t.mp)
	otel.SetTracerProvider(t.tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Handler serves the registry in the Prometheus text format.
func (t *Telemetry) Handler() http.Handler { return t.handler }

// Registry exposes the scrape registry so callers can add collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.reg }

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
