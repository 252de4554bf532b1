package serv

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry configures OpenTelemetry. Metrics are served in Prometheus
// format at /metrics; traces are exported over OTLP/HTTP when an endpoint
// is set.
type Telemetry struct {
	Metrics      bool   `mapstructure:"metrics"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" validate:"omitempty,hostname_port"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

type telemetry struct {
	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
	tp       *sdktrace.TracerProvider
}

func newTelemetry(ctx context.Context, conf *Config) (*telemetry, error) {
	res := resource.NewSchemaless(attribute.String("service.name", conf.AppName))
	t := &telemetry{}

	if conf.Telemetry.Metrics {
		t.registry = prometheus.NewRegistry()

		exporter, err := otelprom.New(otelprom.WithRegisterer(t.registry))
		if err != nil {
			return nil, err
		}
		t.mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exporter),
			sdkmetric.WithResource(res))
	}

	if ep := conf.Telemetry.OTLPEndpoint; ep != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep)}
		if conf.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			t.shutdown(ctx) //nolint:errcheck
			return nil, err
		}
		t.tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res))
	}
	return t, nil
}

func (t *telemetry) meterProvider() metric.MeterProvider {
	if t.mp == nil {
		return otel.GetMeterProvider()
	}
	return t.mp
}

func (t *telemetry) tracerProvider() trace.TracerProvider {
	if t.tp == nil {
		return otel.GetTracerProvider()
	}
	return t.tp
}

// handler serves the Prometheus scrape endpoint. It is nil when metrics are
// disabled.
func (t *telemetry) handler() http.Handler {
	if t.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// shutdown flushes pending spans and metrics
func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
