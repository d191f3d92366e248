package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/strongdm/crossns/harness"

// Config controls OTEL exporter behaviour.
type Config struct {
	ServiceName   string
	EnableMetrics bool
	EnableTraces  bool
	// TraceWriter receives pretty-printed spans. Defaults to stderr.
	TraceWriter io.Writer
}

// Provider owns OTEL meter/tracer providers and the derived stage instruments.
type Provider struct {
	cfg            Config
	meterProvider  *sdkmetric.MeterProvider
	metricReader   *sdkmetric.ManualReader
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         trace.Tracer

	stages       *StageInstruments
	shutdownOnce sync.Once
}

// Setup initialises exporters following cfg. With both signals disabled the
// provider hands out noop instruments.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "crossns"
	}
	p := &Provider{
		cfg:    cfg,
		meter:  metricnoop.NewMeterProvider().Meter(instrumentationName),
		tracer: tracenoop.NewTracerProvider().Tracer(instrumentationName),
	}
	if !cfg.EnableMetrics && !cfg.EnableTraces {
		p.stages = newStageInstruments(p)
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	if cfg.EnableMetrics {
		p.metricReader = sdkmetric.NewManualReader()
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(p.metricReader),
			sdkmetric.WithResource(res),
		)
		p.meter = p.meterProvider.Meter(instrumentationName)
	}

	if cfg.EnableTraces {
		tp, err := createTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, err
		}
		p.tracerProvider = tp
		p.tracer = tp.Tracer(instrumentationName)
	}

	p.stages = newStageInstruments(p)
	return p, nil
}

func createTracerProvider(_ context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	w := cfg.TraceWriter
	if w == nil {
		w = os.Stderr
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("init stdout trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(res),
	), nil
}

// Stages returns the harness stage instruments.
func (p *Provider) Stages() *StageInstruments {
	if p == nil {
		return nil
	}
	return p.stages
}

// MetricReader exposes the manual reader when metrics are enabled.
func (p *Provider) MetricReader() *sdkmetric.ManualReader {
	if p == nil {
		return nil
	}
	return p.metricReader
}

// Shutdown flushes and stops the configured providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	p.shutdownOnce.Do(func() {
		var errs []error
		if p.meterProvider != nil {
			if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if p.tracerProvider != nil {
			if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
				errs = append(errs, shutdownErr)
			}
		}
		if len(errs) > 0 {
			err = errors.Join(errs...)
		}
	})
	return err
}
