package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StageInstruments publishes one span and duration sample per harness stage.
type StageInstruments struct {
	tracer        trace.Tracer
	counterFailed metric.Int64Counter
	histDuration  metric.Float64Histogram
}

// StageHandle tracks one in-flight stage.
type StageHandle struct {
	ctx   context.Context
	span  trace.Span
	start time.Time
	attrs []attribute.KeyValue
}

func newStageInstruments(p *Provider) *StageInstruments {
	inst := &StageInstruments{tracer: p.tracer}
	inst.counterFailed, _ = p.meter.Int64Counter(
		"crossns.stage.failures",
		metric.WithDescription("Number of harness stages that failed"),
	)
	inst.histDuration, _ = p.meter.Float64Histogram(
		"crossns.stage.duration",
		metric.WithDescription("Duration of harness stages"),
		metric.WithUnit("s"),
	)
	return inst
}

// Start opens a span for stage.
func (i *StageInstruments) Start(parent context.Context, runID, stage string) (*StageHandle, context.Context) {
	h := &StageHandle{
		ctx:   parent,
		start: time.Now(),
		attrs: []attribute.KeyValue{
			attribute.String("crossns.run_id", runID),
			attribute.String("crossns.stage", stage),
		},
	}
	if i == nil || i.tracer == nil {
		return h, parent
	}
	ctx, span := i.tracer.Start(parent, "crossns."+stage, trace.WithAttributes(h.attrs...))
	h.ctx = ctx
	h.span = span
	return h, ctx
}

// Finish records the stage duration and outcome, ending its span.
func (i *StageInstruments) Finish(h *StageHandle, err error) time.Duration {
	if h == nil {
		return 0
	}
	elapsed := time.Since(h.start)
	if i == nil {
		return elapsed
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := append([]attribute.KeyValue{}, h.attrs...)
	attrs = append(attrs, attribute.String("outcome", outcome))

	if i.histDuration != nil {
		i.histDuration.Record(h.ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && i.counterFailed != nil {
		i.counterFailed.Add(h.ctx, 1, metric.WithAttributes(attrs...))
	}
	if h.span != nil {
		h.span.SetAttributes(attrs...)
		if err != nil {
			h.span.RecordError(err)
			h.span.SetStatus(codes.Error, err.Error())
		}
		h.span.End()
	}
	return elapsed
}
