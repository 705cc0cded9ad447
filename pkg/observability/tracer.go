package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OpenTelemetry TracerProvider with the orchestrator's span
// vocabulary (agent runs, pipeline steps, merge attempts, service runs, HTTP
// requests).
// There is no collector in this deployment shape: spans are emitted through
// stdouttrace (newline-delimited JSON to Writer) for log aggregation, plus
// an optional in-memory DebugExporter for the CLI's `status`/`doctor`
// surfaces. Every method is nil-receiver safe so a disabled Tracer (nil
// *Tracer, matching Manager.Tracer() when tracing is off) is a correct
// no-op, the same pattern Metrics already uses.
type Tracer struct {
	provider        *sdktrace.TracerProvider
	tracer          trace.Tracer
	debugExporter   *DebugExporter
	capturePayloads bool
}

// TracerOption configures NewTracer.
type TracerOption func(*Tracer)

// WithDebugExporter attaches an in-memory span exporter for the CLI's
// status/doctor surfaces to query.
func WithDebugExporter(d *DebugExporter) TracerOption {
	return func(t *Tracer) { t.debugExporter = d }
}

// WithCapturePayloads enables AddPayload recording full step/agent
// input-output text onto spans. Off by default: can produce large spans.
func WithCapturePayloads(v bool) TracerOption {
	return func(t *Tracer) { t.capturePayloads = v }
}

// NewTracer builds a Tracer from cfg, writing spans to writer (typically a
// worker's worker.log, or os.Stdout for the supervisor process).
func NewTracer(ctx context.Context, cfg *TracingConfig, writer io.Writer, opts ...TracerOption) (*Tracer, error) {
	expOpts := []stdouttrace.Option{stdouttrace.WithoutTimestamps()}
	if writer != nil {
		expOpts = append(expOpts, stdouttrace.WithWriter(writer))
	}
	exporter, err := stdouttrace.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: create stdout trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1.0
	}

	t := &Tracer{}
	for _, opt := range opts {
		opt(t)
	}

	spanProcessors := []sdktrace.TracerProviderOption{
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithResource(res),
	}
	if t.debugExporter != nil {
		spanProcessors = append(spanProcessors, sdktrace.WithBatcher(t.debugExporter))
	}

	t.provider = sdktrace.NewTracerProvider(spanProcessors...)
	t.tracer = t.provider.Tracer(cfg.ServiceName)
	return t, nil
}

// Start opens a generic span named name.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartAgentRun opens a span for one agenthost handler invocation
// (ralph/single-shot/shell), tagged with the worker/task/step identity.
func (t *Tracer) StartAgentRun(ctx context.Context, taskID, workerID, stepID, agentKind string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanAgentRun, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrWorkerID, workerID),
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrAgentKind, agentKind),
	))
}

// StartStepExecution opens a span for one pipeline executor step.
func (t *Tracer) StartStepExecution(ctx context.Context, taskID, stepID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanStepExecution, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrStepID, stepID),
	))
}

// StartMergeAttempt opens a span for one PR merge attempt.
func (t *Tracer) StartMergeAttempt(ctx context.Context, taskID string, prNumber int) (context.Context, trace.Span) {
	return t.Start(ctx, SpanMergeAttempt, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.Int("orc.pr_number", prNumber),
	))
}

// StartServiceRun opens a span for one service-scheduler execution.
func (t *Tracer) StartServiceRun(ctx context.Context, serviceID string) (context.Context, trace.Span) {
	return t.Start(ctx, SpanServiceRun, trace.WithAttributes(
		attribute.String(AttrServiceID, serviceID),
	))
}

// SetGateResult records the step/agent's outcome onto span.
func (t *Tracer) SetGateResult(span trace.Span, gateResult string) {
	if t == nil || span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrGateResult, gateResult))
}

// AddPayload records full request/response text on span, only when
// CapturePayloads is enabled.
func (t *Tracer) AddPayload(span trace.Span, key, value string) {
	if t == nil || !t.capturePayloads || span == nil {
		return
	}
	span.SetAttributes(attribute.String(key, value))
}

// RecordError marks span as failed with err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if t == nil || span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorType, err.Error()))
}

// DebugExporter returns the attached in-memory exporter, or nil.
func (t *Tracer) DebugExporter() *DebugExporter {
	if t == nil {
		return nil
	}
	return t.debugExporter
}

// Shutdown flushes and stops the tracer provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
