package temporal

import (
	"context"
	"sort"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/interceptor"
)

const (
	tracerName     = "promptchain/temporal"
	traceHeaderKey = "otel"
	tagPrefix      = "temporal."
)

type spanContextKey struct{}

// pipelineTracer carries W3C trace context across Temporal workflow and
// activity boundaries so one pipeline run shows up as a single trace.
type pipelineTracer struct {
	interceptor.BaseTracer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

type pipelineSpan struct {
	span trace.Span
}

func newOTelTracer() *pipelineTracer {
	return &pipelineTracer{
		tracer:     otelapi.Tracer(tracerName),
		propagator: propagation.TraceContext{},
	}
}

func temporalTracingInterceptor() interceptor.Interceptor {
	return interceptor.NewTracingInterceptor(newOTelTracer())
}

func (t *pipelineTracer) Options() interceptor.TracerOptions {
	return interceptor.TracerOptions{
		SpanContextKey: spanContextKey{},
		HeaderKey:      traceHeaderKey,
	}
}

func (t *pipelineTracer) UnmarshalSpan(data map[string]string) (interceptor.TracerSpanRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	ctx := t.propagator.Extract(context.Background(), propagation.MapCarrier(data))
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return nil, nil
	}
	return spanContext, nil
}

func (t *pipelineTracer) MarshalSpan(span interceptor.TracerSpan) (map[string]string, error) {
	ps, ok := span.(*pipelineSpan)
	if !ok || ps == nil || !ps.span.SpanContext().IsValid() {
		return nil, nil
	}
	carrier := propagation.MapCarrier{}
	t.propagator.Inject(trace.ContextWithSpan(context.Background(), ps.span), carrier)
	return map[string]string(carrier), nil
}

func (t *pipelineTracer) SpanFromContext(ctx context.Context) interceptor.TracerSpan {
	if ctx == nil {
		return nil
	}
	if span, ok := ctx.Value(spanContextKey{}).(interceptor.TracerSpan); ok {
		return span
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return &pipelineSpan{span: span}
}

func (t *pipelineTracer) ContextWithSpan(ctx context.Context, span interceptor.TracerSpan) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if ps, ok := span.(*pipelineSpan); ok && ps != nil {
		ctx = trace.ContextWithSpan(ctx, ps.span)
	}
	return context.WithValue(ctx, spanContextKey{}, span)
}

func (t *pipelineTracer) StartSpan(options *interceptor.TracerStartSpanOptions) (interceptor.TracerSpan, error) {
	if options == nil {
		return nil, nil
	}
	ctx := withParent(context.Background(), options.Parent)

	startOptions := []trace.SpanStartOption{trace.WithSpanKind(spanKind(options.Operation))}
	if !options.Time.IsZero() {
		startOptions = append(startOptions, trace.WithTimestamp(options.Time))
	}
	if attrs := tagAttributes(options.Tags); len(attrs) > 0 {
		startOptions = append(startOptions, trace.WithAttributes(attrs...))
	}

	_, span := t.tracer.Start(ctx, t.SpanName(options), startOptions...)
	return &pipelineSpan{span: span}, nil
}

func (s *pipelineSpan) Finish(options *interceptor.TracerFinishSpanOptions) {
	if s == nil || s.span == nil {
		return
	}
	if options != nil && options.Error != nil {
		s.span.RecordError(options.Error)
		s.span.SetStatus(codes.Error, options.Error.Error())
	}
	s.span.End()
}

func withParent(ctx context.Context, parent interceptor.TracerSpanRef) context.Context {
	switch typed := parent.(type) {
	case trace.SpanContext:
		if typed.IsValid() {
			return trace.ContextWithSpanContext(ctx, typed)
		}
	case *pipelineSpan:
		if typed != nil && typed.span != nil {
			return trace.ContextWithSpan(ctx, typed.span)
		}
	}
	return ctx
}

// spanKind maps client-side starts and signals to producer spans so the
// trace shows where a pipeline was triggered.
func spanKind(operation string) trace.SpanKind {
	switch {
	case strings.HasPrefix(operation, "Start"), strings.HasPrefix(operation, "Signal"):
		return trace.SpanKindProducer
	case strings.HasPrefix(operation, "Run"):
		return trace.SpanKindConsumer
	}
	return trace.SpanKindInternal
}

func tagAttributes(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for key := range tags {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		attrs = append(attrs, attribute.String(tagPrefix+strings.TrimSpace(key), tags[key]))
	}
	return attrs
}
