package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/interceptor"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})
	return recorder
}

func TestTracerMarshalUnmarshal(t *testing.T) {
	useRecorder(t)

	tracer := newOTelTracer()
	span, err := tracer.StartSpan(&interceptor.TracerStartSpanOptions{
		Operation: "StartWorkflow",
		Name:      "PipelineWorkflow",
		Time:      time.Now().UTC(),
		Tags:      map[string]string{"workflowID": "promptchain-reply-ticket-1"},
	})
	if err != nil {
		t.Fatalf("StartSpan error: %v", err)
	}

	payload, err := tracer.MarshalSpan(span)
	if err != nil {
		t.Fatalf("MarshalSpan error: %v", err)
	}
	if payload["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", payload)
	}

	ref, err := tracer.UnmarshalSpan(payload)
	if err != nil {
		t.Fatalf("UnmarshalSpan error: %v", err)
	}
	if spanRef, ok := ref.(trace.SpanContext); !ok || !spanRef.IsValid() {
		t.Fatalf("expected valid span context, got %#v", ref)
	}
	span.(*pipelineSpan).Finish(nil)
}

func TestTracerStartSpanUsesParent(t *testing.T) {
	recorder := useRecorder(t)

	_, parent := otelapi.Tracer("test").Start(context.Background(), "parent")
	parentContext := parent.SpanContext()
	parent.End()

	tracer := newOTelTracer()
	span, err := tracer.StartSpan(&interceptor.TracerStartSpanOptions{
		Parent:    parentContext,
		Operation: "RunActivity",
		Name:      "RunStageActivity",
		Tags:      map[string]string{"activityID": "5"},
	})
	if err != nil {
		t.Fatalf("StartSpan error: %v", err)
	}
	span.(*pipelineSpan).Finish(&interceptor.TracerFinishSpanOptions{Error: errors.New("stage failed")})

	ended := recorder.Ended()
	last := ended[len(ended)-1]
	if last.SpanContext().TraceID() != parentContext.TraceID() {
		t.Fatalf("expected child span to share trace ID")
	}
	if last.SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("expected consumer span, got %v", last.SpanKind())
	}
	if last.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", last.Status())
	}
	found := false
	for _, attr := range last.Attributes() {
		if string(attr.Key) == "temporal.activityID" && attr.Value.AsString() == "5" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected prefixed tag attribute, got %v", last.Attributes())
	}
}

func TestTracerIgnoresEmptyHeaders(t *testing.T) {
	tracer := newOTelTracer()
	ref, err := tracer.UnmarshalSpan(nil)
	if err != nil || ref != nil {
		t.Fatalf("expected nil ref, got %v %v", ref, err)
	}
	if span := tracer.SpanFromContext(context.Background()); span != nil {
		t.Fatalf("expected no span in empty context, got %v", span)
	}
}
