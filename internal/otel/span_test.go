package otel

import (
	"context"
	"errors"
	"net/http"
	"testing"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
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

func TestStartSpanRecordsErrorAndEvents(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := StartSpan(context.Background(), "stage", attribute.String("stage.id", "draft"))
	RecordSpanEvent(ctx, "model.found", attribute.String("model", "m1"))
	EndSpan(span, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "stage" {
		t.Fatalf("expected span name stage, got %q", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", got.Status())
	}
	if len(got.Events()) < 2 {
		t.Fatalf("expected model event and error event, got %d", len(got.Events()))
	}
	if got.Events()[0].Name != "model.found" {
		t.Fatalf("expected model.found event first, got %q", got.Events()[0].Name)
	}
}

func TestInjectHeadersAddsTraceparent(t *testing.T) {
	installRecorder(t)
	previous := otelapi.GetTextMapPropagator()
	otelapi.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otelapi.SetTextMapPropagator(previous) })

	ctx, span := StartSpan(context.Background(), "send")
	defer span.End()

	header := http.Header{}
	InjectHeaders(ctx, header)
	if header.Get("traceparent") == "" {
		t.Fatalf("expected traceparent header, got %v", header)
	}
}

func TestSetupSDKDisabled(t *testing.T) {
	shutdown, err := SetupSDK(context.Background(), SDKOptions{})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
