package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartToolCallAndEndRecordsCoreAttributes(t *testing.T) {
	recorder := installSpanRecorder(t)

	ctx, call := StartToolCall(context.Background(), ToolCallRequest{
		Tool:  "local_search",
		Query: "what changed in the reactor design token=super-secret",
	})
	if call == nil {
		t.Fatal("expected tool call tracker")
	}
	if ToolCallFromContext(ctx) == nil {
		t.Fatal("expected tool call tracker in context")
	}

	call.RecordContextStats(ContextStats{
		Entities:      12,
		Relationships: 30,
		Reports:       4,
		Sources:       7,
		PromptTokens:  2100,
		OutputTokens:  480,
		LLMCalls:      3,
	})
	call.RecordRepair("trailing_comma", 3*time.Millisecond)
	call.End("the reactor design changed in three ways", nil, nil)

	span := findSpanByName(t, recorder.Ended(), "kg.tool_call")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttrByKey(span.Attributes(), "tool_name"); got != "local_search" {
		t.Fatalf("tool_name = %q, want local_search", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "query_tokens"); got <= 0 {
		t.Fatalf("query_tokens = %d, want > 0", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "response_tokens"); got <= 0 {
		t.Fatalf("response_tokens = %d, want > 0", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "total_tokens"); got <= 0 {
		t.Fatalf("total_tokens = %d, want > 0", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "repairs_count"); got != 1 {
		t.Fatalf("repairs_count = %d, want 1", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "latency_ms"); got < 0 {
		t.Fatalf("latency_ms = %d, want >= 0", got)
	}

	hashValue := getStringAttrByKey(span.Attributes(), "query_hash")
	if len(hashValue) != 64 {
		t.Fatalf("query_hash length = %d, want 64", len(hashValue))
	}
	if strings.Contains(hashValue, "super-secret") {
		t.Fatalf("query hash unexpectedly contains secret: %q", hashValue)
	}

	contextEvent := findEventByName(t, span.Events(), "kg.context")
	if got := getIntAttrByKey(contextEvent.Attributes, "entities"); got != 12 {
		t.Fatalf("context event entities = %d, want 12", got)
	}
	if got := getIntAttrByKey(contextEvent.Attributes, "llm_calls"); got != 3 {
		t.Fatalf("context event llm_calls = %d, want 3", got)
	}

	repairEvent := findEventByName(t, span.Events(), "kg.repair")
	if got := getStringAttrByKey(repairEvent.Attributes, "stage"); got != "trailing_comma" {
		t.Fatalf("repair event stage = %q, want trailing_comma", got)
	}
	if got := getIntAttrByKey(repairEvent.Attributes, "duration_ms"); got != 3 {
		t.Fatalf("repair event duration_ms = %d, want 3", got)
	}
}

func TestToolCallRecordErrorRedactsSecrets(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartToolCall(context.Background(), ToolCallRequest{
		Tool:  "global_search",
		Query: "token=another-secret",
	})
	call.RecordError("invoke_failure", "api_key=my-key token=top-secret")
	call.End("", nil, errors.New("authorization=bearer-private"))

	span := findSpanByName(t, recorder.Ended(), "kg.tool_call")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Error)
	}

	errorEvent := findEventByName(t, span.Events(), "kg.error")
	if got := getStringAttrByKey(errorEvent.Attributes, "error_type"); got != "invoke_failure" {
		t.Fatalf("error_type = %q, want invoke_failure", got)
	}
	message := getStringAttrByKey(errorEvent.Attributes, "error_message")
	if strings.Contains(message, "my-key") || strings.Contains(message, "top-secret") {
		t.Fatalf("error message leaked secret: %q", message)
	}
	if !strings.Contains(message, "<redacted>") {
		t.Fatalf("expected redaction marker in error message, got %q", message)
	}
}

func TestToolCallEndIsIdempotent(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, call := StartToolCall(context.Background(), ToolCallRequest{Tool: "index_documents"})
	call.End("done", nil, nil)
	call.End("done again", nil, errors.New("late failure"))

	spans := recorder.Ended()
	count := 0
	for _, span := range spans {
		if span.Name() == "kg.tool_call" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("ended span count = %d, want 1", count)
	}
	span := findSpanByName(t, spans, "kg.tool_call")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want Ok from first End", span.Status().Code)
	}
}

func TestEstimateTokenCount(t *testing.T) {
	if got := EstimateTokenCount(""); got != 0 {
		t.Fatalf("empty estimate = %d, want 0", got)
	}
	if got := EstimateTokenCount("one"); got < 1 {
		t.Fatalf("single word estimate = %d, want >= 1", got)
	}
	if got := EstimateTokenCount("three plain words"); got != 4 {
		t.Fatalf("three word estimate = %d, want 4", got)
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return recorder
}

func findSpanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return nil
}

func findEventByName(t *testing.T, events []sdktrace.Event, name string) sdktrace.Event {
	t.Helper()
	for _, event := range events {
		if event.Name == name {
			return event
		}
	}
	t.Fatalf("event %q not found in %d events", name, len(events))
	return sdktrace.Event{}
}

func getStringAttrByKey(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttrByKey(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}
