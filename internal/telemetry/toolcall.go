package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// ToolCallRequest defines telemetry metadata for one knowledge-server tool invocation.
type ToolCallRequest struct {
	Tool        string
	Query       string
	QueryTokens int
}

// ToolCall tracks one kg.tool_call span lifecycle.
type ToolCall struct {
	span        trace.Span
	startedAt   time.Time
	queryTokens int

	mu      sync.Mutex
	repairs int
	ended   bool
}

type toolCallContextKey struct{}

// StartToolCall starts a kg.tool_call span and returns a context carrying the tracker.
func StartToolCall(ctx context.Context, req ToolCallRequest) (context.Context, *ToolCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	tool := normalizeOrUnknown(req.Tool)
	queryTokens := req.QueryTokens
	if queryTokens < 0 {
		queryTokens = 0
	}
	if queryTokens == 0 {
		queryTokens = EstimateTokenCount(req.Query)
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", tool),
		attribute.Int("query_tokens", queryTokens),
		attribute.String("query_hash", hashQuery(req.Query)),
	}

	spanCtx, span := otel.Tracer("graphbridge/telemetry/toolcall").Start(
		ctx,
		"kg.tool_call",
		trace.WithAttributes(attrs...),
	)

	call := &ToolCall{
		span:        span,
		startedAt:   time.Now(),
		queryTokens: queryTokens,
	}

	return context.WithValue(spanCtx, toolCallContextKey{}, call), call
}

// ToolCallFromContext returns the tool call tracker if one exists on the context.
func ToolCallFromContext(ctx context.Context) *ToolCall {
	if ctx == nil {
		return nil
	}
	callValue := ctx.Value(toolCallContextKey{})
	call, ok := callValue.(*ToolCall)
	if !ok {
		return nil
	}
	return call
}

// ContextStats carries the retrieval counters reported in a search result's context data.
type ContextStats struct {
	Entities      int
	Relationships int
	Reports       int
	Sources       int
	PromptTokens  int
	OutputTokens  int
	LLMCalls      int
}

// RecordContextStats adds a retrieval-context event to the active tool call span.
func (c *ToolCall) RecordContextStats(stats ContextStats) {
	if c == nil || c.span == nil {
		return
	}

	c.span.AddEvent(
		"kg.context",
		trace.WithAttributes(
			attribute.Int("entities", clampNonNegative(stats.Entities)),
			attribute.Int("relationships", clampNonNegative(stats.Relationships)),
			attribute.Int("reports", clampNonNegative(stats.Reports)),
			attribute.Int("sources", clampNonNegative(stats.Sources)),
			attribute.Int("prompt_tokens", clampNonNegative(stats.PromptTokens)),
			attribute.Int("output_tokens", clampNonNegative(stats.OutputTokens)),
			attribute.Int("llm_calls", clampNonNegative(stats.LLMCalls)),
		),
	)
}

// RecordRepair adds a payload-repair event to the active tool call span.
func (c *ToolCall) RecordRepair(stage string, duration time.Duration) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.repairs++

	durationMS := duration.Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	c.span.AddEvent(
		"kg.repair",
		trace.WithAttributes(
			attribute.String("stage", normalizeOrUnknown(stage)),
			attribute.Int64("duration_ms", durationMS),
		),
	)
}

// RecordError adds a redacted error event to the active tool call span.
func (c *ToolCall) RecordError(errorType string, errorMessage string) {
	if c == nil || c.span == nil {
		return
	}

	c.span.AddEvent(
		"kg.error",
		trace.WithAttributes(
			attribute.String("error_type", normalizeOrUnknown(errorType)),
			attribute.String("error_message", redactSecrets(errorMessage)),
		),
	)
	c.span.SetStatus(codes.Error, normalizeOrUnknown(errorType))
}

// End finalizes the kg.tool_call span with latency, token counts, and repair count.
func (c *ToolCall) End(responseText string, responseTokens *int, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	repairs := c.repairs
	queryTokens := c.queryTokens
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	resolvedResponseTokens, includeResponseTokens := resolveResponseTokens(responseText, responseTokens)
	totalTokens := queryTokens + resolvedResponseTokens

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("repairs_count", repairs),
		attribute.Int("total_tokens", totalTokens),
	}
	if includeResponseTokens {
		attrs = append(attrs, attribute.Int("response_tokens", resolvedResponseTokens))
	}
	c.span.SetAttributes(attrs...)

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	} else {
		c.span.SetStatus(codes.Ok, "tool call completed")
	}
	c.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func resolveResponseTokens(responseText string, responseTokens *int) (int, bool) {
	if responseTokens != nil {
		if *responseTokens < 0 {
			return 0, false
		}
		return *responseTokens, true
	}

	estimated := EstimateTokenCount(responseText)
	if estimated <= 0 {
		return 0, false
	}
	return estimated, true
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(redactSecrets(query)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func clampNonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
