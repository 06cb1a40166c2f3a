// Package graphrag exposes the knowledge-server operations: document
// indexing, entity-scoped local search, and corpus-wide global search.
package graphrag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/docresearch/graphbridge/internal/config"
	"github.com/docresearch/graphbridge/internal/events"
	"github.com/docresearch/graphbridge/internal/repair"
	"github.com/docresearch/graphbridge/internal/state"
	"github.com/docresearch/graphbridge/internal/telemetry"
	"github.com/google/uuid"
)

// Result statuses surfaced to callers. Callers never see raw transport
// failures from an established session, only these.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusDisabled = "disabled"
)

// ErrServerUnavailable indicates the knowledge server could not be reached.
var ErrServerUnavailable = errors.New("knowledge server not available")

// Bridge is the connection surface the client drives. The session supervisor
// implements it.
type Bridge interface {
	EnsureConnection(ctx context.Context) bool
	Invoke(ctx context.Context, tool string, arguments map[string]any) (string, error)
}

// Logger captures client operation logs.
type Logger interface {
	Printf(format string, args ...any)
}

// SearchResult is the outcome of one local or global search.
type SearchResult struct {
	SearchID    string
	Status      string
	Response    string
	ContextData map[string]any
	Error       string
	// Recovered marks payloads that needed repair before parsing.
	Recovered bool
}

// IndexResult is the outcome of one indexing run.
type IndexResult struct {
	IndexID string
	Status  string
	Files   []string
	Error   string
}

// Option customizes client construction.
type Option func(*Client)

// WithBus configures the event bus for operation events.
func WithBus(bus events.Bus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithLogger configures the log sink.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPipeline overrides the payload recovery pipeline.
func WithPipeline(pipeline *repair.Pipeline) Option {
	return func(c *Client) {
		if pipeline != nil {
			c.pipeline = pipeline
		}
	}
}

// Client runs knowledge-server tools over a supervised session.
type Client struct {
	cfg      *config.Config
	bridge   Bridge
	pipeline *repair.Pipeline
	bus      events.Bus
	logger   Logger
	newID    func() string
}

// NewClient builds a client over the given bridge.
func NewClient(cfg *config.Config, bridge Bridge, options ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if bridge == nil {
		return nil, errors.New("bridge is required")
	}

	client := &Client{
		cfg:      cfg,
		bridge:   bridge,
		pipeline: repair.NewPipeline(repair.WithFallbackAnswerLimit(cfg.FallbackAnswerLimit)),
		logger:   log.Default(),
		newID:    uuid.NewString,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(client)
	}
	return client, nil
}

// IndexDocuments submits markdown files for knowledge-graph indexing.
func (c *Client) IndexDocuments(ctx context.Context, files []string, forceReindex bool) (*IndexResult, error) {
	if err := state.ValidateToolRequest(state.ToolRequest{
		Tool:  state.ToolIndexDocuments,
		Files: files,
	}); err != nil {
		return nil, err
	}

	indexID := c.newID()
	result := &IndexResult{IndexID: indexID, Files: files}

	if !c.cfg.Enabled {
		result.Status = StatusDisabled
		return result, nil
	}

	ctx, call := telemetry.StartToolCall(ctx, telemetry.ToolCallRequest{Tool: state.ToolIndexDocuments})

	if !c.bridge.EnsureConnection(ctx) {
		call.RecordError("connection", ErrServerUnavailable.Error())
		call.End("", nil, ErrServerUnavailable)
		result.Status = StatusError
		result.Error = ErrServerUnavailable.Error()
		return result, nil
	}

	raw, err := c.invoke(ctx, state.ToolIndexDocuments, map[string]any{
		"markdown_files": files,
		"force_reindex":  forceReindex,
	})
	if err != nil {
		call.End("", nil, err)
		return nil, err
	}

	fields, recovered := c.recoverPayload(ctx, raw, call, indexID)
	result.Status = payloadStatus(fields)
	result.Error = stringValue(fields, "error")

	call.End(raw, nil, nil)
	c.publish(events.EventTypeIndexCompleted, indexID, severityForStatus(result.Status), map[string]any{
		"status":     result.Status,
		"file_count": len(files),
		"recovered":  recovered,
	})
	c.logger.Printf("graphrag: index %s finished status=%s files=%d", indexID, result.Status, len(files))
	return result, nil
}

// LocalSearch answers a query from the neighborhood of matched entities.
// A non-positive topK falls back to the configured default.
func (c *Client) LocalSearch(ctx context.Context, query string, topK int) (*SearchResult, error) {
	if topK <= 0 {
		topK = c.cfg.DefaultTopK
	}
	if err := state.ValidateToolRequest(state.ToolRequest{
		Tool:  state.ToolLocalSearch,
		Query: query,
		TopK:  topK,
	}); err != nil {
		return nil, err
	}
	return c.search(ctx, state.ToolLocalSearch, query, map[string]any{
		"query":           query,
		"top_k":           topK,
		"generate_answer": true,
	})
}

// GlobalSearch answers a query from community summaries across the corpus.
func (c *Client) GlobalSearch(ctx context.Context, query string) (*SearchResult, error) {
	if err := state.ValidateToolRequest(state.ToolRequest{
		Tool:  state.ToolGlobalSearch,
		Query: query,
	}); err != nil {
		return nil, err
	}
	return c.search(ctx, state.ToolGlobalSearch, query, map[string]any{
		"query":           query,
		"generate_answer": true,
	})
}

func (c *Client) search(ctx context.Context, tool, query string, arguments map[string]any) (*SearchResult, error) {
	searchID := c.newID()
	result := &SearchResult{SearchID: searchID}

	if !c.cfg.Enabled {
		result.Status = StatusDisabled
		return result, nil
	}

	ctx, call := telemetry.StartToolCall(ctx, telemetry.ToolCallRequest{Tool: tool, Query: query})

	if !c.bridge.EnsureConnection(ctx) {
		call.RecordError("connection", ErrServerUnavailable.Error())
		call.End("", nil, ErrServerUnavailable)
		result.Status = StatusError
		result.Error = ErrServerUnavailable.Error()
		return result, nil
	}

	raw, err := c.invoke(ctx, tool, arguments)
	if err != nil {
		call.End("", nil, err)
		return nil, err
	}

	fields, recovered := c.recoverPayload(ctx, raw, call, searchID)
	result.Status = payloadStatus(fields)
	result.Response = stringValue(fields, "response")
	result.Error = stringValue(fields, "error")
	result.Recovered = recovered
	if contextData, ok := fields["context_data"].(map[string]any); ok {
		result.ContextData = contextData
		call.RecordContextStats(contextStats(contextData))
	}

	call.End(result.Response, nil, nil)
	c.publish(events.EventTypeSearchCompleted, searchID, severityForStatus(result.Status), map[string]any{
		"tool":      tool,
		"status":    result.Status,
		"preview":   preview(result.Response, c.cfg.PreviewLimit),
		"recovered": recovered,
	})
	c.logger.Printf(
		"graphrag: %s %s finished status=%s preview=%q",
		tool, searchID, result.Status, preview(result.Response, c.cfg.PreviewLimit),
	)
	return result, nil
}

func (c *Client) invoke(ctx context.Context, tool string, arguments map[string]any) (string, error) {
	if c.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
	}
	raw, err := c.bridge.Invoke(ctx, tool, arguments)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", tool, err)
	}
	return raw, nil
}

// recoverPayload parses the raw payload through the repair chain, recording
// repair stages on the active tool-call span and publishing a recovery event
// when any stage had to run.
func (c *Client) recoverPayload(ctx context.Context, raw string, call *telemetry.ToolCall, entityID string) (map[string]any, bool) {
	started := time.Now()
	recovered := c.pipeline.Recover(ctx, raw)
	if len(recovered.Stages) == 0 {
		return recovered.Fields, false
	}

	elapsed := time.Since(started)
	for _, stage := range recovered.Stages {
		call.RecordRepair(stage, elapsed)
	}
	c.publish(events.EventTypeRecoveryApplied, entityID, events.SeverityWarn, map[string]any{
		"stages":   recovered.Stages,
		"fallback": recovered.Fallback,
	})
	c.logger.Printf("graphrag: payload for %s needed repair stages=%v fallback=%v", entityID, recovered.Stages, recovered.Fallback)
	return recovered.Fields, true
}

func (c *Client) publish(eventType, entityID, severity string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "graphrag",
		EntityID:   entityID,
		Payload:    payload,
		Severity:   severity,
	})
}

// payloadStatus reads the server-reported status, defaulting to error when the
// payload carries none.
func payloadStatus(fields map[string]any) string {
	switch stringValue(fields, "status") {
	case StatusSuccess:
		return StatusSuccess
	case StatusDisabled:
		return StatusDisabled
	default:
		return StatusError
	}
}

// contextStats extracts retrieval counters from a context_data object. List
// values count their elements, numeric values are taken as-is.
func contextStats(contextData map[string]any) telemetry.ContextStats {
	return telemetry.ContextStats{
		Entities:      countValue(contextData, "entities"),
		Relationships: countValue(contextData, "relationships"),
		Reports:       countValue(contextData, "reports"),
		Sources:       countValue(contextData, "sources"),
		PromptTokens:  countValue(contextData, "prompt_tokens"),
		OutputTokens:  countValue(contextData, "output_tokens"),
		LLMCalls:      countValue(contextData, "llm_calls"),
	}
}

func countValue(fields map[string]any, key string) int {
	switch typed := fields[key].(type) {
	case []any:
		return len(typed)
	case float64:
		return int(typed)
	case int:
		return typed
	default:
		return 0
	}
}

func stringValue(fields map[string]any, key string) string {
	value, ok := fields[key].(string)
	if !ok {
		return ""
	}
	return value
}

func severityForStatus(status string) string {
	if status == StatusSuccess {
		return events.SeverityInfo
	}
	return events.SeverityWarn
}

// preview truncates to limit characters, never splitting a rune.
func preview(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
