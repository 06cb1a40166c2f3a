// Package results defines the aggregation shapes consumed by research
// orchestrators and normalizes arbitrary recovered payloads into them.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docresearch/graphbridge/internal/repair"
	"golang.org/x/sync/errgroup"
)

const (
	// StatusSuccess marks a fully successful result.
	StatusSuccess = "success"
	// StatusError marks a failed result.
	StatusError = "error"
	// StatusPartialSuccess marks a multi-agent result with mixed outcomes.
	StatusPartialSuccess = "partial_success"
)

// DefaultReviewerScore is used when a payload carries no reviewer score.
const DefaultReviewerScore = "N/A"

// SubTopicResult is the standard shape for one sub-topic outcome.
type SubTopicResult struct {
	SubTopic       string           `json:"sub_topic"`
	Status         string           `json:"status"`
	AnswerMarkdown string           `json:"answer_markdown"`
	Citations      []map[string]any `json:"citations"`
	ReviewerScore  string           `json:"reviewer_score"`
	ReadyToPublish bool             `json:"ready_to_publish"`
	RoundsUsed     int              `json:"rounds_used"`
	Error          string           `json:"error,omitempty"`

	OrchestrationRounds int    `json:"orchestration_rounds,omitempty"`
	WriterRounds        int    `json:"writer_rounds,omitempty"`
	Question            string `json:"question,omitempty"`
}

// MultiAgentResult is the top-level shape orchestrators expect.
type MultiAgentResult struct {
	Status            string           `json:"status"`
	Question          string           `json:"question"`
	SubTopicResults   []SubTopicResult `json:"sub_topic_results"`
	AllReadyToPublish bool             `json:"all_ready_to_publish"`
	Error             string           `json:"error,omitempty"`
}

// ToJSON serializes the result without HTML escaping.
func (r MultiAgentResult) ToJSON() (string, error) {
	encoded, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode multi-agent result: %w", err)
	}
	return string(encoded), nil
}

// Normalize coerces an arbitrary payload into the standard sub-topic shape.
// Maps keep their recognized keys, JSON strings are parsed and re-normalized,
// plain strings become successful markdown answers, anything else becomes an
// error result. It never fails.
func Normalize(value any) SubTopicResult {
	switch typed := value.(type) {
	case SubTopicResult:
		if typed.Status == "" {
			typed.Status = StatusSuccess
		}
		if typed.ReviewerScore == "" {
			typed.ReviewerScore = DefaultReviewerScore
		}
		if typed.Citations == nil {
			typed.Citations = []map[string]any{}
		}
		return typed
	case map[string]any:
		return normalizeMap(typed)
	case string:
		parsed := map[string]any{}
		if err := json.Unmarshal([]byte(typed), &parsed); err == nil {
			return normalizeMap(parsed)
		}
		return SubTopicResult{
			Status:         StatusSuccess,
			SubTopic:       "Unknown",
			AnswerMarkdown: typed,
			Citations:      []map[string]any{},
			ReviewerScore:  DefaultReviewerScore,
		}
	default:
		return SubTopicResult{
			Status:         StatusError,
			SubTopic:       "Unknown",
			AnswerMarkdown: fmt.Sprintf("%v", value),
			Citations:      []map[string]any{},
			ReviewerScore:  DefaultReviewerScore,
			Error:          "unknown result format",
		}
	}
}

func normalizeMap(fields map[string]any) SubTopicResult {
	result := SubTopicResult{
		Status:         stringField(fields, "status", StatusSuccess),
		SubTopic:       stringField(fields, "sub_topic", ""),
		AnswerMarkdown: stringField(fields, "answer_markdown", ""),
		Citations:      citationsField(fields),
		ReviewerScore:  stringField(fields, "reviewer_score", DefaultReviewerScore),
		ReadyToPublish: boolField(fields, "ready_to_publish"),
		RoundsUsed:     intField(fields, "rounds_used"),
		Error:          stringField(fields, "error", ""),

		OrchestrationRounds: intField(fields, "orchestration_rounds"),
		WriterRounds:        intField(fields, "writer_rounds"),
		Question:            stringField(fields, "question", ""),
	}
	if result.AnswerMarkdown == "" {
		result.AnswerMarkdown = stringField(fields, "final_answer", "")
	}
	if result.RoundsUsed == 0 {
		result.RoundsUsed = result.OrchestrationRounds
	}
	return result
}

// Gatherer runs the recovery pipeline over raw sub-topic outputs concurrently
// and aggregates them into one multi-agent result.
type Gatherer struct {
	pipeline *repair.Pipeline
}

// NewGatherer builds a gatherer over the given recovery pipeline.
func NewGatherer(pipeline *repair.Pipeline) (*Gatherer, error) {
	if pipeline == nil {
		return nil, errors.New("recovery pipeline is required")
	}
	return &Gatherer{pipeline: pipeline}, nil
}

// GatherSubTopics recovers and normalizes every raw output, preserving input
// order. Aggregate status is success when every sub-topic succeeded, error
// when none did, and partial_success otherwise.
func (g *Gatherer) GatherSubTopics(ctx context.Context, question string, raws []string) MultiAgentResult {
	if g == nil || g.pipeline == nil {
		return MultiAgentResult{
			Status:          StatusError,
			Question:        question,
			SubTopicResults: []SubTopicResult{},
			Error:           "gatherer is not initialized",
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	normalized := make([]SubTopicResult, len(raws))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, raw := range raws {
		i, raw := i, raw
		group.Go(func() error {
			recovered := g.pipeline.Recover(groupCtx, raw)
			normalized[i] = Normalize(recovered.Fields)
			return nil
		})
	}
	// Recovery never fails, so the group error is always nil.
	_ = group.Wait()

	successCount := 0
	allReady := len(normalized) > 0
	for _, result := range normalized {
		if result.Status == StatusSuccess {
			successCount++
		}
		if !result.ReadyToPublish {
			allReady = false
		}
	}

	status := StatusError
	switch {
	case len(normalized) > 0 && successCount == len(normalized):
		status = StatusSuccess
	case successCount > 0:
		status = StatusPartialSuccess
	}

	aggregate := MultiAgentResult{
		Status:            status,
		Question:          question,
		SubTopicResults:   normalized,
		AllReadyToPublish: allReady,
	}
	if status == StatusError {
		aggregate.Error = "no sub-topic succeeded"
	}
	return aggregate
}

func stringField(fields map[string]any, key, fallback string) string {
	value, ok := fields[key]
	if !ok || value == nil {
		return fallback
	}
	text, ok := value.(string)
	if !ok {
		return fallback
	}
	return text
}

func boolField(fields map[string]any, key string) bool {
	value, ok := fields[key]
	if !ok {
		return false
	}
	flag, ok := value.(bool)
	if !ok {
		return false
	}
	return flag
}

func intField(fields map[string]any, key string) int {
	value, ok := fields[key]
	if !ok {
		return 0
	}
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

func citationsField(fields map[string]any) []map[string]any {
	value, ok := fields["citations"]
	if !ok {
		return []map[string]any{}
	}
	items, ok := value.([]any)
	if !ok {
		return []map[string]any{}
	}
	citations := make([]map[string]any, 0, len(items))
	for _, item := range items {
		citation, ok := item.(map[string]any)
		if !ok {
			continue
		}
		citations = append(citations, citation)
	}
	return citations
}
