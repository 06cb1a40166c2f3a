// Package repair turns free-form model output into structured results. Model
// text is not guaranteed to be valid JSON, especially under token-limit
// truncation, so recovery runs a chain of increasingly aggressive strategies
// ordered from cheapest fix to full fallback.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultFallbackAnswerLimit bounds the raw prefix carried into fallback results.
const DefaultFallbackAnswerLimit = 1000

// Repair stage identifiers recorded on recovery results and telemetry events.
const (
	StageFenceStrip    = "fence_strip"
	StageBoundarySlice = "boundary_slice"
	StageTrailingComma = "trailing_comma"
	StageTruncation    = "truncation"
	StageFallback      = "fallback"
	StageMarkdown      = "markdown_normalize"
)

// markdownFields is the explicit set of markdown-bearing result fields.
// Membership is enumerated, never inferred from content.
var markdownFields = []string{
	"draft_answer_markdown",
	"revised_answer_markdown",
	"final_answer_markdown",
	"answer_markdown",
	"final_answer",
	"answer",
}

var (
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
	// The separator-row class stays newline-free; a class matching \n lets
	// the optional group cross into the first data row and steal its pipe.
	tableSpacingPattern = regexp.MustCompile(`\|[^\n]+\|(?:\n\|[-:\t |]+\|)?(?:\n\|[^\n]+\|)*`)
	tableBlockPattern   = regexp.MustCompile(`\|[^\n]+\|[\n\r]+\|[-:\t |]+\|[\n\r]+(?:\|[^\n]+\|[\n\r]+)+`)
	tableCellPattern    = regexp.MustCompile(`\|\s*([^|]+?)\s*\|`)
)

// duplicateCellMinLength is the shortest cell text considered substantial
// enough to hunt for duplicated narrative lines.
const duplicateCellMinLength = 10

// Recovered is the always-constructible outcome of one recovery run.
type Recovered struct {
	Fields   map[string]any
	Stages   []string
	Fallback bool
}

// CompactJSON re-serializes the recovered object as compact JSON text.
func (r Recovered) CompactJSON() (string, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(r.Fields); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Option configures Pipeline construction.
type Option func(*Pipeline)

// WithFallbackAnswerLimit configures the fallback answer prefix bound.
func WithFallbackAnswerLimit(limit int) Option {
	return func(pipeline *Pipeline) {
		if limit > 0 {
			pipeline.fallbackLimit = limit
		}
	}
}

// WithTracer configures the tracer used for recovery spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(pipeline *Pipeline) {
		if tracer == nil {
			return
		}
		pipeline.tracer = tracer
	}
}

// Pipeline composes extraction, the repair chain, and markdown normalization.
type Pipeline struct {
	fallbackLimit int
	tracer        trace.Tracer
}

// NewPipeline builds a recovery pipeline with sane defaults.
func NewPipeline(options ...Option) *Pipeline {
	pipeline := &Pipeline{
		fallbackLimit: DefaultFallbackAnswerLimit,
		tracer:        otel.Tracer("graphbridge/repair"),
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(pipeline)
	}
	return pipeline
}

// Recover turns raw model text into a structured result. It never fails: when
// every parsing strategy is exhausted the result is a fallback object carrying
// a bounded prefix of the original text.
func (p *Pipeline) Recover(ctx context.Context, raw string) Recovered {
	if ctx == nil {
		ctx = context.Background()
	}
	_, span := p.tracer.Start(ctx, "repair.recover")
	defer span.End()

	recovered := p.recover(raw)
	span.SetAttributes(
		attribute.Int("raw_bytes", len(raw)),
		attribute.StringSlice("stages", recovered.Stages),
		attribute.Bool("fallback", recovered.Fallback),
	)
	return recovered
}

func (p *Pipeline) recover(raw string) Recovered {
	stages := []string{}
	content := strings.TrimSpace(raw)

	if strings.HasPrefix(content, "```") {
		content = stripFences(content)
		stages = append(stages, StageFenceStrip)
	}

	sliced, ok := sliceBraces(content)
	if !ok {
		return p.fallback(raw, content, stages)
	}
	if sliced != content {
		stages = append(stages, StageBoundarySlice)
	}
	content = sliced

	withoutCommas := trailingCommaPattern.ReplaceAllString(content, "$1")
	if withoutCommas != content {
		stages = append(stages, StageTrailingComma)
	}
	content = withoutCommas

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(content), &fields); err == nil {
		normalized := normalizeFields(fields)
		if normalized {
			stages = append(stages, StageMarkdown)
		}
		return Recovered{Fields: fields, Stages: stages}
	}

	if truncated, ok := truncateBalanced(content); ok {
		fields = map[string]any{}
		if err := json.Unmarshal([]byte(truncated), &fields); err == nil {
			stages = append(stages, StageTruncation)
			if normalizeFields(fields) {
				stages = append(stages, StageMarkdown)
			}
			return Recovered{Fields: fields, Stages: stages}
		}
	}

	return p.fallback(raw, content, stages)
}

func (p *Pipeline) fallback(raw, content string, stages []string) Recovered {
	answer := strings.TrimSpace(content)
	if answer == "" {
		answer = strings.TrimSpace(raw)
	}
	if answer == "" {
		answer = "No response generated"
	}
	fields := map[string]any{
		"status":       "error",
		"sub_topic":    "Unknown",
		"final_answer": boundedPrefix(answer, p.fallbackLimit),
		"error":        "json_parsing_failed",
	}
	if normalizeFields(fields) {
		stages = append(stages, StageFallback, StageMarkdown)
	} else {
		stages = append(stages, StageFallback)
	}
	return Recovered{Fields: fields, Stages: stages, Fallback: true}
}

// stripFences keeps the lines between the first and second fence markers.
func stripFences(content string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if !inBlock {
				inBlock = true
				continue
			}
			break
		}
		if inBlock {
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// sliceBraces cuts the text to the span from the first '{' to the last '}'.
func sliceBraces(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

// truncateBalanced cuts the text at the first position where brace nesting
// returns to zero, recovering a syntactically complete prefix from truncated
// generations.
func truncateBalanced(content string) (string, bool) {
	depth := 0
	for i, char := range content {
		switch char {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[:i+1], true
			}
		}
	}
	return "", false
}

// normalizeFields runs markdown normalization over every known markdown-bearing
// field, reporting whether any field changed.
func normalizeFields(fields map[string]any) bool {
	changed := false
	for _, field := range markdownFields {
		value, ok := fields[field]
		if !ok {
			continue
		}
		text, ok := value.(string)
		if !ok {
			continue
		}
		normalized := NormalizeMarkdown(text)
		if normalized != text {
			fields[field] = normalized
			changed = true
		}
	}
	return changed
}

// NormalizeMarkdown fixes escape sequences, table spacing, and duplicated
// pre-table narrative in one markdown string. Applying it twice is a no-op.
func NormalizeMarkdown(markdown string) string {
	markdown = cleanEscapes(markdown)
	markdown = ensureTableSpacing(markdown)
	markdown = removeDuplicateTableNarrative(markdown)
	return markdown
}

// cleanEscapes un-doubles literal escape sequences left by model serialization.
func cleanEscapes(markdown string) string {
	if markdown == "" {
		return markdown
	}
	markdown = strings.ReplaceAll(markdown, `\n`, "\n")
	markdown = strings.ReplaceAll(markdown, `\t`, "\t")
	markdown = strings.ReplaceAll(markdown, `\r`, "\r")
	return markdown
}

// ensureTableSpacing inserts blank lines around markdown tables. Renderers
// require the separation and models frequently omit it.
func ensureTableSpacing(markdown string) string {
	if markdown == "" {
		return markdown
	}
	matches := tableSpacingPattern.FindAllStringIndex(markdown, -1)
	if len(matches) == 0 {
		return markdown
	}

	var builder strings.Builder
	previous := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		builder.WriteString(markdown[previous:start])

		table := markdown[start:end]
		if start > 0 {
			beforeStart := start - 2
			if beforeStart < 0 {
				beforeStart = 0
			}
			before := markdown[beforeStart:start]
			if before != "" && !strings.HasSuffix(before, "\n\n") {
				table = "\n" + table
			}
		}
		if end < len(markdown) {
			afterEnd := end + 2
			if afterEnd > len(markdown) {
				afterEnd = len(markdown)
			}
			after := markdown[end:afterEnd]
			if after != "" && !strings.HasPrefix(after, "\n\n") {
				table = table + "\n"
			}
		}

		builder.WriteString(table)
		previous = end
	}
	builder.WriteString(markdown[previous:])
	return builder.String()
}

// removeDuplicateTableNarrative deletes narrative lines that restate a table
// cell's exact content. Only cells of substantial length are considered, and
// only the first matching line is removed per cell.
func removeDuplicateTableNarrative(markdown string) string {
	tables := tableBlockPattern.FindAllString(markdown, -1)
	if len(tables) == 0 {
		return markdown
	}

	cleaned := markdown
	for _, table := range tables {
		tableStart := strings.Index(cleaned, table)
		if tableStart < 0 {
			continue
		}
		for _, cellMatch := range tableCellPattern.FindAllStringSubmatch(table, -1) {
			cell := strings.TrimSpace(cellMatch[1])
			if len(cell) <= duplicateCellMinLength {
				continue
			}
			linePattern, err := regexp.Compile(`[^\n]*` + regexp.QuoteMeta(cell) + `[^\n]*\n`)
			if err != nil {
				continue
			}
			// Only lines before the table are candidates; the table's own
			// rows contain the cell text by definition.
			if loc := linePattern.FindStringIndex(cleaned[:tableStart]); loc != nil {
				cleaned = cleaned[:loc[0]] + cleaned[loc[1]:]
				tableStart -= loc[1] - loc[0]
			}
		}
	}
	return cleaned
}

// boundedPrefix truncates to limit characters, never splitting a rune.
func boundedPrefix(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
