package state

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// ToolIndexDocuments ingests markdown files into the knowledge graph.
	ToolIndexDocuments = "index_documents"
	// ToolLocalSearch runs an entity-level search over the knowledge graph.
	ToolLocalSearch = "local_search"
	// ToolGlobalSearch runs a community-level search over the knowledge graph.
	ToolGlobalSearch = "global_search"
)

// ToolRequest captures the validated surface of one knowledge-server call.
type ToolRequest struct {
	Tool  string
	Query string
	TopK  int
	Files []string
}

// RequestValidationError describes why a tool request failed deterministic validation.
type RequestValidationError struct {
	Tool   string
	Reason string
}

func (e *RequestValidationError) Error() string {
	return fmt.Sprintf("tool request validation failed for %q: %s", e.Tool, e.Reason)
}

// ValidateToolRequest enforces deterministic per-tool argument requirements.
func ValidateToolRequest(req ToolRequest) error {
	tool := strings.TrimSpace(req.Tool)
	if tool == "" {
		return &RequestValidationError{Tool: tool, Reason: "tool name must not be empty"}
	}

	switch tool {
	case ToolIndexDocuments:
		files := normalizeFiles(req.Files)
		if len(files) == 0 {
			return &RequestValidationError{
				Tool:   tool,
				Reason: "index_documents requires at least one markdown file",
			}
		}
		for _, file := range files {
			if !strings.EqualFold(filepath.Ext(file), ".md") {
				return &RequestValidationError{
					Tool:   tool,
					Reason: fmt.Sprintf("index_documents accepts markdown files only, got %q", file),
				}
			}
		}
	case ToolLocalSearch:
		if strings.TrimSpace(req.Query) == "" {
			return &RequestValidationError{
				Tool:   tool,
				Reason: "local_search requires a non-empty query",
			}
		}
		if req.TopK <= 0 {
			return &RequestValidationError{
				Tool:   tool,
				Reason: fmt.Sprintf("local_search requires top_k > 0, got %d", req.TopK),
			}
		}
	case ToolGlobalSearch:
		if strings.TrimSpace(req.Query) == "" {
			return &RequestValidationError{
				Tool:   tool,
				Reason: "global_search requires a non-empty query",
			}
		}
	default:
		return &RequestValidationError{Tool: tool, Reason: "unsupported tool"}
	}

	return nil
}

func normalizeFiles(items []string) []string {
	normalized := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	return normalized
}
