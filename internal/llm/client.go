// Package llm provides LLM client integrations.
//
// Corresponds to: codex-rs/core/src/client.rs
package llm

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/tools"
)

// LLMRequest represents a request to the LLM.
//
// Maps to: codex-rs/core/src/client_common.rs Prompt
type LLMRequest struct {
	History     []models.ConversationItem `json:"history"`
	ModelConfig models.ModelConfig        `json:"model_config"`
	ToolSpecs   []tools.ToolSpec          `json:"tool_specs"`

	// Instructions hierarchy (maps to Codex 3-tier system)
	BaseInstructions      string `json:"base_instructions,omitempty"`
	DeveloperInstructions string `json:"developer_instructions,omitempty"`
	UserInstructions      string `json:"user_instructions,omitempty"`

	// OpenAI Responses API previous_response_id. Neither provider client
	// reads it; every request sends the full History.
	PreviousResponseID string `json:"previous_response_id,omitempty"`

	// Web search mode (OpenAI-only). Neither provider client reads it, so no
	// web_search tool is added to a request.
	WebSearchMode models.WebSearchMode `json:"web_search_mode,omitempty"`
}

// LLMResponse represents a response from the LLM.
// Items contains all response items (assistant messages + function calls),
// matching Codex's SamplingRequestResult which returns Vec<ResponseItem>.
//
// Maps to: codex-rs/core/src/codex.rs SamplingRequestResult
type LLMResponse struct {
	Items        []models.ConversationItem `json:"items"`
	FinishReason models.FinishReason       `json:"finish_reason"`
	TokenUsage   models.TokenUsage         `json:"token_usage"`

	// OpenAI Responses API response ID. Neither provider client sets it.
	ResponseID string `json:"response_id,omitempty"`
}

// CompactRequest represents a request to compact conversation history.
//
// Maps to: codex-rs/core/src/compact.rs CompactRequest
type CompactRequest struct {
	Model        string                      `json:"model"`
	Input        []models.ConversationItem   `json:"input"`
	Instructions string                      `json:"instructions,omitempty"`
}

// CompactResponse represents the result of a compaction operation.
// Items contains the compacted history to use as input for the next call.
//
// Maps to: codex-rs/core/src/compact.rs CompactResponse
type CompactResponse struct {
	Items      []models.ConversationItem `json:"items"`
	TokenUsage models.TokenUsage         `json:"token_usage"`
}

// LLMClient is the interface for LLM providers.
//
// Maps to: codex-rs/core/src/client.rs ModelClient trait
type LLMClient interface {
	Call(ctx context.Context, request LLMRequest) (LLMResponse, error)
	Compact(ctx context.Context, request CompactRequest) (CompactResponse, error)
}

// compactSummarizer performs one non-streaming completion call given a model
// name and a fully-rendered prompt, returning the generated text and the
// token usage it consumed.
type compactSummarizer func(model, prompt string) (string, models.TokenUsage, error)

// compactViaSummary implements local-summarization compaction: it renders
// the input history as a flat transcript, asks the model to condense it
// under the given instructions, and returns the condensed text as a single
// assistant-message item so it can seed the next turn's history.
//
// Maps to: codex-rs/core/src/compact.rs compact operation (local summarization path)
func compactViaSummary(_ context.Context, request CompactRequest, summarize compactSummarizer) (CompactResponse, error) {
	transcript := renderTranscriptForCompaction(request.Input)

	instructions := request.Instructions
	if instructions == "" {
		instructions = "Summarize the conversation so far, preserving all decisions, file paths, " +
			"and unresolved tasks. Be concise but do not drop information needed to continue the work."
	}

	prompt := fmt.Sprintf("%s\n\n--- Conversation transcript ---\n%s", instructions, transcript)

	summary, usage, err := summarize(request.Model, prompt)
	if err != nil {
		return CompactResponse{}, err
	}

	return CompactResponse{
		Items: []models.ConversationItem{{
			Type:    models.ItemTypeAssistantMessage,
			Content: summary,
		}},
		TokenUsage: usage,
	}, nil
}

// renderTranscriptForCompaction flattens conversation items into plain text
// suitable for feeding back to the model as a summarization prompt.
func renderTranscriptForCompaction(items []models.ConversationItem) string {
	var b strings.Builder
	for _, item := range items {
		switch item.Type {
		case models.ItemTypeUserMessage:
			fmt.Fprintf(&b, "User: %s\n", item.Content)
		case models.ItemTypeAssistantMessage:
			if item.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", item.Content)
			}
		case models.ItemTypeReasoning:
			fmt.Fprintf(&b, "Assistant (reasoning): %s\n", item.Content)
		case models.ItemTypeFunctionCall:
			fmt.Fprintf(&b, "Assistant called tool %s(%s)\n", item.Name, item.Arguments)
		case models.ItemTypeFunctionCallOutput:
			if item.Output != nil {
				fmt.Fprintf(&b, "Tool result: %s\n", item.Output.Content)
			}
		}
	}
	return b.String()
}

// classifyByStatusCode maps an HTTP status code to the appropriate ActivityError.
// Shared by all provider error classifiers.
//
// Classification:
//   - 429 (Too Many Requests): rate limit, retryable with delay
//   - 408 (Request Timeout), 409 (Conflict): transient, retryable
//   - Other 4xx: fatal client error, non-retryable (e.g., 400, 401, 403, 404)
//   - 5xx: transient server error, retryable
func classifyByStatusCode(statusCode int, err error) *models.ActivityError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		apiErr := models.NewAPILimitError(fmt.Sprintf("rate limit (%d): %v", statusCode, err))
		apiErr.Details = extractRateLimitDetails(err.Error())
		return apiErr
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusConflict:
		return models.NewTransientError(fmt.Sprintf("retryable error (%d): %v", statusCode, err))
	case statusCode >= 400 && statusCode < 500:
		return models.NewFatalError(fmt.Sprintf("client error (%d): %v", statusCode, err))
	case statusCode >= 500:
		return models.NewTransientError(fmt.Sprintf("server error (%d): %v", statusCode, err))
	default:
		return models.NewTransientError(fmt.Sprintf("unexpected status (%d): %v", statusCode, err))
	}
}

// resetHintPattern matches the reset hints a 429 body may carry, in any
// of the key spellings both providers use.
var resetHintPattern = regexp.MustCompile(`"(reset_seconds|resets_in_seconds|reset_at)"\s*:\s*"?([0-9]+(?:\.[0-9]+)?)"?`)

// extractRateLimitDetails pulls reset hints out of a 429 error's text
// (both provider SDKs embed the response body in the error string) so the
// retry policy can derive an absolute rate-limited deadline from them.
// Returns nil when the body carries no hint, which downgrades the retry
// decision to plain backoff.
func extractRateLimitDetails(errText string) map[string]interface{} {
	matches := resetHintPattern.FindAllStringSubmatch(errText, -1)
	if len(matches) == 0 {
		return nil
	}
	details := make(map[string]interface{}, len(matches))
	for _, m := range matches {
		if v, parseErr := strconv.ParseFloat(m[2], 64); parseErr == nil {
			details[m[1]] = v
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}
