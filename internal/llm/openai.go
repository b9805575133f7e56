package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/tools"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIClient implements LLMClient using OpenAI's Chat Completions API.
//
// Maps to: codex-rs/core/src/client.rs OpenAI implementation
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	client := openai.NewClient(option.WithAPIKey(apiKey))

	return &OpenAIClient{
		client: client,
	}
}

// Call sends a request to OpenAI and returns the complete response.
// The response items match our ConversationItem format.
func (c *OpenAIClient) Call(ctx context.Context, request LLMRequest) (LLMResponse, error) {
	messages := c.buildMessages(request)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.ModelConfig.Model),
		Messages: messages,
	}

	if request.ModelConfig.Temperature > 0 {
		params.Temperature = param.NewOpt(request.ModelConfig.Temperature)
	}

	if request.ModelConfig.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(request.ModelConfig.MaxTokens))
	}

	if len(request.ToolSpecs) > 0 {
		params.Tools = c.buildToolDefinitions(request.ToolSpecs)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return LLMResponse{}, classifyError(err)
	}

	if len(completion.Choices) == 0 {
		return LLMResponse{}, fmt.Errorf("no choices in response")
	}

	items, finishReason := c.parseChoice(completion.Choices[0])

	return LLMResponse{
		Items:        items,
		FinishReason: finishReason,
		TokenUsage: models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
	}, nil
}

// Compact performs local context compaction by asking the model to summarize
// the given history into a single condensed transcript entry.
//
// Maps to: codex-rs/core/src/compact.rs compact operation (local summarization path)
func (c *OpenAIClient) Compact(ctx context.Context, request CompactRequest) (CompactResponse, error) {
	return compactViaSummary(ctx, request, func(model, prompt string) (string, models.TokenUsage, error) {
		completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
		})
		if err != nil {
			return "", models.TokenUsage{}, classifyError(err)
		}
		if len(completion.Choices) == 0 {
			return "", models.TokenUsage{}, fmt.Errorf("no choices in compact response")
		}
		usage := models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
		return completion.Choices[0].Message.Content, usage, nil
	})
}

// parseChoice converts an OpenAI completion choice into our item format.
func (c *OpenAIClient) parseChoice(choice openai.ChatCompletionChoice) ([]models.ConversationItem, models.FinishReason) {
	items := make([]models.ConversationItem, 0)
	finishReason := models.FinishReasonStop

	if choice.Message.Content != "" {
		items = append(items, models.ConversationItem{
			Type:    models.ItemTypeAssistantMessage,
			Content: choice.Message.Content,
		})
	}

	if len(choice.Message.ToolCalls) > 0 {
		finishReason = models.FinishReasonToolCalls
		for _, tc := range choice.Message.ToolCalls {
			items = append(items, models.ConversationItem{
				Type:      models.ItemTypeFunctionCall,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	if len(items) == 0 {
		items = append(items, models.ConversationItem{Type: models.ItemTypeAssistantMessage})
	}

	switch choice.FinishReason {
	case "tool_calls":
		finishReason = models.FinishReasonToolCalls
	case "length":
		finishReason = models.FinishReasonLength
	case "content_filter":
		finishReason = models.FinishReasonContentFilter
	case "stop":
		if finishReason != models.FinishReasonToolCalls {
			finishReason = models.FinishReasonStop
		}
	}

	return items, finishReason
}

// buildMessages converts conversation history plus instructions into OpenAI's
// message format, with developer instructions sent as a developer-role message.
func (c *OpenAIClient) buildMessages(request LLMRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(request.History)+1)

	systemPrompt := strings.TrimSpace(strings.Join([]string{
		request.BaseInstructions,
		request.UserInstructions,
	}, "\n\n"))
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	if request.DeveloperInstructions != "" {
		messages = append(messages, openai.DeveloperMessage(request.DeveloperInstructions))
	}

	messages = append(messages, c.convertHistoryToMessages(request.History)...)
	return messages
}

// convertHistoryToMessages converts conversation history to OpenAI messages format.
//
// OpenAI requires that tool result messages are preceded by an assistant message
// containing the corresponding tool_calls, so trailing function_call items are
// folded into the preceding (or a synthetic) assistant message.
func (c *OpenAIClient) convertHistoryToMessages(history []models.ConversationItem) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))

	i := 0
	for i < len(history) {
		item := history[i]

		switch item.Type {
		case models.ItemTypeUserMessage:
			messages = append(messages, openai.UserMessage(item.Content))
			i++

		case models.ItemTypeAssistantMessage:
			j := i + 1
			toolCalls := c.collectToolCalls(history, &j)

			assistantMsg := &openai.ChatCompletionAssistantMessageParam{}
			if item.Content != "" {
				assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(item.Content),
				}
			}
			if len(toolCalls) > 0 {
				assistantMsg.ToolCalls = toolCalls
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistantMsg})
			i = j

		case models.ItemTypeFunctionCall:
			// Orphaned function call (no preceding assistant text item).
			j := i
			toolCalls := c.collectToolCalls(history, &j)
			if len(toolCalls) > 0 {
				messages = append(messages, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls},
				})
			}
			i = j

		case models.ItemTypeFunctionCallOutput:
			content := ""
			isError := false
			if item.Output != nil {
				content = item.Output.Content
				isError = item.Output.Success != nil && !*item.Output.Success
			}
			if isError {
				content = fmt.Sprintf("Error: %s", content)
			}
			messages = append(messages, openai.ToolMessage(content, item.CallID))
			i++

		default:
			// Skip turn markers and reasoning items; OpenAI has no slot for them.
			i++
		}
	}

	return messages
}

// collectToolCalls advances *idx past consecutive ItemTypeFunctionCall items
// starting at *idx, returning them converted to OpenAI's tool-call param shape.
func (c *OpenAIClient) collectToolCalls(history []models.ConversationItem, idx *int) []openai.ChatCompletionMessageToolCallUnionParam {
	toolCalls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0)
	for *idx < len(history) && history[*idx].Type == models.ItemTypeFunctionCall {
		item := history[*idx]
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: item.CallID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			},
		})
		*idx++
	}
	return toolCalls
}

// buildToolDefinitions converts ToolSpecs to OpenAI tool definitions.
func (c *OpenAIClient) buildToolDefinitions(specs []tools.ToolSpec) []openai.ChatCompletionToolUnionParam {
	toolDefs := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))

	for _, spec := range specs {
		properties := make(map[string]interface{})
		required := make([]string, 0)

		for _, p := range spec.Parameters {
			prop := map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Items != nil {
				prop["items"] = p.Items
			}
			properties[p.Name] = prop

			if p.Required {
				required = append(required, p.Name)
			}
		}

		funcDef := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: param.NewOpt(spec.Description),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		}

		toolDefs = append(toolDefs, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Function: funcDef,
			},
		})
	}

	return toolDefs
}

// classifyError categorizes an OpenAI API error.
func classifyError(err error) error {
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "context_length") || strings.Contains(errMsg, "maximum context length") {
		return models.NewContextOverflowError(err.Error())
	}
	if apiErr, ok := err.(*openai.Error); ok {
		return classifyByStatusCode(apiErr.StatusCode, err)
	}
	if strings.Contains(errMsg, "rate_limit") || strings.Contains(errMsg, "rate limit") {
		apiErr := models.NewAPILimitError(err.Error())
		apiErr.Details = extractRateLimitDetails(err.Error())
		return apiErr
	}
	return models.NewTransientError(fmt.Sprintf("OpenAI API error: %v", err))
}
