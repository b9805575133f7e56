// Package models contains shared types for codexdrive/core.
//
// Corresponds to: codex-rs/core/src/protocol/models.rs
package models

// ConversationItemType represents the type of a conversation item.
//
// Maps to: codex-rs/core/src/protocol/models.rs ResponseItem, generalized
// to cover turn framing (TurnStarted/TurnComplete) alongside message and
// tool-call items so a flat transcript can be replayed without a separate
// event log.
type ConversationItemType string

const (
	ItemTypeTurnStarted        ConversationItemType = "turn_started"
	ItemTypeUserMessage        ConversationItemType = "user_message"
	ItemTypeAssistantMessage   ConversationItemType = "assistant_message"
	ItemTypeReasoning          ConversationItemType = "reasoning"
	ItemTypeFunctionCall       ConversationItemType = "function_call"
	ItemTypeFunctionCallOutput ConversationItemType = "function_call_output"
	ItemTypeTurnComplete       ConversationItemType = "turn_complete"
)

// FunctionCallOutputPayload is the result of executing a function call,
// attached to the ItemTypeFunctionCallOutput item that follows its
// ItemTypeFunctionCall.
//
// Maps to: codex-rs/core/src/protocol/models.rs FunctionCallOutputPayload
type FunctionCallOutputPayload struct {
	Content string `json:"content"`
	// Success is nil when the tool does not report pass/fail (e.g. read_file);
	// non-nil distinguishes ordinary output from a failing exit code.
	Success *bool `json:"success,omitempty"`
}

// ConversationItem is one entry in a conversation's append-only transcript.
//
// Maps to: codex-rs/core/src/protocol/models.rs ConversationItem / ResponseItem
type ConversationItem struct {
	Type ConversationItemType `json:"type"`

	// Seq is the item's position in its conversation's transcript,
	// assigned by the history layer on append.
	Seq int `json:"seq,omitempty"`

	// TurnID identifies the turn that produced this item. Set on every
	// item type so history replay can group items by turn.
	TurnID string `json:"turn_id,omitempty"`

	// Content holds message text for user/assistant/reasoning items.
	Content string `json:"content,omitempty"`

	// Name, CallID and Arguments describe a function_call item.
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"` // raw JSON object

	// Output carries the result of a function_call_output item.
	Output *FunctionCallOutputPayload `json:"output,omitempty"`
}

// ToolCall is a single call the model requested in one sampling turn,
// prior to being split into individual ConversationItem entries.
//
// Maps to: codex-rs/core/src/protocol/models.rs ToolCall
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// FinishReason indicates why the LLM stopped generating.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"           // Natural completion
	FinishReasonToolCalls     FinishReason = "tool_calls"      // LLM wants to call tools
	FinishReasonLength        FinishReason = "length"          // Hit token limit
	FinishReasonContentFilter FinishReason = "content_filter" // Content filtered
)

// TokenUsage tracks token consumption for a single model response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usage snapshots, used to keep a
// running conversation total across turns.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}
