package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codexdrive/core/internal/execstate"
	"github.com/codexdrive/core/internal/instructions"
	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/retry"
	"github.com/codexdrive/core/internal/tools"
	"github.com/google/uuid"
)

// ModelCaller is the subset of llm.LLMClient a turn needs. Matching the
// interface by shape (rather than importing llm.LLMClient directly in
// the Submit call sites) keeps conversation's only LLM dependency this
// one seam.
type ModelCaller interface {
	Call(ctx context.Context, request llm.LLMRequest) (llm.LLMResponse, error)
}

// maxTurnIterations bounds how many model-call/tool-call round trips a
// single RunTurn will drive before giving up.
const maxTurnIterations = 8

// defaultApprovalMode is used when Config.ApprovalMode is unset. It sets
// the approval-mode line of the developer instructions; for the exec
// policy it changes nothing, since ExecPolicyManager's fallback allows any
// command no rule matches under "on-failure" just as under "" or "never".
const defaultApprovalMode = string(models.ApprovalOnFailure)

// RunTurn drives one turn: append the user's message, call client under
// the retry policy with the transcript so far, append the
// model's response items, and — if the conversation has a ToolRouter
// configured — dispatch any function_call items the model emitted,
// append their function_call_output items, and call the model again with
// the updated transcript. This repeats until the model stops asking for
// tools or maxTurnIterations is reached, then closes out with a
// turn_complete event.
func (c *Conversation) RunTurn(ctx context.Context, client ModelCaller, text string) error {
	turnID := uuid.NewString()

	started := models.ConversationItem{Type: models.ItemTypeTurnStarted, TurnID: turnID}
	if err := c.AppendItem(started); err != nil {
		return err
	}
	c.Publish(ctx, Event{MsgKind: string(models.ItemTypeTurnStarted), Payload: started})

	userItem := models.ConversationItem{Type: models.ItemTypeUserMessage, TurnID: turnID, Content: text}
	if err := c.AppendItem(userItem); err != nil {
		return err
	}
	c.Publish(ctx, Event{MsgKind: string(models.ItemTypeUserMessage), Payload: userItem})

	merged := c.instructionSet()

	var usage models.TokenUsage
	for iteration := 0; iteration < maxTurnIterations; iteration++ {
		request := llm.LLMRequest{
			History:               c.Items(),
			ModelConfig:           c.Config.Model,
			BaseInstructions:      merged.Base,
			DeveloperInstructions: merged.Developer,
			UserInstructions:      merged.User,
		}
		if c.Config.Tools != nil {
			request.ToolSpecs = c.Config.Tools.GetToolSpecs()
		}

		resp, err := retry.Do(ctx, func(ctx context.Context) (llm.LLMResponse, error) {
			return client.Call(ctx, request)
		}, retry.DefaultOptions(), nil)
		if err != nil {
			return fmt.Errorf("model call failed: %w", err)
		}

		usage = usage.Add(resp.TokenUsage)
		c.Publish(ctx, Event{MsgKind: "token_count", Payload: usage})

		var calls []models.ConversationItem
		for _, item := range resp.Items {
			item.TurnID = turnID
			if err := c.AppendItem(item); err != nil {
				return err
			}
			c.Publish(ctx, Event{MsgKind: string(item.Type), Payload: item})
			if item.Type == models.ItemTypeFunctionCall {
				calls = append(calls, item)
			}
		}

		if len(calls) == 0 || c.Config.Tools == nil {
			break
		}

		for _, call := range calls {
			output := c.runFunctionCall(ctx, call)
			output.TurnID = turnID
			if err := c.AppendItem(output); err != nil {
				return err
			}
			c.Publish(ctx, Event{MsgKind: string(output.Type), Payload: output})
		}
	}

	complete := models.ConversationItem{Type: models.ItemTypeTurnComplete, TurnID: turnID}
	if err := c.AppendItem(complete); err != nil {
		return err
	}
	c.Publish(ctx, Event{MsgKind: string(models.ItemTypeTurnComplete), Payload: complete})

	return nil
}

// runFunctionCall evaluates one model-requested tool call against the
// exec policy (for shell-like tools) and, if approved, dispatches it
// through the conversation's ToolRouter. Calls that need approval are
// not executed here — the Coordinator Loop's approval-gated path handles
// that; a bare RunTurn reports them as declined.
func (c *Conversation) runFunctionCall(ctx context.Context, call models.ConversationItem) models.ConversationItem {
	var args map[string]interface{}
	_ = json.Unmarshal([]byte(call.Arguments), &args)

	if requirement := c.evaluateApproval(call.Name, args); requirement != tools.ApprovalSkip {
		denied := false
		return models.ConversationItem{
			Type:   models.ItemTypeFunctionCallOutput,
			CallID: call.CallID,
			Output: &models.FunctionCallOutputPayload{
				Content: "command requires approval and was not executed in this turn",
				Success: &denied,
			},
		}
	}

	invocation := &tools.ToolInvocation{
		CallID:    call.CallID,
		ToolName:  call.Name,
		Arguments: args,
		Cwd:       c.Config.Cwd,
	}

	var done chan struct{}
	if call.Name == "shell" {
		st := execstate.New()
		st.SetWaiting(true)
		done = make(chan struct{})
		go c.watchSlowExec(ctx, st, call.CallID, done)
	}
	out, err := c.Config.Tools.DispatchToolCall(ctx, invocation)
	if done != nil {
		close(done)
	}
	if err != nil {
		failed := false
		return models.ConversationItem{
			Type:   models.ItemTypeFunctionCallOutput,
			CallID: call.CallID,
			Output: &models.FunctionCallOutputPayload{Content: err.Error(), Success: &failed},
		}
	}

	return models.ConversationItem{
		Type:   models.ItemTypeFunctionCallOutput,
		CallID: call.CallID,
		Output: &models.FunctionCallOutputPayload{Content: out.Content, Success: out.Success},
	}
}

// instructionSet lazily assembles the three-tier instruction hierarchy
// for this conversation: the resolved model profile's base prompt,
// working-directory and approval-mode context, and any project docs
// discovered under Cwd.
func (c *Conversation) instructionSet() instructions.MergedInstructions {
	c.instrOnce.Do(func() {
		profile := models.NewDefaultRegistry().Resolve(c.Config.Model.Provider, c.Config.Model.Model)

		var docs string
		if root, err := instructions.FindGitRoot(c.Config.Cwd); err == nil && root != "" {
			docs, _ = instructions.LoadProjectDocs(root, c.Config.Cwd)
		}

		mode := c.Config.ApprovalMode
		if mode == "" {
			mode = defaultApprovalMode
		}

		c.instr = instructions.MergeInstructions(instructions.MergeInput{
			BaseOverride:      profile.BasePrompt,
			WorkerProjectDocs: docs,
			ApprovalMode:      mode,
			Cwd:               c.Config.Cwd,
		})
	})
	return c.instr
}

// watchSlowExec updates st's wait clock once per second while a shell
// dispatch is in flight, publishing an exec_wait_note event the first
// time the run crosses the escalation threshold so listeners can surface
// the "still running" copy.
func (c *Conversation) watchSlowExec(ctx context.Context, st *execstate.State, callID string, done <-chan struct{}) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.SetTotalWait(time.Since(start).Milliseconds())
			before := len(st.Notes())
			st.EscalateIfSlow(execstate.DefaultEscalationThreshold)
			if notes := st.Notes(); len(notes) > before {
				c.Publish(ctx, Event{MsgKind: "exec_wait_note", Payload: map[string]interface{}{
					"call_id": callID,
					"text":    notes[len(notes)-1].Text,
				}})
			}
		}
	}
}

// evaluateApproval only gates the "shell" tool, the one whose arguments
// map onto a command line the exec policy knows how to classify. Other
// tools (read_file, list_dir, grep_files, ...) skip straight to dispatch.
func (c *Conversation) evaluateApproval(toolName string, args map[string]interface{}) tools.ExecApprovalRequirement {
	if toolName != "shell" {
		return tools.ApprovalSkip
	}
	if c.Config.ExecPolicy == nil {
		return tools.ApprovalNeeded
	}

	command, _ := args["command"].(string)
	if command == "" {
		return tools.ApprovalNeeded
	}

	mode := c.Config.ApprovalMode
	if mode == "" {
		mode = defaultApprovalMode
	}
	return c.Config.ExecPolicy.EvaluateShellCommand(command, mode)
}
