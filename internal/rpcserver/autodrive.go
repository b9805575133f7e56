// Auto-Drive wiring: the JSON-RPC surface's entry point into the
// coordinator loop. The loop emits Decision events; startAutoDrive
// translates each "continue" decision into a real user-input turn on the
// conversation, running as a background goroutine per conversation so
// the loop's blocking model calls don't stall request handling.
package rpcserver

import (
	"context"
	"encoding/json"

	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/coordinator"
	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
)

// maxAutoDriveRounds bounds how many "continue" decisions startAutoDrive
// will drive before giving up and reporting finish_failed itself. The
// loop's own state machine has no such cap — finish_success and
// finish_failed are the only stop conditions it knows — so this is the
// JSON-RPC layer's safety valve against a goal that never converges.
const maxAutoDriveRounds = 64

type startAutoDriveParams struct {
	ConversationID string `json:"conversation_id"`
	Goal           string `json:"goal"`
	Model          string `json:"model"`
}

// handleStartAutoDrive starts a Coordinator Loop for an existing
// conversation and returns immediately; the loop's Decision/Thinking
// events are published on the conversation's own event stream as
// codex/event/coordinator_decision and codex/event/coordinator_thinking
// notifications, same as any other conversation event, so every listener
// already subscribed via addConversationListener observes Auto-Drive
// progress without a separate subscription.
func (p *Processor) handleStartAutoDrive(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params startAutoDriveParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ConversationID == "" || params.Goal == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "startAutoDrive requires conversation_id and goal")
	}

	conv, ok := p.convs.GetConversation(params.ConversationID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "conversation not found: "+params.ConversationID)
	}

	client, ok := p.modelCaller().(llm.LLMClient)
	if !ok {
		return nil, coreerr.New(coreerr.Internal, "configured model caller does not implement llm.LLMClient")
	}

	modelCfg := models.DefaultModelConfig()
	if params.Model != "" {
		modelCfg.Model = params.Model
	}

	loop := coordinator.NewLoop(client, coordinator.Config{
		Goal:         params.Goal,
		DefaultModel: modelCfg.Model,
		ModelConfig:  modelCfg,
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	go func() {
		loop.Run(loopCtx)
		cancel()
	}()
	go runAutoDrive(loopCtx, conv, loop, client)
	loop.UpdateConversation(conv.Items())

	return map[string]interface{}{"started": true}, nil
}

// runAutoDrive pumps one Loop's CoordinatorEvent stream: Decision and
// Thinking events are published to the conversation's listeners exactly
// like any other event; a "continue" Decision is translated into a real
// turn via RunTurn, and the loop is fed the resulting transcript so the
// next Planning iteration sees the turn's effects.
func runAutoDrive(ctx context.Context, conv *conversation.Conversation, loop *coordinator.Loop, model conversation.ModelCaller) {
	rounds := 0
	for ev := range loop.Events() {
		switch ev.Kind {
		case coordinator.EventThinking:
			conv.Publish(ctx, conversation.Event{MsgKind: "coordinator_thinking", Payload: ev.Thinking})

		case coordinator.EventDecision:
			conv.Publish(ctx, conversation.Event{MsgKind: "coordinator_decision", Payload: decisionPayload(ev.Decision)})

			switch ev.Decision.FinishStatus {
			case coordinator.FinishContinue:
				rounds++
				if rounds > maxAutoDriveRounds {
					conv.Publish(ctx, conversation.Event{MsgKind: "coordinator_decision", Payload: map[string]interface{}{
						"finish_status": "finish_failed",
						"current":       "Auto-Drive exceeded the round limit without converging",
					}})
					return
				}
				if ev.Decision.CLI != nil {
					_ = conv.RunTurn(ctx, model, ev.Decision.CLI.Prompt)
				}
				loop.UpdateConversation(conv.Items())
			default:
				return
			}

		case coordinator.EventUserReply:
			conv.Publish(ctx, conversation.Event{MsgKind: "coordinator_user_reply", Payload: map[string]interface{}{
				"reply": ev.Reply,
				"error": ev.Err,
			}})
		}
	}
}

func decisionPayload(d coordinator.Decision) map[string]interface{} {
	payload := map[string]interface{}{
		"finish_status": string(d.FinishStatus),
		"current":       d.Current,
	}
	if d.CLI != nil {
		payload["cli"] = map[string]interface{}{"prompt": d.CLI.Prompt}
	}
	return payload
}
