package coordinator

import (
	"context"
	"strings"
	"sync"

	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/retry"
)

// EventKind discriminates a CoordinatorEvent's payload.
type EventKind string

const (
	EventDecision  EventKind = "decision"
	EventThinking  EventKind = "thinking"
	EventUserReply EventKind = "user_reply"
)

// CoordinatorEvent is one item on the Loop's output stream.
type CoordinatorEvent struct {
	Kind     EventKind
	Decision Decision // set when Kind == EventDecision
	Thinking string   // set when Kind == EventThinking
	// UserReply fields: Reply holds the assistant's answer to a direct
	// user prompt; Err holds a human-readable failure note in its place
	// when the model call itself failed.
	Reply string
	Err   string
}

// state is the Loop's internal state-machine position.
type state string

const (
	stateIdle       state = "idle"
	statePlanning   state = "planning"
	stateUserTurn   state = "user_turn"
	stateTerminated state = "terminated"
)

// command is one entry on the Loop's commands channel.
type command struct {
	updateConv   []models.ConversationItem
	isUpdateConv bool

	userPrompt   string
	userConv     []models.ConversationItem
	isUserPrompt bool

	isStop bool
}

// maxRecoverableAttempts bounds Planning's recoverable-parse-error
// retries.
const maxRecoverableAttempts = 3

// Config bundles the Loop's immutable inputs.
type Config struct {
	Goal             string
	DefaultModel     string
	ModelConfig      models.ModelConfig
	IncludeAgents    bool
	IncludeGoalField bool
	AutoAgentsPrompt string // empty disables the Auto-Agents instructions block
	DeveloperIntro   string
	RetryOptions     retry.Options
}

// Loop is the coordinator loop: a dedicated goroutine driving a
// Planning/UserTurn/Idle/Terminated state machine around repeated calls
// to a model client collaborator.
type Loop struct {
	client llm.LLMClient
	cfg    Config

	cmds   chan command
	events chan CoordinatorEvent

	mu       sync.Mutex
	attempts int
}

// NewLoop constructs a Loop; call Run in its own goroutine to start it.
func NewLoop(client llm.LLMClient, cfg Config) *Loop {
	return &Loop{
		client: client,
		cfg:    cfg,
		cmds:   make(chan command, 16),
		events: make(chan CoordinatorEvent, 16),
	}
}

// Events returns the Loop's output stream. Closed once Run returns.
func (l *Loop) Events() <-chan CoordinatorEvent {
	return l.events
}

// UpdateConversation enqueues an UpdateConversation command.
func (l *Loop) UpdateConversation(items []models.ConversationItem) {
	l.cmds <- command{updateConv: items, isUpdateConv: true}
}

// HandleUserPrompt enqueues a HandleUserPrompt command.
func (l *Loop) HandleUserPrompt(prompt string, conversation []models.ConversationItem) {
	l.cmds <- command{userPrompt: prompt, userConv: conversation, isUserPrompt: true}
}

// Stop enqueues a Stop command.
func (l *Loop) Stop() {
	l.cmds <- command{isStop: true}
}

// Run drives the state machine until Stop, channel closure, or ctx
// cancellation, then closes the events channel. Run is meant to be the
// entire body of the Loop's dedicated goroutine.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.events)

	st := stateIdle
	var conv []models.ConversationItem

	for st != stateTerminated {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-l.cmds:
			if !ok {
				return
			}
			switch {
			case cmd.isStop:
				st = stateTerminated
			case cmd.isUpdateConv:
				conv = cmd.updateConv
				st = statePlanning
			case cmd.isUserPrompt:
				conv = cmd.userConv
				st = l.runUserTurn(ctx, cmd.userPrompt, conv)
			}
		}

		for st == statePlanning {
			st = l.runPlanning(ctx, conv)
		}
	}
}

// runPlanning executes exactly one Planning iteration's worth of state
// transition logic and returns the next state (Idle, Planning again on a
// recoverable retry, or Terminated).
func (l *Loop) runPlanning(ctx context.Context, conv []models.ConversationItem) state {
	if ctx.Err() != nil {
		return stateTerminated
	}

	resp, err := l.callModel(ctx, conv)
	if err != nil {
		l.emit(CoordinatorEvent{
			Kind:     EventDecision,
			Decision: Decision{FinishStatus: FinishFailed, Current: "Coordinator error: " + err.Error()},
		})
		return stateTerminated
	}

	raw := planningResponseText(resp)
	decision, perr := ParseDecision(raw)
	if perr == nil {
		l.resetAttempts()
		l.emit(CoordinatorEvent{Kind: EventDecision, Decision: decision})
		if decision.FinishStatus == FinishFailed {
			return stateTerminated
		}
		return stateIdle
	}

	info, recoverable := ClassifyRecoverableError(perr)
	if recoverable && l.attemptsSoFar() < maxRecoverableAttempts {
		l.incrementAttempts()
		l.emit(CoordinatorEvent{Kind: EventThinking, Thinking: info.Guidance})
		return statePlanning
	}

	l.resetAttempts()
	l.emit(CoordinatorEvent{
		Kind:     EventDecision,
		Decision: Decision{FinishStatus: FinishFailed, Current: "Coordinator error: " + perr.Error()},
	})
	return stateTerminated
}

// runUserTurn executes the UserTurn state's single model call and returns
// the Idle state; both the success and error paths land back on Idle.
func (l *Loop) runUserTurn(ctx context.Context, prompt string, conv []models.ConversationItem) state {
	items := append(append([]models.ConversationItem(nil), conv...), models.ConversationItem{
		Type:    models.ItemTypeUserMessage,
		Content: prompt,
	})

	resp, err := retry.Do(ctx, func(ctx context.Context) (llm.LLMResponse, error) {
		return l.client.Call(ctx, llm.LLMRequest{History: items, ModelConfig: l.cfg.ModelConfig})
	}, l.retryOptions(), nil)

	if err != nil {
		l.emit(CoordinatorEvent{Kind: EventUserReply, Err: "Coordinator error: " + err.Error()})
		return stateIdle
	}

	reply := planningResponseText(resp)
	l.emit(CoordinatorEvent{Kind: EventUserReply, Reply: reply})
	return stateIdle
}

// callModel assembles the planning Prompt and calls the model client,
// retrying once on an invalid-model error with the configured default
// model slug, routing every other error through the retry policy.
func (l *Loop) callModel(ctx context.Context, conv []models.ConversationItem) (llm.LLMResponse, error) {
	req := l.buildRequest(conv, l.cfg.ModelConfig)

	resp, err := retry.Do(ctx, func(ctx context.Context) (llm.LLMResponse, error) {
		return l.client.Call(ctx, req)
	}, l.retryOptions(), nil)

	if err != nil && isInvalidModelError(err) && l.cfg.DefaultModel != "" && req.ModelConfig.Model != l.cfg.DefaultModel {
		fallbackCfg := l.cfg.ModelConfig
		fallbackCfg.Model = l.cfg.DefaultModel
		fallbackReq := l.buildRequest(conv, fallbackCfg)
		return retry.Do(ctx, func(ctx context.Context) (llm.LLMResponse, error) {
			return l.client.Call(ctx, fallbackReq)
		}, l.retryOptions(), nil)
	}

	return resp, err
}

// buildRequest assembles a planning prompt from (in order): optional
// Auto-Agents instructions, the developer-intro block, a primary-goal
// block, and the decision-schema instructions, with the conversation
// items as the request history.
func (l *Loop) buildRequest(conv []models.ConversationItem, modelCfg models.ModelConfig) llm.LLMRequest {
	var parts []string
	if l.cfg.AutoAgentsPrompt != "" {
		parts = append(parts, l.cfg.AutoAgentsPrompt)
	}
	if l.cfg.DeveloperIntro != "" {
		parts = append(parts, l.cfg.DeveloperIntro)
	}
	parts = append(parts, l.goalBlock())
	parts = append(parts, decisionSchemaInstructions(l.cfg.IncludeAgents, l.cfg.IncludeGoalField))

	return llm.LLMRequest{
		History:               conv,
		ModelConfig:           modelCfg,
		BaseInstructions:      strings.Join(parts, "\n\n"),
		DeveloperInstructions: l.cfg.DeveloperIntro,
	}
}

// goalBlock returns the primary-goal block: either the configured goal or
// a placeholder instructing the model to derive the goal from history.
func (l *Loop) goalBlock() string {
	if l.cfg.Goal != "" {
		return "Primary goal: " + l.cfg.Goal
	}
	return "Primary goal: derive the current goal from the conversation history below."
}

// decisionSchemaInstructions documents the strict JSON response shape the
// model must emit, gated by the include_agents/include_goal_field flags.
func decisionSchemaInstructions(includeAgents, includeGoalField bool) string {
	var b strings.Builder
	b.WriteString("Respond with a single strict JSON object matching this schema:\n")
	b.WriteString(`{"finish_status": "continue" | "finish_success" | "finish_failed", "current": string`)
	if includeGoalField {
		b.WriteString(`, "goal": string`)
	}
	b.WriteString(`, "cli": {"prompt": string} (required when finish_status is "continue")`)
	if includeAgents {
		b.WriteString(`, "agents": [{"prompt": string, "context": string, "write": bool, "models": [string]}]`)
	}
	b.WriteString("}\nEmit JSON only, no surrounding prose.")
	return b.String()
}

func (l *Loop) retryOptions() retry.Options {
	opts := l.cfg.RetryOptions
	if opts == (retry.Options{}) {
		return retry.DefaultOptions()
	}
	return opts
}

func (l *Loop) resetAttempts() {
	l.mu.Lock()
	l.attempts = 0
	l.mu.Unlock()
}

func (l *Loop) incrementAttempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts++
	return l.attempts
}

func (l *Loop) attemptsSoFar() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *Loop) emit(ev CoordinatorEvent) {
	l.events <- ev
}

// planningResponseText concatenates an LLMResponse's assistant-message
// items into the flat text ParseDecision expects. LLMClient is
// non-streaming, so there is no delta sequence to accumulate here, only a
// complete response's Items.
func planningResponseText(resp llm.LLMResponse) string {
	var b strings.Builder
	for _, item := range resp.Items {
		if item.Type == models.ItemTypeAssistantMessage {
			b.WriteString(item.Content)
		}
	}
	return b.String()
}

// isInvalidModelError reports whether err looks like an upstream
// unknown/invalid-model rejection, matching both providers' error text.
func isInvalidModelError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid model") || strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "unknown model") || strings.Contains(msg, "does not exist")
}
