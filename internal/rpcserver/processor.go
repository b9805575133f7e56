// Package rpcserver implements the JSON-RPC request processor: method
// dispatch, parameter validation, and the InvalidRequest/Internal
// error-code mapping for the core's inbound JSON-RPC surface. The
// processor is transport-agnostic — Handle takes a Request and returns a
// Response whether the caller is in-process (internal/tui) or a socket
// (wsserver.go).
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/codexdrive/core/internal/approval"
	"github.com/codexdrive/core/internal/config"
	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/execpolicy"
	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/tools"
	"github.com/codexdrive/core/internal/tools/handlers"
)

// Request is one inbound JSON-RPC call.
type Request struct {
	RequestID    string          `json:"request_id"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params"`
	ConnectionID string          `json:"-"`
}

// Response is the processor's reply to a Request.
type Response struct {
	RequestID string      `json:"request_id"`
	Result    interface{} `json:"result,omitempty"`
	Error     *RPCError   `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Only -32600 (invalid request) and
// -32603 (internal error) are ever emitted.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler processes one method's params and returns a result or error.
type Handler func(ctx context.Context, conn string, params json.RawMessage) (interface{}, error)

// Processor dispatches inbound Requests by method name.
type Processor struct {
	convs    *conversation.Manager
	broker   *approval.Broker
	handlers map[string]Handler

	mu           sync.Mutex
	searchTokens map[string]context.CancelFunc // FuzzyFileSearch per-token cancellation table

	fwd        conversation.Forwarder // transport hook; nil until SetForwarder is called
	model      conversation.ModelCaller
	toolRouter *tools.ToolRouter
	execPolicy *execpolicy.ExecPolicyManager
	home       string // resolved core home dir; defaults to config.Home()
}

// SetHome overrides the home directory listConversations/getAuthStatus/
// loginApiKey resolve against. Tests use this to point at a temp dir;
// NewProcessor otherwise defaults to config.Home().
func (p *Processor) SetHome(home string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.home = home
}

func (p *Processor) homeDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.home
}

// SetForwarder injects the transport's event delivery path. Until called,
// addConversationListener registers listeners against a no-op forwarder,
// which is harmless for tests that never expect delivery but means a real
// client must call this before its first addConversationListener.
func (p *Processor) SetForwarder(fwd conversation.Forwarder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fwd = fwd
}

// SetModelCaller overrides the model client sendUserMessage drives turns
// through. Tests use this to inject a fake; NewProcessor otherwise wires
// the real multi-provider client.
func (p *Processor) SetModelCaller(m conversation.ModelCaller) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = m
}

func (p *Processor) modelCaller() conversation.ModelCaller {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.model
}

// SetToolRouter overrides the router newConversation wires into every
// conversation it creates. Tests use this to inject a router over a stub
// handler; NewProcessor otherwise wires the standard local tool set.
func (p *Processor) SetToolRouter(r *tools.ToolRouter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolRouter = r
}

// SetExecPolicy overrides the exec policy gating shell calls. nil (the
// NewProcessor default) means every shell call needs approval.
func (p *Processor) SetExecPolicy(m *execpolicy.ExecPolicyManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execPolicy = m
}

func (p *Processor) toolsAndPolicy() (*tools.ToolRouter, *execpolicy.ExecPolicyManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toolRouter, p.execPolicy
}

// defaultToolNames is the handler-backed subset of
// tools.DefaultEnabledTools: write_file has no local handler yet, and
// request_user_input/update_plan are conversation-layer tools, so
// emitting their specs would invite calls the router cannot dispatch.
var defaultToolNames = []string{"shell_command", "read_file", "list_dir", "grep_files", "apply_patch"}

// defaultToolRouter wires the local, non-sandboxed tool handlers so a
// fresh conversation can exercise
// read_file/list_dir/grep_files/apply_patch/shell without a caller having
// to assemble a registry by hand. Specs come from the tool spec registry
// so a handler and its LLM-facing spec can't drift apart.
func defaultToolRouter() *tools.ToolRouter {
	registry := tools.NewToolRegistry()
	registry.Register(handlers.NewShellTool())
	registry.Register(handlers.NewReadFileTool())
	registry.Register(handlers.NewListDirTool())
	registry.Register(handlers.NewGrepFilesTool())
	registry.Register(handlers.NewApplyPatchTool())

	specs := tools.BuildSpecs(defaultToolNames)
	return tools.NewToolRouter(registry, specs)
}

// NewProcessor constructs a Processor wired to the given collaborators
// and registers the standard method table.
func NewProcessor(convs *conversation.Manager, broker *approval.Broker) *Processor {
	p := &Processor{
		convs:        convs,
		broker:       broker,
		handlers:     make(map[string]Handler),
		searchTokens: make(map[string]context.CancelFunc),
		model:        llm.NewMultiProviderClient(),
		toolRouter:   defaultToolRouter(),
		home:         config.Home(),
		// execPolicy starts nil: every shell call needs approval until a
		// real entry point loads rules from disk via SetExecPolicy, the
		// same lazy-wiring pattern SetForwarder/SetModelCaller use.
	}
	p.handlers["newConversation"] = p.handleNewConversation
	p.handlers["resumeConversation"] = p.handleResumeConversation
	p.handlers["archiveConversation"] = p.handleArchiveConversation
	p.handlers["listConversations"] = p.handleListConversations
	p.handlers["sendUserMessage"] = p.handleSendUserMessage
	p.handlers["interruptConversation"] = p.handleInterruptConversation
	p.handlers["addConversationListener"] = p.handleAddConversationListener
	p.handlers["removeConversationListener"] = p.handleRemoveConversationListener
	p.handlers["fuzzyFileSearch"] = p.handleFuzzyFileSearch
	p.handlers["execOneOffCommand"] = p.handleExecOneOffCommand
	p.handlers["getAuthStatus"] = p.handleGetAuthStatus
	p.handlers["loginApiKey"] = p.handleLoginApiKey
	p.handlers["startAutoDrive"] = p.handleStartAutoDrive
	return p
}

// Handle dispatches req to its registered handler, converting any
// *coreerr.Error into the corresponding RPCError code; an unrecognized
// method is an InvalidRequest.
func (p *Processor) Handle(ctx context.Context, req Request) Response {
	h, ok := p.handlers[req.Method]
	if !ok {
		return errorResponse(req.RequestID, coreerr.New(coreerr.InvalidRequest, fmt.Sprintf("unknown method %q", req.Method)))
	}

	result, err := h(ctx, req.ConnectionID, req.Params)
	if err != nil {
		return errorResponse(req.RequestID, err)
	}
	return Response{RequestID: req.RequestID, Result: result}
}

func errorResponse(requestID string, err error) Response {
	kind := coreerr.Internal
	var ce *coreerr.Error
	if errors.As(err, &ce) {
		kind = ce.Kind
	}
	return Response{
		RequestID: requestID,
		Error:     &RPCError{Code: kind.RPCCode(), Message: err.Error()},
	}
}

type newConversationParams struct {
	Model   string `json:"model"`
	Cwd     string `json:"cwd"`
	Profile string `json:"profile"`

	// ApprovalPolicy gates shell tool calls RunTurn dispatches; empty
	// defaults to the conversation package's own "on-failure" fallback.
	ApprovalPolicy string `json:"approval_policy"`

	// RolloutHome overrides where the session's rollout file is written.
	// Tests set this to a temp dir; real clients leave it blank and get
	// the resolved config.Home().
	RolloutHome string `json:"rollout_home"`
}

func (p *Processor) handleNewConversation(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params newConversationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, coreerr.Wrap(coreerr.InvalidRequest, err, "invalid newConversation params")
	}
	rolloutHome := params.RolloutHome
	if rolloutHome == "" {
		rolloutHome = config.Home()
	}

	cfg, err := config.Load(p.homeDir(), p.homeDir() != config.Home())
	if err != nil {
		return nil, err
	}
	modelCfg := llm.ResolveModelConfig(cfg, params.Profile, params.Model, "")

	toolRouter, execPolicy := p.toolsAndPolicy()
	conv, err := p.convs.NewConversation(conversation.Config{
		Cwd:          params.Cwd,
		RolloutHome:  rolloutHome,
		Tools:        toolRouter,
		ExecPolicy:   execPolicy,
		ApprovalMode: params.ApprovalPolicy,
		Model:        modelCfg,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"conversation_id": conv.ID,
		"rollout_path":    conv.RolloutPath(),
		"model":           modelCfg.Model,
	}, nil
}

type resumeConversationParams struct {
	Path string `json:"path"`
}

func (p *Processor) handleResumeConversation(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params resumeConversationParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Path == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "resumeConversation requires a non-empty path")
	}

	toolRouter, execPolicy := p.toolsAndPolicy()
	conv, err := p.convs.ResumeConversation(params.Path, conversation.Config{Tools: toolRouter, ExecPolicy: execPolicy})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"conversation_id": conv.ID}, nil
}

type archiveConversationParams struct {
	ConversationID string `json:"conversation_id"`
	RolloutPath    string `json:"rollout_path"`
}

func (p *Processor) handleArchiveConversation(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params archiveConversationParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ConversationID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "archiveConversation requires a non-empty conversation_id")
	}

	if _, err := p.convs.Archive(params.ConversationID, params.RolloutPath); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

// userInputItem is one element of sendUserMessage's items array. Text
// items contribute directly to the turn prompt; image and local_image
// items are recorded by reference, since the turn loop's prompt is
// text-only.
type userInputItem struct {
	Type     string `json:"type"` // "text", "image", "local_image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Path     string `json:"path,omitempty"`
}

type sendUserMessageParams struct {
	ConversationID string          `json:"conversation_id"`
	Text           string          `json:"text,omitempty"`
	Items          []userInputItem `json:"items,omitempty"`
}

// promptText flattens the params into the turn's prompt string.
func (p sendUserMessageParams) promptText() string {
	parts := make([]string, 0, len(p.Items)+1)
	if p.Text != "" {
		parts = append(parts, p.Text)
	}
	for _, item := range p.Items {
		switch item.Type {
		case "image":
			parts = append(parts, "[image: "+item.ImageURL+"]")
		case "local_image":
			parts = append(parts, "[image: "+item.Path+"]")
		default:
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func (p *Processor) handleSendUserMessage(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params sendUserMessageParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ConversationID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "sendUserMessage requires a non-empty conversation_id")
	}

	text := params.promptText()
	if text == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "sendUserMessage requires text or items")
	}

	conv, ok := p.convs.GetConversation(params.ConversationID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "conversation not found")
	}
	model := p.modelCaller()
	return map[string]interface{}{}, conv.Submit(ctx, func(ctx context.Context) error {
		return conv.RunTurn(ctx, model, text)
	})
}

type interruptConversationParams struct {
	ConversationID string `json:"conversation_id"`
}

// handleInterruptConversation replies immediately with
// {abort_reason: Interrupted} rather than waiting for a dedicated event.
func (p *Processor) handleInterruptConversation(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params interruptConversationParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ConversationID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "interruptConversation requires a non-empty conversation_id")
	}
	conv, ok := p.convs.GetConversation(params.ConversationID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "conversation not found")
	}
	conv.Abort(ctx, "Interrupted")
	return map[string]interface{}{"abort_reason": "Interrupted"}, nil
}

// addConversationListenerParams is the addConversationListener payload.
type addConversationListenerParams struct {
	ConversationID string `json:"conversation_id"`
}

func (p *Processor) handleAddConversationListener(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params addConversationListenerParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ConversationID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "addConversationListener requires a non-empty conversation_id")
	}

	conv, ok := p.convs.GetConversation(params.ConversationID)
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, "conversation not found")
	}

	subID := conv.AddListener(ctx, conn, p.forwarder(), p.approvalNotifier())
	return map[string]interface{}{"subscription_id": subID}, nil
}

type removeConversationListenerParams struct {
	SubscriptionID string `json:"subscription_id"`
	ConversationID string `json:"conversation_id"`
}

func (p *Processor) handleRemoveConversationListener(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params removeConversationListenerParams
	if err := json.Unmarshal(raw, &params); err != nil || params.SubscriptionID == "" || params.ConversationID == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "removeConversationListener requires subscription_id and conversation_id")
	}

	conv, ok := p.convs.GetConversation(params.ConversationID)
	if !ok {
		return nil, coreerr.New(coreerr.InvalidRequest, "invalid request: subscription not found")
	}

	if err := conv.RemoveListener(params.SubscriptionID, conn); err != nil {
		return nil, err
	}
	return map[string]interface{}{}, nil
}

type fuzzyFileSearchParams struct {
	Query             string `json:"query"`
	CancellationToken string `json:"cancellation_token"`
}

// handleFuzzyFileSearch keeps a per-token cancellation table: a new
// request bearing the same cancellation_token aborts the prior in-flight
// search before starting its own.
func (p *Processor) handleFuzzyFileSearch(ctx context.Context, conn string, raw json.RawMessage) (interface{}, error) {
	var params fuzzyFileSearchParams
	if err := json.Unmarshal(raw, &params); err != nil || params.Query == "" {
		return nil, coreerr.New(coreerr.InvalidRequest, "fuzzyFileSearch requires a non-empty query")
	}

	searchCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if prior, ok := p.searchTokens[params.CancellationToken]; ok {
		prior()
	}
	p.searchTokens[params.CancellationToken] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.searchTokens[params.CancellationToken] != nil {
			delete(p.searchTokens, params.CancellationToken)
		}
		p.mu.Unlock()
	}()

	return runFuzzySearch(searchCtx, params.Query)
}

// runFuzzySearch is a seam for the actual fuzzy-matching implementation;
// left as a stub since the matching algorithm itself is outside this
// component's scope.
var runFuzzySearch = func(ctx context.Context, query string) (interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return map[string]interface{}{"matches": []string{}}, nil
}

func (p *Processor) forwarder() conversation.Forwarder {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fwd != nil {
		return p.fwd
	}
	return noopForwarder{}
}

func (p *Processor) approvalNotifier() conversation.ApprovalNotifier {
	if p.broker == nil {
		return nil
	}
	return brokerNotifier{broker: p.broker}
}

// brokerNotifier routes an approval-bearing conversation event to the
// Approval Broker, requesting the owner connection's decision out of
// band; wiring the resulting Decision back into the conversation's turn
// is the turn-processing layer's responsibility, out of this
// component's scope.
type brokerNotifier struct {
	broker *approval.Broker
}

func (n brokerNotifier) NotifyApproval(connectionID string, ev conversation.Event) {
	go func() {
		_, _ = n.broker.RequestApproval(context.Background(), connectionID, ev.ApprovalCallID, methodForEvent(ev), ev.Payload)
	}()
}

// methodForEvent picks the JSON-RPC method an approval-bearing event
// dispatches to; events not explicitly recognized default to the exec
// approval method, the most common case.
func methodForEvent(ev conversation.Event) approval.Method {
	switch ev.MsgKind {
	case "apply_patch_approval_request":
		return approval.MethodApplyPatchApproval
	case "dynamic_tool_call":
		return approval.MethodToolDynamic
	case "request_user_input":
		return approval.MethodRequestUserInputTool
	default:
		return approval.MethodExecApproval
	}
}

// noopForwarder is the default Forwarder until a transport layer is
// wired in; callers embedding Processor in a real transport should
// inject their own Forwarder via SetForwarder.
type noopForwarder struct{}

func (noopForwarder) Forward(ctx context.Context, connectionID, method string, payload interface{}) error {
	return nil
}
