// Package tui implements the terminal front-end as a JSON-RPC client of
// the core: it drives newConversation/addConversationListener/
// sendUserMessage/interruptConversation through an in-process
// rpcserver.Processor and renders incoming codex/event/* notifications
// through internal/layout's exec and assistant layout caches.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/codexdrive/core/internal/approval"
	"github.com/codexdrive/core/internal/config"
	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/execpolicy"
	"github.com/codexdrive/core/internal/rpcserver"
)

// connectionID identifies this TUI process to the Conversation Manager
// and Approval Broker. A single interactive TUI is always one connection.
const connectionID = "tui-local"

// Config holds TUI configuration, the frontend subset of
// newConversation's params.
type Config struct {
	Cwd            string
	Model          string
	ApprovalPolicy string
	NoColor        bool
	NoMarkdown     bool
	Inline         bool
	RolloutHome    string
	Message        string // initial message to send once the conversation opens
}

// eventMsg wraps a forwarded conversation event for delivery into the
// bubbletea Update loop.
type eventMsg struct {
	method  string
	payload interface{}
}

// conversationStartedMsg/errMsg carry the outcome of the async
// newConversation call made from Init.
type conversationStartedMsg struct {
	conversationID string
}
type errMsg struct{ err error }

// approvalPendingMsg signals an exec/approval or applyPatch/approval
// notification the selector must resolve.
type approvalPendingMsg struct {
	callID  string
	method  approval.Method
	summary string
}

// Model is the bubbletea model for the JSON-RPC-backed TUI.
type Model struct {
	cfg    Config
	styles Styles
	keys   KeyMap

	processor *rpcserver.Processor
	broker    *approval.Broker

	conversationID string

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	selector *SelectorModel

	events chan eventMsg

	mdRenderer *glamour.TermRenderer

	width  int
	height int
	ready  bool

	viewportContent string
	spinnerMsg      string

	pendingApproval *approvalPendingMsg

	quitting bool
	err      error
}

// NewModel wires a fresh Model against an already-constructed Processor
// and Broker (shared with any other in-process clients, matching the
// core's "one processor, many connections" model).
func NewModel(cfg Config, processor *rpcserver.Processor, broker *approval.Broker) Model {
	styles := DefaultStyles()
	if cfg.NoColor {
		styles = NoColorStyles()
	}

	ta := textarea.New()
	ta.Placeholder = "Type a message..."
	ta.Prompt = "❯ "
	ta.ShowLineNumbers = false
	ta.SetHeight(1)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		cfg:        cfg,
		styles:     styles,
		keys:       DefaultKeyMap(),
		processor:  processor,
		broker:     broker,
		textarea:   ta,
		spinner:    sp,
		events:     make(chan eventMsg, 64),
		mdRenderer: newMarkdownRenderer(0, cfg.NoMarkdown),
	}
}

// newMarkdownRenderer builds the glamour renderer assistant messages go
// through. A non-positive width falls back to the terminal's current
// width, then 80. Returns nil when markdown is disabled or the renderer
// can't be built; callers fall back to the plain layout-cache path.
func newMarkdownRenderer(width int, noMarkdown bool) *glamour.TermRenderer {
	if noMarkdown {
		return nil
	}
	w := width
	if w <= 0 {
		w = 80
		if tw, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && tw > 0 {
			w = tw
		}
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(w),
	)
	if err != nil {
		return nil
	}
	return md
}

// Init implements tea.Model: it opens a conversation and starts the
// event-pump bridge.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startConversationCmd())
}

func (m Model) startConversationCmd() tea.Cmd {
	return func() tea.Msg {
		resp := m.processor.Handle(context.Background(), rpcserver.Request{
			RequestID:    "init",
			Method:       "newConversation",
			ConnectionID: connectionID,
			Params: mustMarshal(map[string]interface{}{
				"cwd":             m.cfg.Cwd,
				"model":           m.cfg.Model,
				"approval_policy": m.cfg.ApprovalPolicy,
				"rollout_home":    m.cfg.RolloutHome,
			}),
		})
		if resp.Error != nil {
			return errMsg{fmt.Errorf("newConversation: %s", resp.Error.Message)}
		}
		result, _ := resp.Result.(map[string]interface{})
		id, _ := result["conversation_id"].(string)
		return conversationStartedMsg{conversationID: id}
	}
}

func (m Model) listenCmd() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return ev
	}
}

// Forward implements conversation.Forwarder: it decorates nothing further
// (the conversation package already injected conversationId) and simply
// hands the event to the bubbletea bridge channel.
func (m Model) Forward(ctx context.Context, _ string, method string, payload interface{}) error {
	select {
	case m.events <- eventMsg{method: method, payload: payload}:
	case <-ctx.Done():
	}
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg)

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case conversationStartedMsg:
		m.conversationID = msg.conversationID
		m.spinnerMsg = "Connected."
		cmds := []tea.Cmd{m.addListenerCmd(), m.listenCmd()}
		if m.cfg.Message != "" {
			cmds = append(cmds, m.sendMessageCmd(m.cfg.Message))
		}
		return m, tea.Batch(cmds...)

	case errMsg:
		m.err = msg.err
		m.appendToViewport(fmt.Sprintf("Error: %v\n", msg.err))
		return m, nil

	case eventMsg:
		if callID, method, summary, ok := approvalFields(msg); ok {
			return m, tea.Batch(m.listenCmd(), func() tea.Msg {
				return approvalPendingMsg{callID: callID, method: method, summary: summary}
			})
		}
		m.handleEvent(msg)
		return m, m.listenCmd()

	case approvalPendingMsg:
		m.pendingApproval = &msg
		m.selector = NewSelectorModel([]SelectorOption{
			{Label: "Yes, allow", Shortcut: "y", ShortcutKey: 'y'},
			{Label: "No, deny", Shortcut: "n", ShortcutKey: 'n'},
		}, m.styles)
		m.selector.SetWidth(m.width)
		return m, nil
	}

	return m, nil
}

func (m *Model) addListenerCmd() tea.Cmd {
	return func() tea.Msg {
		resp := m.processor.Handle(context.Background(), rpcserver.Request{
			RequestID:    "listen",
			Method:       "addConversationListener",
			ConnectionID: connectionID,
			Params:       mustMarshal(map[string]interface{}{"conversation_id": m.conversationID}),
		})
		if resp.Error != nil {
			return errMsg{fmt.Errorf("addConversationListener: %s", resp.Error.Message)}
		}
		return nil
	}
}

func (m *Model) sendMessageCmd(text string) tea.Cmd {
	return func() tea.Msg {
		resp := m.processor.Handle(context.Background(), rpcserver.Request{
			RequestID:    "send",
			Method:       "sendUserMessage",
			ConnectionID: connectionID,
			Params: mustMarshal(map[string]interface{}{
				"conversation_id": m.conversationID,
				"text":            text,
			}),
		})
		if resp.Error != nil {
			return errMsg{fmt.Errorf("sendUserMessage: %s", resp.Error.Message)}
		}
		return nil
	}
}

// startAutoDriveCmd issues the startAutoDrive RPC, handing the
// coordinator loop the given goal. Its Decision/Thinking events arrive
// back through the regular listener pump as codex/event/coordinator_*
// notifications, handled in handleEvent below — there is no separate
// response to poll.
func (m *Model) startAutoDriveCmd(goal string) tea.Cmd {
	return func() tea.Msg {
		resp := m.processor.Handle(context.Background(), rpcserver.Request{
			RequestID:    "auto-drive",
			Method:       "startAutoDrive",
			ConnectionID: connectionID,
			Params: mustMarshal(map[string]interface{}{
				"conversation_id": m.conversationID,
				"goal":            goal,
			}),
		})
		if resp.Error != nil {
			return errMsg{fmt.Errorf("startAutoDrive: %s", resp.Error.Message)}
		}
		return nil
	}
}

func (m *Model) interruptCmd() tea.Cmd {
	return func() tea.Msg {
		m.processor.Handle(context.Background(), rpcserver.Request{
			RequestID:    "interrupt",
			Method:       "interruptConversation",
			ConnectionID: connectionID,
			Params:       mustMarshal(map[string]interface{}{"conversation_id": m.conversationID}),
		})
		return nil
	}
}

// handleEvent renders one decorated conversation event into the
// viewport, using the Exec/Assistant layout caches for the item kinds
// those caches cover.
func (m *Model) handleEvent(ev eventMsg) {
	payload, _ := ev.payload.(map[string]interface{})
	inner, _ := payload["payload"]

	switch {
	case strings.HasSuffix(ev.method, "agent_message"):
		m.appendToViewport(renderAssistantMessage(inner, m.width, m.mdRenderer))
	case strings.HasSuffix(ev.method, "user_message"):
		m.appendToViewport(renderUserMessage(inner, m.styles))
	case strings.HasSuffix(ev.method, "exec_command"):
		m.appendToViewport(renderExecEvent(inner, m.width, m.styles))
	case strings.HasSuffix(ev.method, "turn_complete"):
		m.spinnerMsg = "Ready."
	case strings.HasSuffix(ev.method, "coordinator_thinking"):
		text, _ := inner.(string)
		m.appendToViewport(m.styles.StatusLine.Render("Auto-Drive: " + text))
	case strings.HasSuffix(ev.method, "coordinator_decision"):
		fields, _ := inner.(map[string]interface{})
		current, _ := fields["current"].(string)
		status, _ := fields["finish_status"].(string)
		m.appendToViewport(m.styles.Separator.Render(fmt.Sprintf("Auto-Drive [%s] %s", status, current)))
		if status == "finish_success" || status == "finish_failed" {
			m.spinnerMsg = "Auto-Drive finished."
		}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return m.styles.SpinnerMessage.Render(m.spinner.View() + " Starting...")
	}

	sep := m.styles.Separator.Render(strings.Repeat("─", m.width))

	var inputView string
	if m.selector != nil {
		inputView = m.selector.View()
	} else {
		inputView = m.textarea.View()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		sep,
		inputView,
		sep,
		m.styles.StatusLine.Render(m.spinnerMsg),
	)
}

func (m Model) handleWindowSize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	if msg.Width != m.width {
		m.mdRenderer = newMarkdownRenderer(msg.Width, m.cfg.NoMarkdown)
	}
	m.width = msg.Width
	m.height = msg.Height
	vpHeight := m.height - 4
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(m.width, vpHeight)
		m.viewport.SetContent(m.viewportContent)
		m.textarea.SetWidth(m.width)
		m.ready = true
		m.textarea.Focus()
	} else {
		m.viewport.Width = m.width
		m.viewport.Height = vpHeight
		m.textarea.SetWidth(m.width)
	}
	return m, nil
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		if m.conversationID != "" && m.selector == nil {
			return m, m.interruptCmd()
		}
		m.quitting = true
		return m, tea.Quit
	}

	if m.selector != nil {
		done := m.selector.Update(msg)
		if done {
			approved := m.selector.Confirmed()
			pending := m.pendingApproval
			m.selector = nil
			m.pendingApproval = nil
			if pending != nil && m.broker != nil {
				decision := approval.Denied
				if approved {
					decision = approval.Approved
				}
				m.broker.Resolve(pending.callID, wireFor(decision))
			}
		}
		return m, nil
	}

	if msg.Type == tea.KeyEnter {
		line := strings.TrimSpace(m.textarea.Value())
		m.textarea.Reset()
		if line == "" {
			return m, nil
		}
		if goal, ok := strings.CutPrefix(line, "/auto "); ok {
			m.appendToViewport(m.styles.Separator.Render("Auto-Drive: " + goal))
			return m, m.startAutoDriveCmd(strings.TrimSpace(goal))
		}
		m.appendToViewport(renderUserMessage(map[string]interface{}{"text": line}, m.styles))
		return m, m.sendMessageCmd(line)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	return m, cmd
}

func (m *Model) appendToViewport(content string) {
	if content == "" {
		return
	}
	wasAtBottom := m.viewport.AtBottom()
	m.viewportContent += content
	m.viewport.SetContent(m.viewportContent)
	if wasAtBottom || !m.ready {
		m.viewport.GotoBottom()
	}
}

func wireFor(d approval.Decision) approval.WireDecision {
	if d == approval.Approved {
		return approval.WireApproved
	}
	return approval.WireDenied
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// dispatcher adapts the TUI's Forward method into an approval.Dispatcher
// for outgoing approval requests, delivered as ordinary events through
// the same pump rather than a second channel.
type dispatcher struct {
	mu sync.Mutex
	m  *Model
}

func (d *dispatcher) SendRequest(ctx context.Context, connID string, method approval.Method, params interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.m.Forward(ctx, connID, string(method), params)
}

// Run wires a Manager/Broker/Processor and starts the bubbletea program.
func Run(cfg Config) error {
	convs := conversation.NewManager()
	model := NewModel(cfg, nil, nil)
	broker := approval.NewBroker(&dispatcher{m: &model})
	model.broker = broker
	model.processor = rpcserver.NewProcessor(convs, broker)
	model.processor.SetForwarder(model)
	if policy, err := execpolicy.LoadExecPolicy(config.Home()); err == nil {
		model.processor.SetExecPolicy(policy)
	}

	var opts []tea.ProgramOption
	if !cfg.Inline {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(model, opts...)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	fm := finalModel.(Model)
	if fm.err != nil {
		return fm.err
	}
	fmt.Fprintln(os.Stderr, "session ended")
	return nil
}
