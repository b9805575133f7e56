package tui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codexdrive/core/internal/approval"
)

func TestModel_Forward_DeliversIntoEventsChannel(t *testing.T) {
	m := NewModel(Config{}, nil, nil)

	err := m.Forward(context.Background(), "conn-1", "codex/event/agent_message", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)

	select {
	case ev := <-m.events:
		assert.Equal(t, "codex/event/agent_message", ev.method)
	case <-time.After(time.Second):
		t.Fatal("expected Forward to deliver onto the events channel")
	}
}

func TestModel_Forward_RespectsContextCancellation(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.events = make(chan eventMsg) // unbuffered, never drained

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Forward(ctx, "conn-1", "codex/event/agent_message", nil)
	require.NoError(t, err)
}

func TestApprovalFields_RecognizesApprovalDispatchMethods(t *testing.T) {
	ev := eventMsg{
		method:  string(approval.MethodExecApproval),
		payload: map[string]interface{}{"call_id": "call-1", "command": "ls -la"},
	}
	callID, method, summary, ok := approvalFields(ev)
	require.True(t, ok)
	assert.Equal(t, "call-1", callID)
	assert.Equal(t, approval.MethodExecApproval, method)
	assert.Equal(t, "ls -la", summary)
}

func TestApprovalFields_IgnoresOrdinaryEventMethods(t *testing.T) {
	ev := eventMsg{
		method:  "codex/event/agent_message",
		payload: map[string]interface{}{"text": "hi"},
	}
	_, _, _, ok := approvalFields(ev)
	assert.False(t, ok)
}

func TestApprovalFields_MissingCallIDIsNotRecognized(t *testing.T) {
	ev := eventMsg{
		method:  string(approval.MethodApplyPatchApproval),
		payload: map[string]interface{}{"command": "patch"},
	}
	_, _, _, ok := approvalFields(ev)
	assert.False(t, ok)
}

func TestApprovalFields_FallsBackToToolSummary(t *testing.T) {
	ev := eventMsg{
		method:  string(approval.MethodToolDynamic),
		payload: map[string]interface{}{"call_id": "call-2", "tool": "web_search"},
	}
	_, _, summary, ok := approvalFields(ev)
	require.True(t, ok)
	assert.Equal(t, "web_search", summary)
}

func TestRenderAssistantMessage_EmptyTextYieldsEmptyString(t *testing.T) {
	out := renderAssistantMessage(map[string]interface{}{}, 80, nil)
	assert.Empty(t, out)
}

func TestRenderAssistantMessage_RendersText(t *testing.T) {
	out := renderAssistantMessage(map[string]interface{}{"text": "hello there"}, 80, nil)
	assert.Contains(t, out, "hello there")
}

func TestRenderUserMessage_PrefixesWithMarker(t *testing.T) {
	styles := DefaultStyles()
	out := renderUserMessage(map[string]interface{}{"text": "do the thing"}, styles)
	assert.Contains(t, out, "do the thing")
}

func TestRenderExecEvent_EmptyCommandYieldsEmptyString(t *testing.T) {
	out := renderExecEvent(map[string]interface{}{}, 80, DefaultStyles())
	assert.Empty(t, out)
}

func TestRenderExecEvent_RendersCommandOutput(t *testing.T) {
	out := renderExecEvent(map[string]interface{}{
		"command":   "echo hi",
		"exit_code": float64(0),
	}, 80, DefaultStyles())
	assert.NotEmpty(t, out)
}

func TestStyleExecLine_WaitNoteGetsWaitNoteStyle(t *testing.T) {
	styles := DefaultStyles()
	styles.ExecWaitNote = styles.ExecWaitNote.Bold(true)
	out := styleExecLine("└ Running… (3s)", 0, styles)
	assert.Equal(t, styles.ExecWaitNote.Render("└ Running… (3s)"), out)
}

func TestStyleExecLine_NonZeroExitGetsFailureStyle(t *testing.T) {
	styles := DefaultStyles()
	out := styleExecLine("some output", 1, styles)
	assert.Equal(t, styles.ExecFailure.Render("some output"), out)
}

func TestStyleExecLine_ZeroExitGetsSuccessStyle(t *testing.T) {
	styles := DefaultStyles()
	out := styleExecLine("some output", 0, styles)
	assert.Equal(t, styles.ExecSuccess.Render("some output"), out)
}

func TestDispatcher_SendRequest_ForwardsThroughModel(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	d := &dispatcher{m: &m}

	err := d.SendRequest(context.Background(), connectionID, approval.MethodExecApproval, map[string]interface{}{"call_id": "call-1"})
	require.NoError(t, err)

	select {
	case ev := <-m.events:
		assert.Equal(t, string(approval.MethodExecApproval), ev.method)
	case <-time.After(time.Second):
		t.Fatal("expected dispatcher.SendRequest to forward onto the events channel")
	}
}

func TestUpdate_ConversationStarted_BatchesListenerAndListen(t *testing.T) {
	m := NewModel(Config{}, nil, nil)

	updated, cmd := m.Update(conversationStartedMsg{conversationID: "conv-1"})
	um := updated.(Model)
	assert.Equal(t, "conv-1", um.conversationID)
	assert.NotNil(t, cmd)
}

func TestUpdate_EventMsg_ApprovalMethodProducesPendingApproval(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.width = 80

	ev := eventMsg{
		method:  string(approval.MethodExecApproval),
		payload: map[string]interface{}{"call_id": "call-9", "command": "rm -rf /tmp/x"},
	}
	_, cmd := m.Update(ev)
	require.NotNil(t, cmd)
}

func TestUpdate_ApprovalPendingMsg_BuildsSelector(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.width = 80

	updated, _ := m.Update(approvalPendingMsg{callID: "call-1", method: approval.MethodExecApproval, summary: "ls"})
	um := updated.(Model)
	require.NotNil(t, um.pendingApproval)
	assert.Equal(t, "call-1", um.pendingApproval.callID)
	require.NotNil(t, um.selector)
}

func TestUpdate_ErrMsg_AppendsToViewport(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.ready = true

	updated, _ := m.Update(errMsg{err: assert.AnError})
	um := updated.(Model)
	require.Error(t, um.err)
	assert.Contains(t, um.viewportContent, "Error:")
}

func TestHandleEvent_CoordinatorThinking_AppendsStatusLine(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.ready = true

	m.handleEvent(eventMsg{
		method: "codex/event/coordinator_thinking",
		payload: map[string]interface{}{
			"payload": "missing CLI prompt, retrying",
		},
	})

	assert.Contains(t, m.viewportContent, "Auto-Drive")
	assert.Contains(t, m.viewportContent, "missing CLI prompt, retrying")
}

func TestHandleEvent_CoordinatorDecision_FinishSuccessUpdatesSpinner(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.ready = true

	m.handleEvent(eventMsg{
		method: "codex/event/coordinator_decision",
		payload: map[string]interface{}{
			"payload": map[string]interface{}{
				"finish_status": "finish_success",
				"current":       "all done",
			},
		},
	})

	assert.Contains(t, m.viewportContent, "all done")
	assert.Equal(t, "Auto-Drive finished.", m.spinnerMsg)
}

func TestHandleKeyMsg_AutoPrefixStartsAutoDriveNotSendMessage(t *testing.T) {
	m := NewModel(Config{}, nil, nil)
	m.ready = true
	m.conversationID = "conv-1"
	m.textarea.SetValue("/auto ship the feature")

	updated, cmd := m.handleKeyMsg(tea.KeyMsg{Type: tea.KeyEnter})
	um := updated.(Model)

	require.NotNil(t, cmd)
	assert.Contains(t, um.viewportContent, "Auto-Drive: ship the feature")
}
