package rpcserver

import (
	"context"
	"testing"

	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListConversations_ReturnsLiveConversation(t *testing.T) {
	p, convs := newTestProcessor(t)
	home := t.TempDir()
	p.SetHome(home)

	conv, err := convs.NewConversation(conversation.Config{RolloutHome: home})
	require.NoError(t, err)
	require.NoError(t, conv.AppendItem(models.ConversationItem{Type: models.ItemTypeUserMessage, Content: "hi"}))

	resp := p.Handle(context.Background(), Request{RequestID: "1", Method: "listConversations"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	items := result["items"].([]map[string]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, conv.ID, items[0]["conversation_id"])
}

func TestListConversations_RejectsInvalidCursor(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.SetHome(t.TempDir())

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "listConversations",
		Params:    mustParams(t, listConversationsParams{Cursor: "not-json"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestGetAuthStatus_NoKeyReportsRequiresAuth(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.SetHome(t.TempDir())

	resp := p.Handle(context.Background(), Request{RequestID: "1", Method: "getAuthStatus"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["requires_openai_auth"])
}

func TestLoginApiKey_ThenGetAuthStatus_ReportsApiKeyMethod(t *testing.T) {
	p, _ := newTestProcessor(t)
	home := t.TempDir()
	p.SetHome(home)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "loginApiKey",
		Params:    mustParams(t, loginApiKeyParams{APIKey: "sk-test"}),
	})
	require.Nil(t, resp.Error)

	resp = p.Handle(context.Background(), Request{
		RequestID: "2",
		Method:    "getAuthStatus",
		Params:    mustParams(t, getAuthStatusParams{IncludeToken: true}),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "api_key", result["auth_method"])
	assert.Equal(t, "sk-test", result["auth_token"])
}

func TestLoginApiKey_RejectsEmptyKey(t *testing.T) {
	p, _ := newTestProcessor(t)
	p.SetHome(t.TempDir())

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "loginApiKey",
		Params:    mustParams(t, loginApiKeyParams{}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestExecOneOffCommand_RunsAndCapturesOutput(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "execOneOffCommand",
		Params:    mustParams(t, execOneOffCommandParams{Command: "echo hi"}),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, 0, result["exit_code"])
	assert.Contains(t, result["stdout"], "hi")
}

func TestExecOneOffCommand_NonZeroExitIsReportedNotAnError(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "execOneOffCommand",
		Params:    mustParams(t, execOneOffCommandParams{Command: "exit 3"}),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, 3, result["exit_code"])
}

func TestExecOneOffCommand_RejectsEmptyCommand(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "execOneOffCommand",
		Params:    mustParams(t, execOneOffCommandParams{}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestExecOneOffCommand_RejectsSandboxPolicyOverride(t *testing.T) {
	p, _ := newTestProcessor(t)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "execOneOffCommand",
		Params:    []byte(`{"command":"echo hi","sandbox_policy":{"mode":"workspace-write"}}`),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}
