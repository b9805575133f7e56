package rpcserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModelCaller struct {
	resp llm.LLMResponse
}

func (f *fakeModelCaller) Call(ctx context.Context, request llm.LLMRequest) (llm.LLMResponse, error) {
	return f.resp, nil
}

// sequencedModelCaller returns one response per call, in order, letting a
// test script a function_call followed by a plain assistant_message.
type sequencedModelCaller struct {
	resps []llm.LLMResponse
	calls int
}

func (s *sequencedModelCaller) Call(ctx context.Context, request llm.LLMRequest) (llm.LLMResponse, error) {
	i := s.calls
	s.calls++
	if i >= len(s.resps) {
		return llm.LLMResponse{}, nil
	}
	return s.resps[i], nil
}

func newTestProcessor(t *testing.T) (*Processor, *conversation.Manager) {
	t.Helper()
	convs := conversation.NewManager()
	return NewProcessor(convs, nil), convs
}

func mustParams(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestHandle_UnknownMethodIsInvalidRequest(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp := p.Handle(context.Background(), Request{RequestID: "1", Method: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestNewConversation_Success(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "newConversation",
		Params:    mustParams(t, newConversationParams{Cwd: t.TempDir(), RolloutHome: t.TempDir()}),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.NotEmpty(t, result["conversation_id"])
}

func TestSendUserMessage_NotFoundConversationIsError(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "sendUserMessage",
		Params:    mustParams(t, sendUserMessageParams{ConversationID: "no-such-id", Text: "hi"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code) // coreerr.NotFound maps to RPCCodeInvalidRequest
}

func TestSendUserMessage_DrivesATurnThroughTheModelCaller(t *testing.T) {
	p, convs := newTestProcessor(t)
	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	p.SetModelCaller(&fakeModelCaller{
		resp: llm.LLMResponse{
			Items: []models.ConversationItem{{Type: models.ItemTypeAssistantMessage, Content: "hi!"}},
		},
	})

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "sendUserMessage",
		Params:    mustParams(t, sendUserMessageParams{ConversationID: conv.ID, Text: "hello"}),
	})
	require.Nil(t, resp.Error)

	items := conv.Items()
	var sawAssistant bool
	for _, item := range items {
		if item.Type == models.ItemTypeAssistantMessage && item.Content == "hi!" {
			sawAssistant = true
		}
	}
	assert.True(t, sawAssistant)
}

func TestSendUserMessage_DispatchesToolCallsThroughDefaultRouter(t *testing.T) {
	p, convs := newTestProcessor(t)
	dir := t.TempDir()
	filePath := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello from disk"), 0o644))

	conv, err := convs.NewConversation(conversation.Config{
		RolloutHome: t.TempDir(),
		Tools:       defaultToolRouter(),
	})
	require.NoError(t, err)

	args, err := json.Marshal(map[string]interface{}{"path": filePath})
	require.NoError(t, err)

	p.SetModelCaller(&sequencedModelCaller{resps: []llm.LLMResponse{
		{Items: []models.ConversationItem{
			{Type: models.ItemTypeFunctionCall, Name: "read_file", CallID: "call-1", Arguments: string(args)},
		}},
		{Items: []models.ConversationItem{
			{Type: models.ItemTypeAssistantMessage, Content: "it says hello from disk"},
		}},
	}})

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "sendUserMessage",
		Params:    mustParams(t, sendUserMessageParams{ConversationID: conv.ID, Text: "what's in note.txt?"}),
	})
	require.Nil(t, resp.Error)

	var sawOutput bool
	for _, item := range conv.Items() {
		if item.Type == models.ItemTypeFunctionCallOutput && item.CallID == "call-1" {
			sawOutput = true
			require.NotNil(t, item.Output)
			assert.Contains(t, item.Output.Content, "hello from disk")
		}
	}
	assert.True(t, sawOutput)
}

func TestInterruptConversation_RepliesImmediately(t *testing.T) {
	p, convs := newTestProcessor(t)
	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "interruptConversation",
		Params:    mustParams(t, interruptConversationParams{ConversationID: conv.ID}),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "Interrupted", result["abort_reason"])
}

func TestAddThenRemoveConversationListener_OwnershipEnforced(t *testing.T) {
	p, convs := newTestProcessor(t)
	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	addResp := p.Handle(context.Background(), Request{
		RequestID:    "1",
		Method:       "addConversationListener",
		ConnectionID: "conn-1",
		Params:       mustParams(t, addConversationListenerParams{ConversationID: conv.ID}),
	})
	require.Nil(t, addResp.Error)
	subID := addResp.Result.(map[string]interface{})["subscription_id"].(string)
	require.NotEmpty(t, subID)

	wrongOwnerResp := p.Handle(context.Background(), Request{
		RequestID:    "2",
		Method:       "removeConversationListener",
		ConnectionID: "conn-2",
		Params:       mustParams(t, removeConversationListenerParams{SubscriptionID: subID, ConversationID: conv.ID}),
	})
	require.NotNil(t, wrongOwnerResp.Error)
	assert.Equal(t, -32600, wrongOwnerResp.Error.Code)

	rightOwnerResp := p.Handle(context.Background(), Request{
		RequestID:    "3",
		Method:       "removeConversationListener",
		ConnectionID: "conn-1",
		Params:       mustParams(t, removeConversationListenerParams{SubscriptionID: subID, ConversationID: conv.ID}),
	})
	assert.Nil(t, rightOwnerResp.Error)
}

func TestFuzzyFileSearch_SecondRequestCancelsFirst(t *testing.T) {
	p, _ := newTestProcessor(t)

	blockCh := make(chan struct{})
	cancelledCh := make(chan struct{}, 1)
	var firstCallDone bool
	runFuzzySearch = func(ctx context.Context, query string) (interface{}, error) {
		if firstCallDone {
			return map[string]interface{}{"matches": []string{}}, nil
		}
		firstCallDone = true
		close(blockCh)
		<-ctx.Done()
		cancelledCh <- struct{}{}
		return nil, ctx.Err()
	}
	defer func() {
		runFuzzySearch = func(ctx context.Context, query string) (interface{}, error) {
			return map[string]interface{}{"matches": []string{}}, nil
		}
	}()

	go p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "fuzzyFileSearch",
		Params:    mustParams(t, fuzzyFileSearchParams{Query: "foo", CancellationToken: "tok-1"}),
	})
	<-blockCh

	resp := p.Handle(context.Background(), Request{
		RequestID: "2",
		Method:    "fuzzyFileSearch",
		Params:    mustParams(t, fuzzyFileSearchParams{Query: "bar", CancellationToken: "tok-1"}),
	})
	require.Nil(t, resp.Error)

	select {
	case <-cancelledCh:
	default:
		t.Fatal("expected the first in-flight search to be cancelled")
	}
}

func TestFuzzyFileSearch_EmptyQueryIsInvalidRequest(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "fuzzyFileSearch",
		Params:    mustParams(t, fuzzyFileSearchParams{Query: "", CancellationToken: "tok"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestSendUserMessage_ItemsArrayFlattensIntoPrompt(t *testing.T) {
	p, convs := newTestProcessor(t)
	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	fake := &fakeModelCaller{
		resp: llm.LLMResponse{
			Items: []models.ConversationItem{{Type: models.ItemTypeAssistantMessage, Content: "ok"}},
		},
	}
	p.SetModelCaller(fake)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "sendUserMessage",
		Params: mustParams(t, sendUserMessageParams{
			ConversationID: conv.ID,
			Items: []userInputItem{
				{Type: "text", Text: "look at this"},
				{Type: "local_image", Path: "/tmp/shot.png"},
			},
		}),
	})
	require.Nil(t, resp.Error)

	var sawPrompt bool
	for _, item := range conv.Items() {
		if item.Type == models.ItemTypeUserMessage &&
			strings.Contains(item.Content, "look at this") &&
			strings.Contains(item.Content, "[image: /tmp/shot.png]") {
			sawPrompt = true
		}
	}
	assert.True(t, sawPrompt)
}

func TestSendUserMessage_EmptyPromptIsInvalidRequest(t *testing.T) {
	p, convs := newTestProcessor(t)
	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "sendUserMessage",
		Params:    mustParams(t, sendUserMessageParams{ConversationID: conv.ID}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}
