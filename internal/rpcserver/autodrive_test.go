package rpcserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codexdrive/core/internal/approval"
	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLLMClient is a fakeModelCaller that also satisfies llm.LLMClient
// (adds Compact), since startAutoDrive requires an llm.LLMClient
// collaborator per handleStartAutoDrive's type assertion.
type fakeLLMClient struct {
	mu    sync.Mutex
	resps []string // raw decision JSON, one per Call
	i     int
}

func (f *fakeLLMClient) Call(ctx context.Context, req llm.LLMRequest) (llm.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.resps) {
		return llm.LLMResponse{Items: []models.ConversationItem{{
			Type:    models.ItemTypeAssistantMessage,
			Content: `{"finish_status":"finish_success","progress":{"current":"done"}}`,
		}}}, nil
	}
	body := f.resps[f.i]
	f.i++
	return llm.LLMResponse{Items: []models.ConversationItem{{
		Type:    models.ItemTypeAssistantMessage,
		Content: body,
	}}}, nil
}

func (f *fakeLLMClient) Compact(ctx context.Context, req llm.CompactRequest) (llm.CompactResponse, error) {
	return llm.CompactResponse{}, nil
}

// collectEvents pulls listener events off a channel populated via a
// conversation.Forwarder test double, waiting up to a short timeout for
// count matching notifications of the given method suffix.
type capturingForwarder struct {
	mu      sync.Mutex
	methods []string
	events  chan struct{}
}

func (f *capturingForwarder) Forward(ctx context.Context, connID, method string, payload interface{}) error {
	f.mu.Lock()
	f.methods = append(f.methods, method)
	f.mu.Unlock()
	select {
	case f.events <- struct{}{}:
	default:
	}
	return nil
}

func (f *capturingForwarder) seen(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func TestStartAutoDrive_RejectsUnknownConversation(t *testing.T) {
	p, _ := newTestProcessor(t)
	resp := p.Handle(context.Background(), Request{
		RequestID: "1",
		Method:    "startAutoDrive",
		Params:    mustParams(t, startAutoDriveParams{ConversationID: "nope", Goal: "ship it"}),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32600, resp.Error.Code)
}

func TestStartAutoDrive_PublishesDecisionAndStopsOnFinishSuccess(t *testing.T) {
	convs := conversation.NewManager()
	p := NewProcessor(convs, approval.NewBroker(nil))
	client := &fakeLLMClient{resps: []string{
		`{"finish_status":"finish_success","progress":{"current":"all done"}}`,
	}}
	p.SetModelCaller(client)

	conv, err := convs.NewConversation(conversation.Config{RolloutHome: t.TempDir()})
	require.NoError(t, err)

	fwd := &capturingForwarder{events: make(chan struct{}, 16)}
	conv.AddListener(context.Background(), "conn-1", fwd, nil)

	resp := p.Handle(context.Background(), Request{
		RequestID:    "1",
		Method:       "startAutoDrive",
		ConnectionID: "conn-1",
		Params:       mustParams(t, startAutoDriveParams{ConversationID: conv.ID, Goal: "ship it"}),
	})
	require.Nil(t, resp.Error)

	deadline := time.After(2 * time.Second)
	for !fwd.seen("codex/event/coordinator_decision") {
		select {
		case <-fwd.events:
		case <-deadline:
			t.Fatal("timed out waiting for coordinator_decision event")
		}
	}
}
