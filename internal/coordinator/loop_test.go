package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codexdrive/core/internal/llm"
	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient returns queued responses/errors in order, one per Call.
type fakeClient struct {
	mu        sync.Mutex
	responses []llm.LLMResponse
	errs      []error
	i         int
}

func (f *fakeClient) Call(ctx context.Context, req llm.LLMRequest) (llm.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.responses) {
		return llm.LLMResponse{}, errors.New("fakeClient: out of responses")
	}
	resp, err := f.responses[f.i], f.errs[f.i]
	f.i++
	return resp, err
}

func (f *fakeClient) Compact(ctx context.Context, req llm.CompactRequest) (llm.CompactResponse, error) {
	return llm.CompactResponse{}, nil
}

func textResponse(json string) llm.LLMResponse {
	return llm.LLMResponse{Items: []models.ConversationItem{{
		Type:    models.ItemTypeAssistantMessage,
		Content: json,
	}}}
}

func testConfig() Config {
	opts := retry.DefaultOptions()
	opts.MaxAttempts = 1
	return Config{
		Goal:         "ship the feature",
		DefaultModel: "gpt-4o",
		ModelConfig:  models.ModelConfig{Model: "gpt-4o"},
		RetryOptions: opts,
	}
}

func collectEvents(t *testing.T, loop *Loop, n int) []CoordinatorEvent {
	t.Helper()
	var out []CoordinatorEvent
	for i := 0; i < n; i++ {
		select {
		case ev, ok := <-loop.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	return out
}

func TestLoop_PlanningContinueThenIdle(t *testing.T) {
	client := &fakeClient{
		responses: []llm.LLMResponse{textResponse(`{"finish_status":"continue","current":"working","cli":{"prompt":"run tests"}}`)},
		errs:      []error{nil},
	}
	loop := NewLoop(client, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	loop.UpdateConversation([]models.ConversationItem{{Type: models.ItemTypeUserMessage, Content: "go"}})

	events := collectEvents(t, loop, 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventDecision, events[0].Kind)
	assert.Equal(t, FinishContinue, events[0].Decision.FinishStatus)

	loop.Stop()
	cancel()
}

func TestLoop_RecoverableRetryThenSuccess(t *testing.T) {
	bad := textResponse(`{"finish_status":"continue"}`) // missing cli.prompt, recoverable
	good := textResponse(`{"finish_status":"finish_success","current":"done"}`)
	client := &fakeClient{
		responses: []llm.LLMResponse{bad, bad, bad, good},
		errs:      []error{nil, nil, nil, nil},
	}
	loop := NewLoop(client, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	loop.UpdateConversation(nil)

	events := collectEvents(t, loop, 4)
	require.Len(t, events, 4)
	for _, ev := range events[:3] {
		assert.Equal(t, EventThinking, ev.Kind)
	}
	assert.Equal(t, EventDecision, events[3].Kind)
	assert.Equal(t, FinishSuccess, events[3].Decision.FinishStatus)

	loop.Stop()
	cancel()
}

func TestLoop_NonRecoverableAfterThreeRetriesTerminates(t *testing.T) {
	bad := textResponse(`{"finish_status":"continue"}`)
	client := &fakeClient{
		responses: []llm.LLMResponse{bad, bad, bad, bad},
		errs:      []error{nil, nil, nil, nil},
	}
	loop := NewLoop(client, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.UpdateConversation(nil)

	events := collectEvents(t, loop, 4)
	require.Len(t, events, 4)
	assert.Equal(t, EventThinking, events[0].Kind)
	assert.Equal(t, EventThinking, events[1].Kind)
	assert.Equal(t, EventThinking, events[2].Kind)
	assert.Equal(t, EventDecision, events[3].Kind)
	assert.Equal(t, FinishFailed, events[3].Decision.FinishStatus)

	_, ok := <-loop.Events()
	assert.False(t, ok, "events channel should close once Terminated")
}

func TestLoop_UserTurnEmitsReply(t *testing.T) {
	client := &fakeClient{
		responses: []llm.LLMResponse{{Items: []models.ConversationItem{{Type: models.ItemTypeAssistantMessage, Content: "here you go"}}}},
		errs:      []error{nil},
	}
	loop := NewLoop(client, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	loop.HandleUserPrompt("what's the status?", nil)

	events := collectEvents(t, loop, 1)
	require.Len(t, events, 1)
	assert.Equal(t, EventUserReply, events[0].Kind)
	assert.Equal(t, "here you go", events[0].Reply)

	loop.Stop()
	cancel()
}

func TestLoop_StopTerminatesWithoutEmit(t *testing.T) {
	loop := NewLoop(&fakeClient{}, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.Stop()

	_, ok := <-loop.Events()
	assert.False(t, ok)
}
