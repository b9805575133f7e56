// Package conversation implements the conversation manager: it owns one
// transcript + event stream per conversation, serializes turns, and runs
// a per-listener event pump that decorates and forwards events to their
// owning connection. Listeners hold a conversation id, never a direct
// reference; fan-out happens by the manager iterating its registry.
package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codexdrive/core/internal/coreerr"
	"github.com/codexdrive/core/internal/execpolicy"
	"github.com/codexdrive/core/internal/history"
	"github.com/codexdrive/core/internal/instructions"
	"github.com/codexdrive/core/internal/models"
	"github.com/codexdrive/core/internal/rollout"
	"github.com/codexdrive/core/internal/tools"
	"github.com/google/uuid"
)

// Event is one item a conversation emits, before JSON-RPC serialization.
type Event struct {
	MsgKind        string // drives the derived "codex/event/<msg_kind>" method name
	ConversationID string
	Payload        interface{}

	// ApprovalCallID is non-empty for approval-bearing events, which the
	// pump additionally dispatches to the Approval Broker.
	ApprovalCallID string
}

// Forwarder delivers a decorated event to its owning connection. The
// transport layer implements this; the manager never touches the wire.
type Forwarder interface {
	Forward(ctx context.Context, connectionID, method string, payload interface{}) error
}

// ApprovalNotifier is invoked for every approval-bearing event a pump
// forwards, letting the Approval Broker learn the event exists without
// the conversation package importing it directly.
type ApprovalNotifier interface {
	NotifyApproval(connectionID string, ev Event)
}

// Config is the subset of new_conversation/resume_conversation inputs the
// manager needs; config.toml resolution and CLI overrides happen upstream.
type Config struct {
	Model       models.ModelConfig
	Cwd         string
	RolloutHome string

	// Tools, if set, lets RunTurn dispatch function_call items the model
	// emits. Nil means tool calls are recorded on the transcript but never
	// executed (a conversation with no tools configured).
	Tools *tools.ToolRouter

	// ExecPolicy gates shell-like tool calls before Tools dispatches them.
	// Nil is treated the same as a policy that approves nothing, so a
	// conversation can't accidentally run shell commands just because a
	// ToolRouter happens to be set without a policy.
	ExecPolicy *execpolicy.ExecPolicyManager

	// ApprovalMode feeds ExecPolicy's heuristic fallback. Empty defaults to
	// "on-failure" in RunTurn; ExecPolicyManager's fallback allows any
	// command no rule matches under "on-failure" as it does under "".
	ApprovalMode string
}

// Conversation owns a single transcript's turn serialization and event
// fan-out to its listeners.
type Conversation struct {
	ID     string
	Config Config

	rolloutWriter *rollout.Writer
	rolloutPath   string

	turnLock chan struct{} // capacity 1: at most one concurrent turn

	// transcript owns the in-memory item sequence; the rollout writer is
	// its durable shadow.
	transcript history.ContextManager

	// instr caches the merged instruction hierarchy; assembled once, on
	// the first turn, since cwd and approval mode are fixed for the
	// conversation's lifetime.
	instrOnce sync.Once
	instr     instructions.MergedInstructions

	mu        sync.Mutex
	listeners map[string]*listener
	archived  bool
	live      bool
}

// listener is one AddConversationListener registration.
type listener struct {
	subscriptionID string
	ownerConnID    string
	events         chan Event
	cancel         context.CancelFunc
}

// newConversation constructs an empty, live Conversation.
func newConversation(id string, cfg Config) (*Conversation, error) {
	path := rollout.Path(cfg.RolloutHome, timeNow(), id)
	w, err := rollout.Create(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Internal, err, "failed to create rollout file")
	}
	return &Conversation{
		ID:            id,
		Config:        cfg,
		rolloutWriter: w,
		rolloutPath:   path,
		turnLock:      make(chan struct{}, 1),
		transcript:    history.NewInMemoryHistory(),
		listeners:     make(map[string]*listener),
		live:          true,
	}, nil
}

// timeNow is a package-level indirection so tests can observe a fixed
// rollout path without depending on wall-clock time.
var timeNow = time.Now

// Submit serializes op against this conversation's turn lock, guaranteeing
// at most one concurrent turn. Blocks until the lock is free or ctx is
// cancelled.
func (c *Conversation) Submit(ctx context.Context, op func(ctx context.Context) error) error {
	select {
	case c.turnLock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.turnLock }()
	return op(ctx)
}

// RolloutPath returns this conversation's append-only rollout file path.
func (c *Conversation) RolloutPath() string { return c.rolloutPath }

// AppendItem records one transcript item and persists it to the rollout
// file.
func (c *Conversation) AppendItem(item models.ConversationItem) error {
	if err := c.transcript.AddItem(item); err != nil {
		return err
	}
	return c.rolloutWriter.Append(string(item.Type), item)
}

// Items returns a snapshot of the transcript so far.
func (c *Conversation) Items() []models.ConversationItem {
	items, err := c.transcript.GetRawItems()
	if err != nil {
		return nil
	}
	return items
}

// AddListener registers a new listener owned by connectionID and starts
// its pump goroutine, which runs a select loop between cancellation and
// the next produced event, decorating and forwarding each one through fwd.
// Returns the subscription id.
func (c *Conversation) AddListener(ctx context.Context, connectionID string, fwd Forwarder, notifier ApprovalNotifier) string {
	subCtx, cancel := context.WithCancel(ctx)
	l := &listener{
		subscriptionID: uuid.NewString(),
		ownerConnID:    connectionID,
		events:         make(chan Event, 64),
		cancel:         cancel,
	}

	c.mu.Lock()
	c.listeners[l.subscriptionID] = l
	c.mu.Unlock()

	go c.pump(subCtx, l, fwd, notifier)

	return l.subscriptionID
}

// pump is one listener's event loop: select between its cancellation
// signal and the next event, decorate, forward, and — for
// approval-bearing events — notify the Approval Broker.
func (c *Conversation) pump(ctx context.Context, l *listener, fwd Forwarder, notifier ApprovalNotifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.events:
			if !ok {
				return
			}
			method := fmt.Sprintf("codex/event/%s", ev.MsgKind)
			payload := decorate(ev)
			_ = fwd.Forward(ctx, l.ownerConnID, method, payload)
			if ev.ApprovalCallID != "" && notifier != nil {
				notifier.NotifyApproval(l.ownerConnID, ev)
			}
		}
	}
}

// decorate wraps an event's payload with its conversationId.
func decorate(ev Event) map[string]interface{} {
	return map[string]interface{}{
		"conversationId": ev.ConversationID,
		"payload":        ev.Payload,
	}
}

// Publish delivers ev, in order, to every currently-registered listener.
// Sends block rather than drop, so each listener observes events in
// production order at the cost of a slow listener applying backpressure
// to the publisher.
func (c *Conversation) Publish(ctx context.Context, ev Event) {
	ev.ConversationID = c.ID

	c.mu.Lock()
	targets := make([]*listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		targets = append(targets, l)
	}
	c.mu.Unlock()

	for _, l := range targets {
		select {
		case l.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// RemoveListener enforces owner identity: a request from a connection
// that does not own subscriptionID is rejected without revealing whether
// the subscription exists.
func (c *Conversation) RemoveListener(subscriptionID, requesterConnID string) error {
	c.mu.Lock()
	l, ok := c.listeners[subscriptionID]
	if ok && l.ownerConnID == requesterConnID {
		delete(c.listeners, subscriptionID)
	}
	c.mu.Unlock()

	if !ok || l.ownerConnID != requesterConnID {
		return coreerr.New(coreerr.InvalidRequest, "invalid request: subscription not found")
	}
	l.cancel()
	return nil
}

// RemoveListenersOwnedBy drops every listener owned by connectionID
// without an ownership check. Used when a connection itself disconnects,
// which cancels all subscriptions it owns.
func (c *Conversation) RemoveListenersOwnedBy(connectionID string) {
	c.mu.Lock()
	var toCancel []*listener
	for id, l := range c.listeners {
		if l.ownerConnID == connectionID {
			toCancel = append(toCancel, l)
			delete(c.listeners, id)
		}
	}
	c.mu.Unlock()

	for _, l := range toCancel {
		l.cancel()
	}
}

// Abort publishes a turn_aborted event carrying reason. Interrupting a
// conversation always emits this, even when no turn is in flight, so
// listeners see the interrupt land.
func (c *Conversation) Abort(ctx context.Context, reason string) {
	c.Publish(ctx, Event{
		MsgKind: "turn_aborted",
		Payload: map[string]interface{}{"reason": reason},
	})
}

// Close flushes and closes the rollout writer; callers must only do this
// once the conversation is archived.
func (c *Conversation) Close() error {
	return c.rolloutWriter.Close()
}
