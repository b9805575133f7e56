// Package approval implements the approval broker: for each
// approval-bearing event the owning listener pump raises, it sends a
// JSON-RPC request to the owner connection and awaits a single-shot
// response, correlating strictly by call-id.
package approval

import (
	"context"
	"sync"
)

// Decision is the core's normalized approval outcome, collapsing the wire
// enum's ApprovedExecpolicyAmendment into Approved.
type Decision string

const (
	Approved           Decision = "approved"
	ApprovedForSession Decision = "approved_for_session"
	Denied             Decision = "denied"
	Abort              Decision = "abort"
)

// WireDecision is the raw decision string the owner connection replies
// with over JSON-RPC, before ApprovalBroker normalizes it.
type WireDecision string

const (
	WireApproved                    WireDecision = "Approved"
	WireApprovedForSession          WireDecision = "ApprovedForSession"
	WireApprovedExecpolicyAmendment WireDecision = "ApprovedExecpolicyAmendment"
	WireDenied                      WireDecision = "Denied"
	WireAbort                       WireDecision = "Abort"
)

// Normalize maps a WireDecision onto the core's Decision enum.
// ApprovedExecpolicyAmendment collapses to Approved.
func (w WireDecision) Normalize() Decision {
	switch w {
	case WireApproved, WireApprovedExecpolicyAmendment:
		return Approved
	case WireApprovedForSession:
		return ApprovedForSession
	case WireAbort:
		return Abort
	default:
		return Denied
	}
}

// Method is a JSON-RPC method name the broker dispatches an approval
// request to.
type Method string

const (
	MethodExecApproval         Method = "exec/approval"
	MethodApplyPatchApproval   Method = "applyPatch/approval"
	MethodToolDynamic          Method = "tool/dynamic"
	MethodRequestUserInputTool Method = "item/tool/requestUserInput"
)

// Dispatcher sends a JSON-RPC request to an owner connection. Implemented
// by the transport layer; the broker never touches the wire itself.
type Dispatcher interface {
	SendRequest(ctx context.Context, connectionID string, method Method, params interface{}) error
}

// pendingCall is the broker's bookkeeping for one outstanding approval
// request, keyed by call-id (never event-id, because multiple approvals
// may share a turn).
type pendingCall struct {
	respCh chan WireDecision
}

// Broker correlates outstanding approval requests by call-id and resolves
// them either from an incoming RPC response or, on connection loss, with
// a conservative Denied so the turn is never blocked indefinitely.
type Broker struct {
	dispatcher Dispatcher

	mu      sync.Mutex
	pending map[string]*pendingCall // callID -> pending
}

// NewBroker constructs a Broker bound to the given Dispatcher.
func NewBroker(dispatcher Dispatcher) *Broker {
	return &Broker{
		dispatcher: dispatcher,
		pending:    make(map[string]*pendingCall),
	}
}

// RequestApproval sends method/params to connectionID and blocks until a
// matching Resolve(callID, ...) call arrives, the connection is dropped
// via CancelConnection (which resolves every pending call-id it owns as
// Denied), or ctx is cancelled. The broker itself enforces no timeout;
// abandoning a turn that never hears back is the conversation's job.
func (b *Broker) RequestApproval(ctx context.Context, connectionID, callID string, method Method, params interface{}) (Decision, error) {
	pc := &pendingCall{respCh: make(chan WireDecision, 1)}

	b.mu.Lock()
	b.pending[callID] = pc
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	if err := b.dispatcher.SendRequest(ctx, connectionID, method, params); err != nil {
		// Connection gone before the request even went out: submit Denied
		// so the turn is not blocked, matching the channel-error path.
		return Denied, nil
	}

	select {
	case wire := <-pc.respCh:
		return wire.Normalize(), nil
	case <-ctx.Done():
		return Denied, ctx.Err()
	}
}

// Resolve delivers an owner connection's response for callID. A response
// for an unknown or already-resolved call-id is a no-op — the requester
// may have already given up via ctx cancellation.
func (b *Broker) Resolve(callID string, wire WireDecision) {
	b.mu.Lock()
	pc, ok := b.pending[callID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.respCh <- wire:
	default:
	}
}

// CancelConnection resolves every outstanding call-id as Denied — used
// when a connection drops so in-flight approvals under it transition to
// Denied rather than hanging forever.
func (b *Broker) CancelConnection(callIDs []string) {
	for _, callID := range callIDs {
		b.Resolve(callID, WireDenied)
	}
}
