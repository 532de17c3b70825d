// Package broker implements the InteractionBroker: the human-in-the-loop
// channel a tool call blocks on when trust.Policy.RequiresApproval says so.
// It generalizes internal/tui/modal/toolview.go's read-only content modal
// into a request/response contract the renderer answers asynchronously,
// rather than a purely synchronous scroll-and-dismiss view.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// RequestKind distinguishes the two shapes of human-in-the-loop request.
type RequestKind string

const (
	KindApproval     RequestKind = "approval"
	KindQuestionnaire RequestKind = "questionnaire"
)

// Approval is a yes/no/edit-and-retry gate before a tool call executes.
type Approval struct {
	Tool   string
	Args   json.RawMessage
	Reason string
}

// Questionnaire is an open-ended prompt the agent poses to the user
// mid-turn (e.g. "which of these two migrations do you want?").
type Questionnaire struct {
	Prompt  string
	Options []string
}

// Request is one pending human-in-the-loop interaction.
type Request struct {
	ID            string
	Kind          RequestKind
	Approval      *Approval
	Questionnaire *Questionnaire
}

// Decision is the user's answer to an Approval request.
type Decision int

const (
	Deny Decision = iota
	Approve
	ApproveAlways // approves this call; no per-tool exception is kept, so later calls to the same tool are asked again
)

// Response is the user's answer to a pending Request.
type Response struct {
	RequestID string
	Decision  Decision   // set for KindApproval
	Answer    string     // set for KindQuestionnaire
	EditedArgs json.RawMessage // optional: user-edited args before approving
}

// ErrCancelled is returned from Ask when the request's context is
// cancelled (e.g. the user interrupted the turn) before a response arrives.
var ErrCancelled = fmt.Errorf("interaction cancelled")

// Broker pairs outgoing Requests with their eventual Response, decoupling
// internal/agent (which blocks on Ask) from whatever renderer answers
// (TUI modal, CLI prompt, or a test double).
type Broker struct {
	mu        sync.Mutex
	requests  chan Request
	pending   map[string]chan Response
	nextID    int
	responses chan Response
}

// New constructs an empty Broker. Requests is buffered generously since a
// renderer may be slow to drain it during a redraw; Respond still always
// succeeds because replies are matched by ID in a per-request channel.
func New() *Broker {
	return &Broker{
		requests:  make(chan Request, 16),
		pending:   make(map[string]chan Response),
		responses: make(chan Response, 16),
	}
}

// Requests returns the channel a renderer should range over to receive
// pending interaction requests.
func (b *Broker) Requests() <-chan Request {
	return b.requests
}

// Ask enqueues a request and blocks until Respond is called with a matching
// ID, or ctx is cancelled. Safe to call concurrently from multiple tool
// calls — each gets its own response channel keyed by request ID.
func (b *Broker) Ask(ctx context.Context, id string, kind RequestKind, approval *Approval, q *Questionnaire) (Response, error) {
	ch := make(chan Response, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	req := Request{ID: id, Kind: kind, Approval: approval, Questionnaire: q}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ErrCancelled
	}
}

// AskApproval is a convenience wrapper for the common approval-gate case.
func (b *Broker) AskApproval(ctx context.Context, id, tool string, args json.RawMessage, reason string) (Response, error) {
	return b.Ask(ctx, id, KindApproval, &Approval{Tool: tool, Args: args, Reason: reason}, nil)
}

// AskQuestion is a convenience wrapper for open-ended prompts.
func (b *Broker) AskQuestion(ctx context.Context, id, prompt string, options []string) (Response, error) {
	return b.Ask(ctx, id, KindQuestionnaire, nil, &Questionnaire{Prompt: prompt, Options: options})
}

// Respond delivers the renderer's answer back to the blocked Ask call. A
// Respond for an ID with no pending Ask (already timed out, or a duplicate
// answer) is silently dropped rather than panicking — the renderer may race
// the agent's own cancellation.
func (b *Broker) Respond(resp Response) {
	b.mu.Lock()
	ch, ok := b.pending[resp.RequestID]
	b.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// NextID returns a process-unique request identifier.
func (b *Broker) NextID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return fmt.Sprintf("req-%d", b.nextID)
}
