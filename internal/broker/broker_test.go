package broker

import (
	"context"
	"testing"
	"time"
)

func TestAskApproval_RoundTrip(t *testing.T) {
	b := New()

	go func() {
		req := <-b.Requests()
		if req.Kind != KindApproval {
			t.Errorf("Kind = %v, want KindApproval", req.Kind)
		}
		if req.Approval.Tool != "Shell" {
			t.Errorf("Approval.Tool = %q, want %q", req.Approval.Tool, "Shell")
		}
		b.Respond(Response{RequestID: req.ID, Decision: Approve})
	}()

	resp, err := b.AskApproval(context.Background(), b.NextID(), "Shell", []byte(`{"command":"ls"}`), "needs approval")
	if err != nil {
		t.Fatalf("AskApproval: %v", err)
	}
	if resp.Decision != Approve {
		t.Errorf("Decision = %v, want Approve", resp.Decision)
	}
}

func TestAskApproval_Deny(t *testing.T) {
	b := New()
	id := b.NextID()

	go func() {
		req := <-b.Requests()
		b.Respond(Response{RequestID: req.ID, Decision: Deny})
	}()

	resp, err := b.AskApproval(context.Background(), id, "Edit", nil, "")
	if err != nil {
		t.Fatalf("AskApproval: %v", err)
	}
	if resp.Decision != Deny {
		t.Errorf("Decision = %v, want Deny", resp.Decision)
	}
}

func TestAsk_ContextCancelledBeforeResponse(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-b.Requests()
		cancel()
	}()

	_, err := b.Ask(ctx, b.NextID(), KindApproval, &Approval{Tool: "Shell"}, nil)
	if err != ErrCancelled {
		t.Fatalf("Ask: got %v, want ErrCancelled", err)
	}
}

func TestAsk_ContextCancelledBeforeEnqueue(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Fill the requests buffer so the enqueue select must hit ctx.Done().
	for i := 0; i < 16; i++ {
		b.requests <- Request{ID: "filler"}
	}

	_, err := b.Ask(ctx, "blocked", KindApproval, &Approval{Tool: "Shell"}, nil)
	if err == nil {
		t.Fatal("expected an error once both the request buffer is full and ctx is cancelled")
	}
}

func TestRespond_UnknownRequestIDIsDropped(t *testing.T) {
	b := New()
	// Must not panic or block.
	b.Respond(Response{RequestID: "never-asked", Decision: Approve})
}

func TestNextID_IsUniqueAndConcurrencySafe(t *testing.T) {
	b := New()
	seen := make(map[string]bool)
	done := make(chan string, 50)

	for i := 0; i < 50; i++ {
		go func() { done <- b.NextID() }()
	}
	for i := 0; i < 50; i++ {
		select {
		case id := <-done:
			if seen[id] {
				t.Fatalf("duplicate ID %q", id)
			}
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for NextID calls")
		}
	}
}
