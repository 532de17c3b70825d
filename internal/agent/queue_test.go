package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sacenox-fork/agentcore/internal/broker"
	"github.com/sacenox-fork/agentcore/internal/mcp"
	"github.com/sacenox-fork/agentcore/internal/modelcatalog"
	"github.com/sacenox-fork/agentcore/internal/promptbuilder"
	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
	"github.com/sacenox-fork/agentcore/internal/toolset"
	"github.com/sacenox-fork/agentcore/internal/trust"
	"github.com/sacenox-fork/agentcore/internal/usage"
)

// newTestCoreWithDelay builds a Core like newTestCore, but its "slow"
// provider blocks for delay before streaming anything, so tests can line up
// sends while a turn is still in flight without racing a goroutine.
func newTestCoreWithDelay(t *testing.T, response string, delay time.Duration) (*Core, *session.Session) {
	t.Helper()

	registry := provider.NewRegistry()
	slow := provider.NewMock("slow", response).SetDelay(delay)
	registry.RegisterFactory("slow", delayedFactory{p: slow})

	catalog := modelcatalog.New(registry, nil, nil)

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	proxy := mcp.NewProxy(nil)
	tools := toolset.NewRegistry(proxy)
	interact := broker.New()
	go autoApprove(interact)

	acct := usage.NewAccountant(nil)
	prompts := promptbuilder.New(tools, nil)
	trustPolicy := trust.New(trust.Balanced)

	core := New(store, registry, catalog, tools, trustPolicy, interact, acct, prompts)

	s := session.New("test")
	s.Provider = "slow"
	s.Model = "mock-model"

	return core, &s
}

// TestQueue_FIFOOrder exercises the Queue FIFO invariant of spec.md §8: if
// send(a) then send(b) are accepted while a turn is in flight, the next two
// turns process a then b, in that order.
func TestQueue_FIFOOrder(t *testing.T) {
	core, s := newTestCoreWithDelay(t, "ok", 40*time.Millisecond)
	ctx := context.Background()

	first, err := core.Send(ctx, s, "a", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(a): %v", err)
	}
	time.Sleep(5 * time.Millisecond) // let the turn claim ls.cancel before queuing

	second, err := core.Send(ctx, s, "b", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(b): %v", err)
	}
	third, err := core.Send(ctx, s, "c", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(c): %v", err)
	}

	for i, ch := range []<-chan Event{first, second, third} {
		got := drainEvents(t, ch, 2*time.Second)
		if last := got[len(got)-1]; last.Type != EventCompleted {
			t.Fatalf("turn %d: last event = %v, want EventCompleted (got %+v)", i, last.Type, got)
		}
	}

	var userTexts []string
	for _, m := range s.Messages {
		if m.Role == session.RoleUser {
			userTexts = append(userTexts, m.Text())
		}
	}
	want := []string{"a", "b", "c"}
	if len(userTexts) != len(want) {
		t.Fatalf("user messages = %v, want %v", userTexts, want)
	}
	for i := range want {
		if userTexts[i] != want[i] {
			t.Errorf("user message %d = %q, want %q (full order %v)", i, userTexts[i], want[i], userTexts)
		}
	}
}

// TestQueue_InterruptVoidsQueue exercises the Interrupt-voids-queue
// invariant: after interrupt(), subsequent turns do not process any send
// issued strictly before the interrupt, and a send issued after the
// interrupt runs normally.
func TestQueue_InterruptVoidsQueue(t *testing.T) {
	core, s := newTestCoreWithDelay(t, "ok", 300*time.Millisecond)
	ctx := context.Background()

	first, err := core.Send(ctx, s, "a", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(a): %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	second, err := core.Send(ctx, s, "b", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(b): %v", err)
	}
	third, err := core.Send(ctx, s, "c", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(c): %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	core.Interrupt(s.ID)

	gotA := drainEvents(t, first, 2*time.Second)
	if last := gotA[len(gotA)-1]; last.Type != EventInterrupted {
		t.Fatalf("turn a: last event = %v, want EventInterrupted (got %+v)", last.Type, gotA)
	}

	gotB := drainEvents(t, second, 2*time.Second)
	if len(gotB) != 1 || gotB[0].Type != EventInterrupted {
		t.Fatalf("turn b: expected exactly one EventInterrupted, got %+v", gotB)
	}

	gotC := drainEvents(t, third, 2*time.Second)
	if len(gotC) != 1 || gotC[0].Type != EventInterrupted {
		t.Fatalf("turn c: expected exactly one EventInterrupted, got %+v", gotC)
	}

	// A send issued strictly after the interrupt must process normally,
	// proving the queue was voided rather than merely paused.
	fourth, err := core.Send(ctx, s, "d", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(d): %v", err)
	}
	gotD := drainEvents(t, fourth, 2*time.Second)
	if last := gotD[len(gotD)-1]; last.Type != EventCompleted {
		t.Fatalf("turn d: last event = %v, want EventCompleted (got %+v)", last.Type, gotD)
	}

	var userTexts []string
	for _, m := range s.Messages {
		if m.Role == session.RoleUser {
			userTexts = append(userTexts, m.Text())
		}
	}
	for _, text := range userTexts {
		if text == "b" || text == "c" {
			t.Errorf("queued prompt %q survived the interrupt and was processed: %v", text, userTexts)
		}
	}
}

// TestQueue_ErrQueueFull ensures a send beyond maxQueueDepth is rejected
// synchronously instead of silently growing the queue without bound.
func TestQueue_ErrQueueFull(t *testing.T) {
	core, s := newTestCoreWithDelay(t, "ok", 500*time.Millisecond)
	ctx := context.Background()

	first, err := core.Send(ctx, s, "first", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(first): %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < maxQueueDepth; i++ {
		if _, err := core.Send(ctx, s, fmt.Sprintf("q%d", i), nil, promptbuilder.ThinkNormal); err != nil {
			t.Fatalf("queueing #%d: %v", i, err)
		}
	}

	if _, err := core.Send(ctx, s, "overflow", nil, promptbuilder.ThinkNormal); err != ErrQueueFull {
		t.Fatalf("Send beyond maxQueueDepth = %v, want ErrQueueFull", err)
	}

	core.Interrupt(s.ID)
	drainEvents(t, first, 2*time.Second)
}
