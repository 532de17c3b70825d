package agent

import (
	"context"
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

// newTestCore builds a Core wired to a single "mock" provider that always
// responds with the given text, and no registered tools.
func newTestCore(t *testing.T, response string) (*Core, *session.Session) {
	t.Helper()

	registry := provider.NewRegistry()
	registry.RegisterFactory("mock", provider.NewMockFactory("mock", response))

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
	s.Provider = "mock"
	s.Model = "mock-model"

	return core, &s
}

func autoApprove(interact *broker.Broker) {
	for req := range interact.Requests() {
		interact.Respond(broker.Response{RequestID: req.ID, Decision: broker.Approve})
	}
}

func drainEvents(t *testing.T, events <-chan Event, timeout time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %d so far: %+v", len(out), out)
		}
	}
}

func TestSend_SimpleCompletion(t *testing.T) {
	core, s := newTestCore(t, "hello there")

	events, err := core.Send(context.Background(), s, "hi", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := drainEvents(t, events, 2*time.Second)
	if len(got) == 0 {
		t.Fatal("expected at least one event")
	}
	if got[0].Type != EventStarted {
		t.Errorf("first event = %v, want EventStarted", got[0].Type)
	}
	last := got[len(got)-1]
	if last.Type != EventCompleted {
		t.Errorf("last event = %v, want EventCompleted (got %+v)", last.Type, got)
	}

	var sawText bool
	for _, ev := range got {
		if ev.Type == EventTextChunk && ev.Text == "hello there" {
			sawText = true
		}
	}
	if !sawText {
		t.Errorf("expected an EventTextChunk with the mock response, got %+v", got)
	}

	if len(s.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (user + assistant)", len(s.Messages))
	}
	if s.Messages[0].Role != session.RoleUser || s.Messages[1].Role != session.RoleAssistant {
		t.Errorf("unexpected message roles: %+v", s.Messages)
	}
	if s.Messages[1].Text() != "hello there" {
		t.Errorf("assistant text = %q, want %q", s.Messages[1].Text(), "hello there")
	}
}

func TestSend_NoProviderConfigured(t *testing.T) {
	core, s := newTestCore(t, "irrelevant")
	s.Provider = ""
	s.Model = ""

	events, err := core.Send(context.Background(), s, "hi", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := drainEvents(t, events, 2*time.Second)
	last := got[len(got)-1]
	if last.Type != EventError {
		t.Fatalf("expected EventError, got %+v", got)
	}
}

func TestInterrupt_CancelsInFlightTurn(t *testing.T) {
	registry := provider.NewRegistry()
	mockFactory := provider.NewMockFactory("mock", "slow response")
	registry.RegisterFactory("mock", mockFactory)

	// Replace the factory's Create to return a provider with an induced delay,
	// since MockFactory.Create always builds a fresh zero-delay MockProvider.
	slow := provider.NewMock("mock", "slow response").SetDelay(500 * time.Millisecond)
	registry.RegisterFactory("slow", delayedFactory{p: slow})

	catalog := modelcatalog.New(registry, nil, nil)
	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	defer store.Close()

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

	events, err := core.Send(context.Background(), &s, "hi", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	core.Interrupt(s.ID)

	got := drainEvents(t, events, 2*time.Second)
	last := got[len(got)-1]
	if last.Type != EventInterrupted {
		t.Fatalf("expected EventInterrupted as final event, got %+v", got)
	}
}

// delayedFactory always returns the same pre-built provider instance,
// needed because MockFactory.Create discards per-instance configuration
// like SetDelay.
type delayedFactory struct{ p provider.Provider }

func (f delayedFactory) Name() string { return "slow" }
func (f delayedFactory) Create(model string, opts provider.Options) provider.Provider {
	return f.p
}

func TestClearHistory(t *testing.T) {
	core, s := newTestCore(t, "response")
	s.Messages = []session.Message{{Role: session.RoleUser}}
	if err := core.Sessions.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := core.ClearHistory(s); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if len(s.Messages) != 0 {
		t.Errorf("expected messages cleared, got %+v", s.Messages)
	}

	reloaded, err := core.Sessions.Load(s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Messages) != 0 {
		t.Errorf("expected persisted messages cleared, got %+v", reloaded.Messages)
	}
}

func TestSetMode(t *testing.T) {
	core, s := newTestCore(t, "response")
	if err := core.SetMode(s, session.ModePlan); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if s.Mode != session.ModePlan {
		t.Errorf("Mode = %q, want %q", s.Mode, session.ModePlan)
	}
}
