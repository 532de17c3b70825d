package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
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

// scriptedStep is one canned provider round: text content and/or tool calls
// to emit on that ChatStream call.
type scriptedStep struct {
	content   string
	toolCalls []provider.ToolCall
}

// scriptedProvider plays back a fixed sequence of rounds, one per
// ChatStream call, so a test can simulate a multi-round turn (tool call,
// then a follow-up text-only round) the way the real providers do across
// consecutive requests in the same tool loop.
type scriptedProvider struct {
	mu    sync.Mutex
	name  string
	steps []scriptedStep
	next  int
}

func newScriptedProvider(name string, steps ...scriptedStep) *scriptedProvider {
	return &scriptedProvider{name: name, steps: steps}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	idx := p.next
	if idx >= len(p.steps) {
		idx = len(p.steps) - 1
	}
	p.next++
	step := p.steps[idx]
	p.mu.Unlock()

	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		if step.content != "" {
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: step.content}
		}
		for i, tc := range step.toolCalls {
			ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- provider.StreamEvent{Type: provider.EventUsage, InputTokens: len(step.content), OutputTokens: len(step.content)}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return []provider.Model{{Name: p.name + "-model"}}, nil
}

func (p *scriptedProvider) Close() error { return nil }

type scriptedFactory struct {
	name string
	p    provider.Provider
}

func (f scriptedFactory) Name() string { return f.name }
func (f scriptedFactory) Create(model string, opts provider.Options) provider.Provider {
	return f.p
}

// scenarioDeps bundles the Core plus the pieces a scenario needs to steer
// directly: the broker (to script approval responses by hand) and the raw
// mcp.Proxy (to register local test tools before describing them to
// toolset.Registry).
type scenarioDeps struct {
	core     *Core
	session  *session.Session
	interact *broker.Broker
	proxy    *mcp.Proxy
}

// newScenarioCore builds a Core wired to a scriptedProvider under the given
// provider name, with trustLevel applied and optional tool registrations.
// Unlike newTestCore, the approval broker is NOT auto-approved by default —
// callers that need auto-approval start their own responder goroutine.
func newScenarioCore(t *testing.T, providerName string, trustLevel trust.Level, steps ...scriptedStep) *scenarioDeps {
	t.Helper()

	registry := provider.NewRegistry()
	sp := newScriptedProvider(providerName, steps...)
	registry.RegisterFactory(providerName, scriptedFactory{name: providerName, p: sp})

	catalog := modelcatalog.New(registry, nil, nil)
	if err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	proxy := mcp.NewProxy(nil)
	tools := toolset.NewRegistry(proxy)
	interact := broker.New()

	acct := usage.NewAccountant(nil)
	prompts := promptbuilder.New(tools, nil)
	trustPolicy := trust.New(trustLevel)

	core := New(store, registry, catalog, tools, trustPolicy, interact, acct, prompts)

	s := session.New("scenario")
	s.Provider = providerName
	s.Model = providerName + "-model"

	return &scenarioDeps{core: core, session: &s, interact: interact, proxy: proxy}
}

// registerReadFile installs a local read_file tool that always returns a
// fixed result, classified read so it runs unattended under every trust
// level in every mode.
func (d *scenarioDeps) registerReadFile(t *testing.T, result string) {
	t.Helper()
	tool := mcp.Tool{Name: "read_file", Description: "reads a file", InputSchema: json.RawMessage(`{"type":"object"}`)}
	d.proxy.RegisterTool(tool, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: result}}}, nil
	})
	d.core.Tools.Describe(tool.Name, tool, trust.SideEffectRead, toolset.AllModes)
}

// registerWriteFile installs a local write_file tool classified write, so
// trust levels that gate writes (Manual, Balanced, Careful) route it through
// the InteractionBroker.
func (d *scenarioDeps) registerWriteFile(t *testing.T) {
	t.Helper()
	tool := mcp.Tool{Name: "write_file", Description: "writes a file", InputSchema: json.RawMessage(`{"type":"object"}`)}
	d.proxy.RegisterTool(tool, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "wrote"}}}, nil
	})
	d.core.Tools.Describe(tool.Name, tool, trust.SideEffectWrite, toolset.MaskBuild)
}

// --- Scenario 1: Simple Q&A ---
//
// send("What is 2+2?") in Ask mode. Expect Started, TextChunk("4"),
// Completed. Session gains two messages.
func TestScenario_SimpleQA(t *testing.T) {
	deps := newScenarioCore(t, "calc", trust.Balanced, scriptedStep{content: "4"})
	deps.session.Mode = session.ModeAsk

	events, err := deps.core.Send(context.Background(), deps.session, "What is 2+2?", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := drainEvents(t, events, 2*time.Second)

	wantTypes := []EventType{EventStarted, EventTextChunk, EventCompleted}
	assertEventTypes(t, got, wantTypes)
	if got[1].Text != "4" {
		t.Errorf("TextChunk.Text = %q, want %q", got[1].Text, "4")
	}
	if len(deps.session.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2", len(deps.session.Messages))
	}
}

// --- Scenario 2: Build mode with one tool ---
//
// send("List the README") in Build/Balanced. Model emits a read_file tool
// call; the tool returns "hello"; the model's follow-up round says
// "README says hello". Expect Started, ToolCallStarted, ToolCallCompleted,
// TextChunk, Completed.
func TestScenario_BuildModeWithOneTool(t *testing.T) {
	toolCall := provider.ToolCall{ID: "call-1", Name: "read_file", Arguments: json.RawMessage(`{"path":"README.md"}`)}
	deps := newScenarioCore(t, "builder", trust.Balanced,
		scriptedStep{toolCalls: []provider.ToolCall{toolCall}},
		scriptedStep{content: "README says hello"},
	)
	deps.session.Mode = session.ModeBuild
	deps.registerReadFile(t, "hello")
	go autoApprove(deps.interact)

	events, err := deps.core.Send(context.Background(), deps.session, "List the README", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := drainEvents(t, events, 2*time.Second)

	wantTypes := []EventType{EventStarted, EventToolCallStarted, EventToolCallCompleted, EventTextChunk, EventCompleted}
	assertEventTypes(t, got, wantTypes)

	if got[1].ToolName != "read_file" {
		t.Errorf("ToolCallStarted.ToolName = %q, want read_file", got[1].ToolName)
	}
	if got[2].ToolResult != "hello" {
		t.Errorf("ToolCallCompleted.ToolResult = %q, want hello", got[2].ToolResult)
	}
	if got[3].Text != "README says hello" {
		t.Errorf("TextChunk.Text = %q, want %q", got[3].Text, "README says hello")
	}

	// The assistant message's first ToolCall entry must have been mutated
	// from Running to Completed with a result preview, not left frozen.
	var found bool
	for _, m := range deps.session.Messages {
		for _, tc := range m.ToolCalls {
			found = true
			if tc.State != session.ToolCallCompleted {
				t.Errorf("persisted ToolCall.State = %q, want %q", tc.State, session.ToolCallCompleted)
			}
			if tc.ResultPreview != "hello" {
				t.Errorf("persisted ToolCall.ResultPreview = %q, want %q", tc.ResultPreview, "hello")
			}
		}
	}
	if !found {
		t.Fatal("expected a persisted ToolCall entry")
	}
}

// --- Scenario 3: Manual trust denial ---
//
// Same shape as scenario 2, but trust level Manual and the broker responds
// Deny to the approval request for a write-classified tool. Expect
// ToolCallFailed{error="tool call denied by user"}, followed by the model's
// follow-up text, then Completed. The ToolCall state ends Failed.
func TestScenario_ManualTrustDenial(t *testing.T) {
	toolCall := provider.ToolCall{ID: "call-1", Name: "write_file", Arguments: json.RawMessage(`{"path":"out.txt"}`)}
	deps := newScenarioCore(t, "denier", trust.Manual,
		scriptedStep{toolCalls: []provider.ToolCall{toolCall}},
		scriptedStep{content: "fallback after denial"},
	)
	deps.session.Mode = session.ModeBuild
	deps.registerWriteFile(t)

	go func() {
		for req := range deps.interact.Requests() {
			deps.interact.Respond(broker.Response{RequestID: req.ID, Decision: broker.Deny})
		}
	}()

	events, err := deps.core.Send(context.Background(), deps.session, "Write the file", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := drainEvents(t, events, 2*time.Second)

	wantTypes := []EventType{EventStarted, EventToolCallStarted, EventToolCallFailed, EventTextChunk, EventCompleted}
	assertEventTypes(t, got, wantTypes)

	if !strings.Contains(got[2].ToolError, "denied") {
		t.Errorf("ToolCallFailed.ToolError = %q, want it to mention denial", got[2].ToolError)
	}

	var found bool
	for _, m := range deps.session.Messages {
		for _, tc := range m.ToolCalls {
			found = true
			if tc.State != session.ToolCallFailed {
				t.Errorf("persisted ToolCall.State = %q, want %q", tc.State, session.ToolCallFailed)
			}
			if tc.Error == "" {
				t.Error("persisted ToolCall.Error is empty, want the denial reason")
			}
		}
	}
	if !found {
		t.Fatal("expected a persisted ToolCall entry")
	}
}

// --- Scenario 4: Interrupt mid-stream voids queue ---
//
// send("A"); send("B"); send("C") back to back. Interrupting turn A leaves
// exactly one terminal Interrupted event for A and no further turns for B
// or C; a subsequent send("D") processes normally.
func TestScenario_InterruptMidStreamVoidsQueue(t *testing.T) {
	core, s := newTestCoreWithDelay(t, "slow answer", 300*time.Millisecond)
	ctx := context.Background()

	evA, err := core.Send(ctx, s, "A", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(A): %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	evB, err := core.Send(ctx, s, "B", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(B): %v", err)
	}
	evC, err := core.Send(ctx, s, "C", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(C): %v", err)
	}

	core.Interrupt(s.ID)

	gotA := drainEvents(t, evA, 2*time.Second)
	if last := gotA[len(gotA)-1]; last.Type != EventInterrupted {
		t.Fatalf("turn A: last event = %v, want EventInterrupted", last.Type)
	}
	var interruptedCount int
	for _, ev := range gotA {
		if ev.Type == EventInterrupted {
			interruptedCount++
		}
	}
	if interruptedCount != 1 {
		t.Fatalf("turn A: got %d EventInterrupted, want exactly 1", interruptedCount)
	}

	gotB := drainEvents(t, evB, 2*time.Second)
	if len(gotB) != 1 || gotB[0].Type != EventInterrupted {
		t.Fatalf("turn B: expected exactly one EventInterrupted, got %+v", gotB)
	}
	gotC := drainEvents(t, evC, 2*time.Second)
	if len(gotC) != 1 || gotC[0].Type != EventInterrupted {
		t.Fatalf("turn C: expected exactly one EventInterrupted, got %+v", gotC)
	}

	evD, err := core.Send(ctx, s, "D", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send(D): %v", err)
	}
	gotD := drainEvents(t, evD, 2*time.Second)
	if last := gotD[len(gotD)-1]; last.Type != EventCompleted {
		t.Fatalf("turn D: last event = %v, want EventCompleted", last.Type)
	}

	for _, m := range s.Messages {
		if m.Role == session.RoleUser && (m.Text() == "B" || m.Text() == "C") {
			t.Errorf("queued prompt %q was processed despite the interrupt", m.Text())
		}
	}
}

// --- Scenario 5: Auto-compaction ---
//
// Seed a session whose history estimate is 0.85 x context_limit. send("x")
// must emit ContextCompacted{old_tokens, new_tokens} as its first event,
// with new_tokens below 0.6 x context_limit, followed by the normal turn
// sequence.
func TestScenario_AutoCompaction(t *testing.T) {
	deps := newScenarioCore(t, "compactor-provider", trust.Balanced, scriptedStep{content: "ok"})
	// "compactor-provider" has no modelcatalog.fallback entry, so
	// contextLimitFor falls back to defaultCtxSize; seed history at 0.85x
	// that limit (4 chars/token, per compactor.EstimateTokens), spread over
	// more messages than autoCompactKeepTail so Compact has a non-empty
	// head to summarize.
	const seedCount = 20
	fillerChars := int(0.85*float64(defaultCtxSize)*4) / seedCount
	seed := make([]session.Message, seedCount)
	for i := range seed {
		seed[i] = session.Message{
			Role:     session.RoleUser,
			Segments: []session.Segment{{Kind: session.SegmentText, Text: strings.Repeat("x", fillerChars)}},
		}
	}
	deps.session.Messages = seed

	events, err := deps.core.Send(context.Background(), deps.session, "x", nil, promptbuilder.ThinkNormal)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := drainEvents(t, events, 2*time.Second)
	if len(got) == 0 {
		t.Fatal("expected at least one event")
	}
	if got[0].Type != EventContextCompacted {
		t.Fatalf("first event = %v, want EventContextCompacted (got %+v)", got[0].Type, got)
	}
	if got[0].NewTokens >= int(0.6*float64(defaultCtxSize)) {
		t.Errorf("NewTokens = %d, want strictly below 0.6 x context_limit (%d)", got[0].NewTokens, int(0.6*float64(defaultCtxSize)))
	}
	if got[0].OldTokens <= got[0].NewTokens {
		t.Errorf("OldTokens (%d) should exceed NewTokens (%d) after a successful compaction", got[0].OldTokens, got[0].NewTokens)
	}

	wantTail := []EventType{EventStarted, EventTextChunk, EventCompleted}
	assertEventTypes(t, got[1:], wantTail)
}

// --- Scenario 6: Two-step model pick ---
//
// PickProvider("openai") for Build, then PickModel("openai-model"). After
// resolution, session.mode_preferences[Build] == {"openai","openai-model"} and
// mode_preferences[Plan] is unchanged.
func TestScenario_TwoStepModelPick(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("openai", provider.NewMockFactory("openai", "hi"))
	registry.RegisterFactory("anthropic", provider.NewMockFactory("anthropic", "hi"))

	catalog := modelcatalog.New(registry, nil, nil)
	if err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	defer store.Close()

	proxy := mcp.NewProxy(nil)
	tools := toolset.NewRegistry(proxy)
	interact := broker.New()
	acct := usage.NewAccountant(nil)
	prompts := promptbuilder.New(tools, nil)
	trustPolicy := trust.New(trust.Balanced)
	core := New(store, registry, catalog, tools, trustPolicy, interact, acct, prompts)

	s := session.New("pick-test")
	s.Mode = session.ModeBuild
	s.ModePreferences[session.ModePlan] = session.ModelPreference{Provider: "anthropic", Model: "anthropic-model"}

	if err := core.SetProvider(&s, "openai"); err != nil {
		t.Fatalf("SetProvider: %v", err)
	}
	if err := core.SetModel(&s, "openai-model"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}

	got := s.ModePreferences[session.ModeBuild]
	if got.Provider != "openai" || got.Model != "openai-model" {
		t.Errorf("ModePreferences[Build] = %+v, want {openai openai-model}", got)
	}
	plan := s.ModePreferences[session.ModePlan]
	if plan.Provider != "anthropic" || plan.Model != "anthropic-model" {
		t.Errorf("ModePreferences[Plan] changed unexpectedly: %+v", plan)
	}
}

func assertEventTypes(t *testing.T, got []Event, want []EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d events %v", len(got), eventTypes(got), len(want), want)
	}
	for i, w := range want {
		if got[i].Type != w {
			t.Errorf("event %d = %v, want %v (full sequence %v)", i, got[i].Type, w, eventTypes(got))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
