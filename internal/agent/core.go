package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sacenox-fork/agentcore/internal/attachment"
	"github.com/sacenox-fork/agentcore/internal/broker"
	"github.com/sacenox-fork/agentcore/internal/compactor"
	"github.com/sacenox-fork/agentcore/internal/mcp"
	"github.com/sacenox-fork/agentcore/internal/modelcatalog"
	"github.com/sacenox-fork/agentcore/internal/modepolicy"
	"github.com/sacenox-fork/agentcore/internal/promptbuilder"
	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
	"github.com/sacenox-fork/agentcore/internal/toolset"
	"github.com/sacenox-fork/agentcore/internal/trust"
	"github.com/sacenox-fork/agentcore/internal/usage"
)

// Sentinel errors surfaced by Core's public operations.
var (
	ErrUnknownProvider       = modepolicy.ErrUnknownProvider
	ErrUnknownModel          = modepolicy.ErrUnknownModel
	ErrProviderNotConfigured = modepolicy.ErrProviderNotConfigured
	ErrSessionNotFound       = session.ErrNotFound
	ErrNotEnoughHistory      = fmt.Errorf("not enough history to compact")
	ErrBudgetExceeded        = fmt.Errorf("turn budget exceeded")
	ErrTurnInFlight          = fmt.Errorf("a turn is already running for this session")
	ErrQueueFull             = fmt.Errorf("prompt queue full")
)

const (
	maxToolRounds       = 60
	maxQueueDepth       = 8
	defaultCtxSize      = 200_000
	autoCompactKeepTail = 10
)

// liveSession is the in-memory state Core keeps per open session: its
// cancel func (if a turn is running), a bounded FIFO of queued prompts, and
// its mode/model picker.
type liveSession struct {
	mu         sync.Mutex
	cancel     context.CancelFunc
	queue      []queuedSend
	modePolicy *modepolicy.Policy
}

type queuedSend struct {
	text  string
	atts  []session.Attachment
	think promptbuilder.ThinkLevel
	out   chan Event
}

// Core is the orchestrator: it owns no UI, and is driven entirely through
// Send/Interrupt/SetMode/SetProvider/SetModel/NewSession/SwitchSession/
// ClearHistory/Compact.
type Core struct {
	Sessions  *session.Store
	Registry  *provider.Registry
	Catalog   *modelcatalog.Catalog
	Tools     *toolset.Registry
	Trust     *trust.Policy
	Interact  *broker.Broker
	Usage     *usage.Accountant
	Prompts   *promptbuilder.Builder

	mu    sync.Mutex
	live  map[string]*liveSession
}

// New wires a Core from its already-constructed dependencies. Callers
// (cmd/agentcore/main.go) are responsible for opening the session store,
// building the provider registry and model catalog, and registering tools
// before calling New.
func New(sessions *session.Store, registry *provider.Registry, catalog *modelcatalog.Catalog,
	tools *toolset.Registry, trustPolicy *trust.Policy, interact *broker.Broker,
	acct *usage.Accountant, prompts *promptbuilder.Builder) *Core {
	return &Core{
		Sessions: sessions,
		Registry: registry,
		Catalog:  catalog,
		Tools:    tools,
		Trust:    trustPolicy,
		Interact: interact,
		Usage:    acct,
		Prompts:  prompts,
		live:     make(map[string]*liveSession),
	}
}

func (c *Core) liveFor(sessionID string) *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[sessionID]
	if !ok {
		ls = &liveSession{modePolicy: modepolicy.New(c.Catalog, nil)}
		c.live[sessionID] = ls
	}
	return ls
}

// liveForSession is liveFor, but seeds a first-created liveSession's
// modePolicy from s's already-persisted ModePreferences rather than an
// empty map — otherwise the first SetProvider/SetModel call after loading a
// session would overwrite every other mode's saved preference with a blank
// one the moment Preferences() is written back onto s.
func (c *Core) liveForSession(s *session.Session) *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[s.ID]
	if !ok {
		ls = &liveSession{modePolicy: modepolicy.New(c.Catalog, s.ModePreferences)}
		c.live[s.ID] = ls
	}
	return ls
}

// NewSession creates and persists a fresh session.
func (c *Core) NewSession(name string) (*session.Session, error) {
	s := session.New(name)
	if err := c.Sessions.Save(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SwitchSession loads a session's full history by ID.
func (c *Core) SwitchSession(id string) (*session.Session, error) {
	return c.Sessions.Load(id)
}

// ClearHistory truncates a session's message log in place and persists it,
// keeping the session row (mode, provider, cost totals) intact.
func (c *Core) ClearHistory(s *session.Session) error {
	s.Messages = nil
	return c.Sessions.Save(s)
}

// SetMode updates a session's active mode.
func (c *Core) SetMode(s *session.Session, mode session.Mode) error {
	s.Mode = mode
	return c.Sessions.Save(s)
}

// SetProvider picks the provider for a session's current mode.
func (c *Core) SetProvider(s *session.Session, providerName string) error {
	ls := c.liveForSession(s)
	if err := ls.modePolicy.PickProvider(s.Mode, providerName); err != nil {
		return err
	}
	s.ModePreferences = ls.modePolicy.Preferences()
	return c.Sessions.Save(s)
}

// SetModel picks the model for a session's current mode; PickProvider must
// have been called first (directly, or by loading a session that already
// had a preference saved).
func (c *Core) SetModel(s *session.Session, model string) error {
	ls := c.liveForSession(s)
	pref := ls.modePolicy.Preferences()[s.Mode]
	if pref.Provider == "" && s.Provider != "" {
		_ = ls.modePolicy.PickProvider(s.Mode, s.Provider)
	}
	if err := ls.modePolicy.PickModel(s.Mode, model); err != nil {
		return err
	}
	s.ModePreferences = ls.modePolicy.Preferences()
	cur, _ := ls.modePolicy.Current(s.Mode)
	s.Provider, s.Model = cur.Provider, cur.Model
	return c.Sessions.Save(s)
}

// Interrupt cancels the in-flight turn for a session, if any. Any prompts
// still sitting in that session's queue are discarded — an interrupt voids
// the queue rather than letting it continue draining under the old intent.
func (c *Core) Interrupt(sessionID string) {
	ls := c.liveFor(sessionID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.cancel != nil {
		ls.cancel()
	}
	for _, q := range ls.queue {
		q.out <- Event{Type: EventInterrupted}
		close(q.out)
	}
	ls.queue = nil
}

// Compact summarizes the oldest portion of a session's history, keeping the
// most recent keepTail messages verbatim (4 when keepTail <= 0), and
// persists the result. Fewer than 4 messages fails with ErrNotEnoughHistory.
// If the summary is ineffective, it is retried once with keepTail/2.
func (c *Core) Compact(ctx context.Context, s *session.Session, keepTail int) (compactor.Result, error) {
	if keepTail <= 0 {
		keepTail = 4
	}
	if len(s.Messages) < 4 || len(s.Messages) <= keepTail {
		return compactor.Result{}, ErrNotEnoughHistory
	}
	prov, err := c.Registry.Create(s.Provider, s.Model, provider.Options{})
	if err != nil {
		return compactor.Result{}, err
	}
	defer prov.Close()

	limit := c.contextLimitFor(s.Provider, s.Model)
	result, err := compactor.Compact(ctx, prov, s.Messages, keepTail, limit)
	if err == compactor.ErrCompactionIneffective && keepTail > 1 {
		keepTail /= 2
		result, err = compactor.Compact(ctx, prov, s.Messages, keepTail, limit)
	}
	if err != nil {
		return compactor.Result{}, err
	}
	s.Messages = append([]session.Message{result.SummaryMessage}, s.Messages[len(s.Messages)-keepTail:]...)
	if err := c.Sessions.Save(s); err != nil {
		return compactor.Result{}, err
	}
	return result, nil
}

// contextLimitFor looks up a provider/model's context window from the
// catalog, falling back to defaultCtxSize when the catalog has no entry for
// it yet (e.g. before the first Refresh, or a locally-configured model the
// catalog never listed).
func (c *Core) contextLimitFor(providerName, model string) int {
	if c.Catalog != nil {
		if limit := c.Catalog.GetContextLimit(providerName, model); limit > 0 {
			return limit
		}
	}
	return defaultCtxSize
}

// Send enqueues a user turn and returns a channel of Events describing its
// progress. If a turn is already running for this session, the new send is
// appended to a bounded FIFO queue and runs once the current turn (and
// everything queued ahead of it) finishes; ErrQueueFull is returned
// synchronously rather than queued past maxQueueDepth.
func (c *Core) Send(ctx context.Context, s *session.Session, text string, atts []session.Attachment, think promptbuilder.ThinkLevel) (<-chan Event, error) {
	ls := c.liveForSession(s)

	out := make(chan Event, 32)
	q := queuedSend{text: text, atts: atts, think: think, out: out}

	ls.mu.Lock()
	if ls.cancel != nil {
		if len(ls.queue) >= maxQueueDepth {
			ls.mu.Unlock()
			return nil, ErrQueueFull
		}
		ls.queue = append(ls.queue, q)
		ls.mu.Unlock()
		return out, nil
	}
	turnCtx, cancel := context.WithCancel(ctx)
	ls.cancel = cancel
	ls.mu.Unlock()

	go c.runAndDrainQueue(turnCtx, ls, s, q)
	return out, nil
}

func (c *Core) runAndDrainQueue(ctx context.Context, ls *liveSession, s *session.Session, first queuedSend) {
	current := first
	for {
		c.runTurn(ctx, s, current)

		ls.mu.Lock()
		if len(ls.queue) == 0 || ctx.Err() != nil {
			ls.cancel = nil
			for _, q := range ls.queue {
				q.out <- Event{Type: EventInterrupted}
				close(q.out)
			}
			ls.queue = nil
			ls.mu.Unlock()
			return
		}
		current = ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.mu.Unlock()
	}
}

func (c *Core) runTurn(ctx context.Context, s *session.Session, q queuedSend) {
	defer close(q.out)

	if err := validateAttachments(q.atts); err != nil {
		q.out <- Event{Type: EventError, Err: err}
		return
	}

	userMsg := session.Message{
		Role: session.RoleUser,
		Segments: []session.Segment{
			{Kind: session.SegmentText, Text: q.text + promptbuilder.PackAttachments(q.atts)},
		},
		Attachments: q.atts,
	}
	s.Messages = append(s.Messages, userMsg)

	ls := c.liveForSession(s)
	pref, ok := ls.modePolicy.Current(s.Mode)
	providerName, model := s.Provider, s.Model
	if ok {
		providerName, model = pref.Provider, pref.Model
	}
	if providerName == "" {
		q.out <- Event{Type: EventError, Err: fmt.Errorf("%w: no provider selected", ErrProviderNotConfigured)}
		return
	}

	// Context-window policy (spec §4.1 step 1): refuse outright at >=100%
	// of the model's context limit, without ever opening a stream; attempt
	// an auto-compaction in [80%, 100%) before the turn starts, so
	// ContextCompacted can precede Started as the contract allows.
	contextLimit := c.contextLimitFor(providerName, model)
	if contextLimit > 0 {
		estimated := compactor.EstimateTokens(s.Messages)
		if estimated >= contextLimit {
			q.out <- Event{Type: EventContextWindowExceeded, CurrentTokens: estimated, MaxTokens: contextLimit}
			_ = c.Sessions.Save(s)
			return
		}
	}

	prov, err := c.Registry.Create(providerName, model, provider.Options{})
	if err != nil {
		q.out <- Event{Type: EventError, Err: err}
		return
	}
	defer prov.Close()

	if contextLimit > 0 {
		estimated := compactor.EstimateTokens(s.Messages)
		if compactor.ShouldCompact(estimated, contextLimit) {
			if result, err := compactor.Compact(ctx, prov, s.Messages, autoCompactKeepTail, contextLimit); err == nil {
				s.Messages = append([]session.Message{result.SummaryMessage}, s.Messages[len(s.Messages)-autoCompactKeepTail:]...)
				q.out <- Event{Type: EventContextCompacted, DroppedMessages: result.DroppedCount, OldTokens: result.OldTokens, NewTokens: result.NewTokens}
			} else {
				log.Warn().Err(err).Str("session", s.ID).Msg("auto-compaction skipped")
			}
		}
	}

	q.out <- Event{Type: EventStarted}

	tools, err := c.Prompts.ToolSchema(ctx, s.Mode)
	if err != nil {
		q.out <- Event{Type: EventError, Err: err}
		return
	}

	systemPrompt := c.Prompts.System(model, s.Mode, q.think)
	history := append([]provider.Message{{Role: session.RoleSystem, Content: systemPrompt}},
		session.ToProviderMessages(s.Messages)...)

	for round := 0; round < maxToolRounds; round++ {
		if ctx.Err() != nil {
			q.out <- Event{Type: EventInterrupted}
			_ = c.Sessions.Save(s)
			return
		}

		resp, segments, err := streamTurn(ctx, prov, history, tools, q.out)
		if err != nil {
			if ctx.Err() != nil {
				q.out <- Event{Type: EventInterrupted}
			} else {
				log.Warn().Err(err).Str("session", s.ID).Str("provider", providerName).Msg("turn failed")
				q.out <- classifyError(err)
			}
			_ = c.Sessions.Save(s)
			return
		}

		if c.Usage != nil {
			c.Usage.RecordUsage(s, providerName, model, resp.InputTokens, resp.OutputTokens)
		}

		assistantMsg := assistantMessageFromResponse(resp, segments)
		assistantIdx := len(s.Messages)
		s.Messages = append(s.Messages, assistantMsg)
		history = append(history, provider.Message{
			Role: session.RoleAssistant, Content: resp.Content, Reasoning: resp.Reasoning, ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			q.out <- Event{Type: EventCompleted}
			_ = c.Sessions.Save(s)
			return
		}

		toolMsgs := c.executeToolCalls(ctx, s, assistantIdx, q.out, resp.ToolCalls)
		if ctx.Err() != nil {
			q.out <- Event{Type: EventInterrupted}
			_ = c.Sessions.Save(s)
			return
		}
		history = append(history, toolMsgs...)
		for _, tm := range toolMsgs {
			s.Messages = append(s.Messages, toolMessageFrom(tm))
		}

		if compactor.ShouldCompact(resp.InputTokens, contextLimit) {
			result, err := compactor.Compact(ctx, prov, s.Messages, autoCompactKeepTail, contextLimit)
			if err == nil {
				s.Messages = append([]session.Message{result.SummaryMessage}, s.Messages[len(s.Messages)-autoCompactKeepTail:]...)
				history = append([]provider.Message{history[0]}, session.ToProviderMessages(s.Messages)...)
				q.out <- Event{Type: EventContextCompacted, DroppedMessages: result.DroppedCount, OldTokens: result.OldTokens, NewTokens: result.NewTokens}
			}
		}
	}

	q.out <- Event{Type: EventError, Err: ErrBudgetExceeded}
	_ = c.Sessions.Save(s)
}

// streamTurn consumes prov's stream, emitting TextChunk/ThinkingChunk events
// as they arrive, and returns both the flattened response (for the provider
// history replay) and the ordered segment list (text and tool-call
// references in the exact order the provider emitted them, so a later
// "text, tool, more text, another tool" round replays faithfully instead of
// collapsing into one text blob followed by a flat tool list).
func streamTurn(ctx context.Context, prov provider.Provider, history []provider.Message, tools []provider.Tool, out chan<- Event) (*provider.ChatResponse, []session.Segment, error) {
	stream, err := prov.ChatStream(ctx, history, tools)
	if err != nil {
		return nil, nil, err
	}

	var content, reasoning strings.Builder
	type pendingCall struct {
		id, name string
		args     strings.Builder
	}
	var calls []*pendingCall
	byIndex := make(map[int]*pendingCall)
	var inTok, outTok int

	var segments []session.Segment
	var curText strings.Builder
	flushText := func() {
		if curText.Len() > 0 {
			segments = append(segments, session.Segment{Kind: session.SegmentText, Text: curText.String()})
			curText.Reset()
		}
	}

	for ev := range stream {
		switch ev.Type {
		case provider.EventContentDelta:
			content.WriteString(ev.Content)
			curText.WriteString(ev.Content)
			out <- Event{Type: EventTextChunk, Text: ev.Content}
		case provider.EventReasoningDelta:
			reasoning.WriteString(ev.Content)
			out <- Event{Type: EventThinkingChunk, Text: ev.Content}
		case provider.EventToolCallBegin:
			flushText()
			pc := &pendingCall{id: ev.ToolCallID, name: ev.ToolCallName}
			byIndex[ev.ToolCallIndex] = pc
			calls = append(calls, pc)
			segments = append(segments, session.Segment{Kind: session.SegmentTool, ToolIndex: len(calls) - 1})
		case provider.EventToolCallDelta:
			if pc, ok := byIndex[ev.ToolCallIndex]; ok {
				pc.args.WriteString(ev.ToolCallArgs)
			}
		case provider.EventUsage:
			inTok, outTok = ev.InputTokens, ev.OutputTokens
		case provider.EventError:
			return nil, nil, ev.Err
		case provider.EventDone:
		}
	}
	flushText()

	resp := &provider.ChatResponse{
		Content:      content.String(),
		Reasoning:    reasoning.String(),
		InputTokens:  inTok,
		OutputTokens: outTok,
	}
	for _, pc := range calls {
		args := json.RawMessage(pc.args.String())
		if !json.Valid(args) {
			args = json.RawMessage("{}")
		}
		resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	return resp, segments, nil
}

// resultPreviewLimit bounds ToolCall.ResultPreview, per spec.md's 500-char
// default with ellipsis on overflow.
const resultPreviewLimit = 500

// executeToolCalls runs each tool call in order and mutates the owning
// assistant message's ToolCalls entry in place — from Running to exactly
// one of Completed (with a bounded ResultPreview) or Failed (with Error) —
// so the persisted session never freezes a call at Running.
func (c *Core) executeToolCalls(ctx context.Context, s *session.Session, assistantIdx int, out chan<- Event, calls []provider.ToolCall) []provider.Message {
	var results []provider.Message
	for i, tc := range calls {
		if ctx.Err() != nil {
			return results
		}
		out <- Event{Type: EventToolCallStarted, ToolCallID: tc.ID, ToolName: tc.Name, ToolArgs: tc.Arguments}

		effect := c.Tools.SideEffectOf(tc.Name)
		if c.Trust.RequiresApproval(effect, tc.Arguments) {
			reqID := c.Interact.NextID()
			resp, err := c.Interact.AskApproval(ctx, reqID, tc.Name, tc.Arguments, "requires approval under current trust level")
			if err != nil || resp.Decision == broker.Deny {
				msg := "tool call denied by user"
				out <- Event{Type: EventToolCallFailed, ToolCallID: tc.ID, ToolError: msg}
				c.failToolCall(s, assistantIdx, i, msg)
				results = append(results, provider.Message{Role: session.RoleTool, Content: msg, ToolCallID: tc.ID})
				continue
			}
			if resp.EditedArgs != nil {
				tc.Arguments = resp.EditedArgs
			}
		}

		result, err := c.Tools.Call(ctx, s.Mode, tc.Name, tc.Arguments)
		if err != nil {
			out <- Event{Type: EventToolCallFailed, ToolCallID: tc.ID, ToolError: err.Error()}
			c.failToolCall(s, assistantIdx, i, err.Error())
			results = append(results, provider.Message{Role: session.RoleTool, Content: err.Error(), ToolCallID: tc.ID})
			continue
		}

		text := extractText(result)
		if result.IsError {
			out <- Event{Type: EventToolCallFailed, ToolCallID: tc.ID, ToolError: text}
			c.failToolCall(s, assistantIdx, i, text)
		} else {
			out <- Event{Type: EventToolCallCompleted, ToolCallID: tc.ID, ToolResult: text}
			c.completeToolCall(s, assistantIdx, i, text)
		}
		results = append(results, provider.Message{Role: session.RoleTool, Content: text, ToolCallID: tc.ID})
	}
	return results
}

// completeToolCall freezes a ToolCall as Completed with a bounded preview of
// its result.
func (c *Core) completeToolCall(s *session.Session, assistantIdx, callIdx int, result string) {
	tc := &s.Messages[assistantIdx].ToolCalls[callIdx]
	tc.State = session.ToolCallCompleted
	tc.ResultPreview = truncatePreview(result)
	now := time.Now()
	tc.EndedAt = &now
}

// failToolCall freezes a ToolCall as Failed with the error that ended it.
func (c *Core) failToolCall(s *session.Session, assistantIdx, callIdx int, errMsg string) {
	tc := &s.Messages[assistantIdx].ToolCalls[callIdx]
	tc.State = session.ToolCallFailed
	tc.Error = errMsg
	now := time.Now()
	tc.EndedAt = &now
}

func truncatePreview(s string) string {
	if len(s) <= resultPreviewLimit {
		return s
	}
	return s[:resultPreviewLimit] + "…"
}

func extractText(result *mcp.ToolResult) string {
	var b strings.Builder
	for _, block := range result.Content {
		b.WriteString(block.Text)
	}
	return b.String()
}

func classifyError(err error) Event {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return Event{Type: EventRateLimited, Err: err}
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "api key"):
		return Event{Type: EventAuthRequired, Err: err}
	case strings.Contains(msg, "context") && strings.Contains(msg, "exceed"):
		return Event{Type: EventContextWindowExceeded, Err: err}
	default:
		return Event{Type: EventError, Err: err}
	}
}

// assistantMessageFromResponse builds the assistant message from resp's
// flattened tool-call list and the segments streamTurn recorded in emission
// order. segments' ToolIndex values already line up with resp.ToolCalls —
// both are built by appending in the order EventToolCallBegin arrived.
func assistantMessageFromResponse(resp *provider.ChatResponse, segments []session.Segment) session.Message {
	m := session.Message{
		Role:         session.RoleAssistant,
		Thinking:     resp.Reasoning,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Segments:     segments,
	}
	now := time.Now()
	for _, tc := range resp.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, session.ToolCall{
			ID: tc.ID, Name: tc.Name, Args: tc.Arguments, State: session.ToolCallRunning, BlockID: uuid.NewString(),
			StartedAt: now,
		})
	}
	return m
}

func toolMessageFrom(m provider.Message) session.Message {
	return session.Message{
		Role:       session.RoleTool,
		ToolCallID: m.ToolCallID,
		Segments:   []session.Segment{{Kind: session.SegmentText, Text: m.Content}},
	}
}

func validateAttachments(atts []session.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	return attachment.Validate(atts)
}
