// Package agent implements Core, the UI-independent orchestrator that
// internal/tui/update_llm.go's inline turn-handling logic (turnPending,
// llmInFlight, turnCtx/turnCancel, turnBoundaries) was always implicitly
// reaching for but never factored out into its own package.
package agent

import "encoding/json"

// EventType enumerates every event Core can emit for one turn.
type EventType string

const (
	EventStarted              EventType = "started"
	EventTextChunk            EventType = "text_chunk"
	EventThinkingChunk        EventType = "thinking_chunk"
	EventToolCallStarted      EventType = "tool_call_started"
	EventToolCallCompleted    EventType = "tool_call_completed"
	EventToolCallFailed       EventType = "tool_call_failed"
	EventCompleted            EventType = "completed"
	EventInterrupted          EventType = "interrupted"
	EventError                EventType = "error"
	EventRateLimited          EventType = "rate_limited"
	EventAuthRequired         EventType = "auth_required"
	EventContextWindowExceeded EventType = "context_window_exceeded"
	EventContextCompacted     EventType = "context_compacted"
)

// Event is one item on a turn's event stream, sent over the channel Send
// returns. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	Text string // EventTextChunk, EventThinkingChunk

	ToolCallID string          // EventToolCallStarted/Completed/Failed
	ToolName   string          // EventToolCallStarted
	ToolArgs   json.RawMessage // EventToolCallStarted
	ToolResult string          // EventToolCallCompleted
	ToolError  string          // EventToolCallFailed

	Err error // EventError

	RetryAfterSeconds int // EventRateLimited

	DroppedMessages int // EventContextCompacted
	OldTokens       int // EventContextCompacted
	NewTokens       int // EventContextCompacted

	CurrentTokens int // EventContextWindowExceeded
	MaxTokens     int // EventContextWindowExceeded
}
