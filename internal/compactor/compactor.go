// Package compactor implements context-window compaction: summarizing the
// oldest portion of a session's history via a nested, non-streaming LLM
// call so a long-running session can continue past its model's context
// limit. The nested-call shape is grounded on internal/subagent.Run, which
// already performs an isolated, non-interruptible LLM turn with its own
// fresh history.
package compactor

import (
	"context"
	"fmt"

	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
)

// ErrCompactionIneffective is returned when summarization would not free
// enough room to be worth the nested LLM call — e.g. the tail alone already
// exceeds the context limit, the head is too small to compact further, or
// the resulting summary plus tail still sits at or above the 60%
// post-compaction target.
var ErrCompactionIneffective = fmt.Errorf("compaction would not reduce context usage below the target")

const summarizationPrompt = `Summarize the conversation so far in a few dense paragraphs. Preserve: what the user is trying to accomplish, decisions already made, file paths and identifiers mentioned, and any unresolved questions. Do not restate tool output verbatim; describe its effect instead.`

// charsPerToken approximates the chars-per-token ratio English prose and
// code tend to land near, for estimating a message set's token count before
// a provider has reported real usage for it.
const charsPerToken = 4

// EstimateTokens approximates the token count of a set of messages from
// their text length. Used for the proactive context-window check before a
// turn starts and for the old_tokens/new_tokens figures Compact reports,
// neither of which has a provider-reported usage figure to work from yet.
func EstimateTokens(msgs []session.Message) int {
	var chars int
	for _, m := range msgs {
		chars += len(m.Text()) + len(m.Thinking)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Args) + len(tc.ResultPreview)
		}
	}
	return chars / charsPerToken
}

// Result is the outcome of a successful Compact call.
type Result struct {
	SummaryMessage session.Message
	DroppedCount   int
	OldTokens      int
	NewTokens      int
}

// Compact summarizes every message except the most recent keepTail messages
// via one non-streaming call to prov, and returns a single system-role
// summary message meant to replace the dropped prefix. It does not mutate
// the caller's session — the caller is expected to splice SummaryMessage in
// place of messages[:len(messages)-keepTail] and persist the result.
//
// contextLimit is the target model's context window in tokens. Compact
// fails with ErrCompactionIneffective when the resulting summary plus the
// kept tail would still sit at or above 60% of contextLimit — summarizing
// wouldn't have freed enough room to justify the nested call.
func Compact(ctx context.Context, prov provider.Provider, messages []session.Message, keepTail, contextLimit int) (Result, error) {
	if keepTail < 0 {
		keepTail = 0
	}
	if len(messages) <= keepTail {
		return Result{}, ErrCompactionIneffective
	}
	head := messages[:len(messages)-keepTail]
	if len(head) == 0 {
		return Result{}, ErrCompactionIneffective
	}
	oldTokens := EstimateTokens(messages)

	providerMsgs := session.ToProviderMessages(head)
	providerMsgs = append(providerMsgs, provider.Message{
		Role:    session.RoleUser,
		Content: summarizationPrompt,
	})

	events, err := prov.ChatStream(ctx, providerMsgs, nil)
	if err != nil {
		return Result{}, fmt.Errorf("compaction call: %w", err)
	}

	var summary string
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			summary += ev.Content
		case provider.EventError:
			return Result{}, fmt.Errorf("compaction stream: %w", ev.Err)
		}
	}
	if summary == "" {
		return Result{}, ErrCompactionIneffective
	}

	msg := session.Message{
		Role: session.RoleSystem,
		Segments: []session.Segment{
			{Kind: session.SegmentText, Text: "[compacted history]\n" + summary},
		},
	}

	tail := messages[len(messages)-keepTail:]
	newTokens := EstimateTokens(append([]session.Message{msg}, tail...))
	if contextLimit > 0 && float64(newTokens) >= 0.6*float64(contextLimit) {
		return Result{}, ErrCompactionIneffective
	}

	return Result{SummaryMessage: msg, DroppedCount: len(head), OldTokens: oldTokens, NewTokens: newTokens}, nil
}

// ShouldCompact reports whether a session's last-known usage warrants
// compaction: at or above 80% of the model's context window. Callers
// re-check after compaction against the 60% post-compaction target to
// confirm the summarization actually freed enough room.
func ShouldCompact(lastInputTokens, contextWindow int) bool {
	if contextWindow <= 0 {
		return false
	}
	return float64(lastInputTokens)/float64(contextWindow) >= 0.8
}

// PostCompactionOK reports whether a freshly compacted history sits at or
// below the 60% target the design commits to, so the caller can warn if
// compaction alone wasn't enough and a harder truncation is needed.
func PostCompactionOK(estimatedTokens, contextWindow int) bool {
	if contextWindow <= 0 {
		return true
	}
	return float64(estimatedTokens)/float64(contextWindow) <= 0.6
}
