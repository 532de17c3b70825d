// Package promptbuilder assembles the system prompt and provider-facing
// tool schema for one turn, generalizing internal/llm.BuildSystemPrompt
// (model-specific base prompt + AGENTS.md + tree-sitter outline) with a
// mode-instruction layer, a think-level directive, and mode-filtered tool
// publishing via internal/toolset.Registry.Visible.
package promptbuilder

import (
	_ "embed"
	"context"
	"fmt"
	"strings"

	"github.com/sacenox-fork/agentcore/internal/llm"
	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
	"github.com/sacenox-fork/agentcore/internal/toolset"
	"github.com/sacenox-fork/agentcore/internal/treesitter"
)

//go:embed ask.md
var askInstructions string

//go:embed plan.md
var planInstructions string

//go:embed build.md
var buildInstructions string

func modeInstructions(mode session.Mode) string {
	switch mode {
	case session.ModeAsk:
		return askInstructions
	case session.ModePlan:
		return planInstructions
	default:
		return buildInstructions
	}
}

// ThinkLevel controls how strongly the prompt asks the model to reason
// before acting, surfaced to the user as a per-turn dial.
type ThinkLevel int

const (
	ThinkNormal ThinkLevel = iota
	ThinkHard
	ThinkHarder
)

func thinkDirective(level ThinkLevel) string {
	switch level {
	case ThinkHard:
		return "Think carefully before acting; consider at least one alternative approach before committing."
	case ThinkHarder:
		return "Think extensively before acting. Lay out the tradeoffs between multiple approaches, then pick one and explain why."
	default:
		return ""
	}
}

// Builder assembles prompts for one session, sharing a tree-sitter index
// across turns the way cmd/symb/main.go builds the index once at startup
// and wires it into every tool call.
type Builder struct {
	Tools *toolset.Registry
	Index *treesitter.Index
}

// New constructs a Builder over a tool registry and an optional project
// symbol index (nil is fine — BuildSystemPrompt skips the outline section).
func New(tools *toolset.Registry, idx *treesitter.Index) *Builder {
	return &Builder{Tools: tools, Index: idx}
}

// System builds the full system prompt for one turn: llm.BuildSystemPrompt's
// output (AGENTS.md instructions, tree-sitter outline, model-specific base
// prompt, in that order), then mode instructions, then an optional
// think-level directive.
func (b *Builder) System(modelID string, mode session.Mode, think ThinkLevel) string {
	base := llm.BuildSystemPrompt(modelID, b.Index)

	parts := []string{base, modeInstructions(mode)}
	if d := thinkDirective(think); d != "" {
		parts = append(parts, d)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// ToolSchema returns the provider-facing tool schema for a mode, filtered
// through toolset.Registry.Visible so the model is never offered a tool
// its current mode wouldn't let it call.
func (b *Builder) ToolSchema(ctx context.Context, mode session.Mode) ([]provider.Tool, error) {
	visible, err := b.Tools.Visible(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("list visible tools: %w", err)
	}
	out := make([]provider.Tool, 0, len(visible))
	for _, t := range visible {
		out = append(out, provider.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out, nil
}

// PackAttachments renders attachments into a textual addendum appended to
// the user's message content — the teacher's providers take Message.Content
// as a plain string, with no separate multipart content field, so image
// and document attachments are described inline rather than sent as
// structured content blocks.
func PackAttachments(atts []session.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, a := range atts {
		switch a.Kind {
		case session.AttachmentText:
			fmt.Fprintf(&b, "\n\n--- attached file: %s ---\n%s\n--- end %s ---\n", a.Name, a.Content, a.Name)
		case session.AttachmentDocument:
			fmt.Fprintf(&b, "\n\n[attached document %q, %s, %d bytes]", a.Name, a.MimeType, len(a.Bytes))
		case session.AttachmentImage:
			fmt.Fprintf(&b, "\n\n[attached image %q, %s, %d bytes]", a.Name, a.MimeType, len(a.Bytes))
		default:
			fmt.Fprintf(&b, "\n\n[attached data %q, %d bytes]", a.Name, len(a.Bytes))
		}
	}
	return b.String()
}
