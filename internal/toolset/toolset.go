// Package toolset wraps internal/mcp.Proxy with the metadata ModePolicy and
// TrustPolicy need — each registered tool's side-effect class and which
// modes expose it — generalizing the flat tool list cmd/symb/main.go builds
// by hand at startup into a queryable, mode-filtered registry.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sacenox-fork/agentcore/internal/mcp"
	"github.com/sacenox-fork/agentcore/internal/session"
	"github.com/sacenox-fork/agentcore/internal/trust"
)

// ModeMask is a bitset of which modes expose a tool.
type ModeMask uint8

const (
	MaskAsk ModeMask = 1 << iota
	MaskPlan
	MaskBuild
)

// AllModes exposes a tool in every mode.
const AllModes = MaskAsk | MaskPlan | MaskBuild

func maskFor(m session.Mode) ModeMask {
	switch m {
	case session.ModeAsk:
		return MaskAsk
	case session.ModePlan:
		return MaskPlan
	default:
		return MaskBuild
	}
}

// Entry pairs a registered tool's definition with its gating metadata.
type Entry struct {
	Tool       mcp.Tool
	SideEffect trust.SideEffect
	Modes      ModeMask
}

// Registry layers per-tool metadata on top of an mcp.Proxy.
type Registry struct {
	proxy *mcp.Proxy
	meta  map[string]Entry
}

// NewRegistry wraps an existing proxy. Local tool registration still goes
// through proxy.RegisterTool; callers attach metadata here with Describe.
func NewRegistry(proxy *mcp.Proxy) *Registry {
	return &Registry{proxy: proxy, meta: make(map[string]Entry)}
}

// Describe records the side effect and mode mask for an already-registered
// tool. Upstream (MCP server) tools that are never Described default to
// SideEffectExecute and AllModes the first time Visible is asked about
// them — a conservative default, since an unknown upstream tool's blast
// radius can't be assumed safe.
func (r *Registry) Describe(toolName string, tool mcp.Tool, effect trust.SideEffect, modes ModeMask) {
	r.meta[toolName] = Entry{Tool: tool, SideEffect: effect, Modes: modes}
}

func (r *Registry) entryFor(t mcp.Tool) Entry {
	if e, ok := r.meta[t.Name]; ok {
		return e
	}
	return Entry{Tool: t, SideEffect: trust.SideEffectExecute, Modes: AllModes}
}

// Visible lists the tools exposed in a given mode, merging local and
// upstream tools the same way proxy.ListTools does, then filtering by mode.
func (r *Registry) Visible(ctx context.Context, mode session.Mode) ([]mcp.Tool, error) {
	all, err := r.proxy.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	want := maskFor(mode)
	out := make([]mcp.Tool, 0, len(all))
	for _, t := range all {
		e := r.entryFor(t)
		if effectiveModes(e)&want != 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// effectiveModes clamps a tool's declared mode mask so that write and
// execute tools are never visible outside Build, regardless of what a
// caller passed to Describe — Ask and Plan deny write/execute
// unconditionally, independent of TrustPolicy.
func effectiveModes(e Entry) ModeMask {
	if e.SideEffect == trust.SideEffectRead {
		return e.Modes
	}
	return e.Modes & MaskBuild
}

// SideEffectOf reports the side-effect class for a tool name, defaulting to
// execute (the most restrictive class) for anything never Described.
func (r *Registry) SideEffectOf(toolName string) trust.SideEffect {
	if e, ok := r.meta[toolName]; ok {
		return e.SideEffect
	}
	return trust.SideEffectExecute
}

// ErrNotVisible is returned by Call when a tool is not exposed in the
// current mode, preventing a stale tool-call plan from executing a tool
// the mode transition since hid (e.g. Shell after switching Build -> Plan).
var ErrNotVisible = fmt.Errorf("tool not visible in current mode")

// Call validates mode visibility before delegating to the underlying proxy,
// closing the gap a pure tool-listing filter leaves open: ModePolicy only
// filters what the LLM is told exists, but a model can still try to invoke
// a tool it saw earlier in the conversation before a mode switch.
func (r *Registry) Call(ctx context.Context, mode session.Mode, name string, args json.RawMessage) (*mcp.ToolResult, error) {
	visible, err := r.Visible(ctx, mode)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, t := range visible {
		if t.Name == name {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrNotVisible
	}
	return r.proxy.CallTool(ctx, name, args)
}
