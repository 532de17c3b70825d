// Package trust implements the TrustPolicy: gating which tool calls require
// human approval before execution, layered on top of the shell's existing
// dangerous-command BlockFuncs (internal/shell) as defense-in-depth rather
// than a replacement for it.
package trust

import (
	"encoding/json"
	"strings"

	"github.com/sacenox-fork/agentcore/internal/session"
)

// SideEffect classifies a tool's blast radius.
type SideEffect string

const (
	SideEffectRead    SideEffect = "read"
	SideEffectWrite   SideEffect = "write"
	SideEffectExecute SideEffect = "execute"
)

// Level is re-exported from session so callers only need one import for
// the trust/mode vocabulary.
type Level = session.TrustLevel

const (
	Manual   = session.TrustManual
	Balanced = session.TrustBalanced
	Careful  = session.TrustCareful
)

// Mode is re-exported from session for the same reason.
type Mode = session.Mode

const (
	Ask   = session.ModeAsk
	Plan  = session.ModePlan
	Build = session.ModeBuild
)

// Policy decides, for a given trust level, mode, and tool side effect,
// whether a call must be routed through the InteractionBroker for approval
// before it runs.
type Policy struct {
	Level Level

	// AllowedPaths lists path prefixes the Careful level treats as
	// pre-approved: a write or execute call naming a path under one of
	// these prefixes runs unattended, everything else requires approval.
	AllowedPaths []string
}

// New builds a Policy at the given trust level with no allow-listed paths.
func New(level Level) *Policy {
	return &Policy{Level: level}
}

// NewCareful builds a Careful-level Policy with the given allow-listed path
// prefixes.
func NewCareful(allowedPaths []string) *Policy {
	return &Policy{Level: Careful, AllowedPaths: allowedPaths}
}

// RequiresApproval reports whether calling a tool with the given side
// effect and arguments must pause for human approval.
//
// Ask and Plan modes never execute write/execute tools regardless of trust
// level — toolset.Registry hides and refuses them outside Build mode.
// Within Build mode:
//
//	Manual:   every write and execute call requires approval; reads run unattended.
//	Balanced: read tools run unattended; write and execute require approval.
//	Careful:  a write or execute call targeting a path under AllowedPaths
//	          runs unattended; everything else, including a call whose
//	          target path can't be determined, requires approval.
func (p *Policy) RequiresApproval(effect SideEffect, args json.RawMessage) bool {
	switch p.Level {
	case Manual:
		return effect != SideEffectRead
	case Careful:
		if effect == SideEffectRead {
			return false
		}
		return !p.pathAllowed(extractPath(args))
	case Balanced:
		fallthrough
	default:
		return effect == SideEffectWrite || effect == SideEffectExecute
	}
}

func (p *Policy) pathAllowed(path string) bool {
	if path == "" {
		return false
	}
	for _, prefix := range p.AllowedPaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// extractPath pulls a best-effort file path out of a tool call's arguments,
// checking the argument keys the tools in internal/mcptools actually use
// (EditArgs.File is "file"; other tools may use "path" or "file_path").
func extractPath(args json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var fields struct {
		File     string `json:"file"`
		Path     string `json:"path"`
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(args, &fields); err != nil {
		return ""
	}
	switch {
	case fields.File != "":
		return fields.File
	case fields.Path != "":
		return fields.Path
	default:
		return fields.FilePath
	}
}

// SetLevel updates the trust level in place, so a live session's "/trust"
// command can change gating without rebuilding the policy.
func (p *Policy) SetLevel(level Level) {
	p.Level = level
}
