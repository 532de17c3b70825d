// Command agentcore is the headless control surface for internal/agent.Core:
// a line-delimited JSON protocol over stdin/stdout, for driving the
// orchestrator from a script or a non-TUI client rather than the
// interactive terminal renderer built in cmd/symb.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sacenox-fork/agentcore/internal/agent"
	"github.com/sacenox-fork/agentcore/internal/broker"
	"github.com/sacenox-fork/agentcore/internal/config"
	"github.com/sacenox-fork/agentcore/internal/mcp"
	"github.com/sacenox-fork/agentcore/internal/mcp_tools"
	"github.com/sacenox-fork/agentcore/internal/mcptools"
	"github.com/sacenox-fork/agentcore/internal/modelcatalog"
	"github.com/sacenox-fork/agentcore/internal/promptbuilder"
	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
	"github.com/sacenox-fork/agentcore/internal/shell"
	"github.com/sacenox-fork/agentcore/internal/toolset"
	"github.com/sacenox-fork/agentcore/internal/treesitter"
	"github.com/sacenox-fork/agentcore/internal/trust"
	"github.com/sacenox-fork/agentcore/internal/usage"
)

// command is one line of the stdin protocol.
type command struct {
	Op        string          `json:"op"` // send, interrupt, set_mode, set_provider, set_model, new_session, switch_session, compact
	SessionID string          `json:"session_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	KeepTail  int             `json:"keep_tail,omitempty"`
	Name      string          `json:"name,omitempty"`
}

// outEvent is one line of the stdout protocol.
type outEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolError string `json:"tool_error,omitempty"`
	Error     string `json:"error,omitempty"`
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, creds := loadConfigAndCredentials()

	registry := provider.NewRegistry()
	for name, pcfg := range cfg.Providers {
		registry.RegisterFactory(name, provider.NewOllamaFactory(name, pcfg.Endpoint))
	}

	catalog := modelcatalog.New(registry, creds, map[string]string{"anthropic": "anthropic"})
	if err := catalog.Refresh(context.Background()); err != nil {
		log.Warn().Err(err).Msg("model catalog refresh failed")
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "data dir: %v\n", err)
		os.Exit(1)
	}
	store, err := session.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	tools, proxy := buildToolset(creds)
	interact := broker.New()
	acct := usage.NewAccountant(map[string]usage.Rate{
		"anthropic/claude-sonnet-4": {InputPerMillion: 3, OutputPerMillion: 15},
		"anthropic/claude-opus-4":   {InputPerMillion: 15, OutputPerMillion: 75},
	})

	cwd, _ := os.Getwd()
	idx := treesitter.NewIndex(cwd)
	if err := idx.Build(); err != nil {
		log.Warn().Err(err).Msg("tree-sitter index build failed")
	}
	prompts := promptbuilder.New(tools, idx)
	trustPolicy := trust.New(trust.Balanced)

	core := agent.New(store, registry, catalog, tools, trustPolicy, interact, acct, prompts)
	defer proxy.Close()

	go drainApprovals(interact)

	runProtocol(core, store)
}

// drainApprovals auto-approves every pending request at Balanced trust —
// the headless surface has no human to ask, so it behaves as if every
// gated call were pre-approved. A real non-TUI client would instead read
// interact.Requests() itself and call interact.Respond.
func drainApprovals(interact *broker.Broker) {
	for req := range interact.Requests() {
		interact.Respond(broker.Response{RequestID: req.ID, Decision: broker.Approve})
	}
}

func loadConfigAndCredentials() (*config.Config, *config.Credentials) {
	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	creds, err := config.LoadCredentials()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load credentials: %v\n", err)
		os.Exit(1)
	}
	return cfg, creds
}

func buildToolset(creds *config.Credentials) (*toolset.Registry, *mcp.Proxy) {
	proxy := mcp.NewProxy(nil)
	reg := toolset.NewRegistry(proxy)

	fileTracker := mcptools.NewFileReadTracker()
	readHandler := mcptools.NewReadHandler(fileTracker, nil)
	readTool := mcptools.NewReadTool()
	proxy.RegisterTool(readTool, readHandler.Handle)
	reg.Describe(readTool.Name, readTool, trust.SideEffectRead, toolset.AllModes)

	grepTool := mcp_tools.NewGrepTool()
	proxy.RegisterTool(grepTool, mcp_tools.MakeGrepHandler())
	reg.Describe(grepTool.Name, grepTool, trust.SideEffectRead, toolset.AllModes)

	webFetchTool := mcptools.NewWebFetchTool()
	proxy.RegisterTool(webFetchTool, mcptools.MakeWebFetchHandler(nil))
	reg.Describe(webFetchTool.Name, webFetchTool, trust.SideEffectRead, toolset.AllModes)

	exaKey := creds.GetAPIKey("exa_ai")
	webSearchTool := mcptools.NewWebSearchTool()
	proxy.RegisterTool(webSearchTool, mcptools.MakeWebSearchHandler(nil, exaKey, ""))
	reg.Describe(webSearchTool.Name, webSearchTool, trust.SideEffectRead, toolset.AllModes)

	editHandler := mcptools.NewEditHandler(fileTracker, nil, nil)
	editTool := mcptools.NewEditTool()
	proxy.RegisterTool(editTool, editHandler.Handle)
	reg.Describe(editTool.Name, editTool, trust.SideEffectWrite, toolset.MaskBuild)

	sh := shell.New("", shell.DefaultBlockFuncs())
	shellHandler := mcptools.NewShellHandler(sh, nil)
	shellTool := mcptools.NewShellTool()
	proxy.RegisterTool(shellTool, shellHandler.Handle)
	reg.Describe(shellTool.Name, shellTool, trust.SideEffectExecute, toolset.MaskBuild)

	pad := &mcptools.Scratchpad{}
	todoTool := mcptools.NewTodoWriteTool()
	proxy.RegisterTool(todoTool, mcptools.MakeTodoWriteHandler(pad))
	reg.Describe(todoTool.Name, todoTool, trust.SideEffectWrite, toolset.MaskBuild)

	return reg, proxy
}

func runProtocol(core *agent.Core, store *session.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(os.Stdout)
	ctx := context.Background()

	sessions := make(map[string]*session.Session)

	for scanner.Scan() {
		var cmd command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			enc.Encode(outEvent{Type: "error", Error: err.Error()})
			continue
		}
		handleCommand(ctx, core, store, sessions, enc, cmd)
	}
}

func handleCommand(ctx context.Context, core *agent.Core, store *session.Store, sessions map[string]*session.Session, enc *json.Encoder, cmd command) {
	switch cmd.Op {
	case "new_session":
		s, err := core.NewSession(cmd.Name)
		if err != nil {
			enc.Encode(outEvent{Type: "error", Error: err.Error()})
			return
		}
		sessions[s.ID] = s
		enc.Encode(outEvent{SessionID: s.ID, Type: "session_created"})

	case "switch_session":
		s, err := core.SwitchSession(cmd.SessionID)
		if err != nil {
			enc.Encode(outEvent{Type: "error", Error: err.Error()})
			return
		}
		sessions[s.ID] = s
		enc.Encode(outEvent{SessionID: s.ID, Type: "session_loaded"})

	case "set_mode":
		s, ok := sessions[cmd.SessionID]
		if !ok {
			enc.Encode(outEvent{Type: "error", Error: "unknown session"})
			return
		}
		if err := core.SetMode(s, session.Mode(cmd.Mode)); err != nil {
			enc.Encode(outEvent{SessionID: s.ID, Type: "error", Error: err.Error()})
		}

	case "set_provider":
		s, ok := sessions[cmd.SessionID]
		if !ok {
			enc.Encode(outEvent{Type: "error", Error: "unknown session"})
			return
		}
		if err := core.SetProvider(s, cmd.Provider); err != nil {
			enc.Encode(outEvent{SessionID: s.ID, Type: "error", Error: err.Error()})
		}

	case "set_model":
		s, ok := sessions[cmd.SessionID]
		if !ok {
			enc.Encode(outEvent{Type: "error", Error: "unknown session"})
			return
		}
		if err := core.SetModel(s, cmd.Model); err != nil {
			enc.Encode(outEvent{SessionID: s.ID, Type: "error", Error: err.Error()})
		}

	case "interrupt":
		core.Interrupt(cmd.SessionID)

	case "compact":
		s, ok := sessions[cmd.SessionID]
		if !ok {
			enc.Encode(outEvent{Type: "error", Error: "unknown session"})
			return
		}
		if _, err := core.Compact(ctx, s, cmd.KeepTail); err != nil {
			enc.Encode(outEvent{SessionID: s.ID, Type: "error", Error: err.Error()})
		}

	case "send":
		s, ok := sessions[cmd.SessionID]
		if !ok {
			enc.Encode(outEvent{Type: "error", Error: "unknown session"})
			return
		}
		events, err := core.Send(ctx, s, cmd.Text, nil, promptbuilder.ThinkNormal)
		if err != nil {
			enc.Encode(outEvent{SessionID: s.ID, Type: "error", Error: err.Error()})
			return
		}
		for ev := range events {
			enc.Encode(outEvent{
				SessionID: s.ID,
				Type:      string(ev.Type),
				Text:      ev.Text,
				ToolName:  ev.ToolName,
				ToolError: ev.ToolError,
				Error:     errString(ev.Err),
			})
		}
		_ = store.Save(s)

	default:
		enc.Encode(outEvent{Type: "error", Error: fmt.Sprintf("unknown op %q", cmd.Op)})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
