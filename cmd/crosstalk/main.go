// Command crosstalk runs one conversational agent process: it loads the
// workflow and persona, wires the LLM and Sonic providers, populates the tool
// registry from the local-tools service and any MCP server, and serves the
// client websocket stream until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	textadapter "github.com/MrWong99/crosstalk/internal/adapter/text"
	voiceadapter "github.com/MrWong99/crosstalk/internal/adapter/voice"
	"github.com/MrWong99/crosstalk/internal/agent"
	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/gateway"
	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/runtime"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
	"github.com/MrWong99/crosstalk/internal/workflow"
	"github.com/MrWong99/crosstalk/pkg/provider/llm"
	"github.com/MrWong99/crosstalk/pkg/provider/llm/anyllm"
	"github.com/MrWong99/crosstalk/pkg/provider/llm/openai"
	"github.com/MrWong99/crosstalk/pkg/provider/sonic"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	envFile := flag.String("env", ".env", "optional dotenv file loaded before reading the environment")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotenv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		return 1
	}
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crosstalk: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("crosstalk agent starting",
		"agent_id", cfg.AgentID,
		"mode", string(cfg.Mode),
		"port", cfg.Port,
		"version", version,
	)

	// ── Metrics provider ──────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider("crosstalk", version)
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Workflow and persona ──────────────────────────────────────────────────
	wf, err := workflow.LoadFile(cfg.WorkflowFile)
	if err != nil {
		slog.Error("failed to load workflow", "file", cfg.WorkflowFile, "err", err)
		return 1
	}
	pers, err := persona.LoadFile(cfg.PersonaFile)
	if err != nil {
		slog.Error("failed to load persona", "file", cfg.PersonaFile, "err", err)
		return 1
	}
	slog.Info("agent definition loaded",
		"workflow_nodes", len(wf.Nodes), "persona", pers.ID, "allowed_tools", len(pers.AllowedTools))

	// ── LLM provider ──────────────────────────────────────────────────────────
	provider, err := buildLLMProvider(cfg)
	if err != nil {
		slog.Error("failed to build LLM provider", "provider", cfg.LLMProvider, "err", err)
		return 1
	}
	slog.Info("llm provider created", "provider", cfg.LLMProvider, "model", cfg.LLMModel)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Tool registry ─────────────────────────────────────────────────────────
	registry := tool.NewRegistry()
	mcpBackend, err := populateRegistry(ctx, cfg, pers, registry)
	if err != nil {
		slog.Error("failed to populate tool registry", "err", err)
		return 1
	}
	if mcpBackend != nil {
		defer func() {
			if err := mcpBackend.Close(); err != nil {
				slog.Warn("mcp backend close error", "err", err)
			}
		}()
	}
	dispatcher := tool.NewDispatcher(registry, pers, logger, tool.WithTimeout(cfg.ToolTimeout))

	// ── Agent core ────────────────────────────────────────────────────────────
	store := session.NewStore()
	core, err := agent.New(store, wf, pers, provider, dispatcher, registry, logger,
		agent.WithLLMTimeout(cfg.LLMTimeout),
		agent.WithErrorBudget(cfg.MaxSessionErrors, cfg.ErrorWindow),
	)
	if err != nil {
		slog.Error("failed to build agent core", "err", err)
		return 1
	}

	// ── Adapters ──────────────────────────────────────────────────────────────
	opts := []runtime.Option{runtime.WithRegistry(registry)}
	if cfg.Mode.UsesVoice() {
		voiceID := cfg.SonicVoiceID
		if voiceID == "" {
			voiceID = pers.VoiceID
		}
		var sonicOpts []sonic.Option
		if voiceID != "" {
			sonicOpts = append(sonicOpts, sonic.WithVoice(voiceID))
		}
		sonicClient, err := sonic.NewClient(cfg.SonicURL, cfg.SonicAPIKey, sonicOpts...)
		if err != nil {
			slog.Error("failed to create Sonic client", "err", err)
			return 1
		}
		opts = append(opts, runtime.WithVoiceAdapter(
			voiceadapter.New(core, store, sonicClient, pers, wf, registry, logger)))
	} else {
		opts = append(opts, runtime.WithTextAdapter(textadapter.New(core, store, logger)))
	}

	// ── Gateway (optional) ────────────────────────────────────────────────────
	if cfg.GatewayURL != "" {
		gw, err := gateway.New(cfg.GatewayURL, logger, gateway.WithTimeout(cfg.GatewayTimeout))
		if err != nil {
			slog.Error("failed to create gateway client", "url", cfg.GatewayURL, "err", err)
			return 1
		}
		opts = append(opts, runtime.WithGateway(gw))
	} else {
		slog.Info("no GATEWAY_URL configured, running standalone")
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	rt, err := runtime.New(cfg, core, store, pers, logger, opts...)
	if err != nil {
		slog.Error("failed to build runtime", "err", err)
		return 1
	}
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildLLMProvider selects the conversational model backend. "openai" uses
// the native SDK provider; everything else goes through any-llm-go.
func buildLLMProvider(cfg *config.Config) (llm.Provider, error) {
	if cfg.LLMProvider == "openai" {
		opts := []openai.Option{openai.WithTimeout(cfg.LLMTimeout)}
		if cfg.LLMBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLMBaseURL))
		}
		return openai.New(cfg.LLMAPIKey, cfg.LLMModel, opts...)
	}
	var opts []anyllmlib.Option
	if cfg.LLMAPIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.LLMAPIKey))
	}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.LLMBaseURL))
	}
	return anyllm.New(cfg.LLMProvider, cfg.LLMModel, opts...)
}

// populateRegistry fills the tool registry from the configured backends:
// local-tools first, then MCP (local-tools wins name collisions), then the
// persona's handoff directives. Unreachable backends are tolerated so the
// agent still serves conversations while its tools are down.
func populateRegistry(ctx context.Context, cfg *config.Config, pers *persona.Persona,
	registry *tool.Registry) (*tool.MCPBackend, error) {
	if cfg.LocalToolsURL != "" {
		lt, err := tool.NewLocalToolsClient(cfg.LocalToolsURL)
		if err != nil {
			return nil, fmt.Errorf("local tools client: %w", err)
		}
		specs, err := lt.ListTools(ctx)
		if err != nil {
			slog.Warn("local tools unavailable, continuing without them",
				"url", cfg.LocalToolsURL, "err", err)
		}
		for _, spec := range specs {
			if err := registry.Register(spec); err != nil {
				slog.Warn("skipping local tool", "tool", spec.Name, "err", err)
			}
		}
		if len(specs) > 0 {
			slog.Info("local tools registered", "count", len(specs))
		}
	}

	var mcpBackend *tool.MCPBackend
	if cfg.MCPServerURL != "" {
		backend, err := tool.NewMCPBackend(ctx, cfg.MCPServerURL)
		if err != nil {
			slog.Warn("mcp server unavailable, continuing without it",
				"url", cfg.MCPServerURL, "err", err)
		} else {
			mcpBackend = backend
			specs, err := backend.ListTools(ctx)
			if err != nil {
				slog.Warn("mcp tool listing failed", "err", err)
			}
			registered := 0
			for _, spec := range specs {
				if _, exists := registry.Get(spec.Name); exists {
					slog.Debug("mcp tool shadowed by local tool", "tool", spec.Name)
					continue
				}
				if err := registry.Register(spec); err != nil {
					slog.Warn("skipping mcp tool", "tool", spec.Name, "err", err)
					continue
				}
				registered++
			}
			if registered > 0 {
				slog.Info("mcp tools registered", "count", registered)
			}
		}
	}

	// Handoff directives are offered to the model like tools but never reach a
	// backend; the dispatcher short-circuits them.
	for _, name := range pers.AllowedTools {
		if !handoff.IsHandoffTool(name) {
			continue
		}
		target, _ := handoff.TargetAgent(name)
		spec := tool.Spec{
			Name:        name,
			Description: fmt.Sprintf("Transfer the conversation to the %s agent.", target),
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Short reason for the transfer.",
					},
				},
			},
		}
		if err := registry.Register(spec); err != nil {
			return mcpBackend, fmt.Errorf("register handoff tool %s: %w", name, err)
		}
	}
	return mcpBackend, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
