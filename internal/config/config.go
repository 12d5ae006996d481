// Package config loads runtime configuration from the environment.
//
// Every agent process is configured purely through environment variables so
// that the same binary can be deployed as any agent in the fleet. A local
// .env file is honoured for development; real deployments set the variables
// directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects the conversation surface an agent exposes.
type Mode string

const (
	// ModeText serves text-only conversations through the LLM pipeline.
	ModeText Mode = "text"

	// ModeVoice serves audio conversations through the Sonic pipeline.
	ModeVoice Mode = "voice"

	// ModeHybrid serves audio through Sonic while also accepting injected
	// text input on the same stream.
	ModeHybrid Mode = "hybrid"
)

// valid reports whether m is a known mode.
func (m Mode) valid() bool {
	switch m {
	case ModeText, ModeVoice, ModeHybrid:
		return true
	}
	return false
}

// UsesVoice reports whether the mode runs the Sonic pipeline.
func (m Mode) UsesVoice() bool {
	return m == ModeVoice || m == ModeHybrid
}

// Config holds the full runtime configuration of one agent process.
type Config struct {
	// AgentID is the unique identity of this agent in the fleet, e.g.
	// "triage" or "banking".
	AgentID string

	// Port is the TCP port the agent's HTTP/WebSocket server listens on.
	Port int

	// Mode selects the conversation surface.
	Mode Mode

	// WorkflowFile is the path to the YAML workflow definition.
	WorkflowFile string

	// PersonaFile is the path to the YAML persona definition.
	PersonaFile string

	// GatewayURL is the base URL of the gateway control plane. Empty
	// disables registration, heartbeats, and handoffs.
	GatewayURL string

	// LocalToolsURL is the base URL of the local tool server. Empty disables
	// the local tool backend.
	LocalToolsURL string

	// MCPServerURL is the endpoint of an optional MCP tool server. Empty
	// disables the MCP tool backend.
	MCPServerURL string

	// LLMProvider selects the text LLM backend: "openai" uses the native
	// client, anything else is routed through the multi-provider backend.
	LLMProvider string

	// LLMModel is the model identifier passed to the LLM backend.
	LLMModel string

	// LLMAPIKey authenticates against the LLM backend.
	LLMAPIKey string

	// LLMBaseURL overrides the LLM backend endpoint. Empty uses the
	// provider default.
	LLMBaseURL string

	// SonicURL is the WebSocket endpoint of the Sonic backend. Required in
	// voice and hybrid modes.
	SonicURL string

	// SonicAPIKey authenticates against the Sonic backend.
	SonicAPIKey string

	// SonicVoiceID selects the synthesised voice. Empty uses the backend
	// default.
	SonicVoiceID string

	// AutoTriggerEnabled turns on the proactive first utterance shortly
	// after a session starts. On by default; set AUTO_TRIGGER_ENABLED=false
	// to disable.
	AutoTriggerEnabled bool

	// AutoTriggerDelay is how long after session init the proactive
	// utterance fires, leaving room for any greeting to finish. Not
	// correctness-critical, purely an audio-overlap guard.
	AutoTriggerDelay time.Duration

	// HandoffDelay is how long an emitted handoff waits so the assistant's
	// spoken confirmation can finish rendering.
	HandoffDelay time.Duration

	// MaxSessionErrors is the number of session errors within ErrorWindow
	// that terminates the session.
	MaxSessionErrors int

	// ErrorWindow is the sliding window over which session errors are
	// counted.
	ErrorWindow time.Duration

	// LLMTimeout bounds a single LLM request.
	LLMTimeout time.Duration

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration

	// GatewayTimeout bounds a single gateway RPC.
	GatewayTimeout time.Duration

	// HeartbeatInterval is the period between gateway heartbeats.
	HeartbeatInterval time.Duration

	// LogLevel is the minimum level for structured logs: "debug", "info",
	// "warn", or "error".
	LogLevel string
}

// Defaults applied by FromEnv when the corresponding variable is unset.
const (
	DefaultPort              = 8080
	DefaultMaxSessionErrors  = 5
	DefaultErrorWindow       = 10 * time.Second
	DefaultLLMTimeout        = 30 * time.Second
	DefaultToolTimeout       = 10 * time.Second
	DefaultGatewayTimeout    = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultAutoTriggerDelay  = 1500 * time.Millisecond
	DefaultHandoffDelay      = 2 * time.Second
)

// LoadDotenv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped silently; a malformed file is an error.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv builds a Config from the process environment, applies defaults,
// and validates it.
func FromEnv() (*Config, error) {
	cfg := &Config{
		AgentID:            os.Getenv("AGENT_ID"),
		Port:               DefaultPort,
		Mode:               Mode(getEnvDefault("MODE", string(ModeText))),
		WorkflowFile:       os.Getenv("WORKFLOW_FILE"),
		PersonaFile:        os.Getenv("PERSONA_FILE"),
		GatewayURL:         os.Getenv("GATEWAY_URL"),
		LocalToolsURL:      os.Getenv("LOCAL_TOOLS_URL"),
		MCPServerURL:       os.Getenv("MCP_SERVER_URL"),
		LLMProvider:        getEnvDefault("LLM_PROVIDER", "openai"),
		LLMModel:           os.Getenv("LLM_MODEL"),
		LLMAPIKey:          os.Getenv("LLM_API_KEY"),
		LLMBaseURL:         os.Getenv("LLM_BASE_URL"),
		SonicURL:           os.Getenv("SONIC_URL"),
		SonicAPIKey:        os.Getenv("SONIC_API_KEY"),
		SonicVoiceID:       os.Getenv("SONIC_VOICE_ID"),
		MaxSessionErrors:   DefaultMaxSessionErrors,
		ErrorWindow:        DefaultErrorWindow,
		LLMTimeout:         DefaultLLMTimeout,
		ToolTimeout:        DefaultToolTimeout,
		GatewayTimeout:     DefaultGatewayTimeout,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		LogLevel:           getEnvDefault("LOG_LEVEL", "info"),
		AutoTriggerEnabled: true,
		AutoTriggerDelay:   DefaultAutoTriggerDelay,
		HandoffDelay:       DefaultHandoffDelay,
	}

	var errs []error

	if v := os.Getenv("AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AGENT_PORT: %w", err))
		} else {
			cfg.Port = port
		}
	}
	if v := os.Getenv("AUTO_TRIGGER_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("AUTO_TRIGGER_ENABLED: %w", err))
		} else {
			cfg.AutoTriggerEnabled = b
		}
	}
	if v := os.Getenv("MAX_SESSION_ERRORS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_SESSION_ERRORS: %w", err))
		} else {
			cfg.MaxSessionErrors = n
		}
	}
	if d, err := envDurationMs("ERROR_WINDOW_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.ErrorWindow = d
	}
	if d, err := envDurationMs("LLM_TIMEOUT_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.LLMTimeout = d
	}
	if d, err := envDurationMs("TOOL_TIMEOUT_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.ToolTimeout = d
	}
	if d, err := envDurationMs("GATEWAY_TIMEOUT_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.GatewayTimeout = d
	}
	if d, err := envDurationMs("HEARTBEAT_INTERVAL_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.HeartbeatInterval = d
	}
	if d, err := envDurationMs("AUTO_TRIGGER_DELAY_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.AutoTriggerDelay = d
	}
	if d, err := envDurationMs("HANDOFF_DELAY_MS"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		cfg.HandoffDelay = d
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency. All problems are
// reported at once via errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.AgentID == "" {
		errs = append(errs, errors.New("AGENT_ID must be set"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("AGENT_PORT %d out of range", c.Port))
	}
	if !c.Mode.valid() {
		errs = append(errs, fmt.Errorf("MODE %q must be one of text, voice, hybrid", c.Mode))
	}
	if c.WorkflowFile == "" {
		errs = append(errs, errors.New("WORKFLOW_FILE must be set"))
	}
	if c.PersonaFile == "" {
		errs = append(errs, errors.New("PERSONA_FILE must be set"))
	}
	if c.LLMModel == "" {
		errs = append(errs, errors.New("LLM_MODEL must be set"))
	}
	if c.Mode.UsesVoice() && c.SonicURL == "" {
		errs = append(errs, fmt.Errorf("SONIC_URL must be set in %s mode", c.Mode))
	}
	if c.MaxSessionErrors <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SESSION_ERRORS %d must be positive", c.MaxSessionErrors))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDurationMs reads an integer millisecond value from the environment.
// Returns 0 when unset.
func envDurationMs(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s: must not be negative", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
