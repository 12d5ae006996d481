package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for FromEnv to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENT_ID", "triage")
	t.Setenv("WORKFLOW_FILE", "workflow.yaml")
	t.Setenv("PERSONA_FILE", "persona.yaml")
	t.Setenv("LLM_MODEL", "gpt-4o-mini")
}

func TestFromEnv_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Mode != ModeText {
		t.Errorf("Mode = %q; want chat", cfg.Mode)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("Port = %d; want %d", cfg.Port, DefaultPort)
	}
	if cfg.MaxSessionErrors != DefaultMaxSessionErrors {
		t.Errorf("MaxSessionErrors = %d; want %d", cfg.MaxSessionErrors, DefaultMaxSessionErrors)
	}
	if cfg.ErrorWindow != DefaultErrorWindow {
		t.Errorf("ErrorWindow = %v; want %v", cfg.ErrorWindow, DefaultErrorWindow)
	}
	if cfg.LLMTimeout != DefaultLLMTimeout {
		t.Errorf("LLMTimeout = %v; want %v", cfg.LLMTimeout, DefaultLLMTimeout)
	}
	if cfg.ToolTimeout != DefaultToolTimeout {
		t.Errorf("ToolTimeout = %v; want %v", cfg.ToolTimeout, DefaultToolTimeout)
	}
	if cfg.GatewayTimeout != DefaultGatewayTimeout {
		t.Errorf("GatewayTimeout = %v; want %v", cfg.GatewayTimeout, DefaultGatewayTimeout)
	}
	if cfg.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v; want %v", cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	}
	if !cfg.AutoTriggerEnabled {
		t.Error("AutoTriggerEnabled should default to true")
	}
	if cfg.AutoTriggerDelay != DefaultAutoTriggerDelay {
		t.Errorf("AutoTriggerDelay = %v; want %v", cfg.AutoTriggerDelay, DefaultAutoTriggerDelay)
	}
	if cfg.HandoffDelay != DefaultHandoffDelay {
		t.Errorf("HandoffDelay = %v; want %v", cfg.HandoffDelay, DefaultHandoffDelay)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want info", cfg.LogLevel)
	}
	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %q; want openai", cfg.LLMProvider)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MODE", "voice")
	t.Setenv("AGENT_PORT", "9090")
	t.Setenv("SONIC_URL", "wss://sonic.example.com/v1")
	t.Setenv("AUTO_TRIGGER_ENABLED", "false")
	t.Setenv("MAX_SESSION_ERRORS", "3")
	t.Setenv("ERROR_WINDOW_MS", "5000")
	t.Setenv("LLM_TIMEOUT_MS", "60000")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}

	if cfg.Mode != ModeVoice {
		t.Errorf("Mode = %q; want voice", cfg.Mode)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d; want 9090", cfg.Port)
	}
	if cfg.AutoTriggerEnabled {
		t.Error("AutoTriggerEnabled should be disabled by env")
	}
	if cfg.MaxSessionErrors != 3 {
		t.Errorf("MaxSessionErrors = %d; want 3", cfg.MaxSessionErrors)
	}
	if cfg.ErrorWindow != 5*time.Second {
		t.Errorf("ErrorWindow = %v; want 5s", cfg.ErrorWindow)
	}
	if cfg.LLMTimeout != time.Minute {
		t.Errorf("LLMTimeout = %v; want 1m", cfg.LLMTimeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want debug", cfg.LogLevel)
	}
}

func TestFromEnv_MissingRequired_ReportsAll(t *testing.T) {
	// None of the required variables are set.
	t.Setenv("AGENT_ID", "")
	t.Setenv("WORKFLOW_FILE", "")
	t.Setenv("PERSONA_FILE", "")
	t.Setenv("LLM_MODEL", "")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("FromEnv should fail without required variables")
	}
	for _, want := range []string{"AGENT_ID", "WORKFLOW_FILE", "PERSONA_FILE", "LLM_MODEL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestFromEnv_VoiceModeRequiresSonicURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("MODE", "voice")
	t.Setenv("SONIC_URL", "")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("FromEnv should fail in voice mode without SONIC_URL")
	}
	if !strings.Contains(err.Error(), "SONIC_URL") {
		t.Errorf("error %q should mention SONIC_URL", err)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "AGENT_PORT", "not-a-number"},
		{"bad bool", "AUTO_TRIGGER_ENABLED", "maybe"},
		{"bad mode", "MODE", "carrier-pigeon"},
		{"negative window", "ERROR_WINDOW_MS", "-100"},
		{"bad log level", "LOG_LEVEL", "verbose"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			if _, err := FromEnv(); err == nil {
				t.Errorf("FromEnv with %s=%q should fail", tt.key, tt.value)
			}
		})
	}
}

func TestMode_UsesVoice(t *testing.T) {
	tests := []struct {
		mode Mode
		want bool
	}{
		{ModeText, false},
		{ModeVoice, true},
		{ModeHybrid, true},
	}
	for _, tt := range tests {
		if got := tt.mode.UsesVoice(); got != tt.want {
			t.Errorf("%s.UsesVoice() = %v; want %v", tt.mode, got, tt.want)
		}
	}
}

func TestLoadDotenv_MissingFileIsSkipped(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("LoadDotenv with missing file: %v", err)
	}
}

func TestLoadDotenv_DoesNotOverrideExisting(t *testing.T) {
	t.Setenv("CROSSTALK_DOTENV_PROBE", "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CROSSTALK_DOTENV_PROBE=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("CROSSTALK_DOTENV_PROBE"); got != "from-env" {
		t.Errorf("CROSSTALK_DOTENV_PROBE = %q; existing value must win", got)
	}
}
