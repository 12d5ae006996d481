// Package persona loads the static per-agent configuration: identity, voice,
// allowed tools, and the base system prompt. Personas are loaded once at
// process start and are immutable afterwards, so they are safely shared
// across sessions.
package persona

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona is one agent's static configuration.
type Persona struct {
	// ID is the persona identity, usually equal to the agent id.
	ID string `yaml:"id"`

	// DisplayName is the human-facing agent name.
	DisplayName string `yaml:"display_name"`

	// VoiceID selects the Sonic voice for this persona. Empty uses the
	// backend default.
	VoiceID string `yaml:"voice_id,omitempty"`

	// AllowedTools is the allow-list of tool names this persona may invoke.
	// Tools outside the list are rejected at dispatch.
	AllowedTools []string `yaml:"allowed_tools"`

	// SystemPrompt is the static instruction block prepended to every LLM
	// request.
	SystemPrompt string `yaml:"system_prompt"`

	// Metadata carries free-form annotations (team, escalation contact).
	// Opaque to the runtime.
	Metadata map[string]string `yaml:"metadata,omitempty"`

	allowed map[string]bool
}

// Load parses and validates a persona definition. Unknown YAML fields are
// rejected.
func Load(data []byte) (*Persona, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Persona
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("persona: parse: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	p.allowed = make(map[string]bool, len(p.AllowedTools))
	for _, t := range p.AllowedTools {
		p.allowed[t] = true
	}
	return &p, nil
}

// LoadFile reads and parses the persona definition at path.
func LoadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

func (p *Persona) validate() error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, errors.New("id must be set"))
	}
	if p.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt must be set"))
	}
	seen := make(map[string]bool, len(p.AllowedTools))
	for _, t := range p.AllowedTools {
		if t == "" {
			errs = append(errs, errors.New("allowed_tools must not contain empty names"))
			continue
		}
		if seen[t] {
			errs = append(errs, fmt.Errorf("allowed_tools: duplicate entry %q", t))
		}
		seen[t] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("persona: invalid definition: %w", errors.Join(errs...))
	}
	return nil
}

// Allows reports whether the persona may invoke the named tool.
func (p *Persona) Allows(toolName string) bool {
	return p.allowed[toolName]
}
