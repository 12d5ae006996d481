package persona

import (
	"strings"
	"testing"
)

const bankingYAML = `
id: banking
display_name: Banking Assistant
voice_id: tiffany
allowed_tools:
  - lookup_account
  - get_balance
  - return_to_triage
system_prompt: |
  You help verified customers with everyday banking.
metadata:
  team: retail
`

func TestLoad_Valid(t *testing.T) {
	p, err := Load([]byte(bankingYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.ID != "banking" {
		t.Errorf("ID = %q; want banking", p.ID)
	}
	if p.VoiceID != "tiffany" {
		t.Errorf("VoiceID = %q; want tiffany", p.VoiceID)
	}
	if !strings.Contains(p.SystemPrompt, "everyday banking") {
		t.Errorf("SystemPrompt = %q", p.SystemPrompt)
	}
	if p.Metadata["team"] != "retail" {
		t.Errorf("Metadata = %v", p.Metadata)
	}
}

func TestAllows(t *testing.T) {
	p, err := Load([]byte(bankingYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !p.Allows("get_balance") {
		t.Error("get_balance should be allowed")
	}
	if !p.Allows("return_to_triage") {
		t.Error("return_to_triage should be allowed")
	}
	if p.Allows("delete_account") {
		t.Error("delete_account should not be allowed")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{"missing id", "system_prompt: hi\nallowed_tools: []\n", "id must be set"},
		{"missing system prompt", "id: x\nallowed_tools: []\n", "system_prompt must be set"},
		{"duplicate tool", "id: x\nsystem_prompt: hi\nallowed_tools: [a, a]\n", "duplicate entry"},
		{"empty tool name", "id: x\nsystem_prompt: hi\nallowed_tools: ['']\n", "empty names"},
		{"unknown field", "id: x\nsystem_prompt: hi\nallowed_tools: []\nvoice: nope\n", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err, tt.wantMsg)
			}
		})
	}
}
