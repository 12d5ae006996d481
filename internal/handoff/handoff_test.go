package handoff

import "testing"

func TestTargetAgent(t *testing.T) {
	tests := []struct {
		name       string
		toolName   string
		wantTarget string
		wantOK     bool
	}{
		{"transfer to banking", "transfer_to_banking", "banking", true},
		{"transfer to idv", "transfer_to_idv", "idv", true},
		{"return to triage", "return_to_triage", "triage", true},
		{"multi-word target", "transfer_to_mortgage_advice", "mortgage_advice", true},
		{"plain tool", "lookup_account", "", false},
		{"bare prefix", "transfer_to_", "", false},
		{"prefix substring", "my_transfer_to_banking", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, ok := TargetAgent(tt.toolName)
			if ok != tt.wantOK {
				t.Fatalf("TargetAgent(%q) ok = %v; want %v", tt.toolName, ok, tt.wantOK)
			}
			if target != tt.wantTarget {
				t.Errorf("TargetAgent(%q) = %q; want %q", tt.toolName, target, tt.wantTarget)
			}
		})
	}
}

func TestIsHandoffTool(t *testing.T) {
	if !IsHandoffTool("transfer_to_disputes") {
		t.Error("transfer_to_disputes should be a handoff tool")
	}
	if !IsHandoffTool("return_to_triage") {
		t.Error("return_to_triage should be a handoff tool")
	}
	if IsHandoffTool("perform_idv_check") {
		t.Error("perform_idv_check should not be a handoff tool")
	}
}

func TestToolName_RoundTrip(t *testing.T) {
	for _, agent := range []string{"banking", "idv", "triage", "investigation"} {
		name := ToolName(agent)
		target, ok := TargetAgent(name)
		if !ok || target != agent {
			t.Errorf("TargetAgent(ToolName(%q)) = %q, %v; want %q, true", agent, target, ok, agent)
		}
	}
}

func TestRecord_Validate(t *testing.T) {
	rec := &Record{SessionID: "s1", TargetAgent: "banking"}
	if err := rec.Validate(); err != nil {
		t.Errorf("valid record: %v", err)
	}

	if err := (&Record{TargetAgent: "banking"}).Validate(); err == nil {
		t.Error("missing session id should fail validation")
	}
	if err := (&Record{SessionID: "s1"}).Validate(); err == nil {
		t.Error("missing target agent should fail validation")
	}
}
