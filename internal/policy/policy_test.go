/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package policy

import (
	"testing"
)

func defaultGate() *Gate {
	return NewGate(Config{Level3IrreversibleRequiresApproval: true})
}

func TestReadOnlyAlwaysAllowed(t *testing.T) {
	g := defaultGate()

	for _, trust := range []TrustLevel{TrustUntrusted, TrustBasic, TrustTrusted, TrustAdmin} {
		d := g.Decide("actor", ActionClassReadOnly, trust, "run", "run-1", Context{ToolName: "kubectl.get"})
		if d.Verdict != Allow {
			t.Errorf("read-only at %s = %s, want allow", trust, d.Verdict)
		}
	}
}

func TestReversibleNeedsTrusted(t *testing.T) {
	g := defaultGate()

	tests := []struct {
		trust TrustLevel
		want  Verdict
	}{
		{TrustUntrusted, RequireApproval},
		{TrustBasic, RequireApproval},
		{TrustTrusted, Allow},
		{TrustAdmin, Allow},
	}
	for _, tt := range tests {
		d := g.Decide("actor", ActionClassReversible, tt.trust, "run", "run-1", Context{ToolName: "kubectl.scale"})
		if d.Verdict != tt.want {
			t.Errorf("reversible at %s = %s, want %s", tt.trust, d.Verdict, tt.want)
		}
	}
}

func TestIrreversibleRequiresApprovalEvenForAdmin(t *testing.T) {
	g := defaultGate()

	d := g.Decide("root", ActionClassIrreversible, TrustAdmin, "run", "run-1", Context{ToolName: "sql.drop", ActorRoles: []string{"admin"}})
	if d.Verdict != RequireApproval {
		t.Errorf("irreversible at admin = %s, want require_approval", d.Verdict)
	}
}

func TestIrreversibleAdminBypassWhenDisabled(t *testing.T) {
	g := NewGate(Config{Level3IrreversibleRequiresApproval: false})

	d := g.Decide("root", ActionClassIrreversible, TrustAdmin, "run", "run-1", Context{ToolName: "fs.delete", ActorRoles: []string{"admin"}})
	if d.Verdict != Allow {
		t.Errorf("irreversible at admin with bypass = %s, want allow", d.Verdict)
	}

	// Bypass is admin-only.
	d = g.Decide("user", ActionClassIrreversible, TrustTrusted, "run", "run-1", Context{ToolName: "fs.delete"})
	if d.Verdict != RequireApproval {
		t.Errorf("irreversible at trusted with bypass = %s, want require_approval", d.Verdict)
	}
}

func TestDenyListWins(t *testing.T) {
	g := NewGate(Config{
		Level3IrreversibleRequiresApproval: true,
		DeniedPatterns:                     []string{"kubectl.delete*"},
	})

	d := g.Decide("actor", ActionClassReadOnly, TrustAdmin, "run", "run-1", Context{ToolName: "kubectl.delete", Target: "pod foo"})
	if d.Verdict != Deny {
		t.Errorf("denied pattern = %s, want deny", d.Verdict)
	}
}

func TestAllowListBlocksUnlisted(t *testing.T) {
	g := NewGate(Config{
		Level3IrreversibleRequiresApproval: true,
		AllowedPatterns:                    []string{"kubectl.get*"},
	})

	// Listed is fine.
	d := g.Decide("actor", ActionClassReversible, TrustTrusted, "run", "run-1", Context{ToolName: "kubectl.get"})
	if d.Verdict != Allow {
		t.Errorf("listed tool = %s, want allow", d.Verdict)
	}
	// Unlisted mutating tool is denied.
	d = g.Decide("actor", ActionClassReversible, TrustTrusted, "run", "run-1", Context{ToolName: "kubectl.scale"})
	if d.Verdict != Deny {
		t.Errorf("unlisted tool = %s, want deny", d.Verdict)
	}
	// Read-only bypasses the allow list.
	d = g.Decide("actor", ActionClassReadOnly, TrustTrusted, "run", "run-1", Context{ToolName: "http.get"})
	if d.Verdict != Allow {
		t.Errorf("read-only unlisted = %s, want allow", d.Verdict)
	}
}

func TestToolOverrideReclassifies(t *testing.T) {
	g := NewGate(Config{
		Level3IrreversibleRequiresApproval: true,
		ToolOverrides: map[string]ToolOverride{
			"http.post": {ActionClass: ActionClassIrreversible},
		},
	})

	d := g.Decide("actor", ActionClassReversible, TrustAdmin, "run", "run-1", Context{ToolName: "http.post"})
	if d.Verdict != RequireApproval {
		t.Errorf("override to irreversible = %s, want require_approval", d.Verdict)
	}
}

func TestToolOverrideAlwaysRequireApproval(t *testing.T) {
	g := NewGate(Config{
		Level3IrreversibleRequiresApproval: true,
		ToolOverrides: map[string]ToolOverride{
			"kubectl.get": {AlwaysRequireApproval: true},
		},
	})

	d := g.Decide("actor", ActionClassReadOnly, TrustAdmin, "run", "run-1", Context{ToolName: "kubectl.get"})
	if d.Verdict != RequireApproval {
		t.Errorf("always-require override = %s, want require_approval", d.Verdict)
	}
}

func TestUnknownClassFailsClosed(t *testing.T) {
	g := defaultGate()

	d := g.Decide("actor", ActionClass("mystery"), TrustAdmin, "run", "run-1", Context{ToolName: "x"})
	if d.Verdict != RequireApproval {
		t.Errorf("unknown class = %s, want require_approval", d.Verdict)
	}
}

func TestBlastRadiusDeniesCriticalNonAdmin(t *testing.T) {
	g := defaultGate()

	// Irreversible identity-depth mutation against prod with no admin
	// role scores critical and is denied outright.
	d := g.Decide("actor", ActionClassIrreversible, TrustTrusted, "run", "run-1", Context{
		ToolName: "http.delete",
		Target:   "prod-identity-service",
	})
	if d.Verdict != Deny {
		t.Errorf("critical non-admin = %s (%s), want deny", d.Verdict, d.Reason)
	}

	// The same action with the admin role requires approval instead.
	d = g.Decide("actor", ActionClassIrreversible, TrustAdmin, "run", "run-1", Context{
		ToolName:   "http.delete",
		Target:     "prod-identity-service",
		ActorRoles: []string{"admin"},
	})
	if d.Verdict != RequireApproval {
		t.Errorf("critical admin = %s, want require_approval", d.Verdict)
	}
}

func TestClassifyTool(t *testing.T) {
	tests := []struct {
		tool string
		want ActionClass
	}{
		{"kubectl.get", ActionClassReadOnly},
		{"kubectl.delete", ActionClassIrreversible},
		{"kubectl.scale", ActionClassReversible},
		{"sql.select", ActionClassReadOnly},
		{"sql.drop", ActionClassIrreversible},
		{"fs.read", ActionClassReadOnly},
		{"fs.delete", ActionClassIrreversible},
		{"mcp.files.fs.read", ActionClassReadOnly},
		{"mcp.k8s.kubectl.delete", ActionClassIrreversible},
		{"totally.unknown", ActionClassReversible},
		{"", ActionClassReversible},
	}
	for _, tt := range tests {
		if got := ClassifyTool(tt.tool); got != tt.want {
			t.Errorf("ClassifyTool(%q) = %s, want %s", tt.tool, got, tt.want)
		}
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, text string
		want          bool
	}{
		{"kubectl.delete*", "kubectl.delete pod", true},
		{"kubectl.delete*", "kubectl.get pod", false},
		{"*prod*", "deploy to prod cluster", true},
		{"exact", "exact", true},
		{"exact", "exact-no", false},
		{"a*b*c", "a-x-b-y-c", true},
		{"a*b*c", "a-x-b-y-c-d", false},
	}
	for _, tt := range tests {
		if got := matchGlob(tt.pattern, tt.text); got != tt.want {
			t.Errorf("matchGlob(%q, %q) = %v, want %v", tt.pattern, tt.text, got, tt.want)
		}
	}
}

func TestCooldownTracker(t *testing.T) {
	tracker := NewCooldownTracker()

	if tracker.Check("a", "tool", "key", 0) {
		t.Error("unrecorded action should not be in cooldown")
	}
	tracker.Record("a", "tool", "key")
	if !tracker.Check("a", "tool", "key", 1e18) {
		t.Error("just-recorded action should be in cooldown")
	}
	if tracker.Check("b", "tool", "key", 1e18) {
		t.Error("cooldown is per-actor")
	}
}
