/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package toolplugin

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/provider"
)

func TestSplitToolName(t *testing.T) {
	tests := []struct {
		name       string
		wantServer string
		wantTool   string
		wantErr    bool
	}{
		{"mcp.k8sgpt.analyze", "k8sgpt", "analyze", false},
		{"mcp.files.read_file", "files", "read_file", false},
		{"mcp.files.fs.read", "files", "fs.read", false},
		{"kubectl.get", "", "", true},
		{"mcp.broken", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		server, tool, err := splitToolName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitToolName(%q) expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitToolName(%q): %v", tt.name, err)
			continue
		}
		if server != tt.wantServer || tool != tt.wantTool {
			t.Errorf("splitToolName(%q) = (%q, %q), want (%q, %q)",
				tt.name, server, tool, tt.wantServer, tt.wantTool)
		}
	}
}

func TestStaticExecutor(t *testing.T) {
	s := NewStaticExecutor()
	s.Register(provider.ToolDefinition{Name: "echo", Description: "echoes"}, func(_ context.Context, args map[string]any) (Result, error) {
		msg, _ := args["message"].(string)
		return Result{Content: msg}, nil
	})

	res, err := s.Execute(context.Background(), "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Content != "hi" {
		t.Errorf("Content = %q, want %q", res.Content, "hi")
	}

	if _, err := s.Execute(context.Background(), "missing", nil); err == nil {
		t.Error("Execute of unknown tool should fail")
	}

	calls := s.Calls()
	if len(calls) != 2 || calls[0] != "echo" || calls[1] != "missing" {
		t.Errorf("Calls = %v, want [echo missing]", calls)
	}

	defs := s.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Errorf("Definitions = %v, want one echo entry", defs)
	}
}

func TestExecuteWithoutConnection(t *testing.T) {
	m := NewManager(logr.Discard())

	if _, err := m.Execute(context.Background(), "mcp.nosuch.tool", nil); err == nil {
		t.Error("Execute against unknown server should fail")
	}
	if _, err := m.Execute(context.Background(), "not-namespaced", nil); err == nil {
		t.Error("Execute with malformed name should fail")
	}
}

func TestDefinitionsEmptyWhenDisconnected(t *testing.T) {
	m := NewManager(logr.Discard())
	if defs := m.Definitions(); len(defs) != 0 {
		t.Errorf("Definitions = %v, want empty", defs)
	}
}
