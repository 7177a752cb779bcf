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
	"fmt"
	"sort"
	"sync"

	"github.com/marcus-qen/legator/internal/provider"
)

// StaticFunc is one in-process tool handler.
type StaticFunc func(ctx context.Context, args map[string]any) (Result, error)

// StaticExecutor is an in-memory Executor for tests and embedders that
// supply their own tool handlers instead of MCP servers. It records
// every call so tests can assert on what was executed.
type StaticExecutor struct {
	mu    sync.Mutex
	tools map[string]staticTool
	calls []string
}

type staticTool struct {
	def provider.ToolDefinition
	fn  StaticFunc
}

// NewStaticExecutor returns an empty StaticExecutor.
func NewStaticExecutor() *StaticExecutor {
	return &StaticExecutor{tools: make(map[string]staticTool)}
}

// Register adds (or replaces) one tool handler.
func (s *StaticExecutor) Register(def provider.ToolDefinition, fn StaticFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = staticTool{def: def, fn: fn}
}

// Execute dispatches to the registered handler.
func (s *StaticExecutor) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	s.mu.Lock()
	tool, ok := s.tools[name]
	s.calls = append(s.calls, name)
	s.mu.Unlock()

	if !ok {
		return Result{}, fmt.Errorf("unknown tool %q", name)
	}
	return tool.fn(ctx, args)
}

// Definitions lists the registered tools in name order.
func (s *StaticExecutor) Definitions() []provider.ToolDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()

	defs := make([]provider.ToolDefinition, 0, len(s.tools))
	for _, t := range s.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Calls returns the tool names executed so far, in order.
func (s *StaticExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
