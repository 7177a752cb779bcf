/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package toolplugin is the narrow interface the orchestrator uses to
// execute tools. The engine core never implements tools itself — file
// I/O, browser automation, vision and the rest live in external plugin
// processes reached over MCP (Model Context Protocol). This package
// connects to those servers, discovers their tools, and exposes them
// through a single Execute entry point.
//
// Tool names are namespaced: "mcp.<server>.<tool>" to avoid collisions
// between servers.
package toolplugin

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/legator/internal/provider"
)

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the tool's text output.
	Content string

	// IsError indicates the tool itself reported failure.
	IsError bool
}

// Executor is what the orchestrator depends on: execute one named tool
// and enumerate what's available for the LLM's tool definitions.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (Result, error)
	Definitions() []provider.ToolDefinition
}

// ServerSpec describes one MCP server to connect to.
type ServerSpec struct {
	// Endpoint is the URL of the MCP server (streamable HTTP transport).
	Endpoint string

	// Capabilities are the declared capabilities, informational only.
	Capabilities []string
}

// ServerConnection represents a live connection to an MCP server.
type ServerConnection struct {
	Name         string
	Endpoint     string
	Capabilities []string
	Session      *mcpsdk.ClientSession
	Tools        []*mcpsdk.Tool

	// Healthy indicates whether the server passed its last health check.
	Healthy bool

	// Error holds the last connection error (if any).
	Error error
}

// NoiseFilter can modify or suppress a tool result before the
// orchestrator sees it. Return empty string to suppress entirely.
type NoiseFilter func(serverName, toolName, result string) string

// Manager manages connections to multiple MCP servers and implements
// Executor over the union of their discovered tools.
type Manager struct {
	log         logr.Logger
	client      *mcpsdk.Client
	connections map[string]*ServerConnection
	mu          sync.RWMutex

	httpTimeout time.Duration

	// NoiseFilters are applied to every tool result in order.
	NoiseFilters []NoiseFilter
}

// NewManager creates an MCP-backed tool executor.
func NewManager(log logr.Logger) *Manager {
	return &Manager{
		log: log.WithName("toolplugin"),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "legator",
				Version: "0.1.0",
			},
			nil,
		),
		connections: make(map[string]*ServerConnection),
		httpTimeout: 30 * time.Second,
	}
}

// ConnectAll connects to every configured MCP server. It logs warnings
// for servers that fail to connect but does not fail — Runs should
// degrade gracefully when optional tool servers are unavailable.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]ServerSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, spec := range servers {
		conn := &ServerConnection{
			Name:         name,
			Endpoint:     spec.Endpoint,
			Capabilities: spec.Capabilities,
		}

		if err := m.connectOne(ctx, conn); err != nil {
			conn.Error = err
			conn.Healthy = false
			m.log.Error(err, "Failed to connect to MCP server (degrading gracefully)",
				"server", name,
				"endpoint", spec.Endpoint,
			)
		}

		m.connections[name] = conn
	}

	return nil
}

// connectOne establishes a connection to a single MCP server.
func (m *Manager) connectOne(ctx context.Context, conn *ServerConnection) error {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint: conn.Endpoint,
		HTTPClient: &http.Client{
			Timeout: m.httpTimeout,
		},
		DisableStandaloneSSE: true, // no server-initiated notifications needed
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", conn.Endpoint, err)
	}
	conn.Session = session

	// Discover tools
	result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{})
	if err != nil {
		conn.Healthy = true // connected but tool listing failed — still partially useful
		conn.Error = fmt.Errorf("list tools: %w", err)
		m.log.Error(err, "Connected but failed to list tools", "server", conn.Name)
		return nil
	}

	conn.Tools = result.Tools
	conn.Healthy = true
	conn.Error = nil

	m.log.Info("Connected to MCP server",
		"server", conn.Name,
		"endpoint", conn.Endpoint,
		"tools", len(conn.Tools),
	)

	return nil
}

// Execute resolves a namespaced tool name, calls it on its server, and
// returns the filtered text result.
func (m *Manager) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	serverName, toolName, err := splitToolName(name)
	if err != nil {
		return Result{}, err
	}

	m.mu.RLock()
	conn, ok := m.connections[serverName]
	m.mu.RUnlock()
	if !ok || conn.Session == nil {
		return Result{}, fmt.Errorf("no connection to MCP server %q", serverName)
	}

	result, err := conn.Session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("MCP call %s/%s: %w", serverName, toolName, err)
	}

	text := extractTextContent(result)
	for _, filter := range m.NoiseFilters {
		text = filter(serverName, toolName, text)
		if text == "" {
			return Result{Content: "(filtered — no actionable content)"}, nil
		}
	}

	return Result{Content: text, IsError: result.IsError}, nil
}

// Definitions enumerates every discovered tool as an LLM tool definition.
func (m *Manager) Definitions() []provider.ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var defs []provider.ToolDefinition
	for _, conn := range m.connections {
		if !conn.Healthy || conn.Session == nil {
			continue
		}
		for _, tool := range conn.Tools {
			defs = append(defs, provider.ToolDefinition{
				Name:        fmt.Sprintf("mcp.%s.%s", conn.Name, tool.Name),
				Description: toolDescription(conn.Name, tool),
				Parameters:  toolParameters(tool),
			})
		}
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// HealthCheck pings all connected servers and updates their health status.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]bool, len(m.connections))
	for name, conn := range m.connections {
		if conn.Session == nil {
			results[name] = false
			continue
		}

		err := conn.Session.Ping(ctx, &mcpsdk.PingParams{})
		healthy := err == nil
		conn.Healthy = healthy
		if err != nil {
			conn.Error = err
		}
		results[name] = healthy
	}

	return results
}

// Close closes all MCP server connections.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, conn := range m.connections {
		if conn.Session != nil {
			if err := conn.Session.Close(); err != nil {
				m.log.Error(err, "Failed to close MCP session", "server", name)
			}
		}
	}
	m.connections = make(map[string]*ServerConnection)
}

// Connections returns a snapshot of all server connections (for status reporting).
func (m *Manager) Connections() map[string]*ServerConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ServerConnection, len(m.connections))
	for k, v := range m.connections {
		result[k] = v
	}
	return result
}

func splitToolName(name string) (server, tool string, err error) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 || parts[0] != "mcp" {
		return "", "", fmt.Errorf("tool name %q is not of the form mcp.<server>.<tool>", name)
	}
	return parts[1], parts[2], nil
}

func toolDescription(serverName string, tool *mcpsdk.Tool) string {
	if tool.Description != "" {
		return tool.Description
	}
	return fmt.Sprintf("MCP tool %s from server %s", tool.Name, serverName)
}

// toolParameters converts MCP's InputSchema to a map for the LLM provider.
func toolParameters(tool *mcpsdk.Tool) map[string]interface{} {
	if tool.InputSchema != nil {
		if m, ok := tool.InputSchema.(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// extractTextContent extracts text from MCP Content items.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}

	return strings.Join(parts, "\n")
}
