/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package planner implements L8: turning a Run goal into a dependency
// DAG of Tasks with a layered execution order. The LLM collaborator
// proposes the decomposition; this package validates it (duplicate ids,
// unknown dependencies, cycles) and computes layers with Kahn's
// algorithm. Any validation failure falls back to a single-task plan so
// a malformed decomposition can never stall a Run.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/provider"
	"github.com/marcus-qen/legator/internal/ratelimit"
)

// Task is one planned unit of work.
type Task struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	ActionClass  string   `json:"action_class"`
}

// Plan is the validated decomposition of one goal.
type Plan struct {
	Goal  string
	Tasks []Task

	// Layers holds task ids grouped by execution wave: every task in
	// layer n has all its dependencies in layers < n. Ties within a
	// layer keep stable input order.
	Layers [][]string

	// Fallback is true when validation rejected the LLM's decomposition
	// and the plan was replaced by a single task carrying the goal.
	Fallback bool

	// FallbackReason records why the decomposition was rejected.
	FallbackReason string
}

// MaxActionClass returns the riskiest action class any task carries,
// for the pipeline's Plan-Approval stage.
func (p *Plan) MaxActionClass() string {
	max := "read-only"
	for _, t := range p.Tasks {
		switch t.ActionClass {
		case "irreversible":
			return "irreversible"
		case "reversible":
			max = "reversible"
		}
	}
	return max
}

// Payload renders the plan as an event payload for planner.completed.
func (p *Plan) Payload() map[string]any {
	tasks := make([]any, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tasks = append(tasks, map[string]any{
			"id":           t.ID,
			"title":        t.Title,
			"description":  t.Description,
			"dependencies": toAnySlice(t.Dependencies),
			"action_class": t.ActionClass,
		})
	}
	layers := make([]any, 0, len(p.Layers))
	for _, l := range p.Layers {
		layers = append(layers, toAnySlice(l))
	}
	payload := map[string]any{
		"goal":   p.Goal,
		"tasks":  tasks,
		"layers": layers,
	}
	if p.Fallback {
		payload["fallback"] = true
		payload["fallback_reason"] = p.FallbackReason
	}
	return payload
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Planner invokes the LLM collaborator with a decomposition prompt and
// validates the result.
type Planner struct {
	provider provider.Provider
	limiter  *ratelimit.Limiter
	log      logr.Logger

	model     string
	maxTokens int32
}

// New creates a Planner. limiter may be nil to skip rate limiting
// (tests with a mock provider).
func New(p provider.Provider, limiter *ratelimit.Limiter, model string, maxTokens int32, log logr.Logger) *Planner {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Planner{
		provider:  p,
		limiter:   limiter,
		log:       log.WithName("planner"),
		model:     model,
		maxTokens: maxTokens,
	}
}

// Plan decomposes goal into a layered Task DAG. priorContext carries
// the Colony's accumulated knowledge (previous Run outcomes) and may be
// empty.
func (pl *Planner) Plan(ctx context.Context, goal, priorContext string) (*Plan, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("planner: goal must not be empty")
	}

	if pl.limiter != nil {
		if err := pl.limiter.Acquire(ctx, pl.model, int(pl.maxTokens)); err != nil {
			return nil, fmt.Errorf("planner: rate limit: %w", err)
		}
	}

	resp, err := pl.provider.Complete(ctx, &provider.CompletionRequest{
		SystemPrompt: buildDecompositionPrompt(priorContext),
		Messages: []provider.Message{
			{Role: "user", Content: goal},
		},
		Model:     pl.model,
		MaxTokens: pl.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("planner: decomposition call: %w", err)
	}

	tasks, err := parseTaskList(resp.Content)
	if err != nil {
		pl.log.Info("decomposition unparseable, falling back to single task", "reason", err.Error())
		return fallbackPlan(goal, err.Error()), nil
	}

	validated, err := Validate(goal, tasks)
	if err != nil {
		pl.log.Info("decomposition invalid, falling back to single task", "reason", err.Error())
		return fallbackPlan(goal, err.Error()), nil
	}

	pl.log.Info("plan computed",
		"tasks", len(validated.Tasks),
		"layers", len(validated.Layers),
	)
	return validated, nil
}

// Validate checks a task list for duplicate ids, unknown dependencies,
// and cycles, then computes the layered execution order. It is exposed
// so callers with an externally supplied plan (control surface, tests)
// get the same guarantees as LLM-produced ones.
func Validate(goal string, tasks []Task) (*Plan, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("empty task list")
	}

	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		if t.ActionClass == "" {
			t.ActionClass = "reversible"
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if dep == t.ID {
				return nil, fmt.Errorf("task %q depends on itself", t.ID)
			}
		}
	}

	if cycle := findCycle(tasks, byID); cycle != "" {
		return nil, fmt.Errorf("dependency cycle through task %q", cycle)
	}

	layers := computeLayers(tasks)

	return &Plan{Goal: goal, Tasks: tasks, Layers: layers}, nil
}

// findCycle runs a DFS over the dependency edges; any back-edge to a
// task on the current stack is a cycle. Returns the id of a task on a
// cycle, or "" when the graph is acyclic.
func findCycle(tasks []Task, byID map[string]*Task) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on stack
		black = 2 // done
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range byID[id].Dependencies {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if c := visit(dep); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if c := visit(t.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// computeLayers assigns each task the smallest layer greater than all
// its dependencies' layers (Kahn's algorithm by repeated sweeps, stable
// in input order). Callers must have validated the graph first.
func computeLayers(tasks []Task) [][]string {
	layerOf := make(map[string]int, len(tasks))
	assigned := 0

	for assigned < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if _, done := layerOf[t.ID]; done {
				continue
			}
			layer := 0
			ready := true
			for _, dep := range t.Dependencies {
				depLayer, ok := layerOf[dep]
				if !ok {
					ready = false
					break
				}
				if depLayer+1 > layer {
					layer = depLayer + 1
				}
			}
			if ready {
				layerOf[t.ID] = layer
				assigned++
				progressed = true
			}
		}
		if !progressed {
			// Unreachable after Validate; bail rather than spin.
			break
		}
	}

	maxLayer := 0
	for _, l := range layerOf {
		if l > maxLayer {
			maxLayer = l
		}
	}
	layers := make([][]string, maxLayer+1)
	for _, t := range tasks {
		l, ok := layerOf[t.ID]
		if !ok {
			continue
		}
		layers[l] = append(layers[l], t.ID)
	}
	return layers
}

func fallbackPlan(goal, reason string) *Plan {
	tasks := []Task{{
		ID:          "t1",
		Title:       goal,
		Description: goal,
		ActionClass: "reversible",
	}}
	return &Plan{
		Goal:           goal,
		Tasks:          tasks,
		Layers:         [][]string{{"t1"}},
		Fallback:       true,
		FallbackReason: reason,
	}
}

// parseTaskList extracts the JSON task array from an LLM response,
// tolerating a fenced code block around it.
func parseTaskList(content string) ([]Task, error) {
	raw := strings.TrimSpace(content)
	if idx := strings.Index(raw, "```"); idx >= 0 {
		raw = raw[idx+3:]
		raw = strings.TrimPrefix(raw, "json")
		if end := strings.Index(raw, "```"); end >= 0 {
			raw = raw[:end]
		}
		raw = strings.TrimSpace(raw)
	}

	// The decomposition may arrive bare or wrapped in {"tasks": [...]}.
	if strings.HasPrefix(raw, "{") {
		var wrapper struct {
			Tasks []Task `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, fmt.Errorf("parse task object: %w", err)
		}
		return wrapper.Tasks, nil
	}

	var tasks []Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, fmt.Errorf("parse task array: %w", err)
	}
	return tasks, nil
}

// buildDecompositionPrompt constructs the system prompt for the
// decomposition call.
func buildDecompositionPrompt(priorContext string) string {
	var b strings.Builder

	b.WriteString("You are a task planner for an autonomous execution engine.\n\n")
	b.WriteString("Decompose the user's goal into discrete tasks. Respond with ONLY a JSON array, no prose:\n")
	b.WriteString(`[{"id": "t1", "title": "...", "description": "...", "dependencies": [], "action_class": "read-only|reversible|irreversible"}]` + "\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- ids must be unique; dependencies reference other ids in this array\n")
	b.WriteString("- no dependency cycles\n")
	b.WriteString("- classify each task's riskiest action: read-only never mutates, reversible can be undone, irreversible cannot\n")
	b.WriteString("- prefer independent tasks; add a dependency only when one task truly needs another's output\n")

	if strings.TrimSpace(priorContext) != "" {
		b.WriteString("\n## Prior context\n")
		b.WriteString(priorContext)
		b.WriteString("\n")
	}

	return b.String()
}
