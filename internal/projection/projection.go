/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package projection implements L2: pure, idempotent folds from an
// event stream to a current-state snapshot for each entity. Projections
// are derived caches, never authoritative — the event log is. Every
// Apply call is equivalent to re-projecting the whole prefix including
// the new event (spec.md §4.3); Project simply folds Apply over a slice
// from a zero-valued projection so the two can never drift apart.
package projection

import (
	"time"

	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/statemachine"
)

// TaskProjection is the current-state snapshot of one Task.
type TaskProjection struct {
	ID           string
	RunID        string
	ParentTaskID string
	Title        string
	Description  string
	State        statemachine.TaskState
	Progress     int
	Assignee     string
	RetryCount   int
	Dependencies []string
	ActionClass  string
	Result       any
	Error        string
	Retryable    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RequirementProjection is the current-state snapshot of one Requirement.
type RequirementProjection struct {
	ID             string
	RunID          string
	Description    string
	State          statemachine.RequirementState
	Options        []string
	SelectedOption string
	Comment        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunProjection is the current-state snapshot of one Run.
type RunProjection struct {
	ID            string
	ColonyID      string
	Goal          string
	State         statemachine.RunState
	StartedAt     time.Time
	CompletedAt   time.Time
	LastHeartbeat time.Time
	EventCount    int
	UnknownEvents int

	Tasks        map[string]*TaskProjection
	Requirements map[string]*RequirementProjection
}

// ColonyProjection is the current-state snapshot of one Colony.
type ColonyProjection struct {
	ID            string
	HiveID        string
	Name          string
	Goal          string
	State         statemachine.ColonyState
	RunIDs        []string
	UnknownEvents int
}

// HiveProjection is the current-state snapshot of one Hive.
type HiveProjection struct {
	ID            string
	Name          string
	Description   string
	State         statemachine.HiveState
	ColonyIDs     []string
	CreatedAt     time.Time
	UnknownEvents int
}

func newRunProjection(id string) *RunProjection {
	return &RunProjection{
		ID:           id,
		State:        statemachine.RunRunning,
		Tasks:        make(map[string]*TaskProjection),
		Requirements: make(map[string]*RequirementProjection),
	}
}

// ProjectRun folds a Run's full event stream into a RunProjection.
func ProjectRun(events []*eventlog.Event) (*RunProjection, error) {
	if len(events) == 0 {
		return nil, nil
	}
	p := newRunProjection(events[0].RunID)
	for _, e := range events {
		if err := ApplyToRun(p, e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ApplyToRun advances p by one event. It is the sole place Run state
// changes; ProjectRun is defined purely in terms of repeated ApplyToRun
// calls so the two can never diverge.
func ApplyToRun(p *RunProjection, e *eventlog.Event) error {
	p.EventCount++
	if e.RunID != "" {
		p.ID = e.RunID
	}

	switch e.Type {
	case "run.started":
		p.Goal, _ = stringField(e.Payload, "goal")
		p.ColonyID, _ = stringField(e.Payload, "colony_id")
		p.StartedAt = e.Timestamp
		p.LastHeartbeat = e.Timestamp
		return nil
	case "run.completed", "run.failed", "run.aborted", "run.timeout":
		next, err := (statemachine.RunSM{}).Next(p.State, e.Type)
		if err != nil {
			return err
		}
		p.State = next
		p.CompletedAt = e.Timestamp
		return nil
	case "heartbeat":
		p.LastHeartbeat = e.Timestamp
		return nil
	}

	if taskEvent(e.Type) {
		return applyTaskEvent(p, e)
	}
	if requirementEvent(e.Type) {
		return applyRequirementEvent(p, e)
	}

	p.UnknownEvents++
	return nil
}

func taskEvent(t string) bool {
	switch t {
	case "task.created", "task.assigned", "worker.started", "task.progressed",
		"task.completed", "task.failed", "task.blocked", "task.unblocked", "task.cancelled":
		return true
	}
	return false
}

func requirementEvent(t string) bool {
	switch t {
	case "requirement.created", "requirement.approved", "requirement.rejected", "requirement.cancelled":
		return true
	}
	return false
}

func applyTaskEvent(p *RunProjection, e *eventlog.Event) error {
	id := e.TaskID
	if id == "" {
		p.UnknownEvents++
		return nil
	}

	task, ok := p.Tasks[id]
	if !ok {
		task = &TaskProjection{ID: id, RunID: p.ID, State: statemachine.TaskPending, CreatedAt: e.Timestamp}
		p.Tasks[id] = task
	}
	task.UpdatedAt = e.Timestamp

	switch e.Type {
	case "task.created":
		task.Title, _ = stringField(e.Payload, "title")
		task.Description, _ = stringField(e.Payload, "description")
		task.ParentTaskID, _ = stringField(e.Payload, "parent_task_id")
		task.ActionClass, _ = stringField(e.Payload, "action_class")
		task.Dependencies = stringSliceField(e.Payload, "dependencies")
		return nil
	case "task.assigned":
		task.Assignee, _ = stringField(e.Payload, "assignee")
	case "task.progressed":
		if v, ok := intField(e.Payload, "progress"); ok {
			task.Progress = v
		}
	case "task.completed":
		task.Progress = 100
		task.Result = e.Payload["result"]
	case "task.failed":
		task.Error, _ = stringField(e.Payload, "error")
		if v, ok := boolField(e.Payload, "retryable"); ok {
			task.Retryable = v
		}
		if v, ok := intField(e.Payload, "retry_count"); ok {
			task.RetryCount = v
		}
	case "worker.started":
		if v, ok := intField(e.Payload, "retry_count"); ok {
			task.RetryCount = v
		}
	}

	next, err := (statemachine.TaskSM{}).Next(task.State, e.Type)
	if err != nil {
		return err
	}
	task.State = next
	return nil
}

func applyRequirementEvent(p *RunProjection, e *eventlog.Event) error {
	id := stringFromPayloadOrID(e)
	if id == "" {
		p.UnknownEvents++
		return nil
	}

	req, ok := p.Requirements[id]
	if !ok {
		req = &RequirementProjection{ID: id, RunID: p.ID, State: statemachine.RequirementPending, CreatedAt: e.Timestamp}
		p.Requirements[id] = req
	}
	req.UpdatedAt = e.Timestamp

	switch e.Type {
	case "requirement.created":
		req.Description, _ = stringField(e.Payload, "description")
		req.Options = stringSliceField(e.Payload, "options")
		// Creation opens the Requirement in pending; the state machine
		// only covers the transitions out of it.
		return nil
	case "requirement.approved", "requirement.rejected":
		req.SelectedOption, _ = stringField(e.Payload, "selected_option")
		req.Comment, _ = stringField(e.Payload, "comment")
	}

	next, err := (statemachine.RequirementSM{}).Next(req.State, e.Type)
	if err != nil {
		return err
	}
	req.State = next
	return nil
}

// stringFromPayloadOrID returns the payload's "requirement_id", falling
// back to the event's own id for requirement.created (which has none yet).
func stringFromPayloadOrID(e *eventlog.Event) string {
	if id, ok := stringField(e.Payload, "requirement_id"); ok && id != "" {
		return id
	}
	if e.Type == "requirement.created" {
		return e.ID
	}
	return ""
}

// ProjectColony folds a Colony's lifecycle events (read from its owning
// Hive's log, per spec.md §4.2) into a ColonyProjection.
func ProjectColony(colonyID string, events []*eventlog.Event) (*ColonyProjection, error) {
	p := &ColonyProjection{ID: colonyID, State: statemachine.ColonyPending}
	for _, e := range events {
		if e.ColonyID != colonyID {
			continue
		}
		if err := ApplyToColony(p, e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ApplyToColony advances p by one Colony-scoped event.
func ApplyToColony(p *ColonyProjection, e *eventlog.Event) error {
	switch e.Type {
	case "colony.created":
		p.HiveID, _ = stringField(e.Payload, "hive_id")
		p.Name, _ = stringField(e.Payload, "name")
		p.Goal, _ = stringField(e.Payload, "goal")
		return nil
	case "colony.run_started":
		if runID, ok := stringField(e.Payload, "run_id"); ok {
			p.RunIDs = append(p.RunIDs, runID)
		}
		return nil
	case "colony.started", "colony.completed", "colony.failed", "colony.suspended":
		next, err := (statemachine.ColonySM{}).Next(p.State, e.Type)
		if err != nil {
			return err
		}
		p.State = next
		return nil
	}
	p.UnknownEvents++
	return nil
}

// ProjectHive folds a Hive's own log into a HiveProjection.
func ProjectHive(hiveID string, events []*eventlog.Event) (*HiveProjection, error) {
	p := &HiveProjection{ID: hiveID, State: statemachine.HiveActive}
	for _, e := range events {
		if err := ApplyToHive(p, e); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ApplyToHive advances p by one Hive-scoped event.
func ApplyToHive(p *HiveProjection, e *eventlog.Event) error {
	switch e.Type {
	case "hive.created":
		p.Name, _ = stringField(e.Payload, "name")
		p.Description, _ = stringField(e.Payload, "description")
		p.CreatedAt = e.Timestamp
		return nil
	case "colony.created":
		if id, ok := stringField(e.Payload, "colony_id"); ok {
			p.ColonyIDs = append(p.ColonyIDs, id)
		}
		return nil
	case "hive.idled", "hive.activated", "hive.closed":
		next, err := (statemachine.HiveSM{}).Next(p.State, e.Type)
		if err != nil {
			return err
		}
		p.State = next
		return nil
	}
	p.UnknownEvents++
	return nil
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolField(payload map[string]any, key string) (bool, bool) {
	v, ok := payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func intField(payload map[string]any, key string) (int, bool) {
	v, ok := payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringSliceField(payload map[string]any, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
