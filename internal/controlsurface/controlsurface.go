/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package controlsurface implements L12: the transport-independent
// command dispatch over the Engine. Every wire transport (CLI, HTTP,
// stdio) marshals into a Command and calls Dispatch; commands are
// idempotent by command id, so a retried delivery replays the recorded
// result instead of mutating twice.
//
// The surface also owns the periodic housekeeping ticks: Requirement
// expiry sweeps, Sentinel window pruning, and heartbeat-silence
// detection, driven by a cron scheduler.
package controlsurface

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/legator/internal/engine"
	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/lineage"
	"github.com/marcus-qen/legator/internal/signing"
)

// Command is one control RPC invocation.
type Command struct {
	// ID is the idempotency key. Replaying a Command with an ID the
	// surface has already executed returns the recorded result.
	ID string

	// Name selects the operation, e.g. "run.start".
	Name string

	// Args carries the operation's named arguments.
	Args map[string]any

	// Signature is the hex HMAC over (ID, Name, Args), required when the
	// surface has auth enabled (network-exposed transports).
	Signature string
}

// Result is the successful outcome of one Command.
type Result struct {
	// EntityID is the id of the created or mutated entity, when the
	// command has one.
	EntityID string

	// State is the entity's state after the command, when meaningful.
	State string

	// Data carries command-specific extra output (event lists, lineage
	// sets).
	Data map[string]any
}

// Surface dispatches Commands to the Engine.
type Surface struct {
	engine *engine.Engine
	log    logr.Logger
	signer *signing.Signer

	mu   sync.Mutex
	seen map[string]*Result

	cron *cron.Cron
}

// New creates a Surface over eng.
func New(eng *engine.Engine, log logr.Logger) *Surface {
	return &Surface{
		engine: eng,
		log:    log.WithName("controlsurface"),
		seen:   make(map[string]*Result),
	}
}

// WithAuth requires every Command to carry a valid HMAC signature over
// (ID, Name, Args) under key. Enable when the surface is reachable over a
// network transport; in-process callers normally skip it.
func (s *Surface) WithAuth(key []byte) *Surface {
	s.signer = signing.NewSigner(key)
	return s
}

// Start registers the housekeeping cron jobs and blocks until ctx is
// cancelled.
func (s *Surface) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithSeconds())

	jobs := []struct {
		spec string
		name string
		fn   func()
	}{
		{"*/30 * * * * *", "approval-sweep", func() {
			if n := s.engine.SweepApprovals(time.Now()); n > 0 {
				s.log.Info("expired requirements", "count", n)
			}
		}},
		{"*/30 * * * * *", "sentinel-scan", func() {
			s.engine.SentinelScan(time.Now())
		}},
		{"*/15 * * * * *", "heartbeat-check", func() {
			if n := s.engine.CheckHeartbeats(time.Now()); n > 0 {
				s.log.Info("silent runs detected", "count", n)
			}
		}},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return fmt.Errorf("register cron job %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return nil
}

// Dispatch validates and executes one Command.
func (s *Surface) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, engineerr.Validation("command name must not be empty")
	}

	if s.signer != nil {
		ok, err := s.signer.Verify(cmd.ID+"|"+cmd.Name, cmd.Args, cmd.Signature)
		if err != nil {
			return nil, engineerr.New(engineerr.KindValidation, "verify command signature", err)
		}
		if !ok {
			return nil, engineerr.PolicyDenied("command signature invalid or missing")
		}
	}

	if cmd.ID != "" {
		s.mu.Lock()
		if prior, ok := s.seen[cmd.ID]; ok {
			s.mu.Unlock()
			s.log.V(1).Info("replayed idempotent command", "id", cmd.ID, "name", cmd.Name)
			return prior, nil
		}
		s.mu.Unlock()
	}

	result, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if cmd.ID != "" {
		s.mu.Lock()
		s.seen[cmd.ID] = result
		s.mu.Unlock()
	}
	return result, nil
}

func (s *Surface) execute(ctx context.Context, cmd Command) (*Result, error) {
	a := args(cmd.Args)

	switch cmd.Name {
	case "hive.create":
		name, err := a.requireString("name")
		if err != nil {
			return nil, err
		}
		hiveID, err := s.engine.CreateHive(name, a.str("description"))
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: hiveID, State: "active"}, nil

	case "hive.close":
		hiveID, err := a.requireString("hive_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.CloseHive(hiveID); err != nil {
			return nil, err
		}
		return &Result{EntityID: hiveID, State: "closed"}, nil

	case "colony.create":
		hiveID, err := a.requireString("hive_id")
		if err != nil {
			return nil, err
		}
		name, err := a.requireString("name")
		if err != nil {
			return nil, err
		}
		colonyID, err := s.engine.CreateColony(hiveID, name, a.str("goal"))
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: colonyID, State: "pending"}, nil

	case "colony.start":
		hiveID, err := a.requireString("hive_id")
		if err != nil {
			return nil, err
		}
		colonyID, err := a.requireString("colony_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.StartColony(hiveID, colonyID); err != nil {
			return nil, err
		}
		return &Result{EntityID: colonyID, State: "in-progress"}, nil

	case "colony.complete":
		hiveID, err := a.requireString("hive_id")
		if err != nil {
			return nil, err
		}
		colonyID, err := a.requireString("colony_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.CompleteColony(hiveID, colonyID); err != nil {
			return nil, err
		}
		return &Result{EntityID: colonyID, State: "completed"}, nil

	case "run.start":
		goal, err := a.requireString("goal")
		if err != nil {
			return nil, err
		}
		var runID string
		if a.boolean("manual") {
			runID, err = s.engine.StartManualRun(goal, a.str("colony_id"))
		} else {
			runID, err = s.engine.StartRun(ctx, goal, a.str("colony_id"))
		}
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: runID, State: "running"}, nil

	case "run.complete":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.CompleteRun(runID, a.boolean("force")); err != nil {
			return nil, err
		}
		return &Result{EntityID: runID, State: "completed"}, nil

	case "run.emergency-stop":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.EmergencyStop(runID, a.str("reason")); err != nil {
			return nil, err
		}
		return &Result{EntityID: runID, State: "aborting"}, nil

	case "task.create":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		title, err := a.requireString("title")
		if err != nil {
			return nil, err
		}
		taskID, err := s.engine.CreateTask(runID, title, a.str("description"))
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "pending"}, nil

	case "task.assign":
		runID, taskID, err := a.runAndTask()
		if err != nil {
			return nil, err
		}
		assignee, err := a.requireString("assignee")
		if err != nil {
			return nil, err
		}
		if err := s.engine.AssignTask(runID, taskID, assignee); err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "assigned"}, nil

	case "task.start":
		runID, taskID, err := a.runAndTask()
		if err != nil {
			return nil, err
		}
		if err := s.engine.StartTaskWork(runID, taskID); err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "in-progress"}, nil

	case "task.progress":
		runID, taskID, err := a.runAndTask()
		if err != nil {
			return nil, err
		}
		progress, err := a.requireInt("progress")
		if err != nil {
			return nil, err
		}
		if err := s.engine.ProgressTask(runID, taskID, progress, a.str("message")); err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "in-progress"}, nil

	case "task.complete":
		runID, taskID, err := a.runAndTask()
		if err != nil {
			return nil, err
		}
		if err := s.engine.CompleteTask(runID, taskID, a.str("result")); err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "completed"}, nil

	case "task.fail":
		runID, taskID, err := a.runAndTask()
		if err != nil {
			return nil, err
		}
		errMsg, err := a.requireString("error")
		if err != nil {
			return nil, err
		}
		if err := s.engine.FailTask(runID, taskID, errMsg, a.boolean("retryable")); err != nil {
			return nil, err
		}
		return &Result{EntityID: taskID, State: "failed"}, nil

	case "requirement.create":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		description, err := a.requireString("description")
		if err != nil {
			return nil, err
		}
		reqID, err := s.engine.CreateRequirement(runID, description, a.strings("options"))
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: reqID, State: "pending"}, nil

	case "requirement.resolve":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		reqID, err := a.requireString("requirement_id")
		if err != nil {
			return nil, err
		}
		approved := a.boolean("approved")
		err = s.engine.ResolveRequirement(runID, reqID, approved,
			a.str("selected_option"), a.str("comment"), a.str("typed_confirmation"))
		if err != nil {
			return nil, err
		}
		state := "rejected"
		if approved {
			state = "approved"
		}
		return &Result{EntityID: reqID, State: state}, nil

	case "events.list":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		events, err := s.engine.ListEvents(runID)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, len(events))
		for _, e := range events {
			list = append(list, map[string]any{
				"id":        e.ID,
				"type":      e.Type,
				"timestamp": e.Timestamp.Format(time.RFC3339Nano),
				"actor":     e.Actor,
				"task_id":   e.TaskID,
			})
		}
		return &Result{EntityID: runID, Data: map[string]any{"events": list}}, nil

	case "events.lineage":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		eventID, err := a.requireString("event_id")
		if err != nil {
			return nil, err
		}
		maxDepth, err := a.requireInt("max_depth")
		if err != nil {
			return nil, err
		}
		direction := lineage.Direction(a.str("direction"))
		res, err := s.engine.Lineage(runID, eventID, direction, maxDepth)
		if err != nil {
			return nil, err
		}
		return &Result{EntityID: eventID, Data: map[string]any{
			"event_ids": res.EventIDs,
			"truncated": res.Truncated,
		}}, nil

	case "heartbeat":
		runID, err := a.requireString("run_id")
		if err != nil {
			return nil, err
		}
		if err := s.engine.Heartbeat(runID, a.str("message")); err != nil {
			return nil, err
		}
		return &Result{EntityID: runID}, nil

	default:
		return nil, engineerr.Validation("unknown command %q", cmd.Name)
	}
}

// args wraps the loosely-typed argument map with typed accessors.
type args map[string]any

func (a args) str(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

func (a args) requireString(key string) (string, error) {
	v := a.str(key)
	if strings.TrimSpace(v) == "" {
		return "", engineerr.Validation("missing required argument %q", key)
	}
	return v, nil
}

func (a args) requireInt(key string) (int, error) {
	switch v := a[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	}
	return 0, engineerr.Validation("missing required integer argument %q", key)
}

func (a args) boolean(key string) bool {
	v, _ := a[key].(bool)
	return v
}

func (a args) strings(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (a args) runAndTask() (string, string, error) {
	runID, err := a.requireString("run_id")
	if err != nil {
		return "", "", err
	}
	taskID, err := a.requireString("task_id")
	if err != nil {
		return "", "", err
	}
	return runID, taskID, nil
}
