/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package controlsurface

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/config"
	"github.com/marcus-qen/legator/internal/engine"
	"github.com/marcus-qen/legator/internal/signing"
)

func newTestSurface(t *testing.T) *Surface {
	t.Helper()
	cfg := config.Default()
	cfg.VaultPath = t.TempDir()
	eng, err := engine.NewEngine(cfg, logr.Discard())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return New(eng, logr.Discard())
}

func TestAuthRejectsUnsignedCommands(t *testing.T) {
	s := newTestSurface(t).WithAuth([]byte("shared-key"))

	cmd := Command{ID: "cmd-1", Name: "hive.create", Args: map[string]any{"name": "h"}}
	if _, err := s.Dispatch(context.Background(), cmd); err == nil {
		t.Fatal("unsigned command should be rejected")
	}

	sig, err := signing.NewSigner([]byte("shared-key")).Sign(cmd.ID+"|"+cmd.Name, cmd.Args)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	cmd.Signature = sig
	if _, err := s.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("signed command rejected: %v", err)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := newTestSurface(t)
	if _, err := s.Dispatch(context.Background(), Command{Name: "nope.nope"}); err == nil {
		t.Fatal("unknown command should fail")
	}
}

func TestDispatchValidation(t *testing.T) {
	s := newTestSurface(t)

	// Missing required argument.
	if _, err := s.Dispatch(context.Background(), Command{Name: "hive.create"}); err == nil {
		t.Fatal("hive.create without name should fail")
	}
	if _, err := s.Dispatch(context.Background(), Command{Name: ""}); err == nil {
		t.Fatal("empty command name should fail")
	}
}

func TestIdempotencyByCommandID(t *testing.T) {
	s := newTestSurface(t)

	cmd := Command{
		ID:   "cmd-1",
		Name: "hive.create",
		Args: map[string]any{"name": "once"},
	}

	first, err := s.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := s.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}

	if first.EntityID != second.EntityID {
		t.Errorf("replay created a new hive: %s vs %s", first.EntityID, second.EntityID)
	}
	if first != second {
		t.Errorf("replay should return the recorded result value")
	}
}

func TestFailedCommandIsNotRecorded(t *testing.T) {
	s := newTestSurface(t)

	bad := Command{ID: "cmd-2", Name: "hive.close", Args: map[string]any{"hive_id": "ghost"}}
	if _, err := s.Dispatch(context.Background(), bad); err == nil {
		t.Fatal("closing an unknown hive should fail")
	}

	// The id is reusable after a failure.
	good := Command{ID: "cmd-2", Name: "hive.create", Args: map[string]any{"name": "recovered"}}
	if _, err := s.Dispatch(context.Background(), good); err != nil {
		t.Fatalf("reusing the id after failure: %v", err)
	}
}

func TestManualRunFlow(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()

	run, err := s.Dispatch(ctx, Command{Name: "run.start", Args: map[string]any{"goal": "manual work", "manual": true}})
	if err != nil {
		t.Fatalf("run.start: %v", err)
	}

	task, err := s.Dispatch(ctx, Command{Name: "task.create", Args: map[string]any{
		"run_id": run.EntityID, "title": "step one",
	}})
	if err != nil {
		t.Fatalf("task.create: %v", err)
	}

	steps := []Command{
		{Name: "task.assign", Args: map[string]any{"run_id": run.EntityID, "task_id": task.EntityID, "assignee": "worker-1"}},
		{Name: "task.start", Args: map[string]any{"run_id": run.EntityID, "task_id": task.EntityID}},
		{Name: "task.progress", Args: map[string]any{"run_id": run.EntityID, "task_id": task.EntityID, "progress": 40}},
		{Name: "task.complete", Args: map[string]any{"run_id": run.EntityID, "task_id": task.EntityID, "result": "done"}},
		{Name: "heartbeat", Args: map[string]any{"run_id": run.EntityID}},
		{Name: "run.complete", Args: map[string]any{"run_id": run.EntityID}},
	}
	for _, cmd := range steps {
		if _, err := s.Dispatch(ctx, cmd); err != nil {
			t.Fatalf("%s: %v", cmd.Name, err)
		}
	}

	events, err := s.Dispatch(ctx, Command{Name: "events.list", Args: map[string]any{"run_id": run.EntityID}})
	if err != nil {
		t.Fatalf("events.list: %v", err)
	}
	list, ok := events.Data["events"].([]any)
	if !ok || len(list) < 7 {
		t.Fatalf("events.list returned %v", events.Data)
	}
}

func TestLineageCommand(t *testing.T) {
	s := newTestSurface(t)
	ctx := context.Background()

	run, _ := s.Dispatch(ctx, Command{Name: "run.start", Args: map[string]any{"goal": "g", "manual": true}})
	task, _ := s.Dispatch(ctx, Command{Name: "task.create", Args: map[string]any{"run_id": run.EntityID, "title": "t"}})
	_ = task

	events, _ := s.Dispatch(ctx, Command{Name: "events.list", Args: map[string]any{"run_id": run.EntityID}})
	list := events.Data["events"].([]any)
	first := list[0].(map[string]any)["id"].(string)

	res, err := s.Dispatch(ctx, Command{Name: "events.lineage", Args: map[string]any{
		"run_id": run.EntityID, "event_id": first, "direction": "both", "max_depth": 0,
	}})
	if err != nil {
		t.Fatalf("events.lineage: %v", err)
	}
	ids := res.Data["event_ids"].([]string)
	if len(ids) != 1 || ids[0] != first {
		t.Errorf("max_depth=0 lineage = %v, want only the seed", ids)
	}
}
