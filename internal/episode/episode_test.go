/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package episode

import (
	"testing"
	"time"

	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/projection"
	"github.com/marcus-qen/legator/internal/statemachine"
)

func terminalRun() *projection.RunProjection {
	return &projection.RunProjection{
		ID:          "run-1",
		ColonyID:    "col-1",
		Goal:        "Ship the feature",
		State:       statemachine.RunCompleted,
		StartedAt:   time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		CompletedAt: time.Date(2026, 7, 1, 10, 5, 0, 0, time.UTC),
		Tasks: map[string]*projection.TaskProjection{
			"a": {ID: "a", Title: "build", State: statemachine.TaskCompleted},
			"b": {ID: "b", Title: "test", State: statemachine.TaskCompleted, RetryCount: 2},
			"c": {ID: "c", Title: "deploy", State: statemachine.TaskFailed},
		},
	}
}

func TestFromRunNilForNonTerminal(t *testing.T) {
	p := terminalRun()
	p.State = statemachine.RunRunning
	if ep := FromRun(p, nil); ep != nil {
		t.Fatalf("FromRun on a running Run = %+v, want nil", ep)
	}
}

func TestFromRunScores(t *testing.T) {
	events := []*eventlog.Event{
		{Type: "run.started"},
		{Type: "requirement.created"},
		{Type: "sentinel.alert_raised"},
		{Type: "task.completed"},
	}

	ep := FromRun(terminalRun(), events)
	if ep == nil {
		t.Fatal("FromRun returned nil for a terminal Run")
	}

	if ep.Outcome != "completed" {
		t.Errorf("outcome = %q", ep.Outcome)
	}
	if ep.TotalTasks != 3 || ep.CompletedTasks != 2 || ep.FailedTasks != 1 {
		t.Errorf("task counts = %d/%d/%d, want 3/2/1", ep.TotalTasks, ep.CompletedTasks, ep.FailedTasks)
	}
	if ep.Interventions != 2 {
		t.Errorf("interventions = %d, want 2", ep.Interventions)
	}

	wantCompletion := 2.0 / 3.0
	if diff := ep.KPI.TaskCompletionRate - wantCompletion; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("completion rate = %f, want %f", ep.KPI.TaskCompletionRate, wantCompletion)
	}
	// 2 retries over 5 dispatches (3 tasks + 2 retries).
	wantRetry := 2.0 / 5.0
	if diff := ep.KPI.RetryRate - wantRetry; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("retry rate = %f, want %f", ep.KPI.RetryRate, wantRetry)
	}
}

func TestFingerprintStableAcrossTaskOrder(t *testing.T) {
	p1 := terminalRun()
	ep1 := FromRun(p1, nil)

	// Same goal and titles under different ids must fingerprint the same.
	p2 := terminalRun()
	p2.ID = "run-2"
	p2.Tasks = map[string]*projection.TaskProjection{
		"x": {ID: "x", Title: "deploy", State: statemachine.TaskCompleted},
		"y": {ID: "y", Title: "build", State: statemachine.TaskCompleted},
		"z": {ID: "z", Title: "test", State: statemachine.TaskCompleted},
	}
	ep2 := FromRun(p2, nil)

	if ep1.Fingerprint != ep2.Fingerprint {
		t.Errorf("fingerprints differ: %s vs %s", ep1.Fingerprint, ep2.Fingerprint)
	}

	// A different goal changes the fingerprint.
	p3 := terminalRun()
	p3.Goal = "Different goal"
	if FromRun(p3, nil).Fingerprint == ep1.Fingerprint {
		t.Error("different goals must not share a fingerprint")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	ep := FromRun(terminalRun(), nil)
	payload := ep.Payload()

	if payload["run_id"] != "run-1" || payload["outcome"] != "completed" {
		t.Errorf("payload = %+v", payload)
	}
	kpi, ok := payload["kpi"].(map[string]any)
	if !ok {
		t.Fatalf("payload kpi = %v", payload["kpi"])
	}
	if _, ok := kpi["task_completion_rate"].(float64); !ok {
		t.Error("kpi missing task_completion_rate")
	}
}
