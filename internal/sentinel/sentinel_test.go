/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package sentinel

import (
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/eventlog"
)

func newTestDetector(t *testing.T, cfg Config) (*Detector, *eventlog.Store) {
	t.Helper()
	store, err := eventlog.New(t.TempDir(), logr.Discard())
	if err != nil {
		t.Fatalf("eventlog.New: %v", err)
	}
	return NewDetector(store, cfg, logr.Discard()), store
}

func failureEvent(t *testing.T, taskID, errMsg string, at time.Time) *eventlog.Event {
	t.Helper()
	e, err := eventlog.NewEvent("task.failed", map[string]any{"error": errMsg}, "tester", nil, "")
	if err != nil {
		t.Fatalf("eventlog.New event: %v", err)
	}
	e.TaskID = taskID
	e.Timestamp = at
	return e
}

func createdEvent(t *testing.T, taskID, title string, at time.Time) *eventlog.Event {
	t.Helper()
	e, err := eventlog.NewEvent("task.created", map[string]any{"title": title}, "tester", nil, "")
	if err != nil {
		t.Fatalf("eventlog.New event: %v", err)
	}
	e.TaskID = taskID
	e.Timestamp = at
	return e
}

func TestLoopDetection(t *testing.T) {
	d, store := newTestDetector(t, Config{LoopThreshold: 5, LoopWindow: 10 * time.Minute})
	now := time.Now().UTC()

	d.Observe("col-1", "hive-1", createdEvent(t, "t1", "deploy", now))

	var alerts []Alert
	for i := 0; i < 5; i++ {
		alerts = d.Observe("col-1", "hive-1", failureEvent(t, "t1", "connection refused", now.Add(time.Duration(i)*time.Second)))
	}

	if len(alerts) != 1 || alerts[0].Pattern != PatternLoop {
		t.Fatalf("alerts = %+v, want one loop alert on the fifth failure", alerts)
	}
	if !d.Suspended("col-1") {
		t.Error("colony should be suspended after loop detection")
	}

	// The alert and enforcement land on the Hive log.
	events, err := store.Replay(eventlog.HiveScope("hive-1"))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != "sentinel.alert_raised" || types[1] != "colony.suspended" {
		t.Fatalf("hive events = %v, want [sentinel.alert_raised colony.suspended]", types)
	}

	// Enforcement is causally linked to the alert.
	if len(events[1].Parents) != 1 || events[1].Parents[0] != events[0].ID {
		t.Error("enforcement event should list the alert as its parent")
	}
}

func TestLoopNoDoubleFireWithinWindow(t *testing.T) {
	d, _ := newTestDetector(t, Config{LoopThreshold: 3, LoopWindow: 10 * time.Minute})
	now := time.Now().UTC()

	total := 0
	for i := 0; i < 8; i++ {
		alerts := d.Observe("col-1", "hive-1", failureEvent(t, "t1", "same error", now.Add(time.Duration(i)*time.Second)))
		total += len(alerts)
	}
	if total != 1 {
		t.Errorf("alerts fired = %d, want exactly 1 within one window", total)
	}
}

func TestLoopDistinctSignaturesDoNotTrigger(t *testing.T) {
	d, _ := newTestDetector(t, Config{LoopThreshold: 3, LoopWindow: 10 * time.Minute})
	now := time.Now().UTC()

	for i := 0; i < 6; i++ {
		alerts := d.Observe("col-1", "hive-1", failureEvent(t, "t1", string(rune('a'+i)), now))
		if len(alerts) != 0 {
			t.Fatalf("distinct errors should not trigger the loop detector, got %+v", alerts)
		}
	}
}

func TestRunawayDetection(t *testing.T) {
	d, _ := newTestDetector(t, Config{RunawayEventCeiling: 10, RunawayWindow: time.Minute})
	now := time.Now().UTC()

	fired := 0
	for i := 0; i < 15; i++ {
		e, _ := eventlog.NewEvent("heartbeat", nil, "tester", nil, "")
		e.Timestamp = now.Add(time.Duration(i) * time.Millisecond)
		for _, a := range d.Observe("col-1", "hive-1", e) {
			if a.Pattern == PatternRunaway {
				fired++
			}
		}
	}
	if fired != 1 {
		t.Errorf("runaway alerts = %d, want 1", fired)
	}
}

func TestCostDetection(t *testing.T) {
	d, store := newTestDetector(t, Config{CostTokenBudget: 1000, CostWindow: time.Hour})
	now := time.Now().UTC()

	mk := func(tokens int) *eventlog.Event {
		e, _ := eventlog.NewEvent("task.completed", map[string]any{"tokens_in": tokens, "tokens_out": 0}, "tester", nil, "")
		e.Timestamp = now
		return e
	}

	if alerts := d.Observe("col-1", "hive-1", mk(600)); len(alerts) != 0 {
		t.Fatalf("under budget should not alert: %+v", alerts)
	}
	alerts := d.Observe("col-1", "hive-1", mk(600))
	if len(alerts) != 1 || alerts[0].Pattern != PatternCost {
		t.Fatalf("alerts = %+v, want one cost alert", alerts)
	}
	if alerts[0].Enforcement() != "sentinel.quarantine" {
		t.Errorf("cost enforcement = %q, want quarantine", alerts[0].Enforcement())
	}

	// Quarantine also suspends the colony on the log.
	events, _ := store.Replay(eventlog.HiveScope("hive-1"))
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{"sentinel.alert_raised", "sentinel.quarantine", "colony.suspended"}
	if len(types) != len(want) {
		t.Fatalf("hive events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("hive events = %v, want %v", types, want)
		}
	}
}

func TestSecurityDetection(t *testing.T) {
	d, _ := newTestDetector(t, Config{
		FlaggedActionClasses: []string{"irreversible"},
	})
	now := time.Now().UTC()

	e, _ := eventlog.NewEvent("task.created", map[string]any{"title": "wipe", "action_class": "irreversible"}, "tester", nil, "")
	e.Timestamp = now

	alerts := d.Observe("col-1", "hive-1", e)
	if len(alerts) != 1 || alerts[0].Pattern != PatternSecurity {
		t.Fatalf("alerts = %+v, want one security alert", alerts)
	}
}

func TestKPIDetectionOptIn(t *testing.T) {
	mk := func(outcome string) *eventlog.Event {
		e, _ := eventlog.NewEvent("episode.created", map[string]any{"outcome": outcome}, "tester", nil, "")
		e.Timestamp = time.Now().UTC()
		return e
	}

	// Disabled by default (zero ratio).
	d, _ := newTestDetector(t, Config{})
	for i := 0; i < 5; i++ {
		if alerts := d.Observe("col-1", "hive-1", mk("failed")); len(alerts) != 0 {
			t.Fatalf("kpi detector should be disabled without a ratio, got %+v", alerts)
		}
	}

	// Enabled: 3 failed of 3 crosses a 0.5 ratio.
	d2, _ := newTestDetector(t, Config{KPIDegradationRatio: 0.5})
	var got []Alert
	for i := 0; i < 3; i++ {
		got = d2.Observe("col-1", "hive-1", mk("failed"))
	}
	if len(got) != 1 || got[0].Pattern != PatternKPI {
		t.Fatalf("alerts = %+v, want one kpi alert", got)
	}
	if got[0].Enforcement() != "sentinel.rollback" {
		t.Errorf("kpi enforcement = %q, want rollback", got[0].Enforcement())
	}
}

func TestResumeClearsSuspension(t *testing.T) {
	d, _ := newTestDetector(t, Config{LoopThreshold: 2, LoopWindow: time.Minute})
	now := time.Now().UTC()

	for i := 0; i < 2; i++ {
		d.Observe("col-1", "hive-1", failureEvent(t, "t1", "boom", now))
	}
	if !d.Suspended("col-1") {
		t.Fatal("colony should be suspended")
	}

	d.Resume("col-1")
	if d.Suspended("col-1") {
		t.Error("Resume should clear the suspension")
	}
}

func TestScanOncePrunesWindows(t *testing.T) {
	d, _ := newTestDetector(t, Config{LoopThreshold: 3, LoopWindow: time.Minute})
	old := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 2; i++ {
		d.Observe("col-1", "hive-1", failureEvent(t, "t1", "boom", old))
	}
	d.ScanOnce(time.Now().UTC())

	// Old failures were pruned; two fresh ones don't reach the threshold.
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		if alerts := d.Observe("col-1", "hive-1", failureEvent(t, "t1", "boom", now)); len(alerts) != 0 {
			t.Fatalf("pruned window should not contribute, got %+v", alerts)
		}
	}
}
