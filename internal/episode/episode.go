/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package episode builds the post-run learning record. An Episode is
// produced when a Run reaches a terminal state, fingerprints the goal,
// scores the outcome, and counts interventions (approvals demanded,
// Sentinel alerts). Episodes feed Sentinel's KPI window and future
// planning heuristics; they are derived data, written as an
// episode.created event on the owning Hive's log, or on the meta log
// for a Run that belongs to no Hive.
package episode

import (
	"sort"
	"strings"
	"time"

	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/jcs"
	"github.com/marcus-qen/legator/internal/projection"
	"github.com/marcus-qen/legator/internal/statemachine"
)

// KPIScores are the per-run quality indicators.
type KPIScores struct {
	// TaskCompletionRate is completed tasks / total tasks, 0..1.
	TaskCompletionRate float64 `json:"task_completion_rate"`

	// RetryRate is retry dispatches / total task dispatches, 0..1.
	RetryRate float64 `json:"retry_rate"`

	// InterventionRate is interventions / total tasks (may exceed 1).
	InterventionRate float64 `json:"intervention_rate"`
}

// Episode is the summary record of one terminal Run.
type Episode struct {
	RunID       string    `json:"run_id"`
	ColonyID    string    `json:"colony_id,omitempty"`
	Fingerprint string    `json:"fingerprint"`
	Goal        string    `json:"goal"`
	Outcome     string    `json:"outcome"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	KPI KPIScores `json:"kpi"`

	// Interventions counts requirement.created plus
	// sentinel.alert_raised occurrences within the Run.
	Interventions int `json:"interventions"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	TotalRetries   int `json:"total_retries"`
}

// FromRun builds an Episode from a terminal Run's projection and its
// full event stream. It returns nil for a Run that is not terminal yet.
func FromRun(p *projection.RunProjection, events []*eventlog.Event) *Episode {
	if p == nil || !(statemachine.RunSM{}).IsTerminal(p.State) {
		return nil
	}

	ep := &Episode{
		RunID:       p.ID,
		ColonyID:    p.ColonyID,
		Goal:        p.Goal,
		Fingerprint: fingerprint(p),
		Outcome:     string(p.State),
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
		TotalTasks:  len(p.Tasks),
	}

	dispatches := 0
	for _, task := range p.Tasks {
		switch task.State {
		case statemachine.TaskCompleted:
			ep.CompletedTasks++
		case statemachine.TaskFailed:
			ep.FailedTasks++
		}
		ep.TotalRetries += task.RetryCount
		dispatches += task.RetryCount + 1
	}

	for _, e := range events {
		switch e.Type {
		case "requirement.created", "sentinel.alert_raised":
			ep.Interventions++
		}
	}

	if ep.TotalTasks > 0 {
		ep.KPI.TaskCompletionRate = float64(ep.CompletedTasks) / float64(ep.TotalTasks)
		ep.KPI.InterventionRate = float64(ep.Interventions) / float64(ep.TotalTasks)
	}
	if dispatches > 0 {
		ep.KPI.RetryRate = float64(ep.TotalRetries) / float64(dispatches)
	}

	return ep
}

// Payload renders the Episode as the payload of an episode.created event.
func (ep *Episode) Payload() map[string]any {
	return map[string]any{
		"run_id":      ep.RunID,
		"colony_id":   ep.ColonyID,
		"fingerprint": ep.Fingerprint,
		"goal":        ep.Goal,
		"outcome":     ep.Outcome,
		"kpi": map[string]any{
			"task_completion_rate": ep.KPI.TaskCompletionRate,
			"retry_rate":           ep.KPI.RetryRate,
			"intervention_rate":    ep.KPI.InterventionRate,
		},
		"interventions":   ep.Interventions,
		"total_tasks":     ep.TotalTasks,
		"completed_tasks": ep.CompletedTasks,
		"failed_tasks":    ep.FailedTasks,
		"total_retries":   ep.TotalRetries,
	}
}

// fingerprint hashes the goal plus the sorted top-level task titles, so
// Runs attacking the same problem shape share a fingerprint even when
// ids and timing differ.
func fingerprint(p *projection.RunProjection) string {
	titles := make([]string, 0, len(p.Tasks))
	for _, task := range p.Tasks {
		if task.ParentTaskID == "" {
			titles = append(titles, task.Title)
		}
	}
	sort.Strings(titles)
	return jcs.Hash([]byte(strings.ToLower(strings.TrimSpace(p.Goal)) + "\x00" + strings.Join(titles, "\x00")))
}
