/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the execution core.
//
// All metrics are registered with the default Prometheus registry so a
// host process only has to expose promhttp.Handler() to serve them.
//
// Metric naming follows Prometheus conventions:
//   - legator_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RunsTotal counts Runs by terminal state.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_runs_total",
			Help: "Total number of Runs by terminal state.",
		},
		[]string{"state"},
	)

	// RunDurationSeconds is a histogram of Run duration.
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "legator_run_duration_seconds",
			Help:    "Duration of Runs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
	)

	// TasksTotal counts Tasks by terminal state.
	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_tasks_total",
			Help: "Total number of Tasks by terminal state.",
		},
		[]string{"state"},
	)

	// TaskRetriesTotal counts Task retry dispatches.
	TaskRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legator_task_retries_total",
			Help: "Total Task retry dispatches across all Runs.",
		},
	)

	// TokensUsedTotal counts tokens consumed by model.
	TokensUsedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_tokens_used_total",
			Help: "Total LLM tokens consumed, by model.",
		},
		[]string{"model"},
	)

	// EventsAppendedTotal counts events written to the store by type.
	EventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_events_appended_total",
			Help: "Total events appended to the event store, by event type.",
		},
		[]string{"type"},
	)

	// PolicyDecisionsTotal counts policy gate verdicts.
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_policy_decisions_total",
			Help: "Total policy gate decisions, by verdict.",
		},
		[]string{"verdict"},
	)

	// RequirementsTotal counts Requirements by outcome.
	RequirementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_requirements_total",
			Help: "Total Requirements resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	// SentinelAlertsTotal counts Sentinel alerts by pattern.
	SentinelAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_sentinel_alerts_total",
			Help: "Total Sentinel alerts raised, by detection pattern.",
		},
		[]string{"pattern"},
	)

	// ActiveRuns is the number of currently executing Runs.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legator_active_runs",
			Help: "Number of Runs currently executing.",
		},
	)

	// ActiveTasks is the number of currently executing Tasks.
	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legator_active_tasks",
			Help: "Number of Tasks currently executing.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		TasksTotal,
		TaskRetriesTotal,
		TokensUsedTotal,
		EventsAppendedTotal,
		PolicyDecisionsTotal,
		RequirementsTotal,
		SentinelAlertsTotal,
		ActiveRuns,
		ActiveTasks,
	)
}

// RecordRunComplete records metrics for a Run reaching a terminal state.
func RecordRunComplete(state string, duration time.Duration) {
	RunsTotal.WithLabelValues(state).Inc()
	RunDurationSeconds.Observe(duration.Seconds())
}

// RecordTaskComplete records a Task reaching a terminal state.
func RecordTaskComplete(state string) {
	TasksTotal.WithLabelValues(state).Inc()
}

// RecordTaskRetry records a single Task retry dispatch.
func RecordTaskRetry() {
	TaskRetriesTotal.Inc()
}

// RecordTokens records LLM token consumption for one call.
func RecordTokens(model string, tokens int64) {
	TokensUsedTotal.WithLabelValues(model).Add(float64(tokens))
}

// RecordEventAppended records one event written to the store.
func RecordEventAppended(eventType string) {
	EventsAppendedTotal.WithLabelValues(eventType).Inc()
}

// RecordPolicyDecision records one policy gate verdict.
func RecordPolicyDecision(verdict string) {
	PolicyDecisionsTotal.WithLabelValues(verdict).Inc()
}

// RecordRequirementResolved records a Requirement reaching a terminal state.
func RecordRequirementResolved(outcome string) {
	RequirementsTotal.WithLabelValues(outcome).Inc()
}

// RecordSentinelAlert records one Sentinel alert.
func RecordSentinelAlert(pattern string) {
	SentinelAlertsTotal.WithLabelValues(pattern).Inc()
}
