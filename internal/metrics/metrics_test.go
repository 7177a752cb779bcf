/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if c, ok := h.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunComplete(t *testing.T) {
	RecordRunComplete("completed", 42*time.Second)

	val := getCounterValue(RunsTotal, "completed")
	if val < 1 {
		t.Errorf("RunsTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(RunDurationSeconds)
	if count < 1 {
		t.Errorf("RunDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordTaskComplete(t *testing.T) {
	RecordTaskComplete("completed")
	RecordTaskComplete("failed")

	if val := getCounterValue(TasksTotal, "completed"); val < 1 {
		t.Errorf("TasksTotal completed = %f, want >= 1", val)
	}
	if val := getCounterValue(TasksTotal, "failed"); val < 1 {
		t.Errorf("TasksTotal failed = %f, want >= 1", val)
	}
}

func TestRecordTokens(t *testing.T) {
	RecordTokens("claude-sonnet-4", 1500)

	val := getCounterValue(TokensUsedTotal, "claude-sonnet-4")
	if val < 1500 {
		t.Errorf("TokensUsedTotal = %f, want >= 1500", val)
	}
}

func TestRecordPolicyDecision(t *testing.T) {
	RecordPolicyDecision("deny")
	RecordPolicyDecision("deny")

	val := getCounterValue(PolicyDecisionsTotal, "deny")
	if val < 2 {
		t.Errorf("PolicyDecisionsTotal = %f, want >= 2", val)
	}
}

func TestRecordSentinelAlert(t *testing.T) {
	RecordSentinelAlert("loop")

	val := getCounterValue(SentinelAlertsTotal, "loop")
	if val < 1 {
		t.Errorf("SentinelAlertsTotal = %f, want >= 1", val)
	}
}

func TestActiveRuns(t *testing.T) {
	ActiveRuns.Set(0)

	ActiveRuns.Inc()
	ActiveRuns.Inc()

	val := getGaugeValue(ActiveRuns)
	if val != 2 {
		t.Errorf("ActiveRuns = %f, want 2", val)
	}

	ActiveRuns.Dec()
	val = getGaugeValue(ActiveRuns)
	if val != 1 {
		t.Errorf("ActiveRuns after Dec = %f, want 1", val)
	}
}

func TestLabelIsolation(t *testing.T) {
	RecordEventAppended("run.started")
	RecordEventAppended("task.completed")

	started := getCounterValue(EventsAppendedTotal, "run.started")
	completed := getCounterValue(EventsAppendedTotal, "task.completed")
	missing := getCounterValue(EventsAppendedTotal, "never.emitted")

	if started < 1 {
		t.Error("run.started should be >= 1")
	}
	if completed < 1 {
		t.Error("task.completed should be >= 1")
	}
	if missing != 0 {
		t.Errorf("never.emitted = %f, want 0", missing)
	}
}
