/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package sentinel implements L11: the independent safety monitor. It
// consumes the event stream in parallel with the orchestrator,
// maintains sliding-window counters per Colony, and on detection emits
// sentinel.alert_raised followed by an enforcement event
// (colony.suspended, sentinel.rollback, or sentinel.quarantine) through
// the normal append path, so enforcement drives state-machine
// transitions exactly like any other event.
//
// Sentinel chooses no policy of its own: every threshold is
// configuration, defaults are conservative, and nothing in the engine
// can override a detection. The KPI detector's incident-rate input is a
// failed-episode ratio and is only consulted when a threshold is
// explicitly configured.
package sentinel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/metrics"
)

// Pattern names the detection categories.
type Pattern string

const (
	PatternLoop     Pattern = "loop"
	PatternRunaway  Pattern = "runaway"
	PatternCost     Pattern = "cost"
	PatternSecurity Pattern = "security"
	PatternKPI      Pattern = "kpi"
)

// Config holds the per-pattern thresholds (spec.md §4.12). Zero-valued
// thresholds disable their detector.
type Config struct {
	ScanInterval time.Duration

	LoopWindow    time.Duration
	LoopThreshold int

	RunawayWindow       time.Duration
	RunawayEventCeiling int

	CostWindow       time.Duration
	CostTokenBudget  int64
	CostDollarBudget float64

	KPIDegradationRatio float64

	FlaggedActionClasses []string
	FlaggedTools         []string
}

// DefaultConfig returns conservative baseline thresholds.
func DefaultConfig() Config {
	return Config{
		ScanInterval:        30 * time.Second,
		LoopWindow:          10 * time.Minute,
		LoopThreshold:       5,
		RunawayWindow:       1 * time.Minute,
		RunawayEventCeiling: 200,
		CostWindow:          1 * time.Hour,
		CostTokenBudget:     2_000_000,
	}
}

// Alert is one detection, returned to callers and mirrored as a
// sentinel.alert_raised event.
type Alert struct {
	Pattern  Pattern
	ColonyID string
	Summary  string
	Detail   string
}

// Enforcement maps a pattern to the enforcement event it triggers.
// Loop and runaway anomalies stop the Colony; cost and security
// anomalies additionally quarantine it; KPI degradation requests a
// rollback to the window's first projection snapshot.
func (a Alert) Enforcement() string {
	switch a.Pattern {
	case PatternCost, PatternSecurity:
		return "sentinel.quarantine"
	case PatternKPI:
		return "sentinel.rollback"
	default:
		return "colony.suspended"
	}
}

type timedCount struct {
	at time.Time
	n  int64
}

// colonyWindow holds one Colony's sliding-window observations.
type colonyWindow struct {
	hiveID string

	// failures holds (signature → timestamps) for the loop detector.
	failures map[string][]time.Time

	// eventTimes holds timestamps of every observed event (runaway).
	eventTimes []time.Time

	// tokenSpend holds per-completion token counts (cost).
	tokenSpend []timedCount

	// taskTitles maps task id → title so failure signatures can pair
	// title with error.
	taskTitles map[string]string

	// episodes counts terminal episodes and failures (kpi).
	episodeTotal  int
	episodeFailed int

	suspended bool
}

// Detector is the Sentinel monitor.
type Detector struct {
	store *eventlog.Store
	cfg   Config
	log   logr.Logger

	mu       sync.Mutex
	colonies map[string]*colonyWindow

	// lastFired dedups alerts: one firing per (colony, pattern) per
	// window.
	lastFired map[string]time.Time
}

// NewDetector creates a Sentinel over store. Unset config fields take
// the conservative defaults.
func NewDetector(store *eventlog.Store, cfg Config, log logr.Logger) *Detector {
	defaults := DefaultConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaults.ScanInterval
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = defaults.LoopWindow
	}
	if cfg.LoopThreshold <= 0 {
		cfg.LoopThreshold = defaults.LoopThreshold
	}
	if cfg.RunawayWindow <= 0 {
		cfg.RunawayWindow = defaults.RunawayWindow
	}
	if cfg.RunawayEventCeiling <= 0 {
		cfg.RunawayEventCeiling = defaults.RunawayEventCeiling
	}
	if cfg.CostWindow <= 0 {
		cfg.CostWindow = defaults.CostWindow
	}
	if cfg.CostTokenBudget <= 0 {
		cfg.CostTokenBudget = defaults.CostTokenBudget
	}

	return &Detector{
		store:     store,
		cfg:       cfg,
		log:       log.WithName("sentinel"),
		colonies:  make(map[string]*colonyWindow),
		lastFired: make(map[string]time.Time),
	}
}

// Start runs the periodic prune/rescan loop until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	d.log.Info("sentinel starting", "interval", d.cfg.ScanInterval.String())

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("sentinel stopping")
			return nil
		case <-ticker.C:
			d.ScanOnce(time.Now())
		}
	}
}

// Suspended reports whether the Sentinel has suspended colonyID.
func (d *Detector) Suspended(colonyID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.colonies[colonyID]
	return ok && w.suspended
}

// Resume clears the suspension flag after an operator restarts the
// Colony (a second colony.started event).
func (d *Detector) Resume(colonyID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.colonies[colonyID]; ok {
		w.suspended = false
	}
}

// Observe feeds one appended event into the detectors. hiveID locates
// the Colony's log for enforcement events; it may be empty for Runs
// outside any Colony, in which case enforcement lands on the
// meta-decisions log.
func (d *Detector) Observe(colonyID, hiveID string, e *eventlog.Event) []Alert {
	if e == nil {
		return nil
	}
	now := e.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	d.mu.Lock()
	w := d.windowLocked(colonyID, hiveID)
	w.record(d.cfg, now, e)

	var alerts []Alert
	if a, ok := d.detectLoop(w, colonyID, now, e); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectRunaway(w, colonyID, now); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectCost(w, colonyID, now); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectSecurity(w, colonyID, now, e); ok {
		alerts = append(alerts, a)
	}
	if a, ok := d.detectKPI(w, colonyID, now); ok {
		alerts = append(alerts, a)
	}
	for _, a := range alerts {
		if a.Enforcement() == "colony.suspended" || a.Enforcement() == "sentinel.quarantine" {
			w.suspended = true
		}
	}
	d.mu.Unlock()

	for _, a := range alerts {
		d.enforce(a, hiveID)
	}
	return alerts
}

// ScanOnce prunes expired window entries. Detection itself is
// event-driven via Observe; the periodic scan keeps memory bounded on
// idle Colonies.
func (d *Detector) ScanOnce(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.colonies {
		w.prune(d.cfg, now)
	}
}

func (d *Detector) windowLocked(colonyID, hiveID string) *colonyWindow {
	w, ok := d.colonies[colonyID]
	if !ok {
		w = &colonyWindow{
			hiveID:     hiveID,
			failures:   make(map[string][]time.Time),
			taskTitles: make(map[string]string),
		}
		d.colonies[colonyID] = w
	}
	if hiveID != "" {
		w.hiveID = hiveID
	}
	return w
}

func (w *colonyWindow) record(cfg Config, now time.Time, e *eventlog.Event) {
	w.eventTimes = append(w.eventTimes, now)

	switch e.Type {
	case "task.created":
		if title, ok := e.Payload["title"].(string); ok && e.TaskID != "" {
			w.taskTitles[e.TaskID] = title
		}
	case "task.failed":
		sig := w.failureSignature(e)
		w.failures[sig] = append(w.failures[sig], now)
	case "task.completed":
		w.tokenSpend = append(w.tokenSpend, timedCount{at: now, n: tokensOf(e)})
	case "episode.created":
		w.episodeTotal++
		if outcome, ok := e.Payload["outcome"].(string); ok && outcome != "completed" {
			w.episodeFailed++
		}
	}

	w.prune(cfg, now)
}

func (w *colonyWindow) failureSignature(e *eventlog.Event) string {
	title := w.taskTitles[e.TaskID]
	errMsg, _ := e.Payload["error"].(string)
	return title + "|" + errMsg
}

func (w *colonyWindow) prune(cfg Config, now time.Time) {
	w.eventTimes = pruneTimes(w.eventTimes, now.Add(-cfg.RunawayWindow))
	for sig, times := range w.failures {
		kept := pruneTimes(times, now.Add(-cfg.LoopWindow))
		if len(kept) == 0 {
			delete(w.failures, sig)
		} else {
			w.failures[sig] = kept
		}
	}
	costCutoff := now.Add(-cfg.CostWindow)
	i := 0
	for i < len(w.tokenSpend) && w.tokenSpend[i].at.Before(costCutoff) {
		i++
	}
	if i > 0 {
		w.tokenSpend = w.tokenSpend[i:]
	}
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		return times[i:]
	}
	return times
}

func (d *Detector) detectLoop(w *colonyWindow, colonyID string, now time.Time, e *eventlog.Event) (Alert, bool) {
	if e.Type != "task.failed" {
		return Alert{}, false
	}
	sig := w.failureSignature(e)
	count := len(w.failures[sig])
	if count < d.cfg.LoopThreshold {
		return Alert{}, false
	}
	if !d.shouldFireLocked(colonyID, PatternLoop, now, d.cfg.LoopWindow) {
		return Alert{}, false
	}
	return Alert{
		Pattern:  PatternLoop,
		ColonyID: colonyID,
		Summary: fmt.Sprintf("loop detected: %d identical task failures within %s (threshold=%d)",
			count, d.cfg.LoopWindow.Round(time.Second).String(), d.cfg.LoopThreshold),
		Detail: fmt.Sprintf("failure signature %q repeated %d times", sig, count),
	}, true
}

func (d *Detector) detectRunaway(w *colonyWindow, colonyID string, now time.Time) (Alert, bool) {
	count := len(w.eventTimes)
	if count <= d.cfg.RunawayEventCeiling {
		return Alert{}, false
	}
	if !d.shouldFireLocked(colonyID, PatternRunaway, now, d.cfg.RunawayWindow) {
		return Alert{}, false
	}
	return Alert{
		Pattern:  PatternRunaway,
		ColonyID: colonyID,
		Summary: fmt.Sprintf("runaway emission: %d events within %s (ceiling=%d)",
			count, d.cfg.RunawayWindow.Round(time.Second).String(), d.cfg.RunawayEventCeiling),
		Detail: fmt.Sprintf("event rate exceeded the per-colony ceiling of %d", d.cfg.RunawayEventCeiling),
	}, true
}

func (d *Detector) detectCost(w *colonyWindow, colonyID string, now time.Time) (Alert, bool) {
	var total int64
	for _, c := range w.tokenSpend {
		total += c.n
	}
	if total <= d.cfg.CostTokenBudget {
		return Alert{}, false
	}
	if !d.shouldFireLocked(colonyID, PatternCost, now, d.cfg.CostWindow) {
		return Alert{}, false
	}
	return Alert{
		Pattern:  PatternCost,
		ColonyID: colonyID,
		Summary: fmt.Sprintf("cost ceiling exceeded: %d tokens within %s (budget=%d)",
			total, d.cfg.CostWindow.Round(time.Second).String(), d.cfg.CostTokenBudget),
		Detail: fmt.Sprintf("cumulative token spend %d over budget %d", total, d.cfg.CostTokenBudget),
	}, true
}

func (d *Detector) detectSecurity(w *colonyWindow, colonyID string, now time.Time, e *eventlog.Event) (Alert, bool) {
	flagged := ""
	if class, ok := e.Payload["action_class"].(string); ok && containsString(d.cfg.FlaggedActionClasses, class) {
		flagged = "action class " + class
	}
	if tool, ok := e.Payload["tool"].(string); ok && containsString(d.cfg.FlaggedTools, tool) {
		flagged = "tool " + tool
	}
	if flagged == "" {
		return Alert{}, false
	}
	if !d.shouldFireLocked(colonyID, PatternSecurity, now, d.cfg.RunawayWindow) {
		return Alert{}, false
	}
	return Alert{
		Pattern:  PatternSecurity,
		ColonyID: colonyID,
		Summary:  fmt.Sprintf("flagged %s observed in event %s", flagged, e.Type),
		Detail:   fmt.Sprintf("event %s carries a flagged combination (%s)", e.ID, flagged),
	}, true
}

func (d *Detector) detectKPI(w *colonyWindow, colonyID string, now time.Time) (Alert, bool) {
	// Opt-in: a zero ratio disables the incident-rate heuristic.
	if d.cfg.KPIDegradationRatio <= 0 || w.episodeTotal < 3 {
		return Alert{}, false
	}
	ratio := float64(w.episodeFailed) / float64(w.episodeTotal)
	if ratio < d.cfg.KPIDegradationRatio {
		return Alert{}, false
	}
	if !d.shouldFireLocked(colonyID, PatternKPI, now, d.cfg.CostWindow) {
		return Alert{}, false
	}
	return Alert{
		Pattern:  PatternKPI,
		ColonyID: colonyID,
		Summary: fmt.Sprintf("KPI degradation: failed-episode ratio %.2f over threshold %.2f",
			ratio, d.cfg.KPIDegradationRatio),
		Detail: fmt.Sprintf("%d of %d episodes failed", w.episodeFailed, w.episodeTotal),
	}, true
}

// shouldFireLocked enforces one firing per (colony, pattern) per
// window: a detection inside the window that already fired is dropped.
func (d *Detector) shouldFireLocked(colonyID string, pattern Pattern, now time.Time, window time.Duration) bool {
	key := colonyID + "/" + string(pattern)
	if last, ok := d.lastFired[key]; ok && now.Sub(last) < window {
		return false
	}
	d.lastFired[key] = now
	return true
}

// enforce writes the alert and its enforcement event to the Colony's
// owning log.
func (d *Detector) enforce(a Alert, hiveID string) {
	scope := eventlog.MetaScope()
	if hiveID != "" {
		scope = eventlog.HiveScope(hiveID)
	}

	metrics.RecordSentinelAlert(string(a.Pattern))
	d.log.Info("sentinel alert",
		"pattern", string(a.Pattern),
		"colony", a.ColonyID,
		"summary", a.Summary,
	)

	alertEvent, err := d.store.AppendNew(scope, eventlog.Draft{
		Type:     "sentinel.alert_raised",
		Actor:    "sentinel",
		ColonyID: a.ColonyID,
		HiveID:   hiveID,
		Payload: map[string]any{
			"pattern": string(a.Pattern),
			"summary": a.Summary,
			"detail":  a.Detail,
		},
	})
	if err != nil {
		d.log.Error(err, "failed to append alert event", "colony", a.ColonyID)
		return
	}
	metrics.RecordEventAppended("sentinel.alert_raised")

	enforcement := a.Enforcement()
	payload := map[string]any{
		"reason":  a.Summary,
		"pattern": string(a.Pattern),
	}
	if _, err := d.store.AppendNew(scope, eventlog.Draft{
		Type:     enforcement,
		Actor:    "sentinel",
		ColonyID: a.ColonyID,
		HiveID:   hiveID,
		Payload:  payload,
		Parents:  []string{alertEvent.ID},
	}); err != nil {
		d.log.Error(err, "failed to append enforcement event", "colony", a.ColonyID, "type", enforcement)
		return
	}
	metrics.RecordEventAppended(enforcement)

	// Quarantine isolates and therefore also stops the Colony.
	if enforcement == "sentinel.quarantine" {
		if _, err := d.store.AppendNew(scope, eventlog.Draft{
			Type:     "colony.suspended",
			Actor:    "sentinel",
			ColonyID: a.ColonyID,
			HiveID:   hiveID,
			Payload:  payload,
			Parents:  []string{alertEvent.ID},
		}); err != nil {
			d.log.Error(err, "failed to append suspension event", "colony", a.ColonyID)
			return
		}
		metrics.RecordEventAppended("colony.suspended")
	}
}

func tokensOf(e *eventlog.Event) int64 {
	var total int64
	for _, key := range []string{"tokens_in", "tokens_out"} {
		switch v := e.Payload[key].(type) {
		case float64:
			total += int64(v)
		case int64:
			total += v
		case int:
			total += int64(v)
		}
	}
	return total
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
