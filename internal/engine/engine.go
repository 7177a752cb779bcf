/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package engine wires the execution core together. An Engine owns the
// event store, the projection cache, the policy gate, the approval
// manager, the rate limiter, the planner/orchestrator/pipeline chain,
// and the Sentinel — constructed once at startup and passed by
// reference to every command. There is no global state: tests build
// their own Engine over a temp vault.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/approval"
	"github.com/marcus-qen/legator/internal/config"
	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/episode"
	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/guard"
	"github.com/marcus-qen/legator/internal/lineage"
	"github.com/marcus-qen/legator/internal/metrics"
	"github.com/marcus-qen/legator/internal/orchestrator"
	"github.com/marcus-qen/legator/internal/pipeline"
	"github.com/marcus-qen/legator/internal/planner"
	"github.com/marcus-qen/legator/internal/policy"
	"github.com/marcus-qen/legator/internal/projection"
	"github.com/marcus-qen/legator/internal/provider"
	"github.com/marcus-qen/legator/internal/ratelimit"
	"github.com/marcus-qen/legator/internal/sentinel"
	"github.com/marcus-qen/legator/internal/statemachine"
	"github.com/marcus-qen/legator/internal/toolplugin"
)

// Engine is the top-level value owning every core component.
type Engine struct {
	cfg *config.Config
	log logr.Logger

	store     *eventlog.Store
	lineage   *lineage.Resolver
	gate      *policy.Gate
	approvals *approval.Manager
	limiter   *ratelimit.Limiter
	sentinel  *sentinel.Detector

	provider provider.Provider
	executor toolplugin.Executor
	verifier guard.Verifier
	worker   orchestrator.Worker

	planner *planner.Planner
	pipe    *pipeline.Pipeline

	actor string
	trust policy.TrustLevel

	mu       sync.RWMutex
	runs     map[string]*activeRun
	runIndex map[string]eventlog.RunIndex
}

type activeRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outcome *pipeline.Outcome
}

// NewEngine builds an Engine over cfg. The LLM provider, tool executor,
// Guard verifier, and worker default to inert implementations; override
// with the With* chainers before the first command.
func NewEngine(cfg *config.Config, log logr.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := eventlog.New(cfg.VaultPath, log)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]policy.ToolOverride, len(cfg.Policy.ToolOverrides))
	for name, o := range cfg.Policy.ToolOverrides {
		overrides[name] = policy.ToolOverride{
			ActionClass:           policy.ActionClass(o.ActionClass),
			AlwaysRequireApproval: o.AlwaysRequireApproval,
		}
	}

	e := &Engine{
		cfg: cfg,
		log: log.WithName("engine"),
		gate: policy.NewGate(policy.Config{
			Level3IrreversibleRequiresApproval: cfg.Policy.Level3IrreversibleRequiresApproval,
			ToolOverrides:                      overrides,
			DeniedPatterns:                     cfg.Policy.DeniedPatterns,
		}),
		approvals: approval.NewManager(log, cfg.Governance.ApprovalTimeout.Std()),
		limiter:   ratelimit.New(nil),
		provider:  provider.NewMockProviderSimple(""),
		executor:  toolplugin.NewStaticExecutor(),
		verifier:  guard.NewPassVerifier(),
		actor:     "engine",
		trust:     policy.TrustTrusted,
		runs:      make(map[string]*activeRun),
		runIndex:  make(map[string]eventlog.RunIndex),
	}
	e.store = store
	e.lineage = lineage.NewResolver(store)
	e.sentinel = sentinel.NewDetector(store, sentinel.Config{
		LoopWindow:           cfg.Sentinel.LoopWindow.Std(),
		LoopThreshold:        cfg.Sentinel.LoopThreshold,
		RunawayWindow:        cfg.Sentinel.RunawayWindow.Std(),
		RunawayEventCeiling:  cfg.Sentinel.RunawayEventCeiling,
		CostWindow:           cfg.Sentinel.CostWindow.Std(),
		CostTokenBudget:      cfg.Sentinel.CostTokenBudget,
		CostDollarBudget:     cfg.Sentinel.CostDollarBudget,
		KPIDegradationRatio:  cfg.Sentinel.KPIDegradationRatio,
		FlaggedActionClasses: cfg.Sentinel.FlaggedActionClasses,
		FlaggedTools:         cfg.Sentinel.FlaggedTools,
	}, log)

	store.SetOnAppend(e.observe)
	return e, nil
}

// WithProvider overrides the LLM collaborator.
func (e *Engine) WithProvider(p provider.Provider) *Engine {
	e.provider = p
	return e
}

// WithExecutor overrides the tool-execution collaborator.
func (e *Engine) WithExecutor(x toolplugin.Executor) *Engine {
	e.executor = x
	return e
}

// WithVerifier overrides the Guard collaborator.
func (e *Engine) WithVerifier(v guard.Verifier) *Engine {
	e.verifier = v
	return e
}

// WithWorker overrides the per-task worker (the default is an
// LLM-driven worker over the configured provider and executor).
func (e *Engine) WithWorker(w orchestrator.Worker) *Engine {
	e.worker = w
	return e
}

// WithActor sets the actor identity and trust recorded on
// engine-emitted events and presented to the policy gate.
func (e *Engine) WithActor(actor string, trust policy.TrustLevel) *Engine {
	e.actor = actor
	e.trust = trust
	return e
}

// build assembles the planner/orchestrator/pipeline chain from the
// current collaborators. Called lazily on the first Run so With*
// overrides applied after NewEngine are honored.
func (e *Engine) build() {
	if e.pipe != nil {
		return
	}

	e.planner = planner.New(e.provider, e.limiter, e.cfg.LLM.Model, e.cfg.LLM.MaxTokens, e.log)

	worker := e.worker
	if worker == nil {
		worker = orchestrator.NewLLMWorker(e.provider, e.executor, e.gate, e.limiter, orchestrator.LLMWorkerConfig{
			Model:     e.cfg.LLM.Model,
			MaxTokens: e.cfg.LLM.MaxTokens,
			Actor:     e.actor,
			Trust:     e.trust,
		}, e.log)
	}

	orch := orchestrator.New(e.store, e.gate, e.approvals, worker, orchestrator.Options{
		Actor:         e.actor,
		Trust:         e.trust,
		MaxRetries:    e.cfg.Governance.MaxRetries,
		MaxConcurrent: e.cfg.Governance.MaxConcurrentTasks,
		TaskTimeout:   e.cfg.Governance.TaskTimeout.Std(),
	}, e.log)

	e.pipe = pipeline.New(e.store, e.planner, orch, e.verifier, e.gate, e.approvals, e.actor, e.trust, e.log)
}

// observe is the store's append callback: it invalidates the lineage
// cache and feeds the Sentinel.
func (e *Engine) observe(scope eventlog.Scope, ev *eventlog.Event) {
	e.lineage.Invalidate(scope)

	colonyID, hiveID := ev.ColonyID, ev.HiveID
	if colonyID == "" && ev.RunID != "" {
		if idx, ok := e.lookupRunIndex(ev.RunID); ok {
			colonyID, hiveID = idx.ColonyID, idx.HiveID
		}
	}
	if colonyID == "" {
		if ev.RunID == "" {
			// Hive lifecycle noise with no Colony attribution; nothing
			// for the detectors to window on.
			return
		}
		// Events outside any Colony are tracked under the Run itself so
		// loop/runaway/cost detection still applies.
		colonyID = "run:" + ev.RunID
	}
	e.sentinel.Observe(colonyID, hiveID, ev)
}

func (e *Engine) lookupRunIndex(runID string) (eventlog.RunIndex, bool) {
	e.mu.RLock()
	idx, ok := e.runIndex[runID]
	e.mu.RUnlock()
	if ok {
		return idx, true
	}
	idx, ok, err := e.store.LookupRunIndex(runID)
	if err != nil || !ok {
		return eventlog.RunIndex{}, false
	}
	e.mu.Lock()
	e.runIndex[runID] = idx
	e.mu.Unlock()
	return idx, true
}

// Store exposes the event store for read paths (control surface,
// embedders). Writers go through commands.
func (e *Engine) Store() *eventlog.Store { return e.store }

// Approvals exposes the approval manager so external transports can
// resolve Requirements.
func (e *Engine) Approvals() *approval.Manager { return e.approvals }

// Sentinel exposes the safety monitor.
func (e *Engine) Sentinel() *sentinel.Detector { return e.sentinel }

// --- Hive commands ---

// CreateHive creates a Hive and returns its id.
func (e *Engine) CreateHive(name, description string) (string, error) {
	if name == "" {
		return "", engineerr.Validation("hive name must not be empty")
	}
	hiveID := "hive-" + eventlog.NewEventID()

	_, err := e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
		Type:   "hive.created",
		Actor:  e.actor,
		HiveID: hiveID,
		Payload: map[string]any{
			"name":        name,
			"description": description,
		},
	})
	if err != nil {
		return "", err
	}
	return hiveID, nil
}

// CloseHive closes a Hive. All its Colonies must be terminal.
func (e *Engine) CloseHive(hiveID string) error {
	hive, colonies, err := e.projectHive(hiveID)
	if err != nil {
		return err
	}
	if hive == nil {
		return engineerr.Validation("hive %s not found", hiveID)
	}
	if _, err := (statemachine.HiveSM{}).Next(hive.State, "hive.closed"); err != nil {
		return err
	}
	for _, col := range colonies {
		if !(statemachine.ColonySM{}).IsTerminal(col.State) && col.State != statemachine.ColonyPending {
			return engineerr.Validation("hive %s has non-terminal colony %s (%s)", hiveID, col.ID, col.State)
		}
	}

	_, err = e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
		Type:    "hive.closed",
		Actor:   e.actor,
		HiveID:  hiveID,
		Payload: map[string]any{},
	})
	return err
}

// --- Colony commands ---

// CreateColony creates a Colony inside a Hive and returns its id.
func (e *Engine) CreateColony(hiveID, name, goal string) (string, error) {
	hive, _, err := e.projectHive(hiveID)
	if err != nil {
		return "", err
	}
	if hive == nil {
		return "", engineerr.Validation("hive %s not found", hiveID)
	}
	if hive.State == statemachine.HiveClosed {
		return "", engineerr.Validation("hive %s is closed", hiveID)
	}

	colonyID := "col-" + eventlog.NewEventID()
	_, err = e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
		Type:     "colony.created",
		Actor:    e.actor,
		HiveID:   hiveID,
		ColonyID: colonyID,
		Payload: map[string]any{
			"colony_id": colonyID,
			"hive_id":   hiveID,
			"name":      name,
			"goal":      goal,
		},
	})
	if err != nil {
		return "", err
	}
	return colonyID, nil
}

// StartColony starts (or, for a suspended Colony, resumes) a Colony.
func (e *Engine) StartColony(hiveID, colonyID string) error {
	col, err := e.projectColony(hiveID, colonyID)
	if err != nil {
		return err
	}
	if col == nil {
		return engineerr.Validation("colony %s not found in hive %s", colonyID, hiveID)
	}
	resuming := col.State == statemachine.ColonySuspended
	if _, err := (statemachine.ColonySM{}).Next(col.State, "colony.started"); err != nil {
		return err
	}

	if _, err := e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
		Type:     "colony.started",
		Actor:    e.actor,
		HiveID:   hiveID,
		ColonyID: colonyID,
		Payload:  map[string]any{},
	}); err != nil {
		return err
	}
	if resuming {
		e.sentinel.Resume(colonyID)
	}
	return nil
}

// CompleteColony marks a Colony completed.
func (e *Engine) CompleteColony(hiveID, colonyID string) error {
	col, err := e.projectColony(hiveID, colonyID)
	if err != nil {
		return err
	}
	if col == nil {
		return engineerr.Validation("colony %s not found in hive %s", colonyID, hiveID)
	}
	if _, err := (statemachine.ColonySM{}).Next(col.State, "colony.completed"); err != nil {
		return err
	}

	_, err = e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
		Type:     "colony.completed",
		Actor:    e.actor,
		HiveID:   hiveID,
		ColonyID: colonyID,
		Payload:  map[string]any{},
	})
	return err
}

// --- Run commands ---

// StartRun emits run.started and launches the pipeline in the
// background. Use WaitRun to block for the outcome.
func (e *Engine) StartRun(ctx context.Context, goal, colonyID string) (string, error) {
	return e.startRun(ctx, goal, colonyID, false)
}

// StartManualRun opens a Run without the planner/orchestrator pipeline.
// The caller drives it through the task commands and closes it with
// CompleteRun — the surface external workers use.
func (e *Engine) StartManualRun(goal, colonyID string) (string, error) {
	return e.startRun(context.Background(), goal, colonyID, true)
}

func (e *Engine) startRun(ctx context.Context, goal, colonyID string, manual bool) (string, error) {
	if goal == "" {
		return "", engineerr.Validation("run goal must not be empty")
	}

	var hiveID string
	if colonyID != "" {
		idx, ok := e.colonyHive(colonyID)
		if !ok {
			return "", engineerr.Validation("colony %s not found", colonyID)
		}
		hiveID = idx
		if e.sentinel.Suspended(colonyID) {
			return "", engineerr.PolicyDenied(fmt.Sprintf("colony %s is suspended by sentinel", colonyID))
		}
	}

	e.build()

	runID := "run-" + eventlog.NewEventID()
	if colonyID != "" {
		if err := e.store.IndexRunToColony(runID, hiveID, colonyID); err != nil {
			return "", err
		}
		e.mu.Lock()
		e.runIndex[runID] = eventlog.RunIndex{HiveID: hiveID, ColonyID: colonyID}
		e.mu.Unlock()
	}

	if _, err := e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:  "run.started",
		Actor: e.actor,
		RunID: runID,
		Payload: map[string]any{
			"goal":      goal,
			"colony_id": colonyID,
		},
	}); err != nil {
		return "", err
	}
	if colonyID != "" {
		if _, err := e.store.AppendNew(eventlog.HiveScope(hiveID), eventlog.Draft{
			Type:     "colony.run_started",
			Actor:    e.actor,
			HiveID:   hiveID,
			ColonyID: colonyID,
			Payload:  map[string]any{"run_id": runID},
		}); err != nil {
			return "", err
		}
	}

	if manual {
		return runID, nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	active := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[runID] = active
	e.mu.Unlock()

	go func() {
		defer close(active.done)
		outcome, err := e.pipe.Execute(runCtx, runID, goal, "")
		if err != nil {
			e.log.Error(err, "pipeline execution errored", "run", runID)
		}
		active.outcome = outcome
		e.recordEpisode(runID, hiveID)
	}()

	return runID, nil
}

// WaitRun blocks until the Run's pipeline finishes and returns its
// outcome (nil for an unknown Run).
func (e *Engine) WaitRun(runID string) *pipeline.Outcome {
	e.mu.RLock()
	active, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	<-active.done
	return active.outcome
}

// EmergencyStop cancels a Run's in-flight work and resolves its open
// Requirements as cancelled. The pipeline closes the Run as aborted.
func (e *Engine) EmergencyStop(runID, reason string) error {
	e.mu.RLock()
	active, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return engineerr.Validation("run %s is not active", runID)
	}

	e.log.Info("emergency stop", "run", runID, "reason", reason)
	e.approvals.CancelRun(runID)
	active.cancel()
	return nil
}

// CompleteRun closes a Run that is driven through the manual task
// commands rather than the pipeline. With force=false it fails while
// any Task is non-terminal; force=true cancels open Tasks and
// Requirements first and emits their transitions.
func (e *Engine) CompleteRun(runID string, force bool) error {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return err
	}
	if p == nil {
		return engineerr.Validation("run %s not found", runID)
	}
	if _, err := (statemachine.RunSM{}).Next(p.State, "run.completed"); err != nil {
		return err
	}

	var open []*projection.TaskProjection
	for _, task := range p.Tasks {
		if !(statemachine.TaskSM{}).IsTerminal(task.State) {
			open = append(open, task)
		}
	}
	var openReqs []*projection.RequirementProjection
	for _, req := range p.Requirements {
		if !(statemachine.RequirementSM{}).IsTerminal(req.State) {
			openReqs = append(openReqs, req)
		}
	}

	if (len(open) > 0 || len(openReqs) > 0) && !force {
		return engineerr.Validation("run %s has %d open tasks and %d open requirements; pass force to cancel them",
			runID, len(open), len(openReqs))
	}

	scope := eventlog.RunScope(runID)
	for _, task := range open {
		if _, err := e.store.AppendNew(scope, eventlog.Draft{
			Type:    "task.cancelled",
			Actor:   e.actor,
			RunID:   runID,
			TaskID:  task.ID,
			Payload: map[string]any{"reason": "force complete"},
		}); err != nil {
			return err
		}
	}
	for _, req := range openReqs {
		if _, err := e.store.AppendNew(scope, eventlog.Draft{
			Type:  "requirement.cancelled",
			Actor: e.actor,
			RunID: runID,
			Payload: map[string]any{
				"requirement_id": req.ID,
				"reason":         "force complete",
			},
		}); err != nil {
			return err
		}
	}
	e.approvals.CancelRun(runID)

	if _, err := e.store.AppendNew(scope, eventlog.Draft{
		Type:    "run.completed",
		Actor:   e.actor,
		RunID:   runID,
		Payload: map[string]any{"force": force},
	}); err != nil {
		return err
	}

	idx, _ := e.lookupRunIndex(runID)
	e.recordEpisode(runID, idx.HiveID)
	return nil
}

// recordEpisode writes the post-run learning record once a Run is
// terminal. Episodes land on the owning Hive's log, or the
// meta-decisions log for Colony-less Runs.
func (e *Engine) recordEpisode(runID, hiveID string) {
	p, err := e.ProjectRun(runID)
	if err != nil || p == nil {
		return
	}
	events, err := e.store.Replay(eventlog.RunScope(runID))
	if err != nil {
		return
	}
	ep := episode.FromRun(p, events)
	if ep == nil {
		return
	}

	scope := eventlog.MetaScope()
	if hiveID != "" {
		scope = eventlog.HiveScope(hiveID)
	}
	if _, err := e.store.AppendNew(scope, eventlog.Draft{
		Type:     "episode.created",
		Actor:    e.actor,
		HiveID:   hiveID,
		ColonyID: ep.ColonyID,
		Payload:  ep.Payload(),
	}); err != nil {
		e.log.Error(err, "failed to record episode", "run", runID)
	}
	metrics.RecordEventAppended("episode.created")
}

// --- Task commands (external-worker surface) ---

// CreateTask adds a Task to a Run and returns its id.
func (e *Engine) CreateTask(runID, title, description string) (string, error) {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", engineerr.Validation("run %s not found", runID)
	}
	if (statemachine.RunSM{}).IsTerminal(p.State) {
		return "", engineerr.Validation("run %s is terminal", runID)
	}

	taskID := "task-" + eventlog.NewEventID()
	_, err = e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:   "task.created",
		Actor:  e.actor,
		RunID:  runID,
		TaskID: taskID,
		Payload: map[string]any{
			"title":       title,
			"description": description,
		},
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// taskTransition validates and emits one Task lifecycle event.
func (e *Engine) taskTransition(runID, taskID, eventType string, payload map[string]any) error {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return err
	}
	if p == nil {
		return engineerr.Validation("run %s not found", runID)
	}
	task, ok := p.Tasks[taskID]
	if !ok {
		return engineerr.Validation("task %s not found in run %s", taskID, runID)
	}
	if _, err := (statemachine.TaskSM{}).Next(task.State, eventType); err != nil {
		return err
	}

	_, err = e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:    eventType,
		Actor:   e.actor,
		RunID:   runID,
		TaskID:  taskID,
		Payload: payload,
	})
	return err
}

// AssignTask assigns a Task to a worker.
func (e *Engine) AssignTask(runID, taskID, assignee string) error {
	return e.taskTransition(runID, taskID, "task.assigned", map[string]any{"assignee": assignee})
}

// StartTaskWork marks an assigned Task in-progress.
func (e *Engine) StartTaskWork(runID, taskID string) error {
	return e.taskTransition(runID, taskID, "worker.started", map[string]any{"retry_count": 0})
}

// ProgressTask records Task progress (0-100).
func (e *Engine) ProgressTask(runID, taskID string, progress int, message string) error {
	if progress < 0 || progress > 100 {
		return engineerr.Validation("progress must be 0-100, got %d", progress)
	}
	return e.taskTransition(runID, taskID, "task.progressed", map[string]any{
		"progress": progress,
		"message":  message,
	})
}

// CompleteTask marks a Task completed.
func (e *Engine) CompleteTask(runID, taskID string, result string) error {
	return e.taskTransition(runID, taskID, "task.completed", map[string]any{"result": result})
}

// FailTask marks a Task failed.
func (e *Engine) FailTask(runID, taskID, errMsg string, retryable bool) error {
	return e.taskTransition(runID, taskID, "task.failed", map[string]any{
		"error":     errMsg,
		"retryable": retryable,
	})
}

// --- Requirement commands ---

// CreateRequirement raises a Requirement against a Run and returns its id.
func (e *Engine) CreateRequirement(runID, description string, options []string) (string, error) {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", engineerr.Validation("run %s not found", runID)
	}

	reqID := "req-" + eventlog.NewEventID()
	if _, err := e.approvals.Register(runID, reqID, false); err != nil {
		return "", err
	}

	_, err = e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:  "requirement.created",
		Actor: e.actor,
		RunID: runID,
		Payload: map[string]any{
			"requirement_id": reqID,
			"description":    description,
			"options":        toAny(options),
		},
	})
	if err != nil {
		return "", err
	}
	return reqID, nil
}

// ResolveRequirement answers a pending Requirement. It emits the
// terminal requirement event and signals the in-process completion
// handle if one is open (a handle may be absent after a restart; the
// event is still the source of truth).
func (e *Engine) ResolveRequirement(runID, reqID string, approved bool, selectedOption, comment, typedConfirmation string) error {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return err
	}
	if p == nil {
		return engineerr.Validation("run %s not found", runID)
	}
	req, ok := p.Requirements[reqID]
	if !ok {
		return engineerr.Validation("requirement %s not found in run %s", reqID, runID)
	}

	eventType := "requirement.rejected"
	state := statemachine.RequirementRejected
	if approved {
		eventType = "requirement.approved"
		state = statemachine.RequirementApproved
	}
	if _, err := (statemachine.RequirementSM{}).Next(req.State, eventType); err != nil {
		return err
	}

	outcome := approval.Outcome{
		State:          state,
		SelectedOption: selectedOption,
		Comment:        comment,
		DecidedBy:      e.actor,
	}
	if err := e.approvals.Resolve(reqID, outcome, typedConfirmation); err != nil {
		// A missing handle after restart is fine — the event below is
		// still the source of truth. Anything else (a typed-confirmation
		// mismatch, a double resolve) must surface.
		if !strings.Contains(err.Error(), "no open handle") {
			return err
		}
	}

	_, err = e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:  eventType,
		Actor: e.actor,
		RunID: runID,
		Payload: map[string]any{
			"requirement_id":  reqID,
			"selected_option": selectedOption,
			"comment":         comment,
		},
	})
	if err != nil {
		return err
	}
	metrics.RecordRequirementResolved(string(state))
	return nil
}

// --- Read surface ---

// ListEvents replays a Run's full, verified event stream.
func (e *Engine) ListEvents(runID string) ([]*eventlog.Event, error) {
	return e.store.Replay(eventlog.RunScope(runID))
}

// Lineage walks the causal graph from one event.
func (e *Engine) Lineage(runID, eventID string, direction lineage.Direction, maxDepth int) (lineage.Result, error) {
	scope := eventlog.RunScope(runID)
	switch direction {
	case lineage.DirectionAncestors:
		return e.lineage.Ancestors(scope, eventID, maxDepth)
	case lineage.DirectionDescendants:
		return e.lineage.Descendants(scope, eventID, maxDepth)
	case lineage.DirectionBoth, "":
		return e.lineage.Both(scope, eventID, maxDepth)
	default:
		return lineage.Result{}, engineerr.Validation("unknown lineage direction %q", direction)
	}
}

// Heartbeat records liveness for a Run.
func (e *Engine) Heartbeat(runID, message string) error {
	p, err := e.ProjectRun(runID)
	if err != nil {
		return err
	}
	if p == nil {
		return engineerr.Validation("run %s not found", runID)
	}

	_, err = e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
		Type:    "heartbeat",
		Actor:   e.actor,
		RunID:   runID,
		Payload: map[string]any{"message": message},
	})
	return err
}

// CheckHeartbeats emits system.silence_detected for every active Run
// whose last heartbeat is older than three heartbeat intervals. The
// Sentinel consumes the emissions through the normal observe path.
func (e *Engine) CheckHeartbeats(now time.Time) int {
	interval := e.cfg.Governance.HeartbeatInterval.Std()
	if interval <= 0 {
		return 0
	}
	cutoff := now.Add(-3 * interval)

	e.mu.RLock()
	var runIDs []string
	for id := range e.runs {
		runIDs = append(runIDs, id)
	}
	e.mu.RUnlock()

	silent := 0
	for _, runID := range runIDs {
		p, err := e.ProjectRun(runID)
		if err != nil || p == nil {
			continue
		}
		if (statemachine.RunSM{}).IsTerminal(p.State) {
			continue
		}
		if p.LastHeartbeat.After(cutoff) {
			continue
		}
		if _, err := e.store.AppendNew(eventlog.RunScope(runID), eventlog.Draft{
			Type:  "system.silence_detected",
			Actor: "system",
			RunID: runID,
			Payload: map[string]any{
				"last_heartbeat": p.LastHeartbeat.UTC().Format(time.RFC3339),
			},
		}); err != nil {
			e.log.Error(err, "failed to record silence", "run", runID)
			continue
		}
		silent++
	}
	return silent
}

// SweepApprovals expires Requirements past the approval timeout.
func (e *Engine) SweepApprovals(now time.Time) int {
	return e.approvals.SweepOnce(now)
}

// SentinelScan prunes the Sentinel's sliding windows.
func (e *Engine) SentinelScan(now time.Time) {
	e.sentinel.ScanOnce(now)
}

// ProjectRun rebuilds a Run's projection by verified replay. Returns
// (nil, nil) for an unknown Run.
func (e *Engine) ProjectRun(runID string) (*projection.RunProjection, error) {
	events, err := e.store.Replay(eventlog.RunScope(runID))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return projection.ProjectRun(events)
}

// projectHive rebuilds a Hive's projection plus all its Colonies'.
func (e *Engine) projectHive(hiveID string) (*projection.HiveProjection, []*projection.ColonyProjection, error) {
	events, err := e.store.Replay(eventlog.HiveScope(hiveID))
	if err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, nil
	}
	hive, err := projection.ProjectHive(hiveID, events)
	if err != nil {
		return nil, nil, err
	}
	colonies := make([]*projection.ColonyProjection, 0, len(hive.ColonyIDs))
	for _, colonyID := range hive.ColonyIDs {
		col, err := projection.ProjectColony(colonyID, events)
		if err != nil {
			return nil, nil, err
		}
		colonies = append(colonies, col)
	}
	return hive, colonies, nil
}

// ProjectColony rebuilds one Colony's projection from its Hive's log.
func (e *Engine) ProjectColony(hiveID, colonyID string) (*projection.ColonyProjection, error) {
	return e.projectColony(hiveID, colonyID)
}

func (e *Engine) projectColony(hiveID, colonyID string) (*projection.ColonyProjection, error) {
	events, err := e.store.Replay(eventlog.HiveScope(hiveID))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	col, err := projection.ProjectColony(colonyID, events)
	if err != nil {
		return nil, err
	}
	// A Colony nothing references doesn't exist.
	known := false
	for _, ev := range events {
		if ev.ColonyID == colonyID {
			known = true
			break
		}
	}
	if !known {
		return nil, nil
	}
	return col, nil
}

// colonyHive finds the Hive owning colonyID by scanning hive scopes.
func (e *Engine) colonyHive(colonyID string) (string, bool) {
	scopes, err := e.store.ListScopes()
	if err != nil {
		return "", false
	}
	for _, scope := range scopes {
		if scope.Kind != "hive" {
			continue
		}
		col, err := e.projectColony(scope.ID, colonyID)
		if err == nil && col != nil {
			return scope.ID, true
		}
	}
	return "", false
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
