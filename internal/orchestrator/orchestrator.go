/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package orchestrator implements L9: executing a layered plan. Tasks
// within a layer run in parallel up to max_concurrent_tasks; layers run
// strictly in order. Every lifecycle step is an event on the Run's log:
// task.created, task.assigned, worker.started (once per dispatch,
// retries included), task.progressed, and a terminal
// task.completed/failed/cancelled.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/legator/internal/approval"
	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/metrics"
	"github.com/marcus-qen/legator/internal/planner"
	"github.com/marcus-qen/legator/internal/policy"
	"github.com/marcus-qen/legator/internal/security"
	"github.com/marcus-qen/legator/internal/statemachine"
	"github.com/marcus-qen/legator/internal/telemetry"
)

// DependencyResolutionError rejects a plan whose layers reference task
// ids not placed in an earlier layer.
type DependencyResolutionError struct {
	TaskID string
	DepID  string
}

func (e *DependencyResolutionError) Error() string {
	return fmt.Sprintf("task %q depends on %q, which is not in an earlier layer", e.TaskID, e.DepID)
}

// TaskContext is what one Task's worker sees: the Run's goal plus the
// results of the Task's declared dependencies only — never the whole
// layer's.
type TaskContext struct {
	RunID             string
	Goal              string
	DependencyResults map[string]string
}

// TaskOutcome is the terminal record of one Task.
type TaskOutcome struct {
	TaskID  string
	Title   string
	State   statemachine.TaskState
	Result  string
	Error   string
	Retries int
}

// ColonyResult aggregates every Task outcome of one Run's execution.
type ColonyResult struct {
	RunID    string
	Goal     string
	Outcomes map[string]*TaskOutcome

	// Succeeded is true when every Task completed.
	Succeeded bool
}

// Options configures one Orchestrator.
type Options struct {
	// Actor is recorded on emitted events and checked by the policy gate.
	Actor string

	// Trust is the actor's trust level for policy decisions.
	Trust policy.TrustLevel

	MaxRetries    int
	MaxConcurrent int
	TaskTimeout   time.Duration
}

// Orchestrator drives layered plan execution against one Run's log.
type Orchestrator struct {
	store     *eventlog.Store
	gate      *policy.Gate
	approvals *approval.Manager
	worker    Worker
	log       logr.Logger
	opts      Options
}

// New creates an Orchestrator.
func New(store *eventlog.Store, gate *policy.Gate, approvals *approval.Manager, worker Worker, opts Options, log logr.Logger) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Actor == "" {
		opts.Actor = "orchestrator"
	}
	if opts.Trust == "" {
		opts.Trust = policy.TrustTrusted
	}
	return &Orchestrator{
		store:     store,
		gate:      gate,
		approvals: approvals,
		worker:    worker,
		log:       log.WithName("orchestrator"),
		opts:      opts,
	}
}

// execState tracks cross-task state for one Execute call.
type execState struct {
	mu       sync.Mutex
	outcomes map[string]*TaskOutcome
	// lastEvent maps a task id to its most recent event id, threaded as
	// the parent of the task's next event so lineage walks follow the
	// Task's own chain.
	lastEvent map[string]string
}

func (s *execState) outcome(taskID string) *TaskOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[taskID]
}

func (s *execState) setOutcome(o *TaskOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[o.TaskID] = o
}

// Execute runs plan against runID's event log and returns the
// aggregated result. A context cancellation propagates to every
// in-flight worker; affected Tasks terminate as failed(aborted).
func (o *Orchestrator) Execute(ctx context.Context, runID string, plan *planner.Plan) (*ColonyResult, error) {
	if err := checkLayerDeps(plan); err != nil {
		return nil, err
	}

	byID := make(map[string]planner.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	st := &execState{
		outcomes:  make(map[string]*TaskOutcome, len(plan.Tasks)),
		lastEvent: make(map[string]string, len(plan.Tasks)),
	}
	scope := eventlog.RunScope(runID)

	// Announce every planned Task before executing any, so the full DAG
	// is on the log even if execution dies in layer 0.
	for _, t := range plan.Tasks {
		e, err := o.emit(scope, eventlog.Draft{
			Type:   "task.created",
			Actor:  o.opts.Actor,
			RunID:  runID,
			TaskID: t.ID,
			Payload: map[string]any{
				"title":        t.Title,
				"description":  t.Description,
				"dependencies": toAny(t.Dependencies),
				"action_class": t.ActionClass,
			},
		})
		if err != nil {
			return nil, err
		}
		st.lastEvent[t.ID] = e.ID
	}

	for layerIdx, layer := range plan.Layers {
		g, layerCtx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.MaxConcurrent)

		for _, taskID := range layer {
			task, ok := byID[taskID]
			if !ok {
				return nil, engineerr.Validation("layer %d references unknown task %q", layerIdx, taskID)
			}
			g.Go(func() error {
				o.runTask(layerCtx, scope, runID, plan.Goal, task, layerIdx, st)
				return nil
			})
		}
		// Workers report their own failures through outcomes; the group
		// only propagates context cancellation.
		_ = g.Wait()

		if ctx.Err() != nil {
			o.cancelRemaining(scope, runID, plan, st, "aborted")
			break
		}
	}

	result := &ColonyResult{
		RunID:    runID,
		Goal:     plan.Goal,
		Outcomes: st.outcomes,
	}
	result.Succeeded = true
	for _, t := range plan.Tasks {
		out := st.outcomes[t.ID]
		if out == nil || out.State != statemachine.TaskCompleted {
			result.Succeeded = false
			break
		}
	}
	return result, nil
}

// runTask drives one Task through its full lifecycle. It never returns
// an error: every failure mode lands in the Task's outcome and on the
// event log.
func (o *Orchestrator) runTask(ctx context.Context, scope eventlog.Scope, runID, goal string, task planner.Task, layer int, st *execState) {
	_, span := telemetry.StartTaskSpan(ctx, runID, task.ID, layer)
	out := &TaskOutcome{TaskID: task.ID, Title: task.Title, State: statemachine.TaskPending}
	defer func() {
		st.setOutcome(out)
		metrics.RecordTaskComplete(string(out.State))
		telemetry.EndTaskSpan(span, string(out.State), out.Retries)
	}()

	// Dependencies must have completed; Kahn layering guarantees they
	// ran in an earlier layer, but not that they succeeded.
	depResults := make(map[string]string, len(task.Dependencies))
	for _, dep := range task.Dependencies {
		depOut := st.outcome(dep)
		if depOut == nil || depOut.State != statemachine.TaskCompleted {
			o.terminate(scope, runID, task.ID, st, out, "task.cancelled", map[string]any{
				"reason": fmt.Sprintf("dependency %s did not complete", dep),
			}, statemachine.TaskCancelled)
			return
		}
		depResults[dep] = depOut.Result
	}

	// Policy gate on the Task's declared action class.
	decision := o.gate.Decide(o.opts.Actor, policy.ActionClass(task.ActionClass), o.opts.Trust, "run", runID, policy.Context{
		ToolName: "worker",
		Target:   task.Title,
	})
	metrics.RecordPolicyDecision(string(decision.Verdict))

	switch decision.Verdict {
	case policy.Deny:
		o.terminate(scope, runID, task.ID, st, out, "task.failed", map[string]any{
			"error":     "policy denied: " + decision.Reason,
			"retryable": false,
		}, statemachine.TaskFailed)
		out.Error = decision.Reason
		return
	case policy.RequireApproval:
		approved, why := o.awaitApproval(ctx, scope, runID, task, st)
		if !approved {
			o.terminate(scope, runID, task.ID, st, out, "task.failed", map[string]any{
				"error":     why,
				"reason":    "rejected",
				"retryable": false,
			}, statemachine.TaskFailed)
			out.Error = why
			return
		}
	}

	o.emitTaskEvent(scope, runID, task.ID, st, "task.assigned", map[string]any{
		"assignee": o.opts.Actor,
	})
	out.State = statemachine.TaskAssigned

	tctx := TaskContext{RunID: runID, Goal: goal, DependencyResults: depResults}

	maxAttempts := o.opts.MaxRetries + 1
	timeouts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RecordTaskRetry()
		}
		o.emitTaskEvent(scope, runID, task.ID, st, "worker.started", map[string]any{
			"retry_count": attempt,
		})
		out.State = statemachine.TaskInProgress
		out.Retries = attempt

		res, err := o.dispatch(ctx, scope, runID, task, tctx, st)
		if err == nil {
			o.terminate(scope, runID, task.ID, st, out, "task.completed", map[string]any{
				"result":     security.SanitizeForEventPayload(res.Output, 4096),
				"tokens_in":  res.TokensIn,
				"tokens_out": res.TokensOut,
			}, statemachine.TaskCompleted)
			out.Result = res.Output
			return
		}

		if ctx.Err() != nil {
			o.terminate(scope, runID, task.ID, st, out, "task.failed", map[string]any{
				"error":     "aborted",
				"reason":    "aborted",
				"retryable": false,
			}, statemachine.TaskFailed)
			out.Error = "aborted"
			return
		}

		retryable := isRetryable(err)
		if errors.Is(err, context.DeadlineExceeded) || isKind(err, engineerr.KindTimeout) {
			timeouts++
			o.emitTaskEvent(scope, runID, task.ID, st, "operation.timeout", map[string]any{
				"timeout": o.opts.TaskTimeout.String(),
			})
			// A timeout is retryable once; recurrence is terminal.
			retryable = timeouts <= 1
		}

		if !retryable || attempt == maxAttempts-1 {
			o.terminate(scope, runID, task.ID, st, out, "task.failed", map[string]any{
				"error":       security.SanitizeForEventPayload(err.Error(), 1024),
				"retryable":   false,
				"retry_count": attempt,
			}, statemachine.TaskFailed)
			out.Error = err.Error()
			return
		}

		o.log.Info("task attempt failed, retrying",
			"run", runID,
			"task", task.ID,
			"attempt", attempt,
			"error", err.Error(),
		)
	}
}

// dispatch runs the worker once under the per-task timeout, forwarding
// progress callbacks as task.progressed events.
func (o *Orchestrator) dispatch(ctx context.Context, scope eventlog.Scope, runID string, task planner.Task, tctx TaskContext, st *execState) (WorkResult, error) {
	runCtx := ctx
	if o.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.TaskTimeout)
		defer cancel()
	}

	report := func(p Progress) {
		o.emitTaskEvent(scope, runID, task.ID, st, "task.progressed", map[string]any{
			"progress": p.Percent,
			"message":  p.Message,
		})
	}

	res, err := o.worker.Run(runCtx, task, tctx, report)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return res, engineerr.Timeout(fmt.Sprintf("task %s exceeded %s", task.ID, o.opts.TaskTimeout))
	}
	return res, err
}

// awaitApproval raises a Requirement for the task and suspends until it
// is resolved. Returns (approved, reason-if-not).
func (o *Orchestrator) awaitApproval(ctx context.Context, scope eventlog.Scope, runID string, task planner.Task, st *execState) (bool, string) {
	reqID := "req-" + eventlog.NewEventID()

	typed := task.ActionClass == string(policy.ActionClassIrreversible)
	token, err := o.approvals.Register(runID, reqID, typed)
	if err != nil {
		return false, "approval registration failed: " + err.Error()
	}

	description := fmt.Sprintf("approval required for task %q (%s)", task.Title, task.ActionClass)
	if token != "" {
		// The approver re-enters the token on resolve; it travels in the
		// requirement description the way a confirmation prompt would.
		description += fmt.Sprintf("\n\nTyped confirmation required. Re-enter token exactly: %s", token)
	}
	payload := map[string]any{
		"requirement_id": reqID,
		"description":    description,
		"options":        []any{"approve", "reject"},
	}
	if token != "" {
		payload["typed_confirmation"] = true
	}
	o.emitTaskEvent(scope, runID, task.ID, st, "requirement.created", payload)

	outcome, err := o.approvals.Wait(ctx, reqID)
	if err != nil {
		return false, "approval wait cancelled: " + err.Error()
	}
	if !outcome.Approved() {
		return false, fmt.Sprintf("approval %s", outcome.State)
	}
	return true, ""
}

// cancelRemaining emits task.cancelled for every Task that has no
// outcome yet (abort path).
func (o *Orchestrator) cancelRemaining(scope eventlog.Scope, runID string, plan *planner.Plan, st *execState, reason string) {
	for _, t := range plan.Tasks {
		if st.outcome(t.ID) != nil {
			continue
		}
		out := &TaskOutcome{TaskID: t.ID, Title: t.Title}
		o.terminate(scope, runID, t.ID, st, out, "task.cancelled", map[string]any{
			"reason": reason,
		}, statemachine.TaskCancelled)
		st.setOutcome(out)
		metrics.RecordTaskComplete(string(out.State))
	}
}

// terminate emits the Task's terminal event and records its state.
func (o *Orchestrator) terminate(scope eventlog.Scope, runID, taskID string, st *execState, out *TaskOutcome, eventType string, payload map[string]any, state statemachine.TaskState) {
	o.emitTaskEvent(scope, runID, taskID, st, eventType, payload)
	out.State = state
}

// emitTaskEvent appends one Task-scoped event, threading the Task's
// previous event id through parents.
func (o *Orchestrator) emitTaskEvent(scope eventlog.Scope, runID, taskID string, st *execState, eventType string, payload map[string]any) {
	var parents []string
	st.mu.Lock()
	if prev := st.lastEvent[taskID]; prev != "" {
		parents = []string{prev}
	}
	st.mu.Unlock()

	e, err := o.emit(scope, eventlog.Draft{
		Type:    eventType,
		Actor:   o.opts.Actor,
		RunID:   runID,
		TaskID:  taskID,
		Payload: payload,
		Parents: parents,
	})
	if err != nil {
		// An unwritable log is a corruption-class problem; the Run will
		// surface it on its next replay. Log and keep the worker moving.
		o.log.Error(err, "failed to append event", "type", eventType, "task", taskID)
		return
	}

	st.mu.Lock()
	st.lastEvent[taskID] = e.ID
	st.mu.Unlock()
}

func (o *Orchestrator) emit(scope eventlog.Scope, d eventlog.Draft) (*eventlog.Event, error) {
	e, err := o.store.AppendNew(scope, d)
	if err != nil {
		return nil, err
	}
	metrics.RecordEventAppended(d.Type)
	return e, nil
}

// checkLayerDeps rejects a plan whose dependencies are not fully
// resolved by earlier layers.
func checkLayerDeps(plan *planner.Plan) error {
	byID := make(map[string]planner.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	placed := make(map[string]bool, len(plan.Tasks))
	for _, layer := range plan.Layers {
		for _, taskID := range layer {
			t, ok := byID[taskID]
			if !ok {
				return &DependencyResolutionError{TaskID: taskID, DepID: taskID}
			}
			for _, dep := range t.Dependencies {
				if !placed[dep] {
					return &DependencyResolutionError{TaskID: taskID, DepID: dep}
				}
			}
		}
		for _, taskID := range layer {
			placed[taskID] = true
		}
	}
	return nil
}

func isRetryable(err error) bool {
	var e *engineerr.Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func isKind(err error, kind engineerr.Kind) bool {
	k, ok := engineerr.Kindof(err)
	return ok && k == kind
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
