/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package pipeline implements L10: the staged execution of one Run.
//
// Plan → Plan-Verify → Plan-Approval → Execute → Post-Verify → Finalize
//
// Each stage is bracketed by pipeline.stage_started / stage_completed
// events carrying the stage name and outcome, and by an OpenTelemetry
// span. A stage that fails short-circuits the sequence; Finalize always
// runs and closes the Run with its terminal event.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/approval"
	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/guard"
	"github.com/marcus-qen/legator/internal/metrics"
	"github.com/marcus-qen/legator/internal/orchestrator"
	"github.com/marcus-qen/legator/internal/planner"
	"github.com/marcus-qen/legator/internal/policy"
	"github.com/marcus-qen/legator/internal/statemachine"
	"github.com/marcus-qen/legator/internal/telemetry"
)

// Stage names as they appear in pipeline.* event payloads.
const (
	StagePlan         = "plan"
	StagePlanVerify   = "plan_verify"
	StagePlanApproval = "plan_approval"
	StageExecute      = "execute"
	StagePostVerify   = "post_verify"
	StageFinalize     = "finalize"
)

// Outcome is the result of one full pipeline pass.
type Outcome struct {
	RunID    string
	State    statemachine.RunState
	Plan     *planner.Plan
	Result   *orchestrator.ColonyResult
	Report   string
	Verdicts map[string]guard.Verdict
}

// Pipeline sequences the stages of one Run.
type Pipeline struct {
	store     *eventlog.Store
	planner   *planner.Planner
	orch      *orchestrator.Orchestrator
	verifier  guard.Verifier
	gate      *policy.Gate
	approvals *approval.Manager
	log       logr.Logger

	actor string
	trust policy.TrustLevel
}

// New creates a Pipeline. verifier may be nil, in which case both
// verify stages pass unconditionally.
func New(store *eventlog.Store, pl *planner.Planner, orch *orchestrator.Orchestrator, verifier guard.Verifier, gate *policy.Gate, approvals *approval.Manager, actor string, trust policy.TrustLevel, log logr.Logger) *Pipeline {
	if verifier == nil {
		verifier = guard.NewPassVerifier()
	}
	if actor == "" {
		actor = "pipeline"
	}
	if trust == "" {
		trust = policy.TrustTrusted
	}
	return &Pipeline{
		store:     store,
		planner:   pl,
		orch:      orch,
		verifier:  verifier,
		gate:      gate,
		approvals: approvals,
		log:       log.WithName("pipeline"),
		actor:     actor,
		trust:     trust,
	}
}

// Execute runs the full stage sequence for runID. The Run must already
// have its run.started event on the log (the control surface emits it);
// Execute appends everything from planning through the terminal event.
func (p *Pipeline) Execute(ctx context.Context, runID, goal, priorContext string) (*Outcome, error) {
	ctx, runSpan := telemetry.StartRunSpan(ctx, runID, goal)
	defer runSpan.End()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()
	started := time.Now()

	out := &Outcome{RunID: runID, Verdicts: make(map[string]guard.Verdict)}
	scope := eventlog.RunScope(runID)

	// Plan
	plan, err := p.stagePlan(ctx, scope, runID, goal, priorContext)
	if err != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, fmt.Sprintf("planning failed: %v", err), started)
	}
	out.Plan = plan

	// Plan-Verify
	verdict, notes, err := p.stageVerify(ctx, scope, runID, StagePlanVerify, guard.Subject{
		Kind:  "plan",
		RunID: runID,
		Goal:  goal,
		Body:  plan.Payload(),
	})
	if err != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, fmt.Sprintf("plan verification errored: %v", err), started)
	}
	out.Verdicts[StagePlanVerify] = verdict
	if verdict == guard.VerdictFail {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, "plan rejected by verifier: "+notes, started)
	}

	// Plan-Approval
	approved, reason, err := p.stagePlanApproval(ctx, scope, runID, plan)
	if err != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, fmt.Sprintf("plan approval errored: %v", err), started)
	}
	if !approved {
		return p.finalize(ctx, scope, runID, out, statemachine.RunAborted, "plan not approved: "+reason, started)
	}

	// Execute
	result, err := p.stageExecute(ctx, scope, runID, plan)
	if err != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, fmt.Sprintf("execution errored: %v", err), started)
	}
	out.Result = result

	// An emergency stop during execution ends the Run aborted, not
	// failed: the orchestrator has already drained its in-flight tasks.
	if ctx.Err() != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunAborted, "emergency stop", started)
	}

	// Post-Verify
	verdict, notes, err = p.stageVerify(ctx, scope, runID, StagePostVerify, guard.Subject{
		Kind:  "result",
		RunID: runID,
		Goal:  goal,
		Body:  resultPayload(result),
	})
	if err != nil {
		return p.finalize(ctx, scope, runID, out, statemachine.RunFailed, fmt.Sprintf("post verification errored: %v", err), started)
	}
	out.Verdicts[StagePostVerify] = verdict

	state := statemachine.RunCompleted
	report := "all tasks completed"
	switch {
	case verdict == guard.VerdictFail:
		state = statemachine.RunFailed
		report = "result rejected by verifier: " + notes
	case !result.Succeeded:
		state = statemachine.RunFailed
		report = "one or more tasks failed"
	case verdict == guard.VerdictConditional:
		report = "completed with verifier reservations: " + notes
	}

	return p.finalize(ctx, scope, runID, out, state, report, started)
}

func (p *Pipeline) stagePlan(ctx context.Context, scope eventlog.Scope, runID, goal, priorContext string) (*planner.Plan, error) {
	ctx, span := telemetry.StartStageSpan(ctx, runID, StagePlan)
	p.emitStage(scope, runID, StagePlan, "started", nil)

	plan, err := p.planner.Plan(ctx, goal, priorContext)
	if err != nil {
		p.emitStage(scope, runID, StagePlan, "failed", map[string]any{"error": err.Error()})
		telemetry.EndStageSpan(span, "failed")
		return nil, err
	}

	p.emit(scope, eventlog.Draft{
		Type:    "planner.completed",
		Actor:   p.actor,
		RunID:   runID,
		Payload: plan.Payload(),
	})
	p.emitStage(scope, runID, StagePlan, "completed", map[string]any{
		"tasks":  len(plan.Tasks),
		"layers": len(plan.Layers),
	})
	telemetry.EndStageSpan(span, "completed")
	return plan, nil
}

func (p *Pipeline) stageVerify(ctx context.Context, scope eventlog.Scope, runID, stage string, subject guard.Subject) (guard.Verdict, string, error) {
	ctx, span := telemetry.StartStageSpan(ctx, runID, stage)
	p.emitStage(scope, runID, stage, "started", nil)

	report, err := p.verifier.Verify(ctx, subject)
	if err != nil {
		p.emitStage(scope, runID, stage, "failed", map[string]any{"error": err.Error()})
		telemetry.EndStageSpan(span, "failed")
		return "", "", err
	}

	p.emitStage(scope, runID, stage, "completed", map[string]any{
		"verdict": string(report.Verdict),
		"notes":   report.Notes,
	})
	telemetry.EndStageSpan(span, string(report.Verdict))
	return report.Verdict, report.Notes, nil
}

// stagePlanApproval consults the policy gate on the plan's riskiest
// action class. A RequireApproval verdict raises one Requirement for
// the plan as a whole and suspends until it resolves.
func (p *Pipeline) stagePlanApproval(ctx context.Context, scope eventlog.Scope, runID string, plan *planner.Plan) (bool, string, error) {
	ctx, span := telemetry.StartStageSpan(ctx, runID, StagePlanApproval)
	p.emitStage(scope, runID, StagePlanApproval, "started", nil)

	maxClass := policy.ActionClass(plan.MaxActionClass())
	decision := p.gate.Decide(p.actor, maxClass, p.trust, "run", runID, policy.Context{
		ToolName: "plan",
		Target:   plan.Goal,
	})
	metrics.RecordPolicyDecision(string(decision.Verdict))

	switch decision.Verdict {
	case policy.Deny:
		p.emitStage(scope, runID, StagePlanApproval, "denied", map[string]any{"reason": decision.Reason})
		telemetry.EndStageSpan(span, "denied")
		return false, decision.Reason, nil

	case policy.RequireApproval:
		reqID := "req-" + eventlog.NewEventID()
		typed := maxClass == policy.ActionClassIrreversible
		token, err := p.approvals.Register(runID, reqID, typed)
		if err != nil {
			telemetry.EndStageSpan(span, "failed")
			return false, "", err
		}

		description := fmt.Sprintf("approval required for plan (%d tasks, max class %s)", len(plan.Tasks), maxClass)
		if token != "" {
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
		p.emit(scope, eventlog.Draft{
			Type:    "requirement.created",
			Actor:   p.actor,
			RunID:   runID,
			Payload: payload,
		})

		outcome, err := p.approvals.Wait(ctx, reqID)
		if err != nil {
			telemetry.EndStageSpan(span, "cancelled")
			return false, "approval wait cancelled", err
		}
		if !outcome.Approved() {
			p.emitStage(scope, runID, StagePlanApproval, "rejected", map[string]any{"state": string(outcome.State)})
			telemetry.EndStageSpan(span, "rejected")
			return false, "plan approval " + string(outcome.State), nil
		}
	}

	p.emitStage(scope, runID, StagePlanApproval, "completed", nil)
	telemetry.EndStageSpan(span, "completed")
	return true, "", nil
}

func (p *Pipeline) stageExecute(ctx context.Context, scope eventlog.Scope, runID string, plan *planner.Plan) (*orchestrator.ColonyResult, error) {
	ctx, span := telemetry.StartStageSpan(ctx, runID, StageExecute)
	p.emitStage(scope, runID, StageExecute, "started", nil)

	result, err := p.orch.Execute(ctx, runID, plan)
	if err != nil {
		p.emitStage(scope, runID, StageExecute, "failed", map[string]any{"error": err.Error()})
		telemetry.EndStageSpan(span, "failed")
		return nil, err
	}

	p.emitStage(scope, runID, StageExecute, "completed", map[string]any{
		"succeeded": result.Succeeded,
	})
	telemetry.EndStageSpan(span, "completed")
	return result, nil
}

// finalize closes the Run with its terminal event and cancels any
// Requirements still open against it.
func (p *Pipeline) finalize(ctx context.Context, scope eventlog.Scope, runID string, out *Outcome, state statemachine.RunState, report string, started time.Time) (*Outcome, error) {
	_, span := telemetry.StartStageSpan(ctx, runID, StageFinalize)
	p.emitStage(scope, runID, StageFinalize, "started", nil)

	if cancelled := p.approvals.CancelRun(runID); len(cancelled) > 0 {
		for _, reqID := range cancelled {
			p.emit(scope, eventlog.Draft{
				Type:  "requirement.cancelled",
				Actor: p.actor,
				RunID: runID,
				Payload: map[string]any{
					"requirement_id": reqID,
					"reason":         "run reached terminal state",
				},
			})
		}
	}

	terminal := map[statemachine.RunState]string{
		statemachine.RunCompleted: "run.completed",
		statemachine.RunFailed:    "run.failed",
		statemachine.RunAborted:   "run.aborted",
		statemachine.RunTimedOut:  "run.timeout",
	}[state]

	p.emit(scope, eventlog.Draft{
		Type:  terminal,
		Actor: p.actor,
		RunID: runID,
		Payload: map[string]any{
			"report": report,
		},
	})
	p.emitStage(scope, runID, StageFinalize, "completed", map[string]any{"state": string(state)})
	telemetry.EndStageSpan(span, string(state))

	metrics.RecordRunComplete(string(state), time.Since(started))

	out.State = state
	out.Report = report

	p.log.Info("run finished",
		"run", runID,
		"state", string(state),
		"report", report,
	)
	return out, nil
}

func (p *Pipeline) emitStage(scope eventlog.Scope, runID, stage, outcome string, extra map[string]any) {
	payload := map[string]any{
		"stage":   stage,
		"outcome": outcome,
	}
	for k, v := range extra {
		payload[k] = v
	}
	typ := "pipeline.stage_started"
	if outcome != "started" {
		typ = "pipeline.stage_completed"
	}
	p.emit(scope, eventlog.Draft{
		Type:    typ,
		Actor:   p.actor,
		RunID:   runID,
		Payload: payload,
	})
}

func (p *Pipeline) emit(scope eventlog.Scope, d eventlog.Draft) {
	if _, err := p.store.AppendNew(scope, d); err != nil {
		p.log.Error(err, "failed to append event", "type", d.Type)
		return
	}
	metrics.RecordEventAppended(d.Type)
}

func resultPayload(r *orchestrator.ColonyResult) map[string]any {
	outcomes := make(map[string]any, len(r.Outcomes))
	for id, o := range r.Outcomes {
		outcomes[id] = map[string]any{
			"state":   string(o.State),
			"result":  o.Result,
			"error":   o.Error,
			"retries": o.Retries,
		}
	}
	return map[string]any{
		"run_id":    r.RunID,
		"goal":      r.Goal,
		"succeeded": r.Succeeded,
		"outcomes":  outcomes,
	}
}
