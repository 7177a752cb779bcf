/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/metrics"
	"github.com/marcus-qen/legator/internal/planner"
	"github.com/marcus-qen/legator/internal/policy"
	"github.com/marcus-qen/legator/internal/provider"
	"github.com/marcus-qen/legator/internal/ratelimit"
	"github.com/marcus-qen/legator/internal/security"
	"github.com/marcus-qen/legator/internal/telemetry"
	"github.com/marcus-qen/legator/internal/toolplugin"
)

// Progress is one worker progress report, forwarded to the Run log as
// task.progressed.
type Progress struct {
	Percent int
	Message string
}

// WorkResult is what a worker returns on success.
type WorkResult struct {
	Output    string
	TokensIn  int64
	TokensOut int64
}

// Worker executes one Task. Implementations must be safe for
// concurrent use: the orchestrator dispatches a whole layer in parallel
// against a single Worker value.
type Worker interface {
	Run(ctx context.Context, task planner.Task, tctx TaskContext, report func(Progress)) (WorkResult, error)
}

// FuncWorker adapts a plain function to the Worker interface.
type FuncWorker func(ctx context.Context, task planner.Task, tctx TaskContext, report func(Progress)) (WorkResult, error)

func (f FuncWorker) Run(ctx context.Context, task planner.Task, tctx TaskContext, report func(Progress)) (WorkResult, error) {
	return f(ctx, task, tctx, report)
}

// LLMWorker executes a Task through an LLM tool-use conversation:
//
//  1. Send the task prompt to the LLM
//  2. If tool_use: evaluate each tool call through the policy gate,
//     execute or block
//  3. Feed results back to the LLM
//  4. Repeat until end_turn or budget exhausted
type LLMWorker struct {
	provider provider.Provider
	exec     toolplugin.Executor
	gate     *policy.Gate
	limiter  *ratelimit.Limiter
	log      logr.Logger

	model         string
	maxTokens     int32
	maxIterations int
	tokenBudget   int64
	actor         string
	trust         policy.TrustLevel
}

// LLMWorkerConfig bundles the knobs for NewLLMWorker.
type LLMWorkerConfig struct {
	Model         string
	MaxTokens     int32
	MaxIterations int
	TokenBudget   int64
	Actor         string
	Trust         policy.TrustLevel
}

// NewLLMWorker creates an LLM-driven worker. limiter may be nil to skip
// rate limiting.
func NewLLMWorker(p provider.Provider, exec toolplugin.Executor, gate *policy.Gate, limiter *ratelimit.Limiter, cfg LLMWorkerConfig, log logr.Logger) *LLMWorker {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 50000
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Actor == "" {
		cfg.Actor = "worker"
	}
	if cfg.Trust == "" {
		cfg.Trust = policy.TrustTrusted
	}
	return &LLMWorker{
		provider:      p,
		exec:          exec,
		gate:          gate,
		limiter:       limiter,
		log:           log.WithName("worker"),
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		tokenBudget:   cfg.TokenBudget,
		actor:         cfg.Actor,
		trust:         cfg.Trust,
	}
}

// Run executes the conversation loop for one Task.
func (w *LLMWorker) Run(ctx context.Context, task planner.Task, tctx TaskContext, report func(Progress)) (WorkResult, error) {
	var result WorkResult

	messages := []provider.Message{
		{Role: "user", Content: "Execute this task now and report the outcome."},
	}

	for iteration := 0; iteration < w.maxIterations; iteration++ {
		if result.TokensIn+result.TokensOut >= w.tokenBudget {
			return result, engineerr.BudgetExhausted(
				fmt.Sprintf("token budget exhausted: %d/%d used", result.TokensIn+result.TokensOut, w.tokenBudget), 0)
		}

		if w.limiter != nil {
			if err := w.limiter.Acquire(ctx, w.model, int(w.maxTokens)); err != nil {
				return result, err
			}
		}

		llmCtx, llmSpan := telemetry.StartLLMCallSpan(ctx, w.model, w.provider.Name(), iteration)
		resp, err := w.provider.Complete(llmCtx, &provider.CompletionRequest{
			SystemPrompt: buildTaskPrompt(task, tctx),
			Messages:     messages,
			Tools:        w.exec.Definitions(),
			Model:        w.model,
			MaxTokens:    w.maxTokens,
		})
		if err != nil {
			llmSpan.RecordError(err)
			llmSpan.End()
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			return result, engineerr.Transport("LLM call failed", err)
		}
		telemetry.EndLLMCallSpan(llmSpan, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.HasToolCalls())

		result.TokensIn += resp.Usage.InputTokens
		result.TokensOut += resp.Usage.OutputTokens
		metrics.RecordTokens(w.model, resp.Usage.TotalTokens())

		if report != nil {
			report(Progress{
				Percent: (iteration + 1) * 100 / w.maxIterations,
				Message: fmt.Sprintf("iteration %d", iteration+1),
			})
		}

		// No tool calls: this is the final response.
		if !resp.HasToolCalls() {
			result.Output = resp.Content
			return result, nil
		}

		messages = append(messages, provider.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var toolResults []provider.ToolResult
		for _, tc := range resp.ToolCalls {
			toolResults = append(toolResults, w.executeToolCall(ctx, tctx, tc))
		}

		messages = append(messages, provider.Message{
			Role:        "user",
			ToolResults: toolResults,
		})
	}

	return result, engineerr.Validation("max iterations exhausted (%d)", w.maxIterations)
}

// executeToolCall runs one tool call through the policy gate and the
// tool executor, returning the (possibly blocked) result for the LLM.
func (w *LLMWorker) executeToolCall(ctx context.Context, tctx TaskContext, tc provider.ToolCall) provider.ToolResult {
	target := extractTarget(tc.Args)
	class := policy.ClassifyTool(tc.Name)

	_, toolSpan := telemetry.StartToolCallSpan(ctx, tc.Name, target, string(class))

	decision := w.gate.Decide(w.actor, class, w.trust, "run", tctx.RunID, policy.Context{
		ToolName: tc.Name,
		Target:   target,
	})
	metrics.RecordPolicyDecision(string(decision.Verdict))

	// Inside a running worker there is nobody to ask: anything short of
	// Allow blocks the call, and the LLM is told why so it can route
	// around or report.
	if decision.Verdict != policy.Allow {
		w.log.Info("tool call blocked",
			"tool", tc.Name,
			"target", target,
			"verdict", string(decision.Verdict),
			"reason", decision.Reason,
		)
		telemetry.EndToolCallSpan(toolSpan, "blocked", true, decision.Reason)
		return provider.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("BLOCKED: %s", decision.Reason),
			IsError:    true,
		}
	}

	res, err := w.exec.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		telemetry.EndToolCallSpan(toolSpan, "failed", false, "")
		return provider.ToolResult{
			ToolCallID: tc.ID,
			Content:    fmt.Sprintf("ERROR: %v", err),
			IsError:    true,
		}
	}

	w.gate.RecordExecution(w.actor, tc.Name, "run", tctx.RunID, target)
	telemetry.EndToolCallSpan(toolSpan, "executed", false, "")

	return provider.ToolResult{
		ToolCallID: tc.ID,
		Content:    security.Sanitize(res.Content),
		IsError:    res.IsError,
	}
}

// buildTaskPrompt constructs the worker's system prompt from the Task
// and its dependency context.
func buildTaskPrompt(task planner.Task, tctx TaskContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a task worker executing one unit of a larger goal.\n\n")
	fmt.Fprintf(&b, "## Goal\n%s\n\n", tctx.Goal)
	fmt.Fprintf(&b, "## Your task\n%s\n", task.Title)
	if task.Description != "" && task.Description != task.Title {
		fmt.Fprintf(&b, "%s\n", task.Description)
	}

	if len(tctx.DependencyResults) > 0 {
		b.WriteString("\n## Results from prerequisite tasks\n")
		for _, dep := range task.Dependencies {
			if res, ok := tctx.DependencyResults[dep]; ok {
				fmt.Fprintf(&b, "### %s\n%s\n", dep, res)
			}
		}
	}

	b.WriteString("\nUse the available tools as needed. When the task is done, respond with a plain-text summary of what was accomplished.\n")

	return b.String()
}

// extractTarget pulls the most target-like argument out of a tool call
// for policy evaluation and audit.
func extractTarget(args map[string]interface{}) string {
	for _, key := range []string{"target", "name", "path", "url", "resource", "query"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
