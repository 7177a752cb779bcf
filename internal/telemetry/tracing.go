/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the execution core.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `legator.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "legator.io/engine"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext gRPC; this explicit option takes precedence over OTEL_EXPORTER_OTLP_INSECURE
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("legator-engine"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a Run.
func StartRunSpan(ctx context.Context, runID, goal string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("legator.run_id", runID),
			attribute.String("legator.goal", goal),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan creates a child span for one pipeline stage
// (plan, plan_verify, plan_approval, execute, post_verify, finalize).
func StartStageSpan(ctx context.Context, runID, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("legator.run_id", runID),
			attribute.String("legator.stage", stage),
		),
	)
}

// EndStageSpan enriches the stage span with its outcome.
func EndStageSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("legator.stage_outcome", outcome))
	span.End()
}

// StartLLMCallSpan creates a child span for an LLM call, following GenAI conventions.
func StartLLMCallSpan(ctx context.Context, model, provider string, iteration int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.Int("legator.iteration", iteration),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMCallSpan enriches the LLM span with usage data.
func EndLLMCallSpan(span trace.Span, inputTokens, outputTokens int64, hasToolCalls bool) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		attribute.Bool("legator.has_tool_calls", hasToolCalls),
	)
	span.End()
}

// StartTaskSpan creates a child span for one Task's execution.
func StartTaskSpan(ctx context.Context, runID, taskID string, layer int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.execute",
		trace.WithAttributes(
			attribute.String("legator.run_id", runID),
			attribute.String("legator.task_id", taskID),
			attribute.Int("legator.layer", layer),
		),
	)
}

// EndTaskSpan enriches the task span with its terminal state.
func EndTaskSpan(span trace.Span, state string, retries int) {
	span.SetAttributes(
		attribute.String("legator.task_state", state),
		attribute.Int("legator.retries", retries),
	)
	span.End()
}

// StartToolCallSpan creates a child span for a tool execution.
func StartToolCallSpan(ctx context.Context, tool, target, actionClass string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.tool_call",
		trace.WithAttributes(
			attribute.String("legator.tool", tool),
			attribute.String("legator.target", target),
			attribute.String("legator.action_class", actionClass),
		),
	)
}

// EndToolCallSpan enriches the tool span with result data.
func EndToolCallSpan(span trace.Span, status string, blocked bool, blockReason string) {
	span.SetAttributes(
		attribute.String("legator.action_status", status),
		attribute.Bool("legator.blocked", blocked),
	)
	if blocked {
		span.SetAttributes(attribute.String("legator.block_reason", blockReason))
	}
	span.End()
}
