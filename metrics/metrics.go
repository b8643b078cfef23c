/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics provides OpenTelemetry counters for the agent: LLM
// token/call usage and pipeline state transitions. Metric creation
// degrades gracefully to no-op counters so observability failures never
// break the pipeline.
package metrics

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// GenAI records token usage and call counts for model operations, with
// the model name as a dimension.
type GenAI struct {
	promptTokens     metric.Int64Counter
	completionTokens metric.Int64Counter
	callCounter      metric.Int64Counter
}

// NewGenAI creates the model counters under the given meter name.
func NewGenAI(meterName string) *GenAI {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	promptTokens, err := meter.Int64Counter("genai.token.prompt",
		metric.WithDescription("The number of prompt tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create prompt tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		promptTokens = noop.Int64Counter{}
	}

	completionTokens, err := meter.Int64Counter("genai.token.completion",
		metric.WithDescription("The number of completion tokens used"),
		metric.WithUnit("{tokens}"))
	if err != nil {
		slog.Warn("Failed to create completion tokens counter, metrics will be disabled", "error", err, "meter", meterName)
		completionTokens = noop.Int64Counter{}
	}

	callCounter, err := meter.Int64Counter("genai.calls",
		metric.WithDescription("The number of model calls made"),
		metric.WithUnit("{calls}"))
	if err != nil {
		slog.Warn("Failed to create call counter, metrics will be disabled", "error", err, "meter", meterName)
		callCounter = noop.Int64Counter{}
	}

	return &GenAI{
		promptTokens:     promptTokens,
		completionTokens: completionTokens,
		callCounter:      callCounter,
	}
}

// RecordUsage records one model call's token usage.
func (g *GenAI) RecordUsage(ctx context.Context, model string, promptTokens, completionTokens int64) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	g.promptTokens.Add(ctx, promptTokens, attrs)
	g.completionTokens.Add(ctx, completionTokens, attrs)
	g.callCounter.Add(ctx, 1, attrs)
}

// Pipeline records issue state transitions with the target state as a
// dimension.
type Pipeline struct {
	transitions metric.Int64Counter
}

// NewPipeline creates the pipeline counters under the given meter name.
func NewPipeline(meterName string) *Pipeline {
	meter := otel.Meter(meterName, metric.WithInstrumentationVersion("1.0.0"))

	transitions, err := meter.Int64Counter("pipeline.transitions",
		metric.WithDescription("The number of issue state transitions"),
		metric.WithUnit("{transitions}"))
	if err != nil {
		slog.Warn("Failed to create transitions counter, metrics will be disabled", "error", err, "meter", meterName)
		transitions = noop.Int64Counter{}
	}

	return &Pipeline{transitions: transitions}
}

// RecordTransition records a state transition for a repo.
func (p *Pipeline) RecordTransition(ctx context.Context, repo, state string) {
	p.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repo", repo),
		attribute.String("state", state),
	))
}
