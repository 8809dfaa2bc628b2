// Package telemetry configures OpenTelemetry tracing for the deployment
// engine.
//
// Custom span attributes use the `deployctl.` prefix.
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

const tracerName = "deployctl.io/orchestrator"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. If endpoint is empty, tracing is disabled (noop provider used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("deployctl-engine"),
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

// StartStageSpan creates the parent span for one orchestration stage.
func StartStageSpan(ctx context.Context, deploymentID, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "orchestrator.stage",
		trace.WithAttributes(
			attribute.String("deployctl.deployment_id", deploymentID),
			attribute.String("deployctl.stage", stage),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartAIGenerateSpan creates a child span for an AI code-generation call,
// following OTel GenAI semantic conventions.
func StartAIGenerateSpan(ctx context.Context, model, provider, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", provider),
			attribute.String("gen_ai.request.model", model),
			attribute.String("deployctl.action", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndAIGenerateSpan enriches the AI span with response metadata.
func EndAIGenerateSpan(span trace.Span, proposedCommands, fileProposals int) {
	span.SetAttributes(
		attribute.Int("deployctl.proposed_commands", proposedCommands),
		attribute.Int("deployctl.file_proposals", fileProposals),
	)
	span.End()
}

// StartCommandSpan creates a child span for one command-queue execution.
func StartCommandSpan(ctx context.Context, deploymentID, cmdType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "commandqueue.execute",
		trace.WithAttributes(
			attribute.String("deployctl.deployment_id", deploymentID),
			attribute.String("deployctl.command_type", cmdType),
		),
	)
}

// EndCommandSpan enriches the command span with its result.
func EndCommandSpan(span trace.Span, exitCode int, requiredConfirmation bool) {
	span.SetAttributes(
		attribute.Int("deployctl.exit_code", exitCode),
		attribute.Bool("deployctl.required_confirmation", requiredConfirmation),
	)
	span.End()
}

// StartIaCSpan creates a child span for an IaC lifecycle operation.
func StartIaCSpan(ctx context.Context, deploymentID, verb string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "iaclifecycle."+verb,
		trace.WithAttributes(
			attribute.String("deployctl.deployment_id", deploymentID),
		),
	)
}

// StartNotifySpan creates a child span for notification delivery.
func StartNotifySpan(ctx context.Context, deploymentID, channel string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "notification.send",
		trace.WithAttributes(
			attribute.String("deployctl.deployment_id", deploymentID),
			attribute.String("deployctl.channel", channel),
		),
	)
}
