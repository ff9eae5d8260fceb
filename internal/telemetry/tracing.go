// Package telemetry configures OpenTelemetry tracing for the AgentMesh
// daemon. Grounded on legator's internal/telemetry/tracing.go: a
// package-level tracer, an InitTraceProvider returning a shutdown func,
// and Start*Span/End*Span helper pairs with an `agentmesh.` attribute
// prefix in place of `infraagent.`.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentmesh/daemon"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs exporter as the batching span processor for
// the global trace provider. A nil exporter disables tracing (spans are
// dropped by the SDK's default no-op provider left in place). Returns a
// shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, exporter sdktrace.SpanExporter, serviceVersion string) (func(context.Context) error, error) {
	if exporter == nil {
		return func(context.Context) error { return nil }, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartWatchdogScanSpan wraps one Watchdog.Scan pass.
func StartWatchdogScanSpan(ctx context.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "watchdog.scan", trace.WithSpanKind(trace.SpanKindInternal))
}

// StartClaimSpan wraps a single ClaimArbiter.Claim attempt.
func StartClaimSpan(ctx context.Context, agentID, resource, intent string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "claim.acquire",
		trace.WithAttributes(
			attribute.String("agentmesh.agent_id", agentID),
			attribute.String("agentmesh.resource", resource),
			attribute.String("agentmesh.intent", intent),
		),
	)
}

// EndClaimSpan enriches the claim span with its outcome.
func EndClaimSpan(span trace.Span, outcome string, conflictCount int) {
	span.SetAttributes(
		attribute.String("agentmesh.outcome", outcome),
		attribute.Int("agentmesh.conflict_count", conflictCount),
	)
	span.End()
}

// StartTransitionSpan wraps a single TaskMachine.Transition call.
func StartTransitionSpan(ctx context.Context, taskID, toState string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "task.transition",
		trace.WithAttributes(
			attribute.String("agentmesh.task_id", taskID),
			attribute.String("agentmesh.to_state", toState),
		),
	)
}

// StartSpawnSpan wraps a single Spawner.Spawn launch.
func StartSpawnSpan(ctx context.Context, taskID, backend string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "spawn.launch",
		trace.WithAttributes(
			attribute.String("agentmesh.task_id", taskID),
			attribute.String("agentmesh.backend", backend),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpawnSpan enriches the spawn span with its harvest/abort outcome.
func EndSpawnSpan(span trace.Span, spawnID, outcome string) {
	span.SetAttributes(
		attribute.String("agentmesh.spawn_id", spawnID),
		attribute.String("agentmesh.outcome", outcome),
	)
	span.End()
}
