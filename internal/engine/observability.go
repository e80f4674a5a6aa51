package engine

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const engineTracerName = "mindlayer.engine"

// Tracer wraps OpenTelemetry tracing for update transactions. When disabled
// every span is a no-op.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a tracer using the global tracer provider.
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(engineTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRun opens the span covering one CheckAndOffer call.
func (t *Tracer) StartRun(ctx context.Context, txID, trigger string) (context.Context, trace.Span) {
	if t == nil || !t.enabled {
		return ctx, noop.Span{}
	}

	ctx, span := t.tracer.Start(ctx, "update.check_and_offer",
		trace.WithAttributes(
			attribute.String("tx.id", txID),
			attribute.String("tx.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	t.logger.DebugContext(ctx, "starting update run",
		slog.String("tx_id", txID),
		slog.String("trigger", trigger),
	)
	return ctx, span
}

// EndRun closes the run span with its outcome.
func (t *Tracer) EndRun(span trace.Span, res *Result, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if res != nil {
		span.SetAttributes(
			attribute.String("tx.outcome", string(res.Kind)),
			attribute.Int("tx.files_written", len(res.Written)),
		)
		if res.Release != nil {
			span.SetAttributes(attribute.String("release.version", res.Release.Version))
		}
		if res.Diff != nil {
			span.SetAttributes(attribute.String("diff.risk", string(res.Diff.RiskLevel)))
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Transition adds a span event for a state change.
func (t *Tracer) Transition(ctx context.Context, from, to State) {
	if t == nil || !t.enabled {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("state",
		trace.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}
