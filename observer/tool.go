package observer

import (
	"context"
	"strings"
	"time"

	acton "github.com/actonhq/acton"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// WrapDispatch returns a dispatch function that emits a tool.execute
// span, metrics, and a log record around every tool call. Use it
// wherever a dispatch function crosses a boundary (the sandbox bridge,
// the runtime loop).
func WrapDispatch(inner acton.DispatchFunc, inst *Instruments) acton.DispatchFunc {
	return func(ctx context.Context, tc acton.ToolCall) acton.DispatchResult {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(tc.Name),
		))
		defer span.End()
		start := time.Now()

		result := inner(ctx, tc)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if result.IsError {
			status = "tool_error"
			span.SetStatus(codes.Error, strings.TrimPrefix(result.Content, "error: "))
		}

		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(len(result.Content)),
		)

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(tc.Name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(tc.Name),
		))

		// Structured log
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", tc.Name),
			otellog.String("tool.status", status),
			otellog.Int("tool.result_length", len(result.Content)),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return result
	}
}

// DispatchObserver feeds dispatcher outcomes into the tool metrics. Use
// it with the dispatcher's observer option when span context is not
// needed.
func DispatchObserver(inst *Instruments) func(acton.ToolOutcome) {
	return func(o acton.ToolOutcome) {
		ctx := context.Background()
		status := "ok"
		if o.Err != nil {
			status = "error"
		}
		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(o.Tool),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, float64(o.Duration.Milliseconds()), metric.WithAttributes(
			AttrToolName.String(o.Tool),
		))
	}
}
