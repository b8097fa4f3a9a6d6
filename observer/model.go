package observer

import (
	"context"
	"time"

	acton "github.com/actonhq/acton"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Interceptor returns a model interceptor that emits a span, metrics,
// and a log record around every model call. Install it as the outermost
// interceptor so it observes the request other interceptors produce.
func Interceptor(inst *Instruments) acton.ModelInterceptor {
	return acton.ModelInterceptorFunc(func(ctx context.Context, req acton.ModelRequest, next acton.ModelHandler) (acton.ModelResponse, error) {
		spanName := "llm.chat"
		method := "chat"
		spanAttrs := []trace.SpanStartOption{}
		if len(req.Tools) > 0 {
			toolNames := make([]string, len(req.Tools))
			for i, t := range req.Tools {
				toolNames[i] = t.Name
			}
			spanAttrs = append(spanAttrs, trace.WithAttributes(
				AttrToolCount.Int(len(req.Tools)),
				AttrToolNames.StringSlice(toolNames),
			))
			spanName = "llm.chat_with_tools"
			method = "chat_with_tools"
		}

		ctx, span := inst.Tracer.Start(ctx, spanName, spanAttrs...)
		defer span.End()
		start := time.Now()

		resp, err := next(ctx, req)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		span.SetAttributes(
			AttrTokensInput.Int(resp.Usage.InputTokens),
			AttrTokensOutput.Int(resp.Usage.OutputTokens),
		)

		inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
			AttrLLMMethod.String(method),
			attribute.String("direction", "input"),
		))
		inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
			AttrLLMMethod.String(method),
			attribute.String("direction", "output"),
		))
		inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
			AttrLLMMethod.String(method),
			attribute.String("status", status),
		))
		inst.ModelDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrLLMMethod.String(method),
		))

		// Structured log
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("llm call completed"))
		rec.AddAttributes(
			otellog.String("llm.method", method),
			otellog.Int("llm.tokens.input", resp.Usage.InputTokens),
			otellog.Int("llm.tokens.output", resp.Usage.OutputTokens),
			otellog.Float64("llm.duration_ms", durationMs),
			otellog.String("status", status),
		)
		inst.Logger.Emit(ctx, rec)

		return resp, err
	})
}
