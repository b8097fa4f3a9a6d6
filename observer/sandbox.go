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

// ObservedSandbox wraps a sandbox with OTEL instrumentation. Tool calls
// made from inside the sandbox become child spans via the instrumented
// dispatch function.
type ObservedSandbox struct {
	inner acton.Sandbox
	inst  *Instruments
}

// WrapSandbox returns an instrumented sandbox.
func WrapSandbox(inner acton.Sandbox, inst *Instruments) *ObservedSandbox {
	return &ObservedSandbox{inner: inner, inst: inst}
}

func (o *ObservedSandbox) Execute(ctx context.Context, req acton.ExecuteRequest, dispatch acton.DispatchFunc) (acton.ExecuteResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.execute", trace.WithAttributes(
		AttrSandboxFunction.String(req.FunctionName),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, req, WrapDispatch(dispatch, o.inst))

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrSandboxExitCode.Int(result.ExitCode),
	)

	o.inst.SandboxExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrSandboxFunction.String(req.FunctionName),
		attribute.String("status", status),
	))
	o.inst.SandboxDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrSandboxFunction.String(req.FunctionName),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("sandbox execution completed"))
	rec.AddAttributes(
		otellog.String("sandbox.function", req.FunctionName),
		otellog.String("status", status),
		otellog.Int("sandbox.exit_code", result.ExitCode),
		otellog.Float64("sandbox.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

// compile-time check
var _ acton.Sandbox = (*ObservedSandbox)(nil)
