package observer

import (
	"context"
	"time"

	atoll "github.com/helmshore/atoll"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedHandler wraps an atoll.Handler with OTEL instrumentation.
type ObservedHandler struct {
	name  string
	inner atoll.Handler
	inst  *Instruments
}

var _ atoll.Handler = (*ObservedHandler)(nil)

// WrapHandler returns an instrumented skill handler.
func WrapHandler(name string, inner atoll.Handler, inst *Instruments) *ObservedHandler {
	return &ObservedHandler{name: name, inner: inner, inst: inst}
}

// WrapHandlers instruments every handler in the map, keyed by skill name.
func WrapHandlers(handlers map[string]atoll.Handler, inst *Instruments) map[string]atoll.Handler {
	wrapped := make(map[string]atoll.Handler, len(handlers))
	for name, h := range handlers {
		wrapped[name] = WrapHandler(name, h, inst)
	}
	return wrapped
}

func (o *ObservedHandler) Execute(ctx context.Context, flags map[string]any, sc atoll.SkillContext) (atoll.SkillResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "skill.execute", trace.WithAttributes(
		AttrSkillName.String(o.name),
		AttrAgentID.String(sc.AgentID),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, flags, sc)

	durationMs := float64(time.Since(start).Milliseconds())
	status := result.Status
	if status == "" {
		status = "ok"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrSkillStatus.String(status),
		AttrSkillResultLength.Int(len(result.Content)),
	)

	o.inst.SkillExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrSkillName.String(o.name),
		attribute.String("status", status),
	))
	o.inst.SkillDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrSkillName.String(o.name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("skill executed"))
	rec.AddAttributes(
		otellog.String("skill.name", o.name),
		otellog.String("skill.status", status),
		otellog.Int("skill.result_length", len(result.Content)),
		otellog.Float64("skill.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
