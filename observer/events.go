package observer

import (
	"context"

	atoll "github.com/helmshore/atoll"

	otellog "go.opentelemetry.io/otel/log"
)

// ObserveBroker drains engine events into turn-level metrics until ctx is
// done or the channel closes. Token and cost metrics are recorded by
// WrapProvider per call; this sink handles the per-turn aggregates the
// provider cannot see.
//
// Run it in its own goroutine:
//
//	events, cancel := broker.Subscribe()
//	defer cancel()
//	go observer.ObserveBroker(ctx, events, inst)
func ObserveBroker(ctx context.Context, events <-chan atoll.Event, inst *Instruments) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != atoll.EventTurnCompleted || ev.Turn == nil {
				continue
			}
			recordTurn(ctx, ev, inst)
		}
	}
}

func recordTurn(ctx context.Context, ev atoll.Event, inst *Instruments) {
	turn := ev.Turn

	inst.TurnDuration.Record(ctx, float64(turn.Duration.Milliseconds()))
	inst.TurnIterations.Record(ctx, int64(turn.Iterations))
	if turn.AgentsRun > 0 {
		inst.AgentExecutions.Add(ctx, int64(turn.AgentsRun))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("turn completed"))
	rec.AddAttributes(
		otellog.String("conversation.id", ev.ConversationID),
		otellog.Int("turn.iterations", turn.Iterations),
		otellog.Int("turn.agents", turn.AgentsRun),
		otellog.Int("turn.skill_calls", turn.SkillCalls),
		otellog.Float64("turn.duration_ms", float64(turn.Duration.Milliseconds())),
		otellog.Int("turn.response_chars", turn.ResponseChars),
	)
	inst.Logger.Emit(ctx, rec)
}
