package observer

import (
	"context"
	"sync"
	"time"

	acton "github.com/actonhq/acton"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EventHandler returns a runtime event handler that records turn-level
// metrics. next, when non-nil, receives every event after recording so
// hosts can chain their own handler.
func EventHandler(inst *Instruments, next func(acton.Event)) func(acton.Event) {
	var mu sync.Mutex
	starts := make(map[string]time.Time)

	return func(ev acton.Event) {
		ctx := context.Background()
		switch ev.Kind {
		case acton.EventTurnStart:
			mu.Lock()
			starts[ev.ThreadID] = ev.At
			mu.Unlock()
		case acton.EventFastIntent:
			inst.FastIntentHits.Add(ctx, 1)
		case acton.EventTurnEnd, acton.EventTurnError:
			status := "ok"
			if ev.Kind == acton.EventTurnError {
				status = "error"
			}
			mu.Lock()
			started, ok := starts[ev.ThreadID]
			delete(starts, ev.ThreadID)
			mu.Unlock()

			inst.Turns.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", status),
			))
			if ok {
				inst.TurnDuration.Record(ctx, float64(ev.At.Sub(started).Milliseconds()))
			}
		}
		if next != nil {
			next(ev)
		}
	}
}
