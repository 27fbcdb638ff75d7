package reconcile

import (
	"context"

	"github.com/squadpool/missionsync/internal/push"
)

// Attach registers the engine's handlers on a push dispatcher and makes view
// open/close drive the dispatcher's join/leave. Every event stamps the
// mission's last-push time; updated events with an embedded record merge
// in-band, everything else triggers a forced reconciliation that coalesces
// with whatever is already in flight.
func (e *Engine) Attach(d *push.Dispatcher) {
	e.mu.Lock()
	e.pushes = d
	for id := range e.cursors {
		d.Join(id)
	}
	e.mu.Unlock()

	d.OnUpdated(func(ev push.Event) {
		e.NotePush(ev.Mission)
		if ev.Record != nil {
			e.ApplyRecord(*ev.Record)
			return
		}
		go e.Sync(context.Background(), ev.Mission, true)
	})
	d.OnStatusChanged(func(ev push.Event) {
		e.NotePush(ev.Mission)
		go e.Sync(context.Background(), ev.Mission, true)
	})
	d.OnRoundResolved(func(ev push.Event) {
		e.NotePush(ev.Mission)
		if e.notice != nil && e.dedup.Allow("round_resolved", ev.Mission) {
			e.notice("round_resolved", ev.Mission)
		}
		go e.Sync(context.Background(), ev.Mission, true)
	})
}
