package reconcile

import (
	"context"

	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/telemetry"
)

// scheduleTickLocked arms the next predictor tick for a cursor: 1 Hz
// normally, the fast cadence through the tail of the active phase so the
// progress indicator stays smooth. Caller holds e.mu.
func (e *Engine) scheduleTickLocked(cur *cursor) {
	interval := e.cfg.TickInterval
	if cur.haveRecord && cur.displayed == mission.StatusActive {
		if cur.record.MissionEnd.Sub(e.clock.Now()) <= e.cfg.FastTickWindow {
			interval = e.cfg.FastTickInterval
		}
	}
	id, gen := cur.id, cur.gen
	e.sched.After(id, gen, "tick", interval, func() {
		e.tick(id, gen)
	})
}

// tick recomputes countdown values and checks the next relevant deadline.
// When a deadline passes, the status resolver is consulted exactly once per
// deadline; a differing result is applied immediately as a local prediction
// and a confirming fetch is requested, because the push channel can lag the
// clock.
func (e *Engine) tick(id string, gen uint64) {
	e.mu.Lock()
	cur, ok := e.cursors[id]
	if !ok || cur.gen != gen {
		e.mu.Unlock()
		return
	}
	now := e.clock.Now()

	confirm := false
	watchdog := false

	if cur.haveRecord {
		if _, _, bound := cur.record.PhaseWindow(cur.displayed); bound {
			cur.lastCountdown = cur.binder.Tick(now)
		}

		if deadline, has := mission.NextDeadline(cur.record, cur.displayed, e.cfg.Grace); has &&
			!now.Before(deadline) && deadline.After(cur.firedDeadline) {
			cur.firedDeadline = deadline

			predicted := mission.Resolve(cur.record, now, e.cfg.Grace)
			if predicted != cur.displayed {
				e.applyLocalFlipLocked(cur, predicted)
				confirm = true
			}
		}

		// Watchdog: unsolicited reconciliation for the foreground mission
		// after push silence.
		if cur.foreground && !cur.displayed.Ended() &&
			now.Sub(cur.lastPushAt) >= e.cfg.WatchdogSilence &&
			now.Sub(cur.lastWatchdogAt) >= e.cfg.WatchdogSilence {
			cur.lastWatchdogAt = now
			watchdog = true
		}

		e.refreshStaleLocked(cur)
	}

	e.scheduleTickLocked(cur)
	state := e.viewStateLocked(cur)
	haveRecord := cur.haveRecord
	e.mu.Unlock()

	if haveRecord {
		e.sink.Render(state)
	}
	if confirm {
		id, gen := id, gen
		e.sched.After(id, gen, "confirm", e.cfg.ConfirmWindow, func() {
			go e.Sync(context.Background(), id, true)
		})
	}
	if watchdog {
		telemetry.WatchdogFiresTotal.Inc()
		e.log.Debug().Str("mission_id", id).Msg("watchdog firing after push silence")
		go e.Sync(context.Background(), id, true)
	}
}

// applyLocalFlipLocked installs a clock-predicted status ahead of server
// confirmation. Idempotent: the confirming snapshot resolving to the same
// status merges as a no-op. Caller holds e.mu.
func (e *Engine) applyLocalFlipLocked(cur *cursor, predicted mission.Status) {
	e.log.Info().
		Str("mission_id", cur.id).
		Stringer("from", cur.displayed).
		Stringer("to", predicted).
		Msg("applying local status prediction")

	// Leaving the enrollment phase freezes the starting pool at the final
	// enrollment-phase value.
	if cur.displayed == mission.StatusEnrolling && predicted != mission.StatusEnrolling {
		cur.record.PoolStart = cur.record.PoolCurrent.Clone()
	}
	cur.displayed = predicted

	if predicted.Ended() && e.notice != nil && e.dedup.Allow("mission_ended", cur.id) {
		e.notice("mission_ended", cur.id)
	}

	e.rebindLocked(cur)
	telemetry.LocalFlipsTotal.Inc()
}
