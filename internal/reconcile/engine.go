package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/notify"
	"github.com/squadpool/missionsync/internal/overlay"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/sched"
	"github.com/squadpool/missionsync/internal/telemetry"
)

// Options wires an Engine. Clock, Tuning and Logger default sensibly; the
// rest are required.
type Options struct {
	Tuning    config.Tuning
	Clock     clockwork.Clock
	Fetcher   Fetcher
	Overlays  *overlay.Store
	Scheduler *sched.Scheduler
	Sink      RenderSink
	Notice    NoticeFunc
	Logger    zerolog.Logger
}

// Engine owns every reconciliation cursor. All merge and guard logic runs
// under one mutex so no other reconciliation can interleave mid-decision for
// the same mission; fetches happen outside the lock and re-validate the
// cursor generation before applying anything.
type Engine struct {
	cfg      config.Tuning
	clock    clockwork.Clock
	fetcher  Fetcher
	overlays *overlay.Store
	sched    *sched.Scheduler
	dedup    *notify.Deduper
	sink     RenderSink
	notice   NoticeFunc
	log      zerolog.Logger

	mu      sync.Mutex
	cursors map[string]*cursor
	lastGen uint64

	// pushes is set by Attach; when present, opening a view subscribes it and
	// closing unsubscribes it.
	pushes *push.Dispatcher
}

func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Tuning == (config.Tuning{}) {
		opts.Tuning = config.DefaultTuning()
	}
	return &Engine{
		cfg:      opts.Tuning,
		clock:    opts.Clock,
		fetcher:  opts.Fetcher,
		overlays: opts.Overlays,
		sched:    opts.Scheduler,
		dedup:    notify.NewDeduper(opts.Clock, opts.Tuning.NotifyWindow),
		sink:     opts.Sink,
		notice:   opts.Notice,
		log:      opts.Logger.With().Str("component", "reconcile").Logger(),
	}
}

// Open creates the cursor for a mission view, starts its predictor ticks and
// kicks the initial forced fetch. Opening an already open mission is a no-op.
func (e *Engine) Open(ctx context.Context, id string) {
	id = mission.NormalizeID(id)

	e.mu.Lock()
	if e.cursors == nil {
		e.cursors = make(map[string]*cursor)
	}
	if _, ok := e.cursors[id]; ok {
		e.mu.Unlock()
		return
	}
	e.lastGen++
	cur := &cursor{
		id:         id,
		gen:        e.lastGen,
		binder:     mission.NewBinder(time.Time{}, time.Time{}),
		lastPushAt: e.clock.Now(),
	}
	e.cursors[id] = cur
	e.scheduleTickLocked(cur)
	pushes := e.pushes
	e.mu.Unlock()

	e.log.Info().Str("mission_id", id).Msg("mission view opened")
	if pushes != nil {
		pushes.Join(id)
	}
	go e.Sync(ctx, id, true)
}

// Close tears a mission view down: cursor destroyed, timers cancelled. Any
// in-flight fetch is allowed to resolve but its result is discarded because
// the cursor (and with it the generation) is gone.
func (e *Engine) Close(id string) {
	id = mission.NormalizeID(id)

	e.mu.Lock()
	_, ok := e.cursors[id]
	delete(e.cursors, id)
	pushes := e.pushes
	e.mu.Unlock()

	if ok {
		e.sched.CancelMission(id)
		if pushes != nil {
			pushes.Leave(id)
		}
		e.log.Info().Str("mission_id", id).Msg("mission view closed")
	}
}

// SetForeground marks which open mission is the foreground one; only that
// mission gets watchdog reconciliation on push silence.
func (e *Engine) SetForeground(id string) {
	id = mission.NormalizeID(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cur := range e.cursors {
		cur.foreground = cur.id == id
	}
}

// NotePush stamps the mission's last-push time; called for every delivered
// event regardless of kind.
func (e *Engine) NotePush(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.cursors[mission.NormalizeID(id)]; ok {
		cur.lastPushAt = e.clock.Now()
	}
}

// Sync runs one reconciliation for a mission: fetch, merge, guard, render.
// Only one may be in flight per mission; concurrent calls set pendingRetry
// and are honored as a single extra pass once the current one finishes.
func (e *Engine) Sync(ctx context.Context, id string, force bool) {
	id = mission.NormalizeID(id)

	e.mu.Lock()
	cur, ok := e.cursors[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if cur.busy {
		cur.pendingRetry = true
		cur.pendingForce = cur.pendingForce || force
		e.mu.Unlock()
		return
	}
	cur.busy = true
	gen := cur.gen
	e.mu.Unlock()

	for {
		rec, err := e.fetcher.Fetch(ctx, id, force)

		e.mu.Lock()
		cur, ok = e.cursors[id]
		if !ok || cur.gen != gen {
			// View closed (or closed and reopened) while the fetch was out;
			// a stale result must not touch the new view's state.
			e.mu.Unlock()
			return
		}
		if err != nil {
			e.log.Warn().Err(err).Str("mission_id", id).Msg("snapshot fetch failed")
			e.scheduleRetryLocked(cur)
			e.refreshStaleLocked(cur)
		} else {
			e.mergeLocked(cur, rec)
		}
		again := cur.pendingRetry
		force = cur.pendingForce
		cur.pendingRetry, cur.pendingForce = false, false
		if !again {
			cur.busy = false
		}
		state := e.viewStateLocked(cur)
		e.mu.Unlock()

		e.sink.Render(state)
		if !again {
			return
		}
	}
}

// ApplyRecord merges a record delivered in-band (an updated push event with
// an embedded snapshot) without issuing a fetch. The same guards apply.
func (e *Engine) ApplyRecord(rec mission.Record) {
	id := mission.NormalizeID(rec.ID)

	e.mu.Lock()
	cur, ok := e.cursors[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	e.mergeLocked(cur, rec)
	state := e.viewStateLocked(cur)
	e.mu.Unlock()

	e.sink.Render(state)
}

// DisplayedStatus exposes the current displayed status for a mission.
func (e *Engine) DisplayedStatus(id string) (mission.Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur, ok := e.cursors[mission.NormalizeID(id)]
	if !ok {
		return 0, false
	}
	return cur.displayed, true
}

// mergeLocked applies the overlay, determines the new status, and runs the
// no-regression and sticky-window guards. Caller holds e.mu.
func (e *Engine) mergeLocked(cur *cursor, rec mission.Record) {
	now := e.clock.Now()

	// Overlay policy follows the phase the snapshot itself is in; the
	// overlaid values are then re-resolved, since an optimistic join can be
	// what pushes the mission over its minimum.
	rawStatus := mission.Resolve(rec, now, e.cfg.Grace)
	overlaid := e.overlays.Apply(rec, rawStatus)
	newStatus := mission.Resolve(overlaid, now, e.cfg.Grace)

	if cur.haveRecord {
		if newStatus < cur.displayed && !mission.TogglePair(cur.displayed, newStatus) {
			e.log.Debug().
				Str("mission_id", cur.id).
				Stringer("displayed", cur.displayed).
				Stringer("snapshot", newStatus).
				Msg("discarding regressive snapshot")
			telemetry.SnapshotsDiscardedTotal.WithLabelValues("regression").Inc()
			e.scheduleRetryLocked(cur)
			return
		}
		if cur.displayed == mission.StatusPaused && newStatus == mission.StatusActive &&
			now.Before(cur.pauseStickyUntil) {
			telemetry.SnapshotsDiscardedTotal.WithLabelValues("pause_sticky").Inc()
			e.scheduleRetryLocked(cur)
			return
		}
		if cur.displayed == mission.StatusActive && newStatus == mission.StatusPaused &&
			!overlaid.PauseTimestamp.After(cur.lastPauseTS) {
			// An old pause catching up, not a new one. Stale, not an error.
			telemetry.SnapshotsDiscardedTotal.WithLabelValues("stale_pause").Inc()
			return
		}
	}

	wasEnded := cur.haveRecord && cur.displayed.Ended()
	cur.displayed = newStatus
	cur.record = overlaid
	cur.haveRecord = true
	cur.lastSyncAt = now
	cur.stale = false
	cur.retryCount = 0

	switch newStatus {
	case mission.StatusPaused:
		if overlaid.PauseTimestamp.After(cur.lastPauseTS) {
			cur.lastPauseTS = overlaid.PauseTimestamp
			cur.pauseStickyUntil = overlaid.PauseTimestamp.Add(e.cfg.PauseCooldown)
		}
	case mission.StatusActive:
		cur.pauseStickyUntil = time.Time{}
	}

	if newStatus.Ended() && !wasEnded {
		if e.notice != nil && e.dedup.Allow("mission_ended", cur.id) {
			e.notice("mission_ended", cur.id)
		}
	}

	e.rebindLocked(cur)
	e.scheduleTickLocked(cur)
	telemetry.SnapshotsAcceptedTotal.Inc()
}

// scheduleRetryLocked arms a bounded fixed-delay retry. Exhaustion leaves a
// passive staleness flag instead of erroring.
func (e *Engine) scheduleRetryLocked(cur *cursor) {
	if cur.retryCount >= e.cfg.RetryMax {
		e.refreshStaleLocked(cur)
		return
	}
	cur.retryCount++
	telemetry.ReconcileRetriesTotal.Inc()
	id, gen := cur.id, cur.gen
	e.sched.After(id, gen, "retry", e.cfg.RetryDelay, func() {
		go e.Sync(context.Background(), id, true)
	})
}

// refreshStaleLocked applies the two-signal staleness rule: data old AND push
// silent. Either alone is not sufficient.
func (e *Engine) refreshStaleLocked(cur *cursor) {
	now := e.clock.Now()
	cur.stale = cur.haveRecord &&
		now.Sub(cur.lastSyncAt) >= e.cfg.StaleAfter &&
		now.Sub(cur.lastPushAt) >= e.cfg.WatchdogSilence
}

// rebindLocked points the countdown binder at the phase window of the
// displayed status.
func (e *Engine) rebindLocked(cur *cursor) {
	if start, end, ok := cur.record.PhaseWindow(cur.displayed); ok {
		cur.binder.Rebind(start, end)
	}
}

func (e *Engine) viewStateLocked(cur *cursor) ViewState {
	return ViewState{
		Mission:   cur.record.Clone(),
		Status:    cur.displayed,
		Countdown: cur.lastCountdown,
		Stale:     cur.stale,
	}
}
