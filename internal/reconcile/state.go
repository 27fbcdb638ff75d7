// Package reconcile is the central merge point of the engine: it decides, for
// every open mission view, which status and values to display by combining
// clock-derived prediction, push triggers, snapshot fetches, and optimistic
// overrides, under the guarantee that the displayed state never visibly
// regresses except for the Active/Paused toggle.
package reconcile

import (
	"context"
	"time"

	"github.com/squadpool/missionsync/internal/mission"
)

// Fetcher is the read side the reconciler pulls snapshots through; satisfied
// by snapshot.Coordinator.
type Fetcher interface {
	Fetch(ctx context.Context, id string, force bool) (mission.Record, error)
}

// ViewState is what rendering receives whenever the displayed status or
// bound countdown values change.
type ViewState struct {
	Mission   mission.Record
	Status    mission.Status
	Countdown mission.Countdown

	// Stale is set only when both signals agree: no accepted snapshot for a
	// while and no push for a while.
	Stale bool
}

// RenderSink consumes display states. The exact visual form is out of scope.
type RenderSink interface {
	Render(state ViewState)
}

// NoticeFunc receives deduplicated outbound side-effect signals, e.g.
// ("mission_ended", id) when a mission reaches a terminal status.
type NoticeFunc func(kind, missionID string)

// cursor is the per-view reconciliation state. It is owned exclusively by the
// engine; nothing else mutates displayed. A cursor lives from view open to
// view close; its generation fences off late async results from a previous
// incarnation of the same mission view.
type cursor struct {
	id  string
	gen uint64

	displayed  mission.Status
	record     mission.Record
	haveRecord bool

	lastSyncAt     time.Time
	lastPushAt     time.Time
	lastWatchdogAt time.Time

	// pauseStickyUntil suppresses Paused->Active snapshots until the locally
	// known cooldown end; lastPauseTS distinguishes a fresh pause from an
	// old one catching up.
	pauseStickyUntil time.Time
	lastPauseTS      time.Time

	// busy/pendingRetry collapse concurrent reconciliation triggers into a
	// single extra pass; pendingForce keeps the strongest requested fetch.
	busy         bool
	pendingRetry bool
	pendingForce bool
	retryCount   int

	stale      bool
	foreground bool

	binder        *mission.Binder
	lastCountdown mission.Countdown

	// firedDeadline latches the last deadline that triggered a prediction,
	// making the flip edge-triggered rather than level-triggered.
	firedDeadline time.Time
}
