// Package telemetry defines the engine's prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SnapshotFetchesTotal counts fetches that actually hit the source,
	// labeled by forced/unforced.
	SnapshotFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionsync_snapshot_fetches_total",
		Help: "Snapshot fetches issued to the source",
	}, []string{"forced"})

	// CacheHitsTotal counts reads served without a source fetch, by tier.
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionsync_cache_hits_total",
		Help: "Snapshot reads served from cache",
	}, []string{"tier"})

	// SnapshotsAcceptedTotal counts snapshots the reconciler applied.
	SnapshotsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionsync_snapshots_accepted_total",
		Help: "Snapshots accepted by the reconciler",
	})

	// SnapshotsDiscardedTotal counts snapshots dropped by a guard, labeled
	// by reason (regression, pause_sticky, stale_pause).
	SnapshotsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionsync_snapshots_discarded_total",
		Help: "Snapshots discarded by the no-regression or sticky guards",
	}, []string{"reason"})

	// ReconcileRetriesTotal counts bounded retries scheduled after a
	// discard or fetch failure.
	ReconcileRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionsync_reconcile_retries_total",
		Help: "Bounded reconciliation retries scheduled",
	})

	// LocalFlipsTotal counts clock-predicted status changes applied ahead
	// of confirmation.
	LocalFlipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionsync_local_flips_total",
		Help: "Locally predicted status flips applied",
	})

	// PushEventsTotal counts delivered push events by kind.
	PushEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missionsync_push_events_total",
		Help: "Push events delivered to handlers",
	}, []string{"kind"})

	// WatchdogFiresTotal counts unsolicited reconciliations triggered by
	// push silence on the foreground mission.
	WatchdogFiresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "missionsync_watchdog_fires_total",
		Help: "Watchdog reconciliations triggered by push silence",
	})
)
