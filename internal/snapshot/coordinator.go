package snapshot

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/telemetry"
)

type cacheEntry struct {
	rec mission.Record
	at  time.Time
}

type call struct {
	done       chan struct{}
	rec        mission.Record
	listResult []mission.Record
	err        error
}

type listEntry struct {
	recs []mission.Record
	at   time.Time
}

// Coordinator fronts a Source with three tiers per mission id:
//
//   - a micro-cache that collapses near-simultaneous callers unconditionally,
//   - an active-view cache honored only for the foreground mission and only
//     for unforced reads,
//   - an in-flight map so an outstanding fetch is awaited, never duplicated,
//     even across forced and unforced callers.
//
// List reads carry their own cooldown, independent of per-item caching.
type Coordinator struct {
	src   Source
	clock clockwork.Clock
	cfg   config.Tuning
	log   zerolog.Logger

	mu           sync.Mutex
	micro        map[string]cacheEntry
	active       map[string]cacheEntry
	inflight     map[string]*call
	foreground   string
	lists        map[Scope]listEntry
	listInflight map[Scope]*call
}

func NewCoordinator(src Source, clock clockwork.Clock, cfg config.Tuning, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		src:          src,
		clock:        clock,
		cfg:          cfg,
		log:          log.With().Str("component", "snapshot").Logger(),
		micro:        make(map[string]cacheEntry),
		active:       make(map[string]cacheEntry),
		inflight:     make(map[string]*call),
		lists:        make(map[Scope]listEntry),
		listInflight: make(map[Scope]*call),
	}
}

// SetForeground marks the mission currently open in the foreground view. Only
// that mission's reads may be served from the active-view cache.
func (c *Coordinator) SetForeground(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = mission.NormalizeID(id)
}

// Fetch returns a snapshot for id. force bypasses the active-view cache but
// still rides the micro-cache and any in-flight fetch.
func (c *Coordinator) Fetch(ctx context.Context, id string, force bool) (mission.Record, error) {
	id = mission.NormalizeID(id)
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.micro[id]; ok && now.Sub(e.at) < c.cfg.MicroCacheTTL {
		c.mu.Unlock()
		telemetry.CacheHitsTotal.WithLabelValues("micro").Inc()
		return e.rec.Clone(), nil
	}
	if !force && id == c.foreground {
		if e, ok := c.active[id]; ok && now.Sub(e.at) < c.cfg.ActiveCacheTTL {
			c.mu.Unlock()
			telemetry.CacheHitsTotal.WithLabelValues("active").Inc()
			return e.rec.Clone(), nil
		}
	}
	if cl, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		telemetry.CacheHitsTotal.WithLabelValues("inflight").Inc()
		return awaitCall(ctx, cl)
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[id] = cl
	c.mu.Unlock()

	telemetry.SnapshotFetchesTotal.WithLabelValues(strconv.FormatBool(force)).Inc()
	rec, err := c.src.FetchSnapshot(ctx, id)

	c.mu.Lock()
	delete(c.inflight, id)
	if err == nil {
		at := c.clock.Now()
		c.micro[id] = cacheEntry{rec: rec, at: at}
		c.active[id] = cacheEntry{rec: rec, at: at}
	}
	cl.rec, cl.err = rec, err
	c.mu.Unlock()
	close(cl.done)

	if err != nil {
		c.log.Debug().Err(err).Str("mission_id", id).Msg("snapshot fetch failed")
		return mission.Record{}, err
	}
	return rec.Clone(), nil
}

// FetchList returns a mission collection, serving the previous result inside
// the list cooldown to bound request rate under rapid tab switching.
func (c *Coordinator) FetchList(ctx context.Context, scope Scope) ([]mission.Record, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := c.lists[scope]; ok && now.Sub(e.at) < c.cfg.ListCooldown {
		c.mu.Unlock()
		telemetry.CacheHitsTotal.WithLabelValues("list").Inc()
		return cloneList(e.recs), nil
	}
	if cl, ok := c.listInflight[scope]; ok {
		c.mu.Unlock()
		rec, err := awaitListCall(ctx, cl)
		return rec, err
	}

	cl := &call{done: make(chan struct{})}
	c.listInflight[scope] = cl
	c.mu.Unlock()

	recs, err := c.src.FetchList(ctx, scope)

	c.mu.Lock()
	delete(c.listInflight, scope)
	if err == nil {
		c.lists[scope] = listEntry{recs: recs, at: c.clock.Now()}
	}
	cl.err = err
	cl.listResult = recs
	c.mu.Unlock()
	close(cl.done)

	if err != nil {
		return nil, err
	}
	return cloneList(recs), nil
}

func awaitCall(ctx context.Context, cl *call) (mission.Record, error) {
	select {
	case <-cl.done:
		if cl.err != nil {
			return mission.Record{}, cl.err
		}
		return cl.rec.Clone(), nil
	case <-ctx.Done():
		return mission.Record{}, ctx.Err()
	}
}

func awaitListCall(ctx context.Context, cl *call) ([]mission.Record, error) {
	select {
	case <-cl.done:
		if cl.err != nil {
			return nil, cl.err
		}
		return cloneList(cl.listResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cloneList(recs []mission.Record) []mission.Record {
	out := make([]mission.Record, len(recs))
	for i := range recs {
		out[i] = recs[i].Clone()
	}
	return out
}
