package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/overlay"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/sched"
	"github.com/squadpool/missionsync/internal/snapshot"
)

// fakeFetcher serves a swappable record, counts calls and can block to hold a
// reconciliation in flight.
type fakeFetcher struct {
	mu    sync.Mutex
	rec   mission.Record
	err   error
	calls atomic.Int32
	block chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id string, force bool) (mission.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mission.Record{}, f.err
	}
	return f.rec.Clone(), nil
}

func (f *fakeFetcher) set(rec mission.Record) {
	f.mu.Lock()
	f.rec = rec
	f.mu.Unlock()
}

func (f *fakeFetcher) setBlock(ch chan struct{}) {
	f.mu.Lock()
	f.block = ch
	f.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	states []ViewState
}

func (s *captureSink) Render(state ViewState) {
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *captureSink) last() (ViewState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return ViewState{}, false
	}
	return s.states[len(s.states)-1], true
}

type noticeLog struct {
	mu    sync.Mutex
	kinds []string
}

func (n *noticeLog) record(kind, missionID string) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *noticeLog) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, k := range n.kinds {
		if k == kind {
			c++
		}
	}
	return c
}

type fixture struct {
	engine  *Engine
	fetcher *fakeFetcher
	sink    *captureSink
	notices *noticeLog
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		fetcher: &fakeFetcher{},
		sink:    &captureSink{},
		notices: &noticeLog{},
		clock:   clock,
	}
	f.engine = New(Options{
		Tuning:    config.DefaultTuning(),
		Clock:     clock,
		Fetcher:   f.fetcher,
		Overlays:  overlay.NewStore(clock),
		Scheduler: sched.New(clock),
		Sink:      f.sink,
		Notice:    f.notices.record,
		Logger:    zerolog.Nop(),
	})
	return f
}

// advance moves the fake clock in one-second steps, yielding between steps so
// timer callbacks and the goroutines they spawn get to run.
func (f *fixture) advance(d time.Duration) {
	for d > 0 {
		step := time.Second
		if d < step {
			step = d
		}
		f.clock.Advance(step)
		d -= step
		time.Sleep(2 * time.Millisecond)
	}
}

func (f *fixture) waitDisplayed(t *testing.T, id string, want mission.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := f.engine.DisplayedStatus(id)
		return ok && got == want
	}, 2*time.Second, time.Millisecond, "want displayed status %v", want)
}

// activeRecord is mid-mission: enrollment closed, filled, running for another
// hour.
func activeRecord(now time.Time) mission.Record {
	return mission.Record{
		ID:              "m-1",
		EnrollmentStart: now.Add(-10 * time.Minute),
		EnrollmentEnd:   now.Add(-5 * time.Minute),
		MissionStart:    now.Add(-4 * time.Minute),
		MissionEnd:      now.Add(60 * time.Minute),
		PlayersJoined:   5,
		PlayersMin:      5,
		PlayersMax:      10,
		PoolCurrent:     mission.NewAmount(25000),
		UpdatedAt:       now.Add(-10 * time.Minute),
	}
}

func TestOpenFetchesAndRenders(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))

	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	state, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, mission.StatusActive, state.Status)
	assert.Equal(t, "m-1", state.Mission.ID)
	assert.False(t, state.Stale)
}

func TestRegressiveSnapshotDiscarded(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	// A replica catching up: same mission, but its boundaries put the current
	// moment back in the arming window.
	stale := activeRecord(f.clock.Now())
	stale.MissionStart = f.clock.Now().Add(2 * time.Minute)
	stale.MissionEnd = f.clock.Now().Add(62 * time.Minute)
	f.engine.ApplyRecord(stale)

	got, ok := f.engine.DisplayedStatus("m-1")
	require.True(t, ok)
	assert.Equal(t, mission.StatusActive, got)
}

func TestPauseStickyWindow(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	f.fetcher.set(activeRecord(base))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	paused := activeRecord(base)
	paused.PauseTimestamp = base
	f.engine.ApplyRecord(paused)
	f.waitDisplayed(t, "m-1", mission.StatusPaused)

	// An Active snapshot inside the pause cooldown is a replica that has not
	// seen the pause yet; it must not flap the view back.
	f.fetcher.set(activeRecord(base))
	f.engine.ApplyRecord(activeRecord(base))
	got, ok := f.engine.DisplayedStatus("m-1")
	require.True(t, ok)
	assert.Equal(t, mission.StatusPaused, got)

	// Past the cooldown the resume is real.
	f.advance(61 * time.Second)
	f.engine.ApplyRecord(activeRecord(base))
	f.waitDisplayed(t, "m-1", mission.StatusActive)
}

func TestStalePauseSnapshotDiscarded(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	f.fetcher.set(activeRecord(base))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	firstPause := base
	paused := activeRecord(base)
	paused.PauseTimestamp = firstPause
	f.engine.ApplyRecord(paused)
	f.waitDisplayed(t, "m-1", mission.StatusPaused)

	f.advance(61 * time.Second)
	f.engine.ApplyRecord(activeRecord(base))
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	// The same pause arriving again is an old snapshot, not a new pause.
	f.engine.ApplyRecord(paused)
	got, ok := f.engine.DisplayedStatus("m-1")
	require.True(t, ok)
	assert.Equal(t, mission.StatusActive, got)

	// A strictly newer pause timestamp is a genuine second pause.
	again := activeRecord(base)
	again.PauseTimestamp = f.clock.Now()
	f.engine.ApplyRecord(again)
	f.waitDisplayed(t, "m-1", mission.StatusPaused)
}

func TestLocalFlipAtPhaseBoundary(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	rec := mission.Record{
		ID:              "m-1",
		EnrollmentStart: base.Add(-time.Minute),
		EnrollmentEnd:   base.Add(5 * time.Second),
		MissionStart:    base.Add(30 * time.Second),
		MissionEnd:      base.Add(10 * time.Minute),
		PlayersJoined:   5,
		PlayersMin:      5,
		PlayersMax:      10,
		PoolCurrent:     mission.NewAmount(25000),
		PoolStart:       mission.NewAmount(0),
		UpdatedAt:       base.Add(-time.Minute),
	}
	f.fetcher.set(rec)
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusEnrolling)

	// Crossing enrollmentEnd flips the view on the clock alone; no push, no
	// new snapshot.
	f.advance(6 * time.Second)
	f.waitDisplayed(t, "m-1", mission.StatusArming)

	// Leaving enrollment froze the starting pool at the final enrolled value.
	require.Eventually(t, func() bool {
		state, ok := f.sink.last()
		return ok && state.Mission.PoolStart.String() == "25000"
	}, time.Second, time.Millisecond)
}

func TestUnderfilledMissionFailsAfterGrace(t *testing.T) {
	f := newFixture(t)
	base := f.clock.Now()
	rec := mission.Record{
		ID:              "m-1",
		EnrollmentStart: base.Add(-time.Minute),
		EnrollmentEnd:   base.Add(2 * time.Second),
		MissionStart:    base.Add(40 * time.Second),
		MissionEnd:      base.Add(10 * time.Minute),
		PlayersJoined:   1,
		PlayersMin:      5,
		PlayersMax:      10,
		UpdatedAt:       base.Add(-time.Minute),
	}
	f.fetcher.set(rec)
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusEnrolling)

	// Past enrollmentEnd but inside the grace window: Arming, not Failed.
	f.advance(3 * time.Second)
	f.waitDisplayed(t, "m-1", mission.StatusArming)

	// Grace exhausted without the fill: Failed, with exactly one ended notice
	// even though the confirming snapshot resolves to Failed as well.
	f.advance(31 * time.Second)
	f.waitDisplayed(t, "m-1", mission.StatusFailed)
	require.Eventually(t, func() bool {
		return f.notices.count("mission_ended") == 1
	}, time.Second, time.Millisecond)
	f.advance(5 * time.Second)
	assert.Equal(t, 1, f.notices.count("mission_ended"))
}

func TestConcurrentSyncsCoalesce(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	block := make(chan struct{})
	f.fetcher.setBlock(block)
	f.fetcher.calls.Store(0)

	ctx := context.Background()
	go f.engine.Sync(ctx, "m-1", true)
	require.Eventually(t, func() bool { return f.fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Everything arriving while one pass is in flight folds into a single
	// extra pass.
	f.engine.Sync(ctx, "m-1", true)
	f.engine.Sync(ctx, "m-1", false)
	f.engine.Sync(ctx, "m-1", true)

	f.fetcher.setBlock(nil)
	close(block)

	require.Eventually(t, func() bool { return f.fetcher.calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), f.fetcher.calls.Load())
}

func TestCloseFencesLateResults(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	block := make(chan struct{})
	f.fetcher.setBlock(block)
	go f.engine.Sync(context.Background(), "m-1", true)
	time.Sleep(5 * time.Millisecond)

	f.engine.Close("m-1")
	_, ok := f.engine.DisplayedStatus("m-1")
	assert.False(t, ok)

	f.fetcher.setBlock(nil)
	close(block)
	time.Sleep(10 * time.Millisecond)

	// The late result must not resurrect the closed view.
	_, ok = f.engine.DisplayedStatus("m-1")
	assert.False(t, ok)

	// Reopening starts a fresh cursor that reconciles normally.
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)
}

func TestFetchFailureRetriesThenSettles(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	f.fetcher.mu.Lock()
	f.fetcher.err = errors.New("backend down")
	f.fetcher.mu.Unlock()
	f.fetcher.calls.Store(0)

	f.engine.Sync(context.Background(), "m-1", true)
	assert.Equal(t, int32(1), f.fetcher.calls.Load())

	// Bounded fixed-delay retries, then quiet. The displayed state survives.
	f.advance(20 * time.Second)
	calls := f.fetcher.calls.Load()
	assert.LessOrEqual(t, calls, int32(4))
	f.advance(10 * time.Second)
	assert.Equal(t, calls, f.fetcher.calls.Load())

	got, ok := f.engine.DisplayedStatus("m-1")
	require.True(t, ok)
	assert.Equal(t, mission.StatusActive, got)
}

func TestStaleNeedsBothSignals(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))
	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	// Data ages, but pushes keep arriving: not stale.
	f.advance(20 * time.Second)
	f.engine.NotePush("m-1")
	f.advance(15 * time.Second)
	state, ok := f.sink.last()
	require.True(t, ok)
	assert.False(t, state.Stale)

	// Push silence joins the old data: now stale.
	f.advance(20 * time.Second)
	require.Eventually(t, func() bool {
		state, ok := f.sink.last()
		return ok && state.Stale
	}, 2*time.Second, time.Millisecond)
}

func TestSyncThroughCoordinatorHitsSourceOnce(t *testing.T) {
	f := newFixture(t)
	rec := activeRecord(f.clock.Now())

	var sourceCalls atomic.Int32
	src := sourceFunc(func(ctx context.Context, id string) (mission.Record, error) {
		sourceCalls.Add(1)
		return rec.Clone(), nil
	})
	coord := snapshot.NewCoordinator(src, f.clock, config.DefaultTuning(), zerolog.Nop())
	f.engine.fetcher = coord

	f.engine.Open(context.Background(), "m-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)

	// A burst of triggers within the micro window costs one backend read no
	// matter how the engine-level passes fold.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		go f.engine.Sync(ctx, "m-1", true)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), sourceCalls.Load())
}

type recordingTransport struct {
	mu     sync.Mutex
	joins  []string
	leaves []string

	events     chan push.Event
	reconnects chan struct{}
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		events:     make(chan push.Event),
		reconnects: make(chan struct{}),
	}
}

func (r *recordingTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *recordingTransport) Join(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, id)
	return nil
}

func (r *recordingTransport) Leave(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, id)
	return nil
}

func (r *recordingTransport) Events() <-chan push.Event   { return r.events }
func (r *recordingTransport) Reconnects() <-chan struct{} { return r.reconnects }
func (r *recordingTransport) Close() error                { return nil }

func TestOpenAndCloseDriveSubscription(t *testing.T) {
	f := newFixture(t)
	f.fetcher.set(activeRecord(f.clock.Now()))

	tr := newRecordingTransport()
	dispatcher := push.NewDispatcher(tr, f.clock, zerolog.Nop())
	f.engine.Attach(dispatcher)

	f.engine.Open(context.Background(), "M-1")
	f.waitDisplayed(t, "m-1", mission.StatusActive)
	tr.mu.Lock()
	assert.Equal(t, []string{"m-1"}, tr.joins)
	tr.mu.Unlock()

	f.engine.Close("m-1")
	tr.mu.Lock()
	assert.Equal(t, []string{"m-1"}, tr.leaves)
	tr.mu.Unlock()
}

// sourceFunc adapts a function to snapshot.Source for tests.
type sourceFunc func(ctx context.Context, id string) (mission.Record, error)

func (f sourceFunc) FetchSnapshot(ctx context.Context, id string) (mission.Record, error) {
	return f(ctx, id)
}

func (f sourceFunc) FetchList(ctx context.Context, scope snapshot.Scope) ([]mission.Record, error) {
	return nil, nil
}
