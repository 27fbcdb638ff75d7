package simulator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/snapshot"
)

type envelopeLog struct {
	mu   sync.Mutex
	envs []push.Envelope
}

func (l *envelopeLog) emit(env push.Envelope) {
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
}

func (l *envelopeLog) kinds() []push.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]push.Kind, len(l.envs))
	for i, env := range l.envs {
		out[i] = env.EventType
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *envelopeLog, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(clock, config.DefaultTuning(), zerolog.Nop())
	log := &envelopeLog{}
	store.SetEmitter(log.emit)

	now := clock.Now()
	store.Add(mission.Record{
		ID:              "Demo-1",
		EnrollmentStart: now,
		EnrollmentEnd:   now.Add(10 * time.Minute),
		MissionStart:    now.Add(15 * time.Minute),
		MissionEnd:      now.Add(60 * time.Minute),
		RoundsTotal:     3,
		FeeAmount:       mission.NewAmount(5000),
		PoolCurrent:     mission.NewAmount(0),
		PlayersMin:      2,
		PlayersMax:      3,
		UpdatedAt:       now,
	})
	return store, log, clock
}

func TestJoinCollectsFeeUntilFull(t *testing.T) {
	store, log, _ := newTestStore(t)

	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("DEMO-1"))
	require.NoError(t, store.Join("demo-1"))

	rec, ok := store.Get("demo-1")
	require.True(t, ok)
	assert.Equal(t, 3, rec.PlayersJoined)
	assert.Equal(t, "15000", rec.PoolCurrent.String())

	err := store.Join("demo-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")

	assert.Equal(t, []push.Kind{push.KindUpdated, push.KindUpdated, push.KindUpdated}, log.kinds())
}

func TestJoinRejectedOutsideEnrollment(t *testing.T) {
	store, _, clock := newTestStore(t)

	clock.Advance(20 * time.Minute) // mission underway
	err := store.Join("demo-1")
	require.Error(t, err)

	assert.ErrorIs(t, store.Join("nope"), snapshot.ErrNotFound)
}

func TestResolveRoundSplitsPoolEvenly(t *testing.T) {
	store, log, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))

	// Not active yet.
	require.Error(t, store.ResolveRound("demo-1", "alice"))

	clock.Advance(16 * time.Minute)
	require.NoError(t, store.ResolveRound("demo-1", "alice"))

	rec, _ := store.Get("demo-1")
	assert.Equal(t, 1, rec.RoundCount)
	assert.Equal(t, "10000", rec.PoolCurrent.String())

	require.NoError(t, store.ResolveRound("demo-1", "bob"))
	require.NoError(t, store.ResolveRound("demo-1", "carol"))
	rec, _ = store.Get("demo-1")
	assert.Equal(t, 3, rec.RoundCount)
	assert.Equal(t, "0", rec.PoolCurrent.String())

	require.Error(t, store.ResolveRound("demo-1", "dave"))

	kinds := log.kinds()
	assert.Contains(t, kinds, push.KindRoundResolved)
}

func TestRoundResolvedEnvelopeDecodes(t *testing.T) {
	store, log, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))
	clock.Advance(16 * time.Minute)
	require.NoError(t, store.ResolveRound("demo-1", "alice"))

	log.mu.Lock()
	defer log.mu.Unlock()
	var found bool
	for _, env := range log.envs {
		if env.EventType != push.KindRoundResolved {
			continue
		}
		data, err := json.Marshal(env)
		require.NoError(t, err)
		ev, err := push.DecodeEnvelope(data)
		require.NoError(t, err)
		require.NotNil(t, ev.Round)
		assert.Equal(t, 1, ev.Round.Round)
		assert.Equal(t, "alice", ev.Round.Recipient)
		found = true
	}
	assert.True(t, found)
}

func TestAdvanceEmitsStatusChanges(t *testing.T) {
	store, log, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))

	clock.Advance(16 * time.Minute)
	store.advance()
	rec, _ := store.Get("demo-1")
	assert.Equal(t, mission.StatusActive, mission.Resolve(rec, clock.Now(), 30*time.Second))
	assert.Contains(t, log.kinds(), push.KindStatusChanged)

	require.NoError(t, store.ResolveRound("demo-1", "alice"))

	// Ending with some but not all rounds paid is a partial success.
	clock.Advance(50 * time.Minute)
	store.advance()
	rec, _ = store.Get("demo-1")
	assert.Equal(t, mission.StatusPartlySuccess, rec.Status)
}

func TestAdvanceUnderfilledEndsFailed(t *testing.T) {
	store, _, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1")) // 1 of min 2

	clock.Advance(10*time.Minute + 10*time.Second)
	store.advance() // inside grace: arming
	clock.Advance(time.Minute)
	store.advance()

	rec, _ := store.Get("demo-1")
	assert.Equal(t, mission.StatusFailed, rec.Status)
}

func TestPauseResume(t *testing.T) {
	store, _, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))
	clock.Advance(16 * time.Minute)

	store.Pause("demo-1")
	rec, _ := store.Get("demo-1")
	assert.Equal(t, mission.StatusPaused, mission.Resolve(rec, clock.Now(), 30*time.Second))

	store.Resume("demo-1")
	rec, _ = store.Get("demo-1")
	assert.Equal(t, mission.StatusActive, mission.Resolve(rec, clock.Now(), 30*time.Second))
}

func TestListScopes(t *testing.T) {
	store, _, clock := newTestStore(t)
	require.NoError(t, store.Join("demo-1"))
	require.NoError(t, store.Join("demo-1"))

	assert.Len(t, store.List(snapshot.ScopeJoinable), 1)
	assert.Empty(t, store.List(snapshot.ScopeActive))

	clock.Advance(16 * time.Minute)
	assert.Empty(t, store.List(snapshot.ScopeJoinable))
	assert.Len(t, store.List(snapshot.ScopeActive), 1)
	assert.Len(t, store.List(snapshot.ScopeAll), 1)
}
