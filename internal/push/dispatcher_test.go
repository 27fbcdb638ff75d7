package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadpool/missionsync/internal/mission"
)

// fakeTransport records join/leave calls and lets tests inject events and
// reconnect signals.
type fakeTransport struct {
	mu      sync.Mutex
	joins   []string
	leaves  []string
	joinErr error

	events     chan Event
	reconnects chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:     make(chan Event, 16),
		reconnects: make(chan struct{}, 4),
	}
}

func (f *fakeTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Join(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joins = append(f.joins, id)
	return nil
}

func (f *fakeTransport) Leave(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, id)
	return nil
}

func (f *fakeTransport) Events() <-chan Event        { return f.events }
func (f *fakeTransport) Reconnects() <-chan struct{} { return f.reconnects }
func (f *fakeTransport) Close() error                { return nil }

func (f *fakeTransport) joinedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.joins...)
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func TestJoinNormalizesAndForwards(t *testing.T) {
	tr := newFakeTransport()
	d := NewDispatcher(tr, clockwork.NewFakeClock(), zerolog.Nop())

	d.Join("  Mission-A ")
	assert.Equal(t, []string{"mission-a"}, tr.joinedIDs())

	d.Leave("Mission-A")
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, []string{"mission-a"}, tr.leaves)
}

func TestReconnectReplaysSubscriptionSet(t *testing.T) {
	tr := newFakeTransport()
	d := NewDispatcher(tr, clockwork.NewFakeClock(), zerolog.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	// Both joins fail at the transport; only the subscription set remembers.
	tr.mu.Lock()
	tr.joinErr = ErrNotConnected
	tr.mu.Unlock()
	d.Join("m-1")
	d.Join("m-2")
	assert.Empty(t, tr.joinedIDs())

	tr.mu.Lock()
	tr.joinErr = nil
	tr.mu.Unlock()
	tr.reconnects <- struct{}{}

	require.Eventually(t, func() bool { return len(tr.joinedIDs()) == 2 }, time.Second, time.Millisecond)
	assert.ElementsMatch(t, []string{"m-1", "m-2"}, tr.joinedIDs())
}

func TestLeaveExcludedFromReplay(t *testing.T) {
	tr := newFakeTransport()
	d := NewDispatcher(tr, clockwork.NewFakeClock(), zerolog.Nop())
	cancel := runDispatcher(t, d)
	defer cancel()

	d.Join("m-1")
	d.Join("m-2")
	d.Leave("m-1")

	tr.reconnects <- struct{}{}
	require.Eventually(t, func() bool { return len(tr.joinedIDs()) == 3 }, time.Second, time.Millisecond)
	// Replay joined only the surviving subscription.
	assert.Equal(t, "m-2", tr.joinedIDs()[2])
}

func TestHandlersRoutedByKindAndSurviveReconnect(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	d := NewDispatcher(tr, clock, zerolog.Nop())

	var mu sync.Mutex
	got := map[Kind]int{}
	record := func(kind Kind) func(Event) {
		return func(ev Event) {
			mu.Lock()
			got[kind]++
			mu.Unlock()
		}
	}
	d.OnUpdated(record(KindUpdated))
	d.OnStatusChanged(record(KindStatusChanged))
	d.OnRoundResolved(record(KindRoundResolved))

	cancel := runDispatcher(t, d)
	defer cancel()
	d.Join("m-1")

	tr.events <- Event{Mission: "m-1", Kind: KindUpdated}
	tr.reconnects <- struct{}{}
	tr.events <- Event{Mission: "m-1", Kind: KindStatusChanged}
	tr.events <- Event{Mission: "m-1", Kind: KindRoundResolved}
	tr.events <- Event{Mission: "m-1", Kind: KindUpdated}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got[KindUpdated] == 2 && got[KindStatusChanged] == 1 && got[KindRoundResolved] == 1
	}, time.Second, time.Millisecond)

	at, ok := d.LastPush("m-1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), at)
}

func TestDecodeEnvelope(t *testing.T) {
	rec := mission.Record{ID: "M-1", PlayersJoined: 4}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	env := Envelope{
		EventID:   "ev-1",
		MissionID: "M-1",
		EventType: KindUpdated,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "m-1", ev.Mission)
	assert.Equal(t, KindUpdated, ev.Kind)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "m-1", ev.Record.ID)
	assert.Equal(t, 4, ev.Record.PlayersJoined)

	// A bare updated event carries no record; the receiver fetches instead.
	env.Payload = nil
	data, err = json.Marshal(env)
	require.NoError(t, err)
	ev, err = DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Nil(t, ev.Record)

	env.EventType = "unknown_kind"
	env.Payload = []byte(`{}`)
	data, err = json.Marshal(env)
	require.NoError(t, err)
	_, err = DecodeEnvelope(data)
	assert.Error(t, err)
}

func TestDecodeEnvelopeStatusChanged(t *testing.T) {
	env := Envelope{
		EventID:   "ev-2",
		MissionID: "m-1",
		EventType: KindStatusChanged,
		Payload:   []byte(`{"status":3}`),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	ev, err := DecodeEnvelope(data)
	require.NoError(t, err)
	require.NotNil(t, ev.Status)
	assert.Equal(t, mission.StatusActive, *ev.Status)
}
