package push

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/telemetry"
)

// Transport is one logical connection delivering decoded events. Run blocks
// and owns reconnection; every (re)establishment is announced on Reconnects
// so the dispatcher can replay its subscription set.
type Transport interface {
	Run(ctx context.Context) error
	Join(id string) error
	Leave(id string) error
	Events() <-chan Event
	Reconnects() <-chan struct{}
	Close() error
}

// Dispatcher routes the three event kinds to registered handlers. Handlers
// are registered once and survive reconnects; reconnection is a pure replay
// of the stored subscription set.
type Dispatcher struct {
	transport Transport
	clock     clockwork.Clock
	log       zerolog.Logger

	mu              sync.Mutex
	subs            map[string]struct{}
	lastPush        map[string]time.Time
	onUpdated       []func(Event)
	onStatusChanged []func(Event)
	onRoundResolved []func(Event)
}

func NewDispatcher(transport Transport, clock clockwork.Clock, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		clock:     clock,
		log:       log.With().Str("component", "push").Logger(),
		subs:      make(map[string]struct{}),
		lastPush:  make(map[string]time.Time),
	}
}

func (d *Dispatcher) OnUpdated(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onUpdated = append(d.onUpdated, fn)
}

func (d *Dispatcher) OnStatusChanged(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStatusChanged = append(d.onStatusChanged, fn)
}

func (d *Dispatcher) OnRoundResolved(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRoundResolved = append(d.onRoundResolved, fn)
}

// Join subscribes to a mission's channel. A transport failure here is not
// fatal: the id is recorded and the next reconnect replay issues it again.
func (d *Dispatcher) Join(id string) {
	id = mission.NormalizeID(id)
	d.mu.Lock()
	d.subs[id] = struct{}{}
	d.mu.Unlock()

	if err := d.transport.Join(id); err != nil {
		d.log.Debug().Err(err).Str("mission_id", id).Msg("join deferred until reconnect")
	}
}

// Leave unsubscribes from a mission's channel.
func (d *Dispatcher) Leave(id string) {
	id = mission.NormalizeID(id)
	d.mu.Lock()
	delete(d.subs, id)
	d.mu.Unlock()

	if err := d.transport.Leave(id); err != nil {
		d.log.Debug().Err(err).Str("mission_id", id).Msg("leave failed")
	}
}

// LastPush returns when the mission last received any push event.
func (d *Dispatcher) LastPush(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.lastPush[mission.NormalizeID(id)]
	return at, ok
}

// Run pumps transport events into handlers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.transport.Reconnects():
			d.replay()
		case ev := <-d.transport.Events():
			d.deliver(ev)
		}
	}
}

// replay re-issues a join for every id in the current subscription set.
func (d *Dispatcher) replay() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	d.log.Info().Int("subscriptions", len(ids)).Msg("channel connected, replaying subscription set")
	for _, id := range ids {
		if err := d.transport.Join(id); err != nil {
			d.log.Warn().Err(err).Str("mission_id", id).Msg("replay join failed")
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	telemetry.PushEventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	d.mu.Lock()
	d.lastPush[ev.Mission] = d.clock.Now()
	var handlers []func(Event)
	switch ev.Kind {
	case KindUpdated:
		handlers = append(handlers, d.onUpdated...)
	case KindStatusChanged:
		handlers = append(handlers, d.onStatusChanged...)
	case KindRoundResolved:
		handlers = append(handlers, d.onRoundResolved...)
	}
	d.mu.Unlock()

	d.log.Debug().
		Str("mission_id", ev.Mission).
		Str("kind", string(ev.Kind)).
		Msg("delivering push event")
	for _, fn := range handlers {
		fn(ev)
	}
}
