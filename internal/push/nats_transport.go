package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	natsSubjectPrefix = "mission.events."
	natsMaxReconnects = -1 // infinite
	natsReconnectWait = 2 * time.Second
)

// NATSTransport delivers push events over core NATS, one subject per mission.
// The client library resubscribes existing subscriptions on its own; the
// reconnect signal still fires so the dispatcher's replay stays the single
// source of truth for the subscription set.
type NATSTransport struct {
	log zerolog.Logger

	nc         *nats.Conn
	events     chan Event
	reconnects chan struct{}

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func NewNATSTransport(url string, log zerolog.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		log:        log.With().Str("component", "push_nats").Logger(),
		events:     make(chan Event, 64),
		reconnects: make(chan struct{}, 1),
		subs:       make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			select {
			case t.reconnects <- struct{}{}:
			default:
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			t.log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.nc = nc

	// Announce the initial connection so the dispatcher replays any joins
	// recorded before the transport came up.
	t.reconnects <- struct{}{}
	return t, nil
}

func (t *NATSTransport) Events() <-chan Event        { return t.events }
func (t *NATSTransport) Reconnects() <-chan struct{} { return t.reconnects }

// Run blocks until ctx is done; subscription delivery happens on the NATS
// client's own goroutines.
func (t *NATSTransport) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Join subscribes to a mission subject. Joining an already-subscribed id is
// a no-op, which keeps the dispatcher's replay idempotent.
func (t *NATSTransport) Join(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[id]; ok {
		return nil
	}
	sub, err := t.nc.Subscribe(natsSubjectPrefix+id, func(msg *nats.Msg) {
		ev, err := DecodeEnvelope(msg.Data)
		if err != nil {
			t.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping undecodable push event")
			return
		}
		select {
		case t.events <- ev:
		default:
			t.log.Warn().Str("mission_id", ev.Mission).Msg("event buffer full, dropping push event")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", id, err)
	}
	t.subs[id] = sub
	return nil
}

func (t *NATSTransport) Leave(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[id]
	if !ok {
		return nil
	}
	delete(t.subs, id)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}
