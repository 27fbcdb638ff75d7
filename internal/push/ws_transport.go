package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Join/Leave while the socket is down; the
// dispatcher's reconnect replay covers the gap.
var ErrNotConnected = errors.New("push channel not connected")

const (
	wsInitialBackoff = time.Second
	wsMaxBackoff     = 30 * time.Second
	wsWriteTimeout   = 10 * time.Second
)

type controlMessage struct {
	Action  string `json:"action"` // "join" or "leave"
	Mission string `json:"mission"`
}

// WSTransport is the websocket implementation of Transport. It dials, reads
// envelopes, and redials with capped exponential backoff on any failure.
type WSTransport struct {
	url   string
	clock clockwork.Clock
	log   zerolog.Logger

	events     chan Event
	reconnects chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWSTransport(url string, clock clockwork.Clock, log zerolog.Logger) *WSTransport {
	return &WSTransport{
		url:        url,
		clock:      clock,
		log:        log.With().Str("component", "push_ws").Logger(),
		events:     make(chan Event, 64),
		reconnects: make(chan struct{}, 1),
	}
}

func (t *WSTransport) Events() <-chan Event        { return t.events }
func (t *WSTransport) Reconnects() <-chan struct{} { return t.reconnects }

// Run dials and pumps events until ctx is done. Reconnection is transparent
// to callers: each successful dial is announced on Reconnects.
func (t *WSTransport) Run(ctx context.Context) error {
	backoff := wsInitialBackoff
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn().Err(err).Dur("backoff", backoff).Msg("push channel dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.clock.After(backoff):
			}
			backoff *= 2
			if backoff > wsMaxBackoff {
				backoff = wsMaxBackoff
			}
			continue
		}
		backoff = wsInitialBackoff

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()

		select {
		case t.reconnects <- struct{}{}:
		default:
		}

		t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.log.Info().Msg("push channel dropped, reconnecting")
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Warn().Err(err).Msg("push channel read error")
			}
			return
		}
		ev, err := DecodeEnvelope(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("dropping undecodable push event")
			continue
		}
		select {
		case t.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (t *WSTransport) Join(id string) error {
	return t.sendControl("join", id)
}

func (t *WSTransport) Leave(id string) error {
	return t.sendControl("leave", id)
}

func (t *WSTransport) sendControl(action, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(controlMessage{Action: action, Mission: id})
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
