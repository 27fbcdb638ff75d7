// Package push maintains the engine's one logical event channel: typed
// handler registration, case-normalized join/leave by mission id, and a
// wholesale subscription replay whenever the underlying transport reconnects.
package push

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/squadpool/missionsync/internal/mission"
)

// Kind is the push event type. Exactly three kinds reach handlers.
type Kind string

const (
	KindUpdated       Kind = "updated"
	KindStatusChanged Kind = "status_changed"
	KindRoundResolved Kind = "round_resolved"
)

// RoundResult carries the payload of a round_resolved event.
type RoundResult struct {
	Round     int             `json:"round"`
	Recipient string          `json:"recipient"`
	Amount    *mission.Amount `json:"amount"`
}

// Event is a decoded push event. Exactly one of Status, Record, Round is set
// depending on Kind; updated events may omit the embedded record, in which
// case the receiver fetches.
type Event struct {
	ID      string
	Mission string
	Kind    Kind
	At      time.Time

	Status *mission.Status
	Record *mission.Record
	Round  *RoundResult
}

// Envelope is the wire form shared by both transports.
type Envelope struct {
	EventID   string          `json:"event_id"`
	MissionID string          `json:"mission_id"`
	EventType Kind            `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a wire envelope into a typed event.
func DecodeEnvelope(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	ev := Event{
		ID:      env.EventID,
		Mission: mission.NormalizeID(env.MissionID),
		Kind:    env.EventType,
		At:      env.Timestamp,
	}

	switch env.EventType {
	case KindUpdated:
		if len(env.Payload) > 0 {
			var rec mission.Record
			if err := json.Unmarshal(env.Payload, &rec); err != nil {
				return Event{}, fmt.Errorf("unmarshal updated payload: %w", err)
			}
			rec.ID = mission.NormalizeID(rec.ID)
			ev.Record = &rec
		}
	case KindStatusChanged:
		var p struct {
			Status mission.Status `json:"status"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("unmarshal status_changed payload: %w", err)
		}
		ev.Status = &p.Status
	case KindRoundResolved:
		var p RoundResult
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Event{}, fmt.Errorf("unmarshal round_resolved payload: %w", err)
		}
		ev.Round = &p
	default:
		return Event{}, fmt.Errorf("unknown event type %q", env.EventType)
	}
	return ev, nil
}
