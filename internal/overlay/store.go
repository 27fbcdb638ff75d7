// Package overlay holds short-lived optimistic value overrides installed
// right after a user action commits, so the UI never shows a number moving
// backward while the slow settlement layer catches up.
package overlay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/squadpool/missionsync/internal/mission"
)

// Override is the client-side prediction for one mission. Predicted values
// are absolute: a join stores playersJoined+1 as observed at install time, so
// a snapshot that already includes the action wins the merge outright.
type Override struct {
	ValidUntil time.Time

	// Players is the predicted playersJoined, nil when the action did not
	// touch the player count.
	Players *int

	// Pool is the predicted poolCurrent, nil when untouched.
	Pool *mission.Amount
}

// Policy decides how an override value merges with a snapshot value for the
// current phase.
type Policy int

const (
	// PolicyIgnore drops the override entirely.
	PolicyIgnore Policy = iota
	// PolicyGrow prefers the larger value; used while tracked values are
	// expected to rise (joins filling the pool).
	PolicyGrow
	// PolicyShrink prefers the smaller value; used while payouts drain the
	// pool.
	PolicyShrink
)

// PolicyForStatus maps a phase to its merge policy. Kept as an explicit table
// so product can re-map phases without touching the merge itself.
func PolicyForStatus(s mission.Status) Policy {
	switch s {
	case mission.StatusEnrolling, mission.StatusArming:
		return PolicyGrow
	case mission.StatusActive, mission.StatusPaused:
		return PolicyShrink
	default:
		return PolicyIgnore
	}
}

// Store keeps at most one live override per mission id. Expiry is passive:
// expired entries are ignored, never reaped.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock
	m     map[string]Override
}

func NewStore(clock clockwork.Clock) *Store {
	return &Store{
		clock: clock,
		m:     make(map[string]Override),
	}
}

// Install replaces any prior override for the mission in place. Actions are
// serialized per mission by the caller, so last-writer-wins is sufficient.
func (s *Store) Install(id string, o Override) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[mission.NormalizeID(id)] = o
}

// Live returns the override for id if it has not expired.
func (s *Store) Live(id string) (Override, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.m[mission.NormalizeID(id)]
	if !ok || !s.clock.Now().Before(o.ValidUntil) {
		return Override{}, false
	}
	return o, true
}

// Apply merges a live override into a copy of the snapshot according to the
// phase policy. The input record is never mutated.
func (s *Store) Apply(rec mission.Record, phase mission.Status) mission.Record {
	o, ok := s.Live(rec.ID)
	if !ok {
		return rec
	}
	policy := PolicyForStatus(phase)
	if policy == PolicyIgnore {
		return rec
	}

	out := rec.Clone()
	if o.Players != nil {
		switch policy {
		case PolicyGrow:
			if *o.Players > out.PlayersJoined {
				out.PlayersJoined = *o.Players
			}
		case PolicyShrink:
			if *o.Players < out.PlayersJoined {
				out.PlayersJoined = *o.Players
			}
		}
	}
	if o.Pool != nil {
		switch policy {
		case PolicyGrow:
			out.PoolCurrent = mission.MaxAmount(out.PoolCurrent, o.Pool)
		case PolicyShrink:
			out.PoolCurrent = mission.MinAmount(out.PoolCurrent, o.Pool)
		}
	}
	return out
}
