// Package simulator is an in-memory backend double: scripted missions that
// advance on the simulator's own clock, a snapshot HTTP API, and a websocket
// push hub. It exists to exercise the engine end to end; it is not part of
// the synchronization core.
package simulator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/snapshot"
)

// Store holds the simulated missions and emits push envelopes on change.
type Store struct {
	clock clockwork.Clock
	cfg   config.Tuning
	log   zerolog.Logger

	mu       sync.Mutex
	missions map[string]*mission.Record
	resolved map[string]mission.Status
	emit     func(env push.Envelope)
}

func NewStore(clock clockwork.Clock, cfg config.Tuning, log zerolog.Logger) *Store {
	return &Store{
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "simulator").Logger(),
		missions: make(map[string]*mission.Record),
		resolved: make(map[string]mission.Status),
	}
}

// SetEmitter installs the push fan-out; the hub registers itself here.
func (s *Store) SetEmitter(emit func(env push.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = emit
}

// Add registers a mission script.
func (s *Store) Add(rec mission.Record) {
	rec.ID = mission.NormalizeID(rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[rec.ID] = &rec
	s.resolved[rec.ID] = mission.Resolve(rec, s.clock.Now(), s.cfg.Grace)
}

// Get returns a copy of one mission.
func (s *Store) Get(id string) (mission.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.missions[mission.NormalizeID(id)]
	if !ok {
		return mission.Record{}, false
	}
	return rec.Clone(), true
}

// List returns missions matching a scope.
func (s *Store) List(scope snapshot.Scope) []mission.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var out []mission.Record
	for _, rec := range s.missions {
		st := mission.Resolve(*rec, now, s.cfg.Grace)
		switch scope {
		case snapshot.ScopeActive:
			if st != mission.StatusActive && st != mission.StatusPaused {
				continue
			}
		case snapshot.ScopeJoinable:
			if st != mission.StatusEnrolling {
				continue
			}
		}
		out = append(out, rec.Clone())
	}
	return out
}

// Join applies a join action. Committed only while the mission is enrolling
// and below its player cap.
func (s *Store) Join(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.missions[mission.NormalizeID(id)]
	if !ok {
		return snapshot.ErrNotFound
	}
	now := s.clock.Now()
	if st := mission.Resolve(*rec, now, s.cfg.Grace); st != mission.StatusEnrolling {
		return fmt.Errorf("mission not enrolling (status %s)", st)
	}
	if rec.PlayersMax > 0 && rec.PlayersJoined >= rec.PlayersMax {
		return fmt.Errorf("mission full")
	}
	rec.PlayersJoined++
	var pool mission.Amount
	pool.Add(&amountOrZero(rec.PoolCurrent).Int, &amountOrZero(rec.FeeAmount).Int)
	rec.PoolCurrent = &pool
	rec.UpdatedAt = now
	s.emitUpdatedLocked(rec)
	return nil
}

// ResolveRound pays out one round: the pool shrinks by an even share of the
// remaining rounds and the round counter advances.
func (s *Store) ResolveRound(id, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.missions[mission.NormalizeID(id)]
	if !ok {
		return snapshot.ErrNotFound
	}
	now := s.clock.Now()
	if st := mission.Resolve(*rec, now, s.cfg.Grace); st != mission.StatusActive {
		return fmt.Errorf("mission not active (status %s)", st)
	}
	if rec.RoundCount >= rec.RoundsTotal {
		return fmt.Errorf("all rounds resolved")
	}

	remaining := int64(rec.RoundsTotal - rec.RoundCount)
	payout := &mission.Amount{}
	payout.Div(&amountOrZero(rec.PoolCurrent).Int, bigInt(remaining))
	rec.PoolCurrent = mission.SubAmount(rec.PoolCurrent, payout)
	rec.RoundCount++
	rec.UpdatedAt = now

	s.emitLocked(rec.ID, push.KindRoundResolved, push.RoundResult{
		Round:     rec.RoundCount,
		Recipient: recipient,
		Amount:    payout,
	})
	s.emitUpdatedLocked(rec)
	return nil
}

// Run advances mission timelines once a second, emitting status_changed when
// the resolver's verdict moves.
func (s *Store) Run(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			s.advance()
		}
	}
}

func (s *Store) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, rec := range s.missions {
		st := mission.Resolve(*rec, now, s.cfg.Grace)
		if st == s.resolved[id] {
			continue
		}
		s.resolved[id] = st
		if st.Ended() {
			rec.Status = s.endedStatus(rec, st)
			st = rec.Status
		}
		rec.UpdatedAt = now
		s.log.Info().Str("mission_id", id).Stringer("status", st).Msg("mission advanced")
		s.emitLocked(id, push.KindStatusChanged, map[string]any{"status": st})
		s.emitUpdatedLocked(rec)
	}
}

// endedStatus picks the terminal sub-status: all rounds paid is a success,
// some a partial success, none a failure.
func (s *Store) endedStatus(rec *mission.Record, resolved mission.Status) mission.Status {
	if resolved == mission.StatusFailed {
		return mission.StatusFailed
	}
	switch {
	case rec.RoundCount >= rec.RoundsTotal && rec.RoundsTotal > 0:
		return mission.StatusSuccess
	case rec.RoundCount > 0:
		return mission.StatusPartlySuccess
	default:
		return mission.StatusFailed
	}
}

// Pause and Resume drive the reversible pair from test scripts.
func (s *Store) Pause(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.missions[mission.NormalizeID(id)]; ok {
		rec.PauseTimestamp = s.clock.Now()
		rec.UpdatedAt = rec.PauseTimestamp
		s.emitUpdatedLocked(rec)
	}
}

func (s *Store) Resume(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.missions[mission.NormalizeID(id)]; ok {
		rec.PauseTimestamp = time.Time{}
		rec.UpdatedAt = s.clock.Now()
		s.emitUpdatedLocked(rec)
	}
}

func (s *Store) emitUpdatedLocked(rec *mission.Record) {
	s.emitLocked(rec.ID, push.KindUpdated, rec.Clone())
}

func amountOrZero(a *mission.Amount) *mission.Amount {
	if a == nil {
		return &mission.Amount{}
	}
	return a
}

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}

func (s *Store) emitLocked(id string, kind push.Kind, payload any) {
	if s.emit == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal event payload")
		return
	}
	s.emit(push.Envelope{
		EventID:   uuid.New().String(),
		MissionID: id,
		EventType: kind,
		Timestamp: s.clock.Now(),
		Payload:   data,
	})
}
