package mission

import (
	"strings"
	"time"
)

// Status is the lifecycle phase of a mission. The numeric order matters: the
// reconciler treats any move to a lower value as a regression, with the single
// exception of the Active/Paused pair which toggles in both directions.
type Status int

const (
	StatusPending Status = iota
	StatusEnrolling
	StatusArming
	StatusActive
	StatusPaused
	StatusPartlySuccess
	StatusSuccess
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusEnrolling:
		return "enrolling"
	case StatusArming:
		return "arming"
	case StatusActive:
		return "active"
	case StatusPaused:
		return "paused"
	case StatusPartlySuccess:
		return "partly_success"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ended reports whether the status is one of the terminal sub-statuses.
func (s Status) Ended() bool {
	return s >= StatusPartlySuccess
}

// TogglePair reports whether a and b are the Active/Paused pair, the one
// transition allowed to move "backward".
func TogglePair(a, b Status) bool {
	return (a == StatusActive && b == StatusPaused) || (a == StatusPaused && b == StatusActive)
}

// Record is the authoritative shape of one mission as read from a snapshot.
type Record struct {
	ID     string `json:"id"`
	Status Status `json:"status"`

	EnrollmentStart time.Time `json:"enrollment_start"`
	EnrollmentEnd   time.Time `json:"enrollment_end"`
	MissionStart    time.Time `json:"mission_start"`
	MissionEnd      time.Time `json:"mission_end"`

	RoundCount  int `json:"round_count"`
	RoundsTotal int `json:"rounds_total"`

	FeeAmount   *Amount `json:"fee_amount"`
	PoolStart   *Amount `json:"pool_start"`
	PoolCurrent *Amount `json:"pool_current"`
	PoolInitial *Amount `json:"pool_initial"`

	PlayersJoined int `json:"players_joined"`
	PlayersMin    int `json:"players_min"`
	PlayersMax    int `json:"players_max"`

	// PauseTimestamp is zero when the mission is not paused. A strictly newer
	// value than the last one seen is what distinguishes a fresh pause from a
	// stale snapshot catching up.
	PauseTimestamp time.Time `json:"pause_timestamp"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeID lower-cases a mission identifier. Every keyed store in the
// engine indexes by the normalized form.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Clone returns a deep copy of the record. Merges mutate copies, never the
// snapshot handed in by a collaborator.
func (r Record) Clone() Record {
	c := r
	c.FeeAmount = r.FeeAmount.Clone()
	c.PoolStart = r.PoolStart.Clone()
	c.PoolCurrent = r.PoolCurrent.Clone()
	c.PoolInitial = r.PoolInitial.Clone()
	return c
}

// PhaseWindow returns the [start, end] window the countdown binds to for the
// given displayed status. ok is false for terminal statuses.
func (r Record) PhaseWindow(s Status) (start, end time.Time, ok bool) {
	switch s {
	case StatusPending:
		return r.UpdatedAt, r.EnrollmentStart, true
	case StatusEnrolling:
		return r.EnrollmentStart, r.EnrollmentEnd, true
	case StatusArming:
		return r.EnrollmentEnd, r.MissionStart, true
	case StatusActive, StatusPaused:
		return r.MissionStart, r.MissionEnd, true
	default:
		return time.Time{}, time.Time{}, false
	}
}
