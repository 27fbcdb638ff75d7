package mission

import "time"

// Resolve maps a record and an instant to a status. It is pure: no I/O, no
// clock reads, no mutation. The same function drives local prediction and
// snapshot validation, so the two can never disagree on the rules.
//
// grace is the window after enrollmentEnd during which an under-filled
// mission is still shown as Arming instead of Failed, to avoid flapping while
// the settlement layer catches up.
func Resolve(r Record, now time.Time, grace time.Duration) Status {
	if now.Before(r.EnrollmentStart) {
		return StatusPending
	}
	if now.Before(r.EnrollmentEnd) {
		return StatusEnrolling
	}
	if now.Before(r.MissionStart) {
		if r.PlayersJoined >= r.PlayersMin {
			return StatusArming
		}
		if now.Before(r.EnrollmentEnd.Add(grace)) {
			return StatusArming
		}
		return StatusFailed
	}
	if now.Before(r.MissionEnd) {
		if !r.PauseTimestamp.IsZero() {
			return StatusPaused
		}
		return StatusActive
	}
	// At or past missionEnd the record carries its own ended sub-status.
	if r.Status.Ended() {
		return r.Status
	}
	return StatusSuccess
}

// NextDeadline returns the instant at which the given displayed status can
// flip on the clock alone, and whether such a deadline exists. Paused and
// terminal statuses have no clock-driven exit.
func NextDeadline(r Record, displayed Status, grace time.Duration) (time.Time, bool) {
	switch displayed {
	case StatusPending:
		return r.EnrollmentStart, true
	case StatusEnrolling:
		return r.EnrollmentEnd, true
	case StatusArming:
		// An under-filled mission fails at the end of the grace window,
		// before missionStart ever arrives.
		if r.PlayersJoined < r.PlayersMin {
			return r.EnrollmentEnd.Add(grace), true
		}
		return r.MissionStart, true
	case StatusActive:
		return r.MissionEnd, true
	default:
		return time.Time{}, false
	}
}
