package mission

import (
	"fmt"
	"time"
)

// Unit is the coarse display unit for remaining time.
type Unit int

const (
	UnitDays Unit = iota
	UnitHours
	UnitMinutes
	UnitSeconds
)

func (u Unit) String() string {
	switch u {
	case UnitDays:
		return "days"
	case UnitHours:
		return "hours"
	case UnitMinutes:
		return "minutes"
	default:
		return "seconds"
	}
}

// Unit classification thresholds and the progress sub-window each unit binds
// to. Once remaining time drops under a threshold the progress window narrows,
// so the indicator visibly accelerates toward the deadline.
const (
	daysThreshold    = 36 * time.Hour
	hoursThreshold   = 90 * time.Minute
	minutesThreshold = 90 * time.Second
)

// ClassifyUnit picks the display unit for a remaining duration.
func ClassifyUnit(remaining time.Duration) Unit {
	switch {
	case remaining > daysThreshold:
		return UnitDays
	case remaining > hoursThreshold:
		return UnitHours
	case remaining > minutesThreshold:
		return UnitMinutes
	default:
		return UnitSeconds
	}
}

// Countdown is one tick's worth of derived display values.
type Countdown struct {
	Unit      Unit
	Remaining time.Duration
	Label     string
	// Progress is the elapsed fraction of the current sub-window, in [0,1].
	Progress float64
}

// Binder derives countdown values for one phase window. The label is
// recomputed every tick; the progress sub-window only when the unit
// classification changes.
type Binder struct {
	start, end time.Time

	unit     Unit
	subStart time.Time
	bound    bool
}

// NewBinder creates a binder over the phase window [start, end].
func NewBinder(start, end time.Time) *Binder {
	return &Binder{start: start, end: end}
}

// Rebind points the binder at a new phase window, resetting the sub-window.
func (b *Binder) Rebind(start, end time.Time) {
	b.start = start
	b.end = end
	b.bound = false
}

// Tick computes the countdown for now.
func (b *Binder) Tick(now time.Time) Countdown {
	remaining := b.end.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	unit := ClassifyUnit(remaining)
	if !b.bound || unit != b.unit {
		b.unit = unit
		b.subStart = b.subWindowStart(unit)
		b.bound = true
	}

	return Countdown{
		Unit:      unit,
		Remaining: remaining,
		Label:     formatLabel(unit, remaining),
		Progress:  b.progress(now),
	}
}

func (b *Binder) subWindowStart(unit Unit) time.Time {
	var span time.Duration
	switch unit {
	case UnitDays:
		return b.start
	case UnitHours:
		span = daysThreshold
	case UnitMinutes:
		span = hoursThreshold
	default:
		span = minutesThreshold
	}
	s := b.end.Add(-span)
	if s.Before(b.start) {
		s = b.start
	}
	return s
}

func (b *Binder) progress(now time.Time) float64 {
	if !now.After(b.subStart) {
		return 0
	}
	if !now.Before(b.end) {
		return 1
	}
	span := b.end.Sub(b.subStart)
	if span <= 0 {
		return 1
	}
	return float64(now.Sub(b.subStart)) / float64(span)
}

func formatLabel(unit Unit, remaining time.Duration) string {
	secs := int64((remaining + time.Second - 1) / time.Second)
	switch unit {
	case UnitDays:
		return fmt.Sprintf("%dd", (secs+86399)/86400)
	case UnitHours:
		return fmt.Sprintf("%dh", (secs+3599)/3600)
	case UnitMinutes:
		return fmt.Sprintf("%dm", (secs+59)/60)
	default:
		return fmt.Sprintf("%ds", secs)
	}
}
