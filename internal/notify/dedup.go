// Package notify filters repeated outbound side-effect signals. It never
// blocks and never delivers anything itself; callers check Allow before
// firing whatever the signal drives.
package notify

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/squadpool/missionsync/internal/mission"
)

type key struct {
	kind    string
	mission string
}

// Deduper allows one send per (kind, mission) pair per window.
type Deduper struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	window time.Duration
	last   map[key]time.Time
}

func NewDeduper(clock clockwork.Clock, window time.Duration) *Deduper {
	return &Deduper{
		clock:  clock,
		window: window,
		last:   make(map[key]time.Time),
	}
}

// Allow reports whether a send for (kind, missionID) is permitted now, and
// records it if so. A denied send leaves the window untouched.
func (d *Deduper) Allow(kind, missionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{kind: kind, mission: mission.NormalizeID(missionID)}
	now := d.clock.Now()
	if at, ok := d.last[k]; ok && now.Sub(at) < d.window {
		return false
	}
	d.last[k] = now
	return true
}
