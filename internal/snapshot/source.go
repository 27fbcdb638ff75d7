// Package snapshot reads authoritative mission records on demand and bounds
// how often the backend is actually asked.
package snapshot

import (
	"context"
	"errors"

	"github.com/squadpool/missionsync/internal/mission"
)

// Scope selects a mission collection for list fetches.
type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeActive   Scope = "active"
	ScopeJoinable Scope = "joinable"
)

// ErrNotFound is returned when the source has no record for an id.
var ErrNotFound = errors.New("mission not found")

// Source is the collaborator contract for authoritative reads. Fetches are
// idempotent; force only matters to caching layers above the source.
type Source interface {
	FetchSnapshot(ctx context.Context, id string) (mission.Record, error)
	FetchList(ctx context.Context, scope Scope) ([]mission.Record, error)
}
