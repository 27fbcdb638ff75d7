// Package action runs user actions against the backend and installs the
// optimistic overrides that keep the UI instantaneous while the settlement
// layer confirms.
package action

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/config"
	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/overlay"
	"github.com/squadpool/missionsync/internal/reconcile"
)

// Kind is the action being submitted.
type Kind string

const (
	KindJoin         Kind = "join"
	KindResolveRound Kind = "resolve_round"
)

// Outcome is the collaborator's verdict on a submitted action. Cancelled and
// Rejected are distinct: a user backing out is never treated as a failure,
// and neither is ever treated as success.
type Outcome int

const (
	OutcomeCommitted Outcome = iota
	OutcomeRejected
	OutcomeCancelled
)

// ErrRejected is returned when the backend refuses an action.
var ErrRejected = fmt.Errorf("action rejected")

// ErrCancelled is returned when the user abandoned the action.
var ErrCancelled = fmt.Errorf("action cancelled")

// Submitter is the collaborator contract for action submission. The engine
// consumes only the outcome, never the transport.
type Submitter interface {
	SubmitAction(ctx context.Context, kind Kind, missionID string) (Outcome, error)
}

// Handler runs actions and installs overrides strictly after commitment.
type Handler struct {
	submit   Submitter
	overlays *overlay.Store
	engine   *reconcile.Engine
	clock    clockwork.Clock
	cfg      config.Tuning
	log      zerolog.Logger
}

func NewHandler(submit Submitter, overlays *overlay.Store, engine *reconcile.Engine, clock clockwork.Clock, cfg config.Tuning, log zerolog.Logger) *Handler {
	return &Handler{
		submit:   submit,
		overlays: overlays,
		engine:   engine,
		clock:    clock,
		cfg:      cfg,
		log:      log.With().Str("component", "action").Logger(),
	}
}

// Join submits a join for the mission. On commit it installs an override
// predicting playersJoined+1 over the current record and asks for a
// reconciliation pass.
func (h *Handler) Join(ctx context.Context, current mission.Record) error {
	outcome, err := h.submit.SubmitAction(ctx, KindJoin, current.ID)
	if err != nil {
		return fmt.Errorf("submit join: %w", err)
	}
	if err := outcomeErr(outcome); err != nil {
		return err
	}

	predicted := current.PlayersJoined + 1
	h.overlays.Install(current.ID, overlay.Override{
		ValidUntil: h.clock.Now().Add(h.cfg.OverrideTTL),
		Players:    &predicted,
	})
	h.log.Info().
		Str("mission_id", current.ID).
		Int("predicted_players", predicted).
		Msg("join committed, override installed")

	go h.engine.Sync(ctx, current.ID, true)
	return nil
}

// ResolveRound submits a round resolution. On commit it installs an override
// predicting poolCurrent minus the payout.
func (h *Handler) ResolveRound(ctx context.Context, current mission.Record, payout *mission.Amount) error {
	outcome, err := h.submit.SubmitAction(ctx, KindResolveRound, current.ID)
	if err != nil {
		return fmt.Errorf("submit round resolution: %w", err)
	}
	if err := outcomeErr(outcome); err != nil {
		return err
	}

	predicted := mission.SubAmount(current.PoolCurrent, payout)
	h.overlays.Install(current.ID, overlay.Override{
		ValidUntil: h.clock.Now().Add(h.cfg.OverrideTTL),
		Pool:       predicted,
	})
	h.log.Info().
		Str("mission_id", current.ID).
		Str("predicted_pool", predicted.String()).
		Msg("round resolution committed, override installed")

	go h.engine.Sync(ctx, current.ID, true)
	return nil
}

func outcomeErr(o Outcome) error {
	switch o {
	case OutcomeCommitted:
		return nil
	case OutcomeCancelled:
		return ErrCancelled
	default:
		return ErrRejected
	}
}
