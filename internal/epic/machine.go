// Package epic owns the epic lifecycle state machine.
package epic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
	"github.com/fall-development-rob/cto-flow-sub000/internal/events"
	"github.com/fall-development-rob/cto-flow-sub000/internal/repo"
)

// ErrInvalidTransition means the requested target state is not reachable
// from the current state. This is a caller bug and is never retried.
var ErrInvalidTransition = errors.New("invalid epic transition")

// transitions is the full reachability table. archived is absorbing.
var transitions = map[string][]string{
	domain.EpicUninitialized: {domain.EpicActive},
	domain.EpicActive:        {domain.EpicPaused, domain.EpicBlocked, domain.EpicReview},
	domain.EpicPaused:        {domain.EpicActive, domain.EpicArchived},
	domain.EpicBlocked:       {domain.EpicActive, domain.EpicPaused},
	domain.EpicReview:        {domain.EpicActive, domain.EpicCompleted},
	domain.EpicCompleted:     {domain.EpicArchived},
	domain.EpicArchived:      {},
}

// CanTransition reports whether to is reachable from from.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Hooks are the side-effecting actions run inside the transition
// transaction, exactly once per applied transition.
type Hooks struct {
	// OnBlocked notifies the coordinator and marks the external issue.
	OnBlocked func(ctx context.Context, tx *sql.Tx, e domain.Epic) error
	// OnCompleted freezes further assignments for the epic.
	OnCompleted func(ctx context.Context, tx *sql.Tx, e domain.Epic) error
	// OnActive resumes assignment flow.
	OnActive func(ctx context.Context, tx *sql.Tx, e domain.Epic) error
}

type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Hooks  Hooks
	Now    func() time.Time
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition moves an epic to a new state, running the transition action
// and bumping the version counter atomically. eventID deduplicates the
// triggering event: replaying a delivered event is a no-op.
func (m Machine) Transition(ctx context.Context, epicID, to, eventID, actorID string) (domain.Epic, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Epic{}, err
	}
	defer tx.Rollback()

	e, err := m.Repo.GetEpicTx(ctx, tx, epicID)
	if err != nil {
		return domain.Epic{}, err
	}

	if eventID != "" {
		applied, err := m.Repo.MarkEpicEvent(ctx, tx, eventID, epicID, to, m.now().UTC().Format(time.RFC3339))
		if err != nil {
			return domain.Epic{}, err
		}
		if !applied {
			// Duplicate delivery; report current state unchanged.
			return e, tx.Commit()
		}
	}

	if !CanTransition(e.State, to) {
		return domain.Epic{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
	}

	from := e.State
	e.State = to
	e.Version++
	e.UpdatedAt = m.now().UTC().Format(time.RFC3339)

	if err := m.runAction(ctx, tx, e); err != nil {
		return domain.Epic{}, err
	}
	if err := m.Repo.UpdateEpic(ctx, tx, e); err != nil {
		return domain.Epic{}, err
	}
	if err := m.Events.Append(ctx, tx, "epic.transitioned", e.ID, "epic", e.ID, actorID, events.EventPayload{
		"from": from, "to": to, "version": e.Version,
	}); err != nil {
		return domain.Epic{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Epic{}, err
	}
	return e, nil
}

func (m Machine) runAction(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	switch e.State {
	case domain.EpicBlocked:
		if m.Hooks.OnBlocked != nil {
			return m.Hooks.OnBlocked(ctx, tx, e)
		}
	case domain.EpicCompleted:
		if m.Hooks.OnCompleted != nil {
			return m.Hooks.OnCompleted(ctx, tx, e)
		}
	case domain.EpicActive:
		if m.Hooks.OnActive != nil {
			return m.Hooks.OnActive(ctx, tx, e)
		}
	}
	return nil
}

// AcceptsAssignments reports whether new claims are allowed in this state.
func AcceptsAssignments(state string) bool {
	return state == domain.EpicActive
}
