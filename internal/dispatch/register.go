package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"cronflow/internal/domain"
	"cronflow/internal/retry"
	"cronflow/internal/store"
)

// Registration is a request to create a recurring task.
type Registration struct {
	Owner   string
	Payload string
	// Key optionally separates several registrations of one owner.
	Key string
	// Schedule overrides the registrar default when set.
	Schedule string
}

// Registrar creates tasks idempotently per (owner, key).
type Registrar struct {
	store    store.Store
	schedule string
	loc      *time.Location
	now      func() time.Time
}

func NewRegistrar(st store.Store, defaultSchedule string, loc *time.Location) *Registrar {
	if loc == nil {
		loc = time.Local
	}
	return &Registrar{store: st, schedule: defaultSchedule, loc: loc, now: time.Now}
}

// WithClock replaces the time source used for the first fire time.
func (r *Registrar) WithClock(now func() time.Time) *Registrar {
	r.now = now
	return r
}

// Register returns the id of the active task for req.Owner and req.Key,
// creating it when none exists. created is false on an idempotent hit,
// including when a concurrent registration won the insert.
func (r *Registrar) Register(ctx context.Context, req Registration) (id string, created bool, err error) {
	existing, err := r.store.FindActiveByOwner(ctx, req.Owner, req.Key)
	if err == nil {
		log.Info().Str("task_id", existing.ID).Str("owner", req.Owner).Msg("register: idempotent hit")
		return existing.ID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("lookup owner %s: %w", req.Owner, err)
	}

	schedule := req.Schedule
	if schedule == "" {
		schedule = r.schedule
	}
	next := retry.NextFireTime(schedule, r.loc, r.now())
	t := &domain.Task{
		Owner:          req.Owner,
		IdempotencyKey: req.Key,
		Payload:        req.Payload,
		Schedule:       schedule,
		Status:         domain.StatusPending,
		NextFireAt:     &next,
	}

	err = r.store.Create(ctx, t)
	if err == nil {
		log.Info().Str("task_id", t.ID).Str("owner", req.Owner).Time("next_fire_at", next).Msg("register: created")
		return t.ID, true, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return "", false, fmt.Errorf("create task: %w", err)
	}

	winner, ferr := r.store.FindActiveByOwner(ctx, req.Owner, req.Key)
	if ferr != nil {
		return "", false, fmt.Errorf("re-read after conflict: %w", errors.Join(err, ferr))
	}
	log.Info().Str("task_id", winner.ID).Str("owner", req.Owner).Msg("register: concurrent idempotent hit")
	return winner.ID, false, nil
}
