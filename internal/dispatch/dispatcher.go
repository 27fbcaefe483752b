package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cronflow/internal/domain"
	"cronflow/internal/executor"
	"cronflow/internal/retry"
	"cronflow/internal/store"
	"cronflow/internal/worker"
)

type Config struct {
	BatchSize          int
	MaxConcurrentTasks int
	// ExecTimeout bounds a single executor call; zero means no bound.
	ExecTimeout time.Duration
	Location    *time.Location
}

// Dispatcher claims due tasks and fans them out to the worker pool.
type Dispatcher struct {
	store  store.Store
	exec   executor.Executor
	policy *retry.Policy
	pool   *worker.Pool
	cfg    Config
	now    func() time.Time

	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(st store.Store, exec executor.Executor, policy *retry.Policy, pool *worker.Pool, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 50
	}
	d := &Dispatcher{store: st, exec: exec, policy: policy, pool: pool, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ExecuteDueTasks claims up to min(BatchSize, MaxConcurrentTasks) due tasks
// in next_fire_at order and hands them to the pool. It returns once the batch
// is claimed; execution continues in the background. Nothing is claimed once
// the pool is closed.
func (d *Dispatcher) ExecuteDueTasks(ctx context.Context) error {
	if d.pool.Closed() {
		return fmt.Errorf("execute due tasks: %w", worker.ErrPoolClosed)
	}
	limit := min(d.cfg.BatchSize, d.cfg.MaxConcurrentTasks)
	due, err := d.store.FindDue(ctx, d.now(), limit)
	if err != nil {
		return fmt.Errorf("find due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	claimed := make([]domain.Task, 0, len(due))
	for _, t := range due {
		if err := d.claim(ctx, &t); err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, store.ErrStale) {
				log.Error().Err(err).Str("task_id", t.ID).Msg("failed to claim task")
			}
			continue
		}
		claimed = append(claimed, t)
	}
	if len(claimed) == 0 {
		return nil
	}
	log.Info().Int("due", len(due)).Int("claimed", len(claimed)).Msg("dispatching due tasks")

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.dispatch(claimed)
	}()
	return nil
}

func (d *Dispatcher) claim(ctx context.Context, t *domain.Task) error {
	if err := transition(t, domain.StatusRunning); err != nil {
		return err
	}
	return d.store.Update(ctx, t, domain.StatusPending)
}

func (d *Dispatcher) dispatch(batch []domain.Task) {
	var wg sync.WaitGroup
	for _, t := range batch {
		t := t
		wg.Add(1)
		err := d.pool.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			d.runTask(ctx, t)
		})
		if err != nil {
			wg.Done()
			log.Warn().Err(err).Str("task_id", t.ID).Msg("task claimed but not dispatched")
			d.release(t)
		}
	}
	wg.Wait()
	log.Debug().Int("count", len(batch)).Msg("batch execution completed")
}

// release hands an undispatched claim back to the poller. The fire time is
// unchanged so the task is due again on the next cycle.
func (d *Dispatcher) release(t domain.Task) {
	if err := transition(&t, domain.StatusPending); err != nil {
		log.Error().Err(err).Str("task_id", t.ID).Msg("cannot release task")
		return
	}
	_ = d.save(context.Background(), &t, domain.StatusRunning)
}

func (d *Dispatcher) runTask(ctx context.Context, t domain.Task) {
	started := d.now()
	err := d.invoke(ctx, t)
	finished := d.now()

	// outcome writes must land even when the pool context is cancelled
	wctx := context.WithoutCancel(ctx)
	attempt := domain.Attempt{TaskID: t.ID, StartedAt: started, FinishedAt: &finished, Success: err == nil}
	if err != nil {
		attempt.Error = err.Error()
	}
	if rerr := d.store.RecordAttempt(wctx, attempt); rerr != nil {
		log.Warn().Err(rerr).Str("task_id", t.ID).Msg("failed to record attempt")
	}

	if err == nil {
		d.complete(wctx, t, finished)
		return
	}
	d.fail(wctx, t, finished, err)
}

func (d *Dispatcher) invoke(ctx context.Context, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	if d.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.ExecTimeout)
		defer cancel()
	}
	return d.exec.Run(ctx, t)
}

func (d *Dispatcher) complete(ctx context.Context, t domain.Task, at time.Time) {
	if err := transition(&t, domain.StatusPending); err != nil {
		log.Error().Err(err).Msg("cannot complete task")
		return
	}
	t.ExecutionCount++
	t.Failures = 0
	t.LastExecutedAt = &at
	next := retry.NextFireTime(t.Schedule, d.cfg.Location, at)
	t.NextFireAt = &next

	if err := d.save(ctx, &t, domain.StatusRunning); err != nil {
		return
	}
	log.Debug().
		Str("task_id", t.ID).
		Str("executor", d.exec.Type()).
		Int("execution_count", t.ExecutionCount).
		Time("next_fire_at", next).
		Msg("task executed")
}

func (d *Dispatcher) fail(ctx context.Context, t domain.Task, at time.Time, cause error) {
	t.Failures++
	t.LastExecutedAt = &at

	if d.policy.ShouldRetry(&t, cause) {
		d.policy.ScheduleRetry(&t, cause)
		// the policy resets status to pending itself; validate the edge anyway
		if !CanTransition(domain.StatusRunning, t.Status) {
			log.Error().Str("task_id", t.ID).Str("status", string(t.Status)).Msg("retry policy produced illegal status")
			return
		}
	} else {
		if err := transition(&t, domain.StatusFailed); err != nil {
			log.Error().Err(err).Msg("cannot fail task")
			return
		}
		log.Error().
			Err(cause).
			Str("task_id", t.ID).
			Int("failures", t.Failures).
			Msg("task permanently failed")
	}
	_ = d.save(ctx, &t, domain.StatusRunning)
}

func (d *Dispatcher) save(ctx context.Context, t *domain.Task, expect domain.Status) error {
	err := d.store.Update(ctx, t, expect)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStale):
		log.Info().Str("task_id", t.ID).Msg("task changed while running, outcome dropped")
	default:
		log.Error().Err(err).Str("task_id", t.ID).Msg("failed to persist task outcome")
	}
	return err
}

// Wait blocks until every batch handed to the pool has finished.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

// CleanupStale soft-deletes pending tasks created before olderThan and
// returns how many were removed.
func (d *Dispatcher) CleanupStale(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := d.store.FindStale(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("find stale tasks: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	removed := 0
	for _, t := range stale {
		from := t.Status
		if err := transition(&t, domain.StatusDeleted); err != nil {
			log.Error().Err(err).Msg("skipping stale task")
			continue
		}
		now := d.now()
		t.DeletedAt = &now
		if err := d.store.Update(ctx, &t, from); err != nil {
			if !errors.Is(err, store.ErrStale) {
				log.Error().Err(err).Str("task_id", t.ID).Msg("failed to delete stale task")
			}
			continue
		}
		removed++
	}
	log.Info().
		Int("count", removed).
		Time("older_than", olderThan).
		Msg("cleaned up stale tasks")
	return removed, nil
}

// Delete soft-deletes a task. It reports false when the task does not exist
// or is already deleted.
func (d *Dispatcher) Delete(ctx context.Context, id string) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		t, err := d.store.FindByID(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		from := t.Status
		now := d.now()
		t.DeletedAt = &now
		// only a pending task changes status; any other keeps it with deletedAt set
		if err := transition(&t, domain.StatusDeleted); err != nil && !errors.Is(err, ErrIllegalTransition) {
			return false, err
		}
		err = d.store.Update(ctx, &t, from)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrStale) {
			return false, err
		}
	}
	return false, fmt.Errorf("delete task %s: %w", id, store.ErrStale)
}

// Reconcile returns tasks left running by a previous process to pending.
func (d *Dispatcher) Reconcile(ctx context.Context) (int, error) {
	running, err := d.store.FindByStatus(ctx, domain.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("find running tasks: %w", err)
	}
	n := 0
	now := d.now()
	for _, t := range running {
		if err := transition(&t, domain.StatusPending); err != nil {
			continue
		}
		next := retry.NextFireTime(t.Schedule, d.cfg.Location, now)
		t.NextFireAt = &next
		if err := d.store.Update(ctx, &t, domain.StatusRunning); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("failed to recover running task")
			continue
		}
		n++
	}
	return n, nil
}

// Stats counts non-deleted tasks per status.
func (d *Dispatcher) Stats(ctx context.Context) (map[domain.Status]int, error) {
	out := make(map[domain.Status]int, 4)
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted, domain.StatusFailed} {
		n, err := d.store.CountByStatus(ctx, s)
		if err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, nil
}

func (d *Dispatcher) ExecutorType() string { return d.exec.Type() }
