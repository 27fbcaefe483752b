// Package driver owns the two background loops of the engine: the poll loop
// that wakes on cron boundaries to execute due tasks, and the cleanup loop
// that soft-deletes stale tasks.
package driver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"cronflow/internal/cronexpr"
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrNotStopped = errors.New("driver is not stopped")
	ErrNotRunning = errors.New("driver is not running")
	// ErrPoolClosed is returned by Start after Stop has drained the pool.
	// Build a new pool and driver to run again.
	ErrPoolClosed = errors.New("execution pool is closed")
)

// Dispatcher is the work the loops trigger.
type Dispatcher interface {
	ExecuteDueTasks(ctx context.Context) error
	CleanupStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Shutdowner is the execution pool drained on Stop.
type Shutdowner interface {
	Shutdown(timeout time.Duration) error
	Closed() bool
}

type Config struct {
	// PollSchedule decides the wake instants of the poll loop. A zero Next
	// means the schedule has no upcoming instant and the tick is skipped.
	PollSchedule cron.Schedule
	// PollInterval is the fixed delay between poll ticks.
	PollInterval time.Duration
	// Lookback is subtracted from now before asking for the next wake
	// instant, so a boundary that is happening right now still counts.
	Lookback time.Duration

	CleanupEnabled  bool
	CleanupInterval time.Duration
	StaleAfter      time.Duration

	ShutdownTimeout time.Duration
}

func (c *Config) defaults() {
	if c.PollSchedule == nil {
		c.PollSchedule = cronexpr.MustParse("*/5 * * * * *", time.Local)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Lookback <= 0 {
		c.Lookback = time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Driver is the engine's lifecycle object. The zero value is not usable;
// construct with New.
type Driver struct {
	disp Dispatcher
	pool Shutdowner
	cfg  Config
	now  func() time.Time

	state  atomic.Int32
	mu     sync.Mutex
	cancel context.CancelFunc
	loops  sync.WaitGroup

	polls    atomic.Int64
	cleanups atomic.Int64
}

func New(disp Dispatcher, pool Shutdowner, cfg Config) *Driver {
	cfg.defaults()
	return &Driver{disp: disp, pool: pool, cfg: cfg, now: time.Now}
}

func (d *Driver) State() State { return State(d.state.Load()) }

// Start launches the poll and cleanup loops. They run until Stop; ctx only
// carries values.
func (d *Driver) Start(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return fmt.Errorf("%w: %s", ErrNotStopped, d.State())
	}
	if d.pool != nil && d.pool.Closed() {
		d.state.Store(int32(Stopped))
		return ErrPoolClosed
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.loops.Add(2)
	go d.pollLoop(loopCtx)
	go d.cleanupLoop(loopCtx)

	d.state.Store(int32(Running))
	log.Info().
		Str("poll_schedule", fmt.Sprint(d.cfg.PollSchedule)).
		Dur("poll_interval", d.cfg.PollInterval).
		Bool("cleanup_enabled", d.cfg.CleanupEnabled).
		Dur("cleanup_interval", d.cfg.CleanupInterval).
		Msg("scheduler started")
	return nil
}

// Stop cancels both loops, then drains the execution pool for up to
// ShutdownTimeout. Tasks still executing after that stay running in the
// store. The pool is closed for good, so a stopped driver cannot Start again.
func (d *Driver) Stop() error {
	if !d.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return fmt.Errorf("%w: %s", ErrNotRunning, d.State())
	}

	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	cancel()
	d.loops.Wait()

	if d.pool != nil {
		if err := d.pool.Shutdown(d.cfg.ShutdownTimeout); err != nil {
			log.Warn().Err(err).Msg("executor pool did not terminate in time")
		}
	}

	d.state.Store(int32(Stopped))
	log.Info().
		Int64("polls", d.polls.Load()).
		Int64("cleanups", d.cleanups.Load()).
		Msg("scheduler stopped")
	return nil
}

func (d *Driver) pollLoop(ctx context.Context) {
	defer d.loops.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		d.pollOnce(ctx)
		timer.Reset(d.cfg.PollInterval)
	}
}

// pollOnce sleeps until the next poll-schedule instant and then executes due
// tasks.
func (d *Driver) pollOnce(ctx context.Context) {
	now := d.now()
	next := d.cfg.PollSchedule.Next(now.Truncate(time.Second).Add(-d.cfg.Lookback))
	if next.IsZero() {
		log.Error().Msg("poll schedule has no next instant")
		return
	}
	if delay := next.Sub(now); delay > 0 {
		if !sleep(ctx, delay) {
			return
		}
	}
	d.polls.Add(1)
	d.guard("execute", func() {
		if err := d.disp.ExecuteDueTasks(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("execution cycle failed")
		}
	})
}

func (d *Driver) cleanupLoop(ctx context.Context) {
	defer d.loops.Done()
	every := cron.Every(d.cfg.CleanupInterval)
	for {
		now := d.now()
		if !sleep(ctx, every.Next(now).Sub(now)) {
			return
		}
		if !d.cfg.CleanupEnabled {
			continue
		}
		d.cleanups.Add(1)
		d.guard("cleanup", func() {
			if _, err := d.disp.CleanupStale(ctx, d.now().Add(-d.cfg.StaleAfter)); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("cleanup cycle failed")
			}
		})
	}
}

// guard keeps a panicking cycle from taking its loop down.
func (d *Driver) guard(cycle string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("cycle", cycle).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("cycle panicked")
		}
	}()
	fn()
}

// sleep waits for d or ctx, reporting false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
