package dispatch

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronflow/internal/domain"
	"cronflow/internal/executor"
	"cronflow/internal/retry"
	"cronflow/internal/store"
	"cronflow/internal/worker"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db    *sql.DB
	store store.Store
	clock *clock
	pool  *worker.Pool
	disp  *Dispatcher
	reg   *Registrar
}

func newFixture(t *testing.T, exec executor.Executor, maxRetries int) *fixture {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewSQLiteRepo(db, store.WithClock(c.Now))
	pool := worker.NewPool(4, 16)
	t.Cleanup(func() { _ = pool.Shutdown(time.Second) })

	policy := retry.NewPolicy(maxRetries, time.UTC).WithClock(c.Now, 1)
	disp := New(st, exec, policy, pool, Config{BatchSize: 10, MaxConcurrentTasks: 10, Location: time.UTC}, WithClock(c.Now))
	reg := NewRegistrar(st, "*/5 * * * * *", time.UTC).WithClock(c.Now)
	return &fixture{db: db, store: st, clock: c, pool: pool, disp: disp, reg: reg}
}

func (f *fixture) register(t *testing.T, owner string) domain.Task {
	t.Helper()
	id, created, err := f.reg.Register(context.Background(), Registration{Owner: owner, Payload: "msg " + owner})
	require.NoError(t, err)
	require.True(t, created)
	task, err := f.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) runCycle(t *testing.T) {
	t.Helper()
	require.NoError(t, f.disp.ExecuteDueTasks(context.Background()))
	f.disp.Wait()
}

func TestTransitionTable(t *testing.T) {
	legal := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusRunning}: true,
		{domain.StatusRunning, domain.StatusPending}: true,
		{domain.StatusRunning, domain.StatusFailed}:  true,
		{domain.StatusPending, domain.StatusDeleted}: true,
	}
	for _, from := range domain.Statuses() {
		for _, to := range domain.Statuses() {
			assert.Equal(t, legal[[2]domain.Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	task := &domain.Task{ID: "x", Status: domain.StatusFailed}
	err := transition(task, domain.StatusPending)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, domain.StatusFailed, task.Status)
}

func TestNothingDueIsNoop(t *testing.T) {
	var calls int32
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), 0)
	f.register(t, "alice") // fires at 12:00:05

	f.runCycle(t)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSuccessfulExecutionAdvancesTask(t *testing.T) {
	var calls int32
	f := newFixture(t, executor.Func(func(_ context.Context, tk domain.Task) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), 0)
	before := f.register(t, "alice")
	require.True(t, before.NextFireAt.Equal(time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC)))

	f.clock.Advance(6 * time.Second)
	f.runCycle(t)

	after, err := f.store.FindByID(context.Background(), before.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.StatusPending, after.Status)
	assert.Equal(t, before.ExecutionCount+1, after.ExecutionCount)
	require.NotNil(t, after.LastExecutedAt)
	assert.True(t, after.NextFireAt.After(*before.NextFireAt))
	assert.True(t, after.NextFireAt.Equal(time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)))

	attempts, err := f.store.ListAttempts(context.Background(), before.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Success)
}

func TestFailureIsRetriedWithJitter(t *testing.T) {
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		return errors.New("downstream unavailable")
	}), 0)
	task := f.register(t, "bob")

	f.clock.Advance(6 * time.Second)
	f.runCycle(t)

	got, err := f.store.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.ExecutionCount)
	assert.Equal(t, 1, got.Failures)
	base := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)
	assert.False(t, got.NextFireAt.Before(base))
	assert.True(t, got.NextFireAt.Before(base.Add(retry.MaxJitter)))

	attempts, err := f.store.ListAttempts(context.Background(), task.ID, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "downstream unavailable", attempts[0].Error)
}

func TestFailureCeilingMarksFailed(t *testing.T) {
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		return errors.New("nope")
	}), 2)
	task := f.register(t, "carol")

	for i := 0; i < 2; i++ {
		f.clock.Advance(10 * time.Second)
		f.runCycle(t)
	}

	got, err := f.store.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.Failures)

	// terminal: never due again
	f.clock.Advance(time.Hour)
	due, err := f.store.FindDue(context.Background(), f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPanickingExecutorIsAFailure(t *testing.T) {
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		panic("kaboom")
	}), 0)
	task := f.register(t, "dan")
	f.clock.Advance(6 * time.Second)
	f.runCycle(t)

	got, err := f.store.FindByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.Failures)
}

func TestOneFailureDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, executor.Func(func(_ context.Context, tk domain.Task) error {
		if tk.Owner == "bad" {
			return errors.New("bad task")
		}
		return nil
	}), 1)
	good := f.register(t, "good")
	bad := f.register(t, "bad")
	other := f.register(t, "other")

	f.clock.Advance(6 * time.Second)
	f.runCycle(t)

	ctx := context.Background()
	for _, id := range []string{good.ID, other.ID} {
		got, err := f.store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 1, got.ExecutionCount)
	}
	got, err := f.store.FindByID(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}

func TestBatchIsCappedAndOrdered(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	f := newFixture(t, executor.Func(func(_ context.Context, tk domain.Task) error {
		mu.Lock()
		seen = append(seen, tk.Owner)
		mu.Unlock()
		return nil
	}), 0)
	f.disp.cfg.MaxConcurrentTasks = 2

	ctx := context.Background()
	base := f.clock.Now()
	for i, owner := range []string{"third", "first", "second"} {
		task := f.register(t, owner)
		at := base.Add(time.Duration([]int{3, 1, 2}[i]) * time.Second)
		task.NextFireAt = &at
		require.NoError(t, f.store.Update(ctx, &task, domain.StatusPending))
	}

	f.clock.Advance(time.Minute)
	f.runCycle(t)

	assert.ElementsMatch(t, []string{"first", "second"}, seen)
	third, err := f.store.FindActiveByOwner(ctx, "third", "")
	require.NoError(t, err)
	assert.Equal(t, 0, third.ExecutionCount)
}

func TestOverlappingCyclesDoNotDoubleDispatch(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		atomic.AddInt32(&calls, 1)
		<-release
		return nil
	}), 0)
	task := f.register(t, "erin")
	f.clock.Advance(6 * time.Second)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.disp.ExecuteDueTasks(ctx))
		}()
	}
	wg.Wait()

	// a fresh cycle while the first is still draining finds nothing due
	require.NoError(t, f.disp.ExecuteDueTasks(ctx))
	running, err := f.store.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, running.Status)

	close(release)
	f.disp.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCleanupStaleSoftDeletes(t *testing.T) {
	f := newFixture(t, executor.Log{}, 0)
	ctx := context.Background()

	old := f.register(t, "old")
	f.clock.Advance(25 * time.Hour)
	fresh := f.register(t, "fresh")

	n, err := f.disp.CleanupStale(ctx, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.store.FindByID(ctx, old.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.FindByID(ctx, fresh.ID)
	assert.NoError(t, err)

	due, err := f.store.FindDue(ctx, f.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	for _, d := range due {
		assert.NotEqual(t, old.ID, d.ID)
	}

	n, err = f.disp.CleanupStale(ctx, f.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, executor.Log{}, 0)
	ctx := context.Background()
	task := f.register(t, "frank")

	ok, err := f.disp.Delete(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.disp.Delete(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.disp.Delete(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteWhileRunningDropsOutcome(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		<-release
		return nil
	}), 0)
	ctx := context.Background()
	task := f.register(t, "gina")
	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.disp.ExecuteDueTasks(ctx))

	ok, err := f.disp.Delete(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	f.disp.Wait()

	_, err = f.store.FindByID(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	due, err := f.store.FindDue(ctx, f.clock.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReconcileRecoversRunning(t *testing.T) {
	f := newFixture(t, executor.Log{}, 0)
	ctx := context.Background()
	task := f.register(t, "hank")
	task.Status = domain.StatusRunning
	require.NoError(t, f.store.Update(ctx, &task, domain.StatusPending))

	n, err := f.disp.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.NextFireAt.After(f.clock.Now()))
}

func TestStats(t *testing.T) {
	f := newFixture(t, executor.Log{}, 0)
	f.register(t, "a")
	f.register(t, "b")
	stats, err := f.disp.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.StatusPending])
	assert.Equal(t, 0, stats[domain.StatusRunning])
	assert.Equal(t, "log", f.disp.ExecutorType())
}

// rawStatus reads the stored status, including soft-deleted rows.
func (f *fixture) rawStatus(t *testing.T, id string) domain.Status {
	t.Helper()
	var st string
	require.NoError(t, f.db.QueryRow(`SELECT status FROM tasks WHERE id=?`, id).Scan(&st))
	return domain.Status(st)
}

func TestDeleteStatusFollowsTransitionTable(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		<-release
		return nil
	}), 0)
	ctx := context.Background()

	pending := f.register(t, "ivan")
	ok, err := f.disp.Delete(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusDeleted, f.rawStatus(t, pending.ID))

	running := f.register(t, "judy")
	f.clock.Advance(6 * time.Second)
	require.NoError(t, f.disp.ExecuteDueTasks(ctx))
	ok, err = f.disp.Delete(ctx, running.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	// running -> deleted is not a legal transition; only deletedAt is set
	assert.Equal(t, domain.StatusRunning, f.rawStatus(t, running.ID))

	close(release)
	f.disp.Wait()
	assert.Equal(t, domain.StatusRunning, f.rawStatus(t, running.ID))
}

func TestClosedPoolClaimsNothing(t *testing.T) {
	f := newFixture(t, executor.Log{}, 0)
	ctx := context.Background()
	task := f.register(t, "kate")
	f.clock.Advance(6 * time.Second)

	require.NoError(t, f.pool.Shutdown(time.Second))
	assert.ErrorIs(t, f.disp.ExecuteDueTasks(ctx), worker.ErrPoolClosed)
	f.disp.Wait()

	got, err := f.store.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.ExecutionCount)
}

func TestUndispatchedClaimIsReleased(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f := newFixture(t, executor.Log{}, 0)
	exec := executor.Func(func(context.Context, domain.Task) error {
		started <- struct{}{}
		<-release
		return nil
	})
	pool := worker.NewPool(1, 0)
	disp := New(f.store, exec, retry.NewPolicy(0, time.UTC).WithClock(f.clock.Now, 1), pool,
		Config{BatchSize: 10, MaxConcurrentTasks: 10, Location: time.UTC}, WithClock(f.clock.Now))

	ctx := context.Background()
	a := f.register(t, "leo")
	b := f.register(t, "mia")
	f.clock.Advance(6 * time.Second)
	require.NoError(t, disp.ExecuteDueTasks(ctx))

	// one task occupies the only worker, the other waits in Submit
	<-started
	done := make(chan error, 1)
	go func() { done <- pool.Shutdown(5 * time.Second) }()
	require.Eventually(t, pool.Closed, time.Second, 5*time.Millisecond)
	close(release)
	require.NoError(t, <-done)
	disp.Wait()

	var executed, released int
	for _, id := range []string{a.ID, b.ID} {
		got, err := f.store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		if got.ExecutionCount == 1 {
			executed++
		} else {
			released++
			require.NotNil(t, got.NextFireAt)
			assert.False(t, got.NextFireAt.After(f.clock.Now()), "released task stays due")
		}
	}
	assert.Equal(t, 1, executed)
	assert.Equal(t, 1, released)
}

// cancelOnSecondClaim cancels the cycle context while a batch is being
// claimed, the way Stop does mid-poll.
type cancelOnSecondClaim struct {
	store.Store
	cancel context.CancelFunc
	claims atomic.Int32
}

func (s *cancelOnSecondClaim) Update(ctx context.Context, t *domain.Task, expect domain.Status) error {
	if expect == domain.StatusPending && t.Status == domain.StatusRunning && s.claims.Add(1) > 1 {
		s.cancel()
		return ctx.Err()
	}
	return s.Store.Update(ctx, t, expect)
}

func TestCancelledCycleStopsClaimingQuietly(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(zerolog.SyncWriter(&buf))
	t.Cleanup(func() { log.Logger = prev })

	var calls atomic.Int32
	f := newFixture(t, executor.Func(func(context.Context, domain.Task) error {
		calls.Add(1)
		return nil
	}), 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancelOnSecondClaim{Store: f.store, cancel: cancel}
	disp := New(st, f.disp.exec, f.disp.policy, f.pool,
		Config{BatchSize: 10, MaxConcurrentTasks: 10, Location: time.UTC}, WithClock(f.clock.Now))

	for _, owner := range []string{"nina", "omar", "pete"} {
		f.register(t, owner)
	}
	f.clock.Advance(6 * time.Second)

	require.NoError(t, disp.ExecuteDueTasks(ctx))
	disp.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(2), st.claims.Load(), "claiming stops at the first cancelled write")
	assert.NotContains(t, buf.String(), "failed to claim task")

	pending, err := f.store.CountByStatus(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}
