package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrShutdownTimeout is returned by Shutdown when jobs are still running
	// after the deadline.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Job is one unit of work. It receives the pool context, which is only
// cancelled once Shutdown gives up waiting.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines.
type Pool struct {
	size int
	jobs chan Job

	ctx    context.Context
	cancel context.CancelFunc

	quit     chan struct{}
	quitOnce sync.Once

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts size workers. queue bounds how many submitted jobs may wait
// for a free worker before Submit blocks.
func NewPool(size, queue int) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{size: size, jobs: make(chan Job, queue), ctx: ctx, cancel: cancel, quit: make(chan struct{})}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run(i)
	}
	return p
}

func (p *Pool) Size() int { return p.size }

// Closed reports whether Shutdown has been called. A closed pool never
// accepts jobs again.
func (p *Pool) Closed() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.exec(id, job)
	}
}

func (p *Pool) exec(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int("worker", id).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
		}
	}()
	job(p.ctx)
}

// Submit queues job, blocking while the queue is full. It fails once the
// pool is shutting down or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolClosed
	}
}

// Shutdown stops accepting jobs and waits up to timeout for queued and
// running jobs. On timeout the pool context is cancelled and the workers are
// abandoned.
func (p *Pool) Shutdown(timeout time.Duration) error {
	// blocked submitters hold the read lock; wake them first
	p.quitOnce.Do(func() { close(p.quit) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("%w after %s", ErrShutdownTimeout, timeout)
	}
}
