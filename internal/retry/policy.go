package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cronflow/internal/cronexpr"
	"cronflow/internal/domain"
)

const (
	// FallbackDelay is used when the task schedule cannot produce a next time.
	FallbackDelay = 5 * time.Second
	// MaxJitter bounds the random offset added to every retry time.
	MaxJitter = time.Second
)

// Policy decides whether a failed task is retried and when.
type Policy struct {
	// MaxRetries > 0 refuses retries once a task has failed that many times
	// in a row. Zero retries forever.
	MaxRetries int

	loc *time.Location
	now func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewPolicy(maxRetries int, loc *time.Location) *Policy {
	return &Policy{
		MaxRetries: maxRetries,
		loc:        loc,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock replaces the time source and seeds the jitter generator.
func (p *Policy) WithClock(now func() time.Time, seed int64) *Policy {
	p.now = now
	p.rng = rand.New(rand.NewSource(seed))
	return p
}

// ShouldRetry reports whether t may be attempted again after failure.
// t.Failures must already include the failure being judged.
func (p *Policy) ShouldRetry(t *domain.Task, failure error) bool {
	if p.MaxRetries <= 0 {
		return true
	}
	return t.Failures < p.MaxRetries
}

// ScheduleRetry sets t.NextFireAt to the next cron slot plus jitter and
// puts the task back to pending.
func (p *Policy) ScheduleRetry(t *domain.Task, failure error) {
	now := p.now()
	base, err := p.baseTime(t, now)
	if err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("next fire time unavailable, using fallback")
		base = now.Add(FallbackDelay)
	}
	next := base.Add(p.jitter())
	t.NextFireAt = &next
	t.Status = domain.StatusPending

	log.Warn().
		Str("task_id", t.ID).
		AnErr("failure", failure).
		Int("failures", t.Failures).
		Time("next_fire_at", next).
		Msg("task failed, rescheduled")
}

func (p *Policy) baseTime(t *domain.Task, now time.Time) (time.Time, error) {
	spec, err := cronexpr.Parse(t.Schedule, p.loc)
	if err != nil {
		return time.Time{}, err
	}
	return spec.NextAfter(now)
}

func (p *Policy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Duration(p.rng.Int63n(int64(MaxJitter/time.Millisecond))) * time.Millisecond
}

// NextFireTime computes the next cron slot after now, falling back to
// now+FallbackDelay when the schedule does not parse or never matches.
func NextFireTime(schedule string, loc *time.Location, now time.Time) time.Time {
	spec, err := cronexpr.Parse(schedule, loc)
	if err == nil {
		if next, err := spec.NextAfter(now); err == nil {
			return next
		}
	}
	return now.Add(FallbackDelay)
}
