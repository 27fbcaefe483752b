package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a scheduled task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

var statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDeleted}

// Statuses returns every known status in declaration order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// ParseStatus accepts any casing of a known status name.
func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range statuses {
		if st == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

type Task struct {
	ID             string
	Owner          string
	IdempotencyKey string
	Payload        string
	Schedule       string
	Status         Status
	NextFireAt     *time.Time
	ExecutionCount int
	// Failures counts consecutive failed attempts; reset on success.
	Failures       int
	LastExecutedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

func (t Task) Deleted() bool { return t.DeletedAt != nil || t.Status == StatusDeleted }

// Due reports whether the task should be dispatched at now.
func (t Task) Due(now time.Time) bool {
	return !t.Deleted() && t.Status == StatusPending && t.NextFireAt != nil && !t.NextFireAt.After(now)
}

// Attempt is one recorded execution of a task.
type Attempt struct {
	ID         int64
	TaskID     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Success    bool
	Error      string
}

// Filter narrows task listings. Zero values match everything.
type Filter struct {
	Owner  string
	Status Status
}

type Page struct {
	Number int // zero-based
	Size   int
}

type PageResult struct {
	Tasks   []Task
	Total   int
	Page    int
	Size    int
	HasNext bool
}
