// Package store persists scheduled tasks. Every query that feeds the engine
// filters out soft-deleted rows explicitly.
package store

import (
	"context"
	"errors"
	"time"

	"cronflow/internal/domain"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned by Create when an active task already exists
	// for the same owner and idempotency key.
	ErrConflict = errors.New("task already exists")
	// ErrStale is returned by Update when the row no longer has the expected
	// status, i.e. another writer got there first.
	ErrStale = errors.New("task changed concurrently")
)

type Store interface {
	// Create assigns ID and lifecycle timestamps and inserts t.
	Create(ctx context.Context, t *domain.Task) error
	// Update writes the whole row when the stored task is still active and
	// in status expect.
	Update(ctx context.Context, t *domain.Task, expect domain.Status) error

	FindByID(ctx context.Context, id string) (domain.Task, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	FindStale(ctx context.Context, threshold time.Time) ([]domain.Task, error)
	FindByStatus(ctx context.Context, status domain.Status) ([]domain.Task, error)
	FindActiveByOwner(ctx context.Context, owner, key string) (domain.Task, error)
	CountByStatus(ctx context.Context, status domain.Status) (int, error)
	CountActiveByOwner(ctx context.Context, owner string) (int, error)
	List(ctx context.Context, f domain.Filter, p domain.Page) (domain.PageResult, error)

	RecordAttempt(ctx context.Context, a domain.Attempt) error
	ListAttempts(ctx context.Context, taskID string, limit int) ([]domain.Attempt, error)
}
