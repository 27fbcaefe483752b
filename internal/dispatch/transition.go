package dispatch

import (
	"errors"
	"fmt"

	"cronflow/internal/domain"
)

var ErrIllegalTransition = errors.New("illegal status transition")

// transitions is the only place task status changes are allowed.
var transitions = map[domain.Status][]domain.Status{
	domain.StatusPending: {domain.StatusRunning, domain.StatusDeleted},
	domain.StatusRunning: {domain.StatusPending, domain.StatusFailed},
}

func CanTransition(from, to domain.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves t to status to, or returns ErrIllegalTransition leaving t
// untouched.
func transition(t *domain.Task, to domain.Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrIllegalTransition, t.Status, to, t.ID)
	}
	t.Status = to
	return nil
}
