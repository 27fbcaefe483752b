package executor

import (
	"context"

	"github.com/rs/zerolog/log"

	"cronflow/internal/domain"
)

const TypeLog = "log"

// Log delivers the payload by writing it to the application log.
type Log struct{}

func (Log) Type() string { return TypeLog }

func (Log) Run(ctx context.Context, t domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Info().
		Str("task_id", t.ID).
		Str("owner", t.Owner).
		Str("schedule", t.Schedule).
		Int("execution", t.ExecutionCount+1).
		Msg("scheduled task: " + t.Payload)
	return nil
}
