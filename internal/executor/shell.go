package executor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"cronflow/internal/domain"
)

const TypeShell = "shell"

// Shell runs a fixed command with the payload on stdin. The task id and
// owner are exported as CRONFLOW_TASK_ID and CRONFLOW_OWNER.
type Shell struct {
	Command string
	Args    []string
}

func NewShell(command string, args ...string) (*Shell, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	return &Shell{Command: command, Args: args}, nil
}

func (s *Shell) Type() string { return TypeShell }

func (s *Shell) Run(ctx context.Context, t domain.Task) error {
	cmd := exec.CommandContext(ctx, s.Command, s.Args...)
	cmd.Stdin = strings.NewReader(t.Payload)
	cmd.Env = append(cmd.Environ(), "CRONFLOW_TASK_ID="+t.ID, "CRONFLOW_OWNER="+t.Owner)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("shell error: %v; out=%s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
