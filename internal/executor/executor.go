// Package executor holds the pluggable strategies that perform a task's side
// effect when it fires.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cronflow/internal/domain"
)

// Executor runs one task. A nil error means the attempt succeeded.
type Executor interface {
	Run(ctx context.Context, t domain.Task) error
	// Type names the strategy for logs and metrics.
	Type() string
}

// Config selects and parameterizes a strategy.
type Config struct {
	Type         string
	Timeout      time.Duration
	WebhookURL   string
	ShellCommand string
	ShellArgs    []string
}

type factory func(Config) (Executor, error)

var registry = map[string]factory{
	TypeLog:     newLog,
	TypeWebhook: newWebhook,
	TypeShell:   newShell,
}

func newLog(Config) (Executor, error) { return Log{}, nil }

func newWebhook(c Config) (Executor, error) { return NewWebhook(c.WebhookURL, c.Timeout) }

func newShell(c Config) (Executor, error) { return NewShell(c.ShellCommand, c.ShellArgs...) }

// New builds the strategy named by c.Type.
func New(c Config) (Executor, error) {
	typ := c.Type
	if typ == "" {
		typ = TypeLog
	}
	f, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown executor type %q (known: %v)", c.Type, Types())
	}
	return f(c)
}

func Types() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Func adapts a function to Executor; handy for tests and embedding.
type Func func(ctx context.Context, t domain.Task) error

func (f Func) Run(ctx context.Context, t domain.Task) error { return f(ctx, t) }

func (Func) Type() string { return "func" }
