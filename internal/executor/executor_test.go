package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronflow/internal/domain"
)

var task = domain.Task{ID: "tsk-1", Owner: "alice", Payload: "hello", Schedule: "*/5 * * * * *", ExecutionCount: 2}

func TestNewSelectsStrategy(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, TypeLog, e.Type())

	e, err = New(Config{Type: TypeWebhook, WebhookURL: "http://example.com/hook"})
	require.NoError(t, err)
	assert.Equal(t, TypeWebhook, e.Type())

	e, err = New(Config{Type: TypeShell, ShellCommand: "cat"})
	require.NoError(t, err)
	assert.Equal(t, TypeShell, e.Type())

	_, err = New(Config{Type: "carrier-pigeon"})
	assert.Error(t, err)
	_, err = New(Config{Type: TypeWebhook, WebhookURL: "ftp://nope"})
	assert.Error(t, err)
	_, err = New(Config{Type: TypeShell})
	assert.Error(t, err)

	assert.Equal(t, []string{"log", "shell", "webhook"}, Types())
}

func TestLogRespectsCancellation(t *testing.T) {
	require.NoError(t, Log{}.Run(context.Background(), task))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, Log{}.Run(ctx, task))
}

func TestWebhookPostsTask(t *testing.T) {
	var got webhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "tsk-1", r.Header.Get("X-Task-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, time.Second)
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background(), task))
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "hello", got.Message)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestWebhookErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, time.Second)
	require.NoError(t, err)
	err = w.Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestShellPipesPayload(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	s, err := NewShell("sh", "-c", `read line; [ "$line" = "hello" ] && [ "$CRONFLOW_OWNER" = "alice" ]`)
	require.NoError(t, err)
	assert.NoError(t, s.Run(context.Background(), task))

	failing, err := NewShell("sh", "-c", "echo nope; exit 3")
	require.NoError(t, err)
	err = failing.Run(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestFuncAdapter(t *testing.T) {
	called := false
	f := Func(func(ctx context.Context, tk domain.Task) error {
		called = tk.ID == "tsk-1"
		return nil
	})
	require.NoError(t, f.Run(context.Background(), task))
	assert.True(t, called)
	assert.Equal(t, "func", f.Type())
}
