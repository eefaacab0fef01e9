package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/analyst/internal/config"
	"github.com/agentoven/analyst/pkg/server"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	cfg.Port = 0
	cfg.Completion.APIKey = "sk-test"
	cfg.Sandbox.APIKey = "e2b-test"
	cfg.Telemetry.Enabled = false
	cfg.Agent.PolicyFile = ""
	return cfg
}

func TestBuild(t *testing.T) {
	c, err := server.Build(testConfig(t))
	require.NoError(t, err)

	assert.NoError(t, c.Executor.Validate())
	assert.NotNil(t, c.Conversation)
	assert.Equal(t, 0, c.Sessions.Len())
	assert.Empty(t, c.Sandboxes.Live())
}

func TestBuild_PolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partial_placeholder: \"(draft)\"\n"), 0o600))

	cfg := testConfig(t)
	cfg.Agent.PolicyFile = path
	c, err := server.Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, "(draft)", c.Policy.PartialPlaceholder)

	cfg.Agent.PolicyFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = server.Build(cfg)
	assert.Error(t, err)
}

func TestNew_ServesHealth(t *testing.T) {
	srv, err := server.New(context.Background(), testConfig(t))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv, err := server.New(context.Background(), testConfig(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
