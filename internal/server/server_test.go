package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/docker-backup/internal/backup"
	"github.com/imedwei/docker-backup/internal/health"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T) (*httptest.Server, *backup.Status) {
	t.Helper()
	status := backup.NewStatus(0)
	srv := httptest.NewServer(New(DefaultConfig(), status, health.NewChecker(), discard).Handler())
	t.Cleanup(srv.Close)
	return srv, status
}

func TestServer_Status(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snap backup.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, backup.PhaseIdle, snap.Phase)
	assert.False(t, snap.ETAKnown)
}

func TestServer_Control(t *testing.T) {
	srv, status := newTestServer(t)

	post := func(action string) *http.Response {
		t.Helper()
		resp, err := http.Post(srv.URL+"/control/"+action, "application/json", nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("pause")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap backup.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.True(t, snap.PauseRequested)

	post("resume")
	assert.False(t, status.Snapshot().PauseRequested)

	post("skip")
	assert.True(t, status.Snapshot().SkipRequested)

	post("cancel")
	assert.True(t, status.Snapshot().CancelRequested)

	assert.Equal(t, http.StatusNotFound, post("reboot").StatusCode)
}

func TestServer_ControlRequiresPost(t *testing.T) {
	srv, status := newTestServer(t)

	resp, err := http.Get(srv.URL + "/control/cancel")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.False(t, status.Snapshot().CancelRequested)
}

func TestServer_HealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for path, want := range map[string]int{
		"/health":  http.StatusOK,
		"/ready":   http.StatusOK,
		"/live":    http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}
