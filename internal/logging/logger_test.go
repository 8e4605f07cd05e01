package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imedwei/docker-backup/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "orchestrator").Info("Backup completed",
		"generation_id", "20260115_143000",
		"items", 4,
		"incremental", true,
		"duration", 1500*time.Millisecond,
		"error", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "Backup completed", line["message"])
	assert.Equal(t, "orchestrator", line["component"])
	assert.Equal(t, "20260115_143000", line["generation_id"])
	assert.EqualValues(t, 4, line["items"])
	assert.Equal(t, true, line["incremental"])
	assert.Equal(t, "1.5s", line["duration"])
	assert.Equal(t, "boom", line["error"])
	assert.Contains(t, line, "time")
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("also kept")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestNewLogger_InvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "loud"}, &buf)

	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestNewLogger_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "debug"}, &buf)

	logger.WithGroup("upload").With("remote", "s3").Debug("Uploaded",
		slog.Group("stats", "files", 3))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s3", lines[0]["upload.remote"])
	assert.EqualValues(t, 3, lines[0]["upload.stats.files"])
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "info", Format: "console"}, &buf)

	logger.Info("Restore started", "generation_id", "20260115_143000")

	out := buf.String()
	assert.Contains(t, out, "Restore started")
	assert.Contains(t, out, "generation_id=")
	assert.Contains(t, out, "20260115_143000")
}
