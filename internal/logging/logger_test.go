package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONFormatIncludesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf}).Component("executor")

	logger.Info("task finished", "task_id", "t1", "status", "completed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "task finished", record["msg"])
	assert.Equal(t, "executor", record["component"])
	assert.Equal(t, "t1", record["task_id"])
}

func TestNew_LevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Output: &buf})

	logger.Info("ignored")
	logger.Debug("ignored too")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseLevel(input), input)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Info("nothing happens")
	logger.Error("still nothing")
	assert.NotNil(t, logger.With("k", "v"))
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestOpenFile_AppendsToLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, closer, err := OpenFile(dir, Config{Level: "info"})
	require.NoError(t, err)
	logger.Info("first line")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "j5a.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "first line")
}
